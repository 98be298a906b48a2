// Package sched 实现编译调度的四种协作策略：
//
// 1. 惰性编译：执行计数到阈值才触发编译（lazy.go）
// 2. 分层编译：解释器 -> 基线 -> 优化三层逐级提升（tiered.go）
// 3. 后台投机编译：空闲时按优先级预编译（speculative.go）
// 4. 多线程编译池：优先级任务队列 + 固定工作线程（pool.go）
//
// 每种策略可独立启用/停用，各自持有独立的临界区；策略之间没有
// 跨结构原子性保证。
package sched

import (
	"sync"

	"go.uber.org/atomic"
)

// DefaultLazyThreshold 惰性编译的默认执行阈值
const DefaultLazyThreshold = 10

// ============================================================================
// 惰性编译状态机
// ============================================================================

// LazyState 惰性编译状态
// 除显式重新登记外单调推进：NotCompiled -> Pending -> Compiling ->
// {Compiled | Failed}。Pending 之后的迁移由调用方驱动（实际降级由
// 调用方执行并回报结果）。
type LazyState int32

const (
	LazyNotCompiled LazyState = iota
	LazyPending
	LazyCompiling
	LazyCompiled
	LazyFailed
)

func (s LazyState) String() string {
	switch s {
	case LazyNotCompiled:
		return "not-compiled"
	case LazyPending:
		return "pending"
	case LazyCompiling:
		return "compiling"
	case LazyCompiled:
		return "compiled"
	case LazyFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LazyEntry 惰性编译登记项
type LazyEntry struct {
	Addr      uint64
	Code      []byte
	ExecCount int64
	Threshold int64
	State     LazyState
}

// LazyStats 惰性编译统计
type LazyStats struct {
	Registered int   `json:"registered"`
	Triggered  int64 `json:"triggered"`
	Compiled   int64 `json:"compiled"`
	Failed     int64 `json:"failed"`
}

// Lazy 惰性编译调度器
type Lazy struct {
	mu      sync.Mutex
	entries map[uint64]*LazyEntry
	enabled atomic.Bool

	triggered atomic.Int64
	compiled  atomic.Int64
	failed    atomic.Int64
}

// NewLazy 创建惰性编译调度器
func NewLazy() *Lazy {
	l := &Lazy{entries: make(map[uint64]*LazyEntry)}
	l.enabled.Store(true)
	return l
}

// SetEnabled 启用/停用
func (l *Lazy) SetEnabled(enabled bool) { l.enabled.Store(enabled) }

// Enabled 是否启用
func (l *Lazy) Enabled() bool { return l.enabled.Load() }

// Register 登记地址
// threshold <= 0 时使用默认阈值。重新登记会重置计数与状态，
// 这是 Failed 之后重试的唯一途径。
func (l *Lazy) Register(addr uint64, code []byte, threshold int64) {
	if threshold <= 0 {
		threshold = DefaultLazyThreshold
	}

	l.mu.Lock()
	l.entries[addr] = &LazyEntry{
		Addr:      addr,
		Code:      code,
		Threshold: threshold,
		State:     LazyNotCompiled,
	}
	l.mu.Unlock()
}

// RecordExecution 记录一次执行
// 计数递增后恰好到达阈值的那一次返回 true（之前与之后都返回
// false），同时状态进入 Pending。
func (l *Lazy) RecordExecution(addr uint64) bool {
	if !l.enabled.Load() {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[addr]
	if !ok || entry.State != LazyNotCompiled {
		if ok {
			entry.ExecCount++
		}
		return false
	}

	entry.ExecCount++
	if entry.ExecCount == entry.Threshold {
		entry.State = LazyPending
		l.triggered.Inc()
		return true
	}
	return false
}

// MarkCompiling 标记编译开始（Pending -> Compiling）
func (l *Lazy) MarkCompiling(addr uint64) bool {
	return l.transition(addr, LazyPending, LazyCompiling)
}

// MarkCompiled 标记编译成功（Compiling -> Compiled）
func (l *Lazy) MarkCompiled(addr uint64) bool {
	if l.transition(addr, LazyCompiling, LazyCompiled) {
		l.compiled.Inc()
		return true
	}
	return false
}

// MarkFailed 标记编译失败（Compiling -> Failed）
// Failed 不会自动重试；调用方需重新登记。
func (l *Lazy) MarkFailed(addr uint64) bool {
	if l.transition(addr, LazyCompiling, LazyFailed) {
		l.failed.Inc()
		return true
	}
	return false
}

func (l *Lazy) transition(addr uint64, from, to LazyState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[addr]
	if !ok || entry.State != from {
		return false
	}
	entry.State = to
	return true
}

// State 查询地址的状态
// 未登记的地址报告 NotCompiled。
func (l *Lazy) State(addr uint64) LazyState {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.entries[addr]; ok {
		return entry.State
	}
	return LazyNotCompiled
}

// Entry 查询登记项快照
func (l *Lazy) Entry(addr uint64) (LazyEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[addr]
	if !ok {
		return LazyEntry{}, false
	}
	return *entry, true
}

// Stats 统计快照
func (l *Lazy) Stats() LazyStats {
	l.mu.Lock()
	registered := len(l.entries)
	l.mu.Unlock()

	return LazyStats{
		Registered: registered,
		Triggered:  l.triggered.Load(),
		Compiled:   l.compiled.Load(),
		Failed:     l.failed.Load(),
	}
}

// ResetStats 重置统计计数
func (l *Lazy) ResetStats() {
	l.triggered.Store(0)
	l.compiled.Store(0)
	l.failed.Store(0)
}

// Clear 清空全部登记项
func (l *Lazy) Clear() {
	l.mu.Lock()
	l.entries = make(map[uint64]*LazyEntry)
	l.mu.Unlock()
}

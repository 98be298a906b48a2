// tiered.go - 分层编译
//
// 三层：解释器（0）、基线编译（1）、优化编译（2）。层级只升不降。
// 0 -> 1 在执行计数到达第一阈值时触发；1 -> 2 的计数从进入第 1 层
// 起重新累计，到达第二（更大的）阈值时触发。阈值有全局默认值，
// 也可按登记单独覆盖。

package sched

import (
	"sync"

	"go.uber.org/atomic"
)

// 分层编译的默认阈值
const (
	DefaultTier1Threshold = 10   // 解释器 -> 基线
	DefaultTier2Threshold = 1000 // 基线 -> 优化（自进入基线起计）
)

// Tier 编译层级
type Tier int32

const (
	TierInterpreter Tier = iota // 解释执行
	TierBaseline                // 基线编译
	TierOptimizing              // 优化编译
)

func (t Tier) String() string {
	switch t {
	case TierInterpreter:
		return "interpreter"
	case TierBaseline:
		return "baseline"
	case TierOptimizing:
		return "optimizing"
	default:
		return "unknown"
	}
}

// TieredEntry 分层编译登记项
type TieredEntry struct {
	Addr           uint64
	Tier           Tier
	ExecCount      int64 // 总执行计数
	CountSinceT1   int64 // 进入第 1 层后的执行计数
	Tier1Threshold int64
	Tier2Threshold int64
}

// TieredStats 分层编译统计
type TieredStats struct {
	Registered int   `json:"registered"`
	Promotions int64 `json:"promotions"`
	AtBaseline int   `json:"at_baseline"`
	AtOptimize int   `json:"at_optimize"`
}

// Tiered 分层编译调度器
type Tiered struct {
	mu      sync.Mutex
	entries map[uint64]*TieredEntry
	enabled atomic.Bool

	// 全局默认阈值
	tier1Threshold int64
	tier2Threshold int64

	promotions atomic.Int64
}

// NewTiered 创建分层编译调度器
// 阈值参数 <= 0 时使用默认值。
func NewTiered(tier1Threshold, tier2Threshold int64) *Tiered {
	if tier1Threshold <= 0 {
		tier1Threshold = DefaultTier1Threshold
	}
	if tier2Threshold <= 0 {
		tier2Threshold = DefaultTier2Threshold
	}
	t := &Tiered{
		entries:        make(map[uint64]*TieredEntry),
		tier1Threshold: tier1Threshold,
		tier2Threshold: tier2Threshold,
	}
	t.enabled.Store(true)
	return t
}

// SetEnabled 启用/停用
func (t *Tiered) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Enabled 是否启用
func (t *Tiered) Enabled() bool { return t.enabled.Load() }

// Register 登记地址并可覆盖阈值（<= 0 表示沿用全局默认）
func (t *Tiered) Register(addr uint64, tier1Threshold, tier2Threshold int64) {
	if tier1Threshold <= 0 {
		tier1Threshold = t.tier1Threshold
	}
	if tier2Threshold <= 0 {
		tier2Threshold = t.tier2Threshold
	}

	t.mu.Lock()
	t.entries[addr] = &TieredEntry{
		Addr:           addr,
		Tier:           TierInterpreter,
		Tier1Threshold: tier1Threshold,
		Tier2Threshold: tier2Threshold,
	}
	t.mu.Unlock()
}

// RecordExecution 记录一次执行，返回该地址当前应处的层级
// 未登记的地址按全局默认阈值自动登记。停用时返回当前层级不计数。
func (t *Tiered) RecordExecution(addr uint64) Tier {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[addr]
	if !ok {
		entry = &TieredEntry{
			Addr:           addr,
			Tier:           TierInterpreter,
			Tier1Threshold: t.tier1Threshold,
			Tier2Threshold: t.tier2Threshold,
		}
		t.entries[addr] = entry
	}

	if !t.enabled.Load() {
		return entry.Tier
	}

	entry.ExecCount++
	if entry.Tier >= TierBaseline {
		entry.CountSinceT1++
	}

	switch entry.Tier {
	case TierInterpreter:
		if entry.ExecCount >= entry.Tier1Threshold {
			return TierBaseline
		}
	case TierBaseline:
		if entry.CountSinceT1 >= entry.Tier2Threshold {
			return TierOptimizing
		}
	}
	return entry.Tier
}

// Promote 将地址提升到目标层级
// 已达到或超过目标层级时为幂等操作；层级永不下降。
func (t *Tiered) Promote(addr uint64, target Tier) Tier {
	if target > TierOptimizing {
		target = TierOptimizing
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[addr]
	if !ok {
		entry = &TieredEntry{
			Addr:           addr,
			Tier:           TierInterpreter,
			Tier1Threshold: t.tier1Threshold,
			Tier2Threshold: t.tier2Threshold,
		}
		t.entries[addr] = entry
	}

	if target <= entry.Tier {
		return entry.Tier
	}

	// 进入基线层时重置 1 -> 2 的计数起点
	if entry.Tier < TierBaseline && target >= TierBaseline {
		entry.CountSinceT1 = 0
	}
	entry.Tier = target
	t.promotions.Inc()
	return entry.Tier
}

// Tier 查询地址当前层级
// 未登记的地址处于解释器层。
func (t *Tiered) Tier(addr uint64) Tier {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.entries[addr]; ok {
		return entry.Tier
	}
	return TierInterpreter
}

// Entry 查询登记项快照
func (t *Tiered) Entry(addr uint64) (TieredEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[addr]
	if !ok {
		return TieredEntry{}, false
	}
	return *entry, true
}

// Stats 统计快照
func (t *Tiered) Stats() TieredStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := TieredStats{
		Registered: len(t.entries),
		Promotions: t.promotions.Load(),
	}
	for _, entry := range t.entries {
		switch entry.Tier {
		case TierBaseline:
			s.AtBaseline++
		case TierOptimizing:
			s.AtOptimize++
		}
	}
	return s
}

// ResetStats 重置统计计数
func (t *Tiered) ResetStats() {
	t.promotions.Store(0)
}

// Clear 清空全部登记项
func (t *Tiered) Clear() {
	t.mu.Lock()
	t.entries = make(map[uint64]*TieredEntry)
	t.mu.Unlock()
}

// speculative.go - 后台投机编译
//
// 优先级队列接收两类候选：普通投机候选（任意优先级分值）与跳转目标
// 候选（很可能马上执行，同分值时排在普通候选之前，并叠加可配置的
// 优先级加成）。空闲时调用 ProcessIdle 按优先级从高到低排空若干项。
//
// RecordExecution 跟踪每个块的执行计数；计数到达热阈值的块成为
// 投机种子，调用方沿其控制流向前至多 Depth 个块提交候选。
//
// 队列容量为硬上限：超限的提交被拒绝并返回错误，而不是从队列中间
// 悄悄丢弃。编译失败的候选不标记 Compiled，之后仍可再次投机。

package sched

import (
	"container/heap"
	"errors"
	"sync"

	"go.uber.org/atomic"
)

// 投机编译的默认配置
const (
	DefaultSpeculativeQueueCap = 1024 // 队列容量硬上限
	DefaultSpeculativeDepth    = 4    // 投机深度（沿控制流向前看的块数）
	DefaultSpeculativeHotBar   = 50   // 热执行阈值
	DefaultBranchBoost         = 100  // 跳转目标候选的优先级加成
)

// ErrQueueFull 投机队列已满
var ErrQueueFull = errors.New("sched: speculative queue is full")

// SpeculativeConfig 投机编译配置
type SpeculativeConfig struct {
	QueueCap     int // 队列容量（<= 0 用默认值）
	Depth        int // 投机深度
	HotThreshold int // 热执行阈值
	BranchBoost  int // 跳转目标加成
}

func (c *SpeculativeConfig) fillDefaults() {
	if c.QueueCap <= 0 {
		c.QueueCap = DefaultSpeculativeQueueCap
	}
	if c.Depth <= 0 {
		c.Depth = DefaultSpeculativeDepth
	}
	if c.HotThreshold <= 0 {
		c.HotThreshold = DefaultSpeculativeHotBar
	}
	if c.BranchBoost <= 0 {
		c.BranchBoost = DefaultBranchBoost
	}
}

// SpeculativeItem 投机编译候选
type SpeculativeItem struct {
	Addr         uint64
	Code         []byte
	Priority     int  // 有效优先级（跳转目标候选已含加成）
	BranchTarget bool // 是否为跳转目标候选
	seq          int64
}

// SpeculativeStats 投机编译统计
type SpeculativeStats struct {
	Queued    int   `json:"queued"`
	Enqueued  int64 `json:"enqueued"`
	Rejected  int64 `json:"rejected"`
	Processed int64 `json:"processed"`
	Compiled  int64 `json:"compiled"`
	Failed    int64 `json:"failed"`
	Hits      int64 `json:"hits"`
	Seeds     int64 `json:"seeds"`
}

// CompileFunc 实际执行降级的回调
// 由调用方注入；本调度器不解释编译产物。
type CompileFunc func(addr uint64, code []byte) error

// Speculative 后台投机编译调度器
type Speculative struct {
	mu         sync.Mutex
	cfg        SpeculativeConfig
	queue      specHeap
	queued     map[uint64]struct{}
	compiled   map[uint64]struct{}
	execCounts map[uint64]int
	compile    CompileFunc
	seq        int64
	enabled    atomic.Bool

	enqueued  atomic.Int64
	rejected  atomic.Int64
	processed atomic.Int64
	compiledN atomic.Int64
	failedN   atomic.Int64
	hits      atomic.Int64
	seeds     atomic.Int64
}

// NewSpeculative 创建投机编译调度器
func NewSpeculative(cfg SpeculativeConfig, compile CompileFunc) *Speculative {
	cfg.fillDefaults()
	s := &Speculative{
		cfg:        cfg,
		queued:     make(map[uint64]struct{}),
		compiled:   make(map[uint64]struct{}),
		execCounts: make(map[uint64]int),
		compile:    compile,
	}
	s.enabled.Store(true)
	return s
}

// SetEnabled 启用/停用
func (s *Speculative) SetEnabled(enabled bool) { s.enabled.Store(enabled) }

// Enabled 是否启用
func (s *Speculative) Enabled() bool { return s.enabled.Load() }

// Config 配置快照
func (s *Speculative) Config() SpeculativeConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// RecordExecution 记录一次块执行
// 计数恰好到达热阈值的那一次返回 true：该块成为投机种子，调用方
// 应沿其控制流向前（至多 Depth 个块）提交投机候选。之前与之后都
// 返回 false。
func (s *Speculative) RecordExecution(addr uint64) bool {
	if !s.enabled.Load() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.execCounts[addr]++
	if s.execCounts[addr] == s.cfg.HotThreshold {
		s.seeds.Inc()
		return true
	}
	return false
}

// Enqueue 提交普通投机候选
func (s *Speculative) Enqueue(addr uint64, code []byte, priority int) error {
	return s.enqueue(addr, code, priority, false)
}

// EnqueueBranchTarget 提交跳转目标候选
// 同分值时排在普通候选之前，并叠加配置的优先级加成。
func (s *Speculative) EnqueueBranchTarget(addr uint64, code []byte, priority int) error {
	return s.enqueue(addr, code, priority+s.cfg.BranchBoost, true)
}

func (s *Speculative) enqueue(addr uint64, code []byte, priority int, branchTarget bool) error {
	if !s.enabled.Load() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 已编译或已在队列中的地址不重复排队
	if _, ok := s.compiled[addr]; ok {
		return nil
	}
	if _, ok := s.queued[addr]; ok {
		return nil
	}

	if s.queue.Len() >= s.cfg.QueueCap {
		s.rejected.Inc()
		return ErrQueueFull
	}

	s.seq++
	heap.Push(&s.queue, &SpeculativeItem{
		Addr:         addr,
		Code:         code,
		Priority:     priority,
		BranchTarget: branchTarget,
		seq:          s.seq,
	})
	s.queued[addr] = struct{}{}
	s.enqueued.Inc()
	return nil
}

// ProcessIdle 排空至多 maxCount 个最高优先级候选
// 每个成功编译的候选标记为 Compiled；失败的候选不标记，之后仍可
// 再次提交。返回实际处理的数量。
func (s *Speculative) ProcessIdle(maxCount int) int {
	if !s.enabled.Load() || maxCount <= 0 {
		return 0
	}

	processed := 0
	for processed < maxCount {
		s.mu.Lock()
		if s.queue.Len() == 0 {
			s.mu.Unlock()
			break
		}
		item := heap.Pop(&s.queue).(*SpeculativeItem)
		delete(s.queued, item.Addr)
		s.mu.Unlock()

		processed++
		s.processed.Inc()

		// 降级在锁外执行
		var err error
		if s.compile != nil {
			err = s.compile(item.Addr, item.Code)
		}
		if err != nil {
			s.failedN.Inc()
			continue
		}

		s.mu.Lock()
		s.compiled[item.Addr] = struct{}{}
		s.mu.Unlock()
		s.compiledN.Inc()
	}
	return processed
}

// RecordHit 记录投机编译的块被实际执行到
// 用于衡量投机有效性。
func (s *Speculative) RecordHit(addr uint64) bool {
	s.mu.Lock()
	_, ok := s.compiled[addr]
	s.mu.Unlock()

	if ok {
		s.hits.Inc()
	}
	return ok
}

// QueueLen 当前队列长度
func (s *Speculative) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Stats 统计快照
func (s *Speculative) Stats() SpeculativeStats {
	s.mu.Lock()
	queued := s.queue.Len()
	s.mu.Unlock()

	return SpeculativeStats{
		Queued:    queued,
		Enqueued:  s.enqueued.Load(),
		Rejected:  s.rejected.Load(),
		Processed: s.processed.Load(),
		Compiled:  s.compiledN.Load(),
		Failed:    s.failedN.Load(),
		Hits:      s.hits.Load(),
		Seeds:     s.seeds.Load(),
	}
}

// ResetStats 重置统计计数
func (s *Speculative) ResetStats() {
	s.enqueued.Store(0)
	s.rejected.Store(0)
	s.processed.Store(0)
	s.compiledN.Store(0)
	s.failedN.Store(0)
	s.hits.Store(0)
	s.seeds.Store(0)
}

// Clear 清空队列、Compiled 标记与执行计数
func (s *Speculative) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = nil
	s.queued = make(map[uint64]struct{})
	s.compiled = make(map[uint64]struct{})
	s.execCounts = make(map[uint64]int)
}

// ============================================================================
// 优先级堆
// ============================================================================

// specHeap 最大堆：优先级高者先出，同分值跳转目标优先，再按提交顺序
type specHeap []*SpeculativeItem

func (h specHeap) Len() int { return len(h) }

func (h specHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if h[i].BranchTarget != h[j].BranchTarget {
		return h[i].BranchTarget
	}
	return h[i].seq < h[j].seq
}

func (h specHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *specHeap) Push(x any) { *h = append(*h, x.(*SpeculativeItem)) }

func (h *specHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Package regalloc 实现寄存器活跃性分析与分配辅助。
//
// 分析分两级：
// 1. 单块汇总：块内先读后写（或从未写）的寄存器记入 use 集合，
//    每次写保守地记入 modified 集合
// 2. 跨块传播：在显式的块间边图上做反向数据流不动点，
//    live-out(b) = ∪ live-in(succ(b))，
//    live-in(b)  = (live-out(b) − modified(b)) ∪ use(b)，
//    一整轮无变化即收敛
//
// 三类寄存器（通用 / 浮点 / 向量）各自独立跟踪，位掩码表示。
package regalloc

import (
	"math/bits"
	"sync"

	"github.com/tangzhangming/celljit/internal/isa"
)

// DefaultRegisterBudget 每类物理寄存器预算的默认值
// 实现参数而非契约；可在创建时覆盖。
const DefaultRegisterBudget = 32

// LivenessInfo 单块活跃性汇总
type LivenessInfo struct {
	BlockAddr uint64
	Use       [isa.NumRegClasses]uint64 // 先读后写的寄存器
	Modified  [isa.NumRegClasses]uint64 // 块内被写的寄存器
	LiveIn    [isa.NumRegClasses]uint64 // 入口活跃
	LiveOut   [isa.NumRegClasses]uint64 // 出口活跃
}

// Stats 分析器统计
type Stats struct {
	Blocks          int `json:"blocks"`
	Edges           int `json:"edges"`
	Passes          int `json:"passes"`
	LiveSpills      int `json:"live_spills"`
	RecycledOffsets int `json:"recycled_offsets"`
	Coalesced       int `json:"coalesced"`
}

// Analyzer 活跃性与分配分析器
type Analyzer struct {
	mu     sync.RWMutex
	kind   isa.StreamKind
	budget int

	blocks map[uint64]*LivenessInfo
	succs  map[uint64][]uint64
	passes int

	// 溢出槽状态（见 spill.go）
	slots       map[int]*SpillSlot
	nextSlotID  int
	nextOffset  int64
	freeOffsets []int64
	recycled    int

	// 复写合并状态（见 coalesce.go）
	copies    []copyRecord
	coalesced map[coalesceKey]uint32
}

// New 创建分析器
// budget <= 0 时使用 DefaultRegisterBudget。
func New(kind isa.StreamKind, budget int) *Analyzer {
	if budget <= 0 {
		budget = DefaultRegisterBudget
	}
	return &Analyzer{
		kind:      kind,
		budget:    budget,
		blocks:    make(map[uint64]*LivenessInfo),
		succs:     make(map[uint64][]uint64),
		slots:     make(map[int]*SpillSlot),
		coalesced: make(map[coalesceKey]uint32),
	}
}

// AnalyzeBlock 计算单块活跃性汇总
// 再次分析同一地址会替换旧汇总（块失效后重分析的场景）。
func (a *Analyzer) AnalyzeBlock(addr uint64, instructions []isa.Instruction) *LivenessInfo {
	info := &LivenessInfo{BlockAddr: addr}

	for _, ins := range instructions {
		ops := ins.RegOps(a.kind)
		for c := 0; c < isa.NumRegClasses; c++ {
			// 先读后写：尚未被写过的读记入 use
			info.Use[c] |= ops.Reads[c] &^ info.Modified[c]
			info.Modified[c] |= ops.Writes[c]
		}
	}

	// 跨块传播前的初值：live-in 即块内自身需要
	for c := 0; c < isa.NumRegClasses; c++ {
		info.LiveIn[c] = info.Use[c]
	}

	a.mu.Lock()
	a.blocks[addr] = info
	a.mu.Unlock()
	return info
}

// AddEdge 添加块间控制流边 from -> to
func (a *Analyzer) AddEdge(from, to uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.succs[from] {
		if s == to {
			return
		}
	}
	a.succs[from] = append(a.succs[from], to)
}

// PropagateLiveness 执行一整轮反向数据流传播
// 返回这一轮是否没有任何掩码变化（已收敛）。调用方循环调用直到
// 返回 true；PropagateToFixpoint 是现成的循环封装。
func (a *Analyzer) PropagateLiveness() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.passes++
	changed := false

	for addr, info := range a.blocks {
		for c := 0; c < isa.NumRegClasses; c++ {
			// live-out = ∪ live-in(successors)
			var out uint64
			for _, succ := range a.succs[addr] {
				if si, ok := a.blocks[succ]; ok {
					out |= si.LiveIn[c]
				}
			}
			if out != info.LiveOut[c] {
				info.LiveOut[c] = out
				changed = true
			}

			// live-in = (live-out − modified) ∪ use
			in := (info.LiveOut[c] &^ info.Modified[c]) | info.Use[c]
			if in != info.LiveIn[c] {
				info.LiveIn[c] = in
				changed = true
			}
		}
	}
	return !changed
}

// PropagateToFixpoint 循环传播直到收敛或达到轮数上限
// 返回是否收敛。掩码单调增长，块数 × 类别数给出轮数的自然上界。
func (a *Analyzer) PropagateToFixpoint(maxPasses int) bool {
	if maxPasses <= 0 {
		a.mu.RLock()
		maxPasses = len(a.blocks)*isa.NumRegClasses + 1
		a.mu.RUnlock()
	}
	for i := 0; i < maxPasses; i++ {
		if a.PropagateLiveness() {
			return true
		}
	}
	return false
}

// LiveIn 查询块的入口活跃掩码
func (a *Analyzer) LiveIn(addr uint64, class isa.RegClass) (uint64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	info, ok := a.blocks[addr]
	if !ok {
		return 0, false
	}
	return info.LiveIn[class], true
}

// LiveOut 查询块的出口活跃掩码
func (a *Analyzer) LiveOut(addr uint64, class isa.RegClass) (uint64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	info, ok := a.blocks[addr]
	if !ok {
		return 0, false
	}
	return info.LiveOut[class], true
}

// NeedsSpill 寄存器在块内是否因压力需要溢出
// 压力按 live-in ∪ live-out 的位数对物理预算衡量；只有压力超限
// 且该寄存器本身在活跃集合中时才需要溢出。
func (a *Analyzer) NeedsSpill(addr uint64, reg uint32, class isa.RegClass) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	info, ok := a.blocks[addr]
	if !ok {
		return false
	}
	live := info.LiveIn[class] | info.LiveOut[class]
	if live&(1<<(uint64(reg)&63)) == 0 {
		return false
	}
	return bits.OnesCount64(live) > a.budget
}

// Stats 统计快照
func (a *Analyzer) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	edges := 0
	for _, s := range a.succs {
		edges += len(s)
	}
	live := 0
	for _, slot := range a.slots {
		if !slot.free {
			live++
		}
	}
	return Stats{
		Blocks:          len(a.blocks),
		Edges:           edges,
		Passes:          a.passes,
		LiveSpills:      live,
		RecycledOffsets: a.recycled,
		Coalesced:       len(a.coalesced),
	}
}

// Clear 清空全部分析状态
func (a *Analyzer) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.blocks = make(map[uint64]*LivenessInfo)
	a.succs = make(map[uint64][]uint64)
	a.passes = 0
	a.slots = make(map[int]*SpillSlot)
	a.nextSlotID = 0
	a.nextOffset = 0
	a.freeOffsets = nil
	a.recycled = 0
	a.copies = nil
	a.coalesced = make(map[coalesceKey]uint32)
}

// btb.go - 间接跳转目标缓冲（Branch Target Buffer）
//
// 每条间接跳转一个表项。表项以单态（只见过一个目标）创建；观测到第
// 二个不同目标时提升为多态，此后不再回退（除非显式清除）。多态表项
// 最多保留 MaxPolymorphicTargets 个最近目标，更早的目标被丢弃。
//
// 由于多态调用点的不同目标可能各自有独立的编译产物，编译代码指针
// 按 (跳转, 目标) 维度独立存取。

package branch

import (
	"sync"

	"go.uber.org/atomic"
)

// MaxPolymorphicTargets 多态表项保留的最近目标数量
const MaxPolymorphicTargets = 4

// BTBEntry BTB 表项
type BTBEntry struct {
	BranchAddr  uint64            // 跳转指令地址
	targets     []uint64          // 观测目标，最近的在末尾
	polymorphic bool              // 是否已提升为多态
	compiled    map[uint64][]byte // 目标 -> 编译代码
}

// Current 最近验证过的目标
func (e *BTBEntry) Current() uint64 {
	if len(e.targets) == 0 {
		return 0
	}
	return e.targets[len(e.targets)-1]
}

// Polymorphic 是否为多态
func (e *BTBEntry) Polymorphic() bool {
	return e.polymorphic
}

// Targets 观测目标快照（最近的在末尾）
func (e *BTBEntry) Targets() []uint64 {
	out := make([]uint64, len(e.targets))
	copy(out, e.targets)
	return out
}

func (e *BTBEntry) hasTarget(target uint64) bool {
	for _, t := range e.targets {
		if t == target {
			return true
		}
	}
	return false
}

func (e *BTBEntry) observe(target uint64) {
	if e.hasTarget(target) {
		// 已知目标：移到末尾成为最近目标
		for i, t := range e.targets {
			if t == target {
				e.targets = append(e.targets[:i], e.targets[i+1:]...)
				break
			}
		}
		e.targets = append(e.targets, target)
		return
	}

	// 第二个不同目标：提升为多态，永不自动回退
	if len(e.targets) > 0 {
		e.polymorphic = true
	}
	e.targets = append(e.targets, target)
	if len(e.targets) > MaxPolymorphicTargets {
		dropped := e.targets[0]
		e.targets = e.targets[1:]
		delete(e.compiled, dropped)
	}
}

// BTBStats BTB 统计
type BTBStats struct {
	Entries     int   `json:"entries"`
	Polymorphic int   `json:"polymorphic"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Updates     int64 `json:"updates"`
}

// BTB 间接跳转目标缓冲
type BTB struct {
	mu      sync.RWMutex
	entries map[uint64]*BTBEntry

	hits    atomic.Int64
	misses  atomic.Int64
	updates atomic.Int64
}

// NewBTB 创建 BTB
func NewBTB() *BTB {
	return &BTB{entries: make(map[uint64]*BTBEntry)}
}

// Add 记录观测到的跳转目标，首个目标创建单态表项
func (b *BTB) Add(branchAddr, targetAddr uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.entries[branchAddr]
	if entry == nil {
		entry = &BTBEntry{
			BranchAddr: branchAddr,
			compiled:   make(map[uint64][]byte),
		}
		b.entries[branchAddr] = entry
	}
	entry.observe(targetAddr)
}

// Lookup 查找最近验证过的目标
func (b *BTB) Lookup(branchAddr uint64) (uint64, bool) {
	b.mu.RLock()
	entry, ok := b.entries[branchAddr]
	var target uint64
	if ok {
		target = entry.Current()
	}
	b.mu.RUnlock()

	if !ok || target == 0 {
		b.misses.Inc()
		return 0, false
	}
	b.hits.Inc()
	return target, true
}

// Update 上报实际目标
// 与已存目标不同则提升为多态；表项不存在时等价于 Add。
func (b *BTB) Update(branchAddr, actualTarget uint64) {
	b.updates.Inc()
	b.Add(branchAddr, actualTarget)
}

// Validate 校验已存目标是否与期望一致
func (b *BTB) Validate(branchAddr, expectedTarget uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[branchAddr]
	return ok && entry.Current() == expectedTarget
}

// Entry 查询表项快照
func (b *BTB) Entry(branchAddr uint64) (current uint64, polymorphic, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, found := b.entries[branchAddr]
	if !found {
		return 0, false, false
	}
	return entry.Current(), entry.polymorphic, true
}

// Invalidate 移除跳转的表项
func (b *BTB) Invalidate(branchAddr uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[branchAddr]; !ok {
		return false
	}
	delete(b.entries, branchAddr)
	return true
}

// InvalidateTarget 移除所有缓存目标等于 targetAddr 的表项状态
//
// 当前目标命中时整个表项被移除；多态表项的历史目标命中时仅剥离该
// 目标及其编译代码关联。用于自修改代码与目标代码被淘汰的场景。
func (b *BTB) InvalidateTarget(targetAddr uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for addr, entry := range b.entries {
		if entry.Current() == targetAddr {
			delete(b.entries, addr)
			removed++
			continue
		}
		if entry.hasTarget(targetAddr) {
			for i, t := range entry.targets {
				if t == targetAddr {
					entry.targets = append(entry.targets[:i], entry.targets[i+1:]...)
					break
				}
			}
			delete(entry.compiled, targetAddr)
		}
	}
	return removed
}

// SetCompiled 关联 (跳转, 目标) 的编译代码
func (b *BTB) SetCompiled(branchAddr, targetAddr uint64, code []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[branchAddr]
	if !ok || !entry.hasTarget(targetAddr) {
		return false
	}
	entry.compiled[targetAddr] = code
	return true
}

// CompiledFor 取回 (跳转, 目标) 的编译代码
func (b *BTB) CompiledFor(branchAddr, targetAddr uint64) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[branchAddr]
	if !ok {
		return nil, false
	}
	code, ok := entry.compiled[targetAddr]
	return code, ok
}

// Stats 统计快照
func (b *BTB) Stats() BTBStats {
	b.mu.RLock()
	entries := len(b.entries)
	poly := 0
	for _, e := range b.entries {
		if e.polymorphic {
			poly++
		}
	}
	b.mu.RUnlock()

	return BTBStats{
		Entries:     entries,
		Polymorphic: poly,
		Hits:        b.hits.Load(),
		Misses:      b.misses.Load(),
		Updates:     b.updates.Load(),
	}
}

// ResetStats 重置统计计数
func (b *BTB) ResetStats() {
	b.hits.Store(0)
	b.misses.Store(0)
	b.updates.Store(0)
}

// Clear 清空全部表项
func (b *BTB) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[uint64]*BTBEntry)
}

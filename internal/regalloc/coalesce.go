// coalesce.go - 复写合并
//
// 寄存器间复制（mr 类指令）在源与目的活跃范围不相交时可以消除：
// 目的寄存器直接重映射到源寄存器。活跃范围按块粒度近似：任何块的
// live-in ∪ live-out 同时包含两者即视为相交，保守放弃。

package regalloc

import (
	"github.com/tangzhangming/celljit/internal/isa"
)

type copyRecord struct {
	blockAddr uint64
	dst       uint32
	src       uint32
	class     isa.RegClass
}

type coalesceKey struct {
	reg   uint32
	class isa.RegClass
}

// RecordCopy 登记一条待合并的寄存器间复制
func (a *Analyzer) RecordCopy(blockAddr uint64, dst, src uint32, class isa.RegClass) {
	if dst == src {
		return
	}
	a.mu.Lock()
	a.copies = append(a.copies, copyRecord{blockAddr, dst, src, class})
	a.mu.Unlock()
}

// CoalesceCopies 合并活跃范围不相交的复制
// 返回消除的复制数量。结果经 Coalesced 查询。
func (a *Analyzer) CoalesceCopies() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	eliminated := 0
	remaining := a.copies[:0]
	for _, cp := range a.copies {
		if a.rangesOverlapLocked(cp.dst, cp.src, cp.class) {
			remaining = append(remaining, cp)
			continue
		}
		a.coalesced[coalesceKey{cp.dst, cp.class}] = cp.src
		eliminated++
	}
	a.copies = remaining
	return eliminated
}

// rangesOverlapLocked 两个寄存器的活跃范围是否在任一块相交
func (a *Analyzer) rangesOverlapLocked(x, y uint32, class isa.RegClass) bool {
	bx := uint64(1) << (x & 63)
	by := uint64(1) << (y & 63)
	for _, info := range a.blocks {
		live := info.LiveIn[class] | info.LiveOut[class]
		if live&bx != 0 && live&by != 0 {
			return true
		}
	}
	return false
}

// Coalesced 查询寄存器是否被重映射
// 已合并时返回映射后的源寄存器。
func (a *Analyzer) Coalesced(reg uint32, class isa.RegClass) (uint32, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	src, ok := a.coalesced[coalesceKey{reg, class}]
	return src, ok
}

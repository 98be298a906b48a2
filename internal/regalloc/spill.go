// spill.go - 溢出槽管理
//
// 寄存器被迫让出物理槽位时分配一个栈偏移（新偏移或回收的旧偏移），
// 值被重新装载（fill）后槽位标记为可复用。
//
// 不变量：同一偏移不会同时被两个存活的溢出槽引用。

package regalloc

import (
	"github.com/tangzhangming/celljit/internal/isa"
)

// SlotSize 单个溢出槽的字节数
// 统一按最宽的向量寄存器留足空间。
const SlotSize = 16

// SpillSlot 溢出槽
type SpillSlot struct {
	ID        int          // 槽标识
	Register  uint32       // 被溢出的寄存器
	Class     isa.RegClass // 寄存器类别
	Offset    int64        // 栈偏移
	OwnerAddr uint64       // 触发溢出的指令地址
	free      bool         // 值已装回，偏移可复用
}

// AllocateSpill 分配溢出槽
// 优先复用已释放的偏移，否则开辟新偏移。返回槽标识。
func (a *Analyzer) AllocateSpill(reg uint32, class isa.RegClass, addr uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var offset int64
	if n := len(a.freeOffsets); n > 0 {
		offset = a.freeOffsets[n-1]
		a.freeOffsets = a.freeOffsets[:n-1]
		a.recycled++
	} else {
		offset = a.nextOffset
		a.nextOffset += SlotSize
	}

	id := a.nextSlotID
	a.nextSlotID++
	a.slots[id] = &SpillSlot{
		ID:        id,
		Register:  reg,
		Class:     class,
		Offset:    offset,
		OwnerAddr: addr,
	}
	return id
}

// FreeSpill 标记溢出槽的值已装回
// 偏移归还空闲表供后续分配复用。重复释放或未知槽返回 false。
func (a *Analyzer) FreeSpill(slotID int, addr uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.slots[slotID]
	if !ok || slot.free {
		return false
	}
	slot.free = true
	slot.OwnerAddr = addr
	a.freeOffsets = append(a.freeOffsets, slot.Offset)
	return true
}

// SpillOffset 查询溢出槽的栈偏移
func (a *Analyzer) SpillOffset(slotID int) (int64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	slot, ok := a.slots[slotID]
	if !ok {
		return 0, false
	}
	return slot.Offset, true
}

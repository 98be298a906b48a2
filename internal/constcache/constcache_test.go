// constcache_test.go - 常量传播缓存测试

package constcache

import "testing"

// TestImmediate 测试立即数子缓存
func TestImmediate(t *testing.T) {
	c := New()

	c.SetImmediate(0x1000, 42)
	value, ok := c.Immediate(0x1000)
	if !ok || value != 42 {
		t.Fatalf("Immediate = %d, %v, want 42, true", value, ok)
	}

	if _, ok := c.Immediate(0x2000); ok {
		t.Error("absent immediate should miss")
	}

	c.InvalidateImmediate(0x1000)
	if _, ok := c.Immediate(0x1000); ok {
		t.Error("invalidated immediate should miss")
	}
}

// TestRegister 测试寄存器子缓存与 is_constant 标记
func TestRegister(t *testing.T) {
	c := New()

	c.SetRegister(0x1000, 3, 7, true)
	c.SetRegister(0x1000, 4, 9, false)

	value, isConst, ok := c.Register(0x1000, 3)
	if !ok || value != 7 || !isConst {
		t.Fatalf("Register(r3) = %d, %v, %v, want 7, true, true", value, isConst, ok)
	}
	value, isConst, ok = c.Register(0x1000, 4)
	if !ok || value != 9 || isConst {
		t.Fatalf("Register(r4) = %d, %v, %v, want 9, false, true", value, isConst, ok)
	}

	// 另一块的同名寄存器互不影响
	if _, _, ok := c.Register(0x2000, 3); ok {
		t.Error("register of a different block should miss")
	}
}

// TestInvalidateBlockRegisters 测试按块整体失效
func TestInvalidateBlockRegisters(t *testing.T) {
	c := New()
	c.SetRegister(0x1000, 3, 1, true)
	c.SetRegister(0x1000, 4, 2, true)
	c.SetRegister(0x2000, 3, 3, true)

	removed := c.InvalidateBlockRegisters(0x1000)
	if removed != 2 {
		t.Errorf("InvalidateBlockRegisters removed %d, want 2", removed)
	}
	if _, _, ok := c.Register(0x1000, 3); ok {
		t.Error("register of invalidated block should miss")
	}
	if _, _, ok := c.Register(0x2000, 3); !ok {
		t.Error("register of other block should survive")
	}
}

// TestMemoryRange 测试存储范围与缓存项的重叠失效
func TestMemoryRange(t *testing.T) {
	c := New()
	c.SetMemory(0x100, 1, 4) // [0x100, 0x104)
	c.SetMemory(0x104, 2, 4) // [0x104, 0x108)
	c.SetMemory(0x10c, 3, 2) // [0x10c, 0x10e)

	// 宽度 4 的存储命中 0x102：与前两项重叠
	removed := c.InvalidateMemoryRange(0x102, 4)
	if removed != 2 {
		t.Fatalf("InvalidateMemoryRange removed %d, want 2", removed)
	}
	if _, _, ok := c.Memory(0x100); ok {
		t.Error("overlapping entry at 0x100 should be invalidated")
	}
	if _, _, ok := c.Memory(0x104); ok {
		t.Error("overlapping entry at 0x104 should be invalidated")
	}
	if _, _, ok := c.Memory(0x10c); !ok {
		t.Error("non-overlapping entry should survive")
	}
}

// TestInvalidateMemorySingle 测试单地址失效考虑缓存项宽度
func TestInvalidateMemorySingle(t *testing.T) {
	c := New()
	c.SetMemory(0x100, 1, 8) // [0x100, 0x108)

	// 单字节存储落入缓存项中部
	c.InvalidateMemory(0x105)
	if _, _, ok := c.Memory(0x100); ok {
		t.Error("a one-byte store inside the cached range should invalidate it")
	}
}

// TestStats 测试统计
func TestStats(t *testing.T) {
	c := New()
	c.SetImmediate(0x1000, 1)
	c.Immediate(0x1000)
	c.Immediate(0x2000)
	c.InvalidateImmediate(0x1000)

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Invalidations != 1 {
		t.Errorf("Stats = %+v", s)
	}

	c.Clear()
	if s := c.Stats(); s.Immediates != 0 || s.Registers != 0 || s.Memory != 0 {
		t.Errorf("Stats after clear = %+v", s)
	}
}

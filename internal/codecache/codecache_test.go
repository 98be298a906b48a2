// codecache_test.go - 代码缓存与断点注册表测试

package codecache

import (
	"errors"
	"testing"
)

// TestInsertLookup 测试插入与查找
func TestInsertLookup(t *testing.T) {
	c := New(0)

	if err := c.Insert(0x1000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	artifact, ok := c.Lookup(0x1000)
	if !ok || len(artifact) != 4 {
		t.Fatalf("Lookup = %v, %v, want 4-byte artifact", artifact, ok)
	}

	if _, ok := c.Lookup(0x2000); ok {
		t.Error("Lookup of absent address should miss")
	}
}

// TestInsertDuplicate 测试同一地址最多一个缓存项
func TestInsertDuplicate(t *testing.T) {
	c := New(0)

	if err := c.Insert(0x1000, []byte{1}); err != nil {
		t.Fatalf("first Insert failed: %v", err)
	}
	err := c.Insert(0x1000, []byte{2})
	if !errors.Is(err, ErrAlreadyPresent) {
		t.Fatalf("second Insert = %v, want ErrAlreadyPresent", err)
	}

	// 原产物保持不变
	artifact, _ := c.Lookup(0x1000)
	if artifact[0] != 1 {
		t.Error("duplicate insert must not overwrite the original artifact")
	}
}

// TestInsertInvalid 测试无效输入被拒绝且不改变状态
func TestInsertInvalid(t *testing.T) {
	c := New(0)

	if err := c.Insert(0x1000, nil); !errors.Is(err, ErrEmptyArtifact) {
		t.Errorf("Insert(nil) = %v, want ErrEmptyArtifact", err)
	}
	if err := c.Insert(0x1000, []byte{}); !errors.Is(err, ErrEmptyArtifact) {
		t.Errorf("Insert(empty) = %v, want ErrEmptyArtifact", err)
	}
	if c.TotalSize() != 0 {
		t.Error("rejected insert must not change size accounting")
	}
}

// TestInvalidate 测试失效与容量核算
func TestInvalidate(t *testing.T) {
	c := New(0)
	c.Insert(0x1000, make([]byte, 16))
	c.Insert(0x2000, make([]byte, 32))

	if c.TotalSize() != 48 {
		t.Fatalf("TotalSize = %d, want 48", c.TotalSize())
	}

	if !c.Invalidate(0x1000) {
		t.Fatal("Invalidate of present entry should return true")
	}
	if c.TotalSize() != 32 {
		t.Errorf("TotalSize after invalidate = %d, want 32", c.TotalSize())
	}
	if _, ok := c.Lookup(0x1000); ok {
		t.Error("invalidated entry should miss")
	}
	if c.Invalidate(0x1000) {
		t.Error("Invalidate of absent entry should return false")
	}
}

// TestBreakpoint 测试断点使缓存项失效并抑制插入
func TestBreakpoint(t *testing.T) {
	c := New(0)
	c.Insert(0x1000, []byte{1, 2, 3, 4})

	c.AddBreakpoint(0x1000)

	if _, ok := c.Lookup(0x1000); ok {
		t.Fatal("breakpointed address must hold no cached entry")
	}
	if !c.HasBreakpoint(0x1000) {
		t.Fatal("HasBreakpoint should report the breakpoint")
	}
	if err := c.Insert(0x1000, []byte{1}); !errors.Is(err, ErrBreakpoint) {
		t.Fatalf("Insert at breakpoint = %v, want ErrBreakpoint", err)
	}

	if !c.RemoveBreakpoint(0x1000) {
		t.Fatal("RemoveBreakpoint should return true")
	}
	if err := c.Insert(0x1000, []byte{1}); err != nil {
		t.Fatalf("Insert after breakpoint removal failed: %v", err)
	}
}

// TestCeiling 测试容量上限信号
func TestCeiling(t *testing.T) {
	c := New(32)

	c.Insert(0x1000, make([]byte, 16))
	if c.OverCeiling() {
		t.Error("16/32 bytes should not be over ceiling")
	}
	c.Insert(0x2000, make([]byte, 32))
	if !c.OverCeiling() {
		t.Error("48/32 bytes should be over ceiling")
	}
}

// TestEvictionCandidates 测试淘汰建议按最久未访问排序
func TestEvictionCandidates(t *testing.T) {
	c := New(0)
	c.Insert(0x1000, make([]byte, 8))
	c.Insert(0x2000, make([]byte, 8))
	c.Insert(0x3000, make([]byte, 8))

	// 访问 0x1000，使其成为最新
	c.Lookup(0x1000)

	candidates := c.EvictionCandidates(2)
	if len(candidates) != 2 {
		t.Fatalf("EvictionCandidates returned %d addresses, want 2", len(candidates))
	}
	if candidates[0] != 0x2000 || candidates[1] != 0x3000 {
		t.Errorf("candidates = %#x, want oldest-first [0x2000 0x3000]", candidates)
	}
}

// TestEvictionCandidatesResident 测试候选列表只包含在缓存中的地址
// 查找后立即失效的地址不得残留在建议器里。
func TestEvictionCandidatesResident(t *testing.T) {
	c := New(0)
	c.Insert(0x1000, []byte{1})
	c.Insert(0x2000, []byte{2})

	c.Lookup(0x1000)
	c.Invalidate(0x1000)

	for _, addr := range c.EvictionCandidates(10) {
		if _, ok := c.Lookup(addr); !ok {
			t.Errorf("candidate %#x is not resident in the cache", addr)
		}
	}
}

// TestClear 测试清空保留断点
func TestClear(t *testing.T) {
	c := New(0)
	c.Insert(0x1000, []byte{1})
	c.AddBreakpoint(0x2000)

	c.Clear()

	if c.TotalSize() != 0 {
		t.Error("Clear should release everything")
	}
	if !c.HasBreakpoint(0x2000) {
		t.Error("Clear should keep breakpoints")
	}
}

// TestStats 测试统计计数
func TestStats(t *testing.T) {
	c := New(0)
	c.Insert(0x1000, []byte{1})
	c.Lookup(0x1000)
	c.Lookup(0x2000)
	c.Invalidate(0x1000)

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Inserts != 1 || s.Invalidations != 1 {
		t.Errorf("Stats = %+v", s)
	}

	c.ResetStats()
	if s := c.Stats(); s.Hits != 0 || s.Misses != 0 {
		t.Errorf("Stats after reset = %+v", s)
	}
}

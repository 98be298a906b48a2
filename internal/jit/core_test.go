// core_test.go - 控制面集成测试

package jit

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/tangzhangming/celljit/internal/config"
	"github.com/tangzhangming/celljit/internal/isa"
	"github.com/tangzhangming/celljit/internal/lowering"
)

// words 把指令字编码为大端字节流
func words(ws ...uint32) []byte {
	buf := make([]byte, len(ws)*isa.InstructionSize)
	for i, w := range ws {
		binary.BigEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

// ppuCode 16 字节：三条 addi + blr
func ppuCode() []byte {
	return words(0x38600001, 0x38800002, 0x38a00003, 0x4e800020)
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	c := New(Options{Kind: isa.StreamPPU})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// TestCompileRoundtrip 测试编译、查询、失效的完整往返
func TestCompileRoundtrip(t *testing.T) {
	c := newTestCore(t)
	code := ppuCode()

	if err := c.Compile(0x1000, code); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	artifact, ok := c.Compiled(0x1000)
	if !ok || len(artifact) == 0 {
		t.Fatal("Compiled should return a non-empty artifact")
	}

	// 重复编译幂等
	if err := c.Compile(0x1000, code); err != nil {
		t.Errorf("recompile should be idempotent: %v", err)
	}

	if !c.Invalidate(0x1000) {
		t.Error("Invalidate should report removal")
	}
	if _, ok := c.Compiled(0x1000); ok {
		t.Error("Compiled should miss after invalidation")
	}
}

// TestLazyTrigger 测试惰性阈值触发编译
// 阈值 3：前两次执行不编译，第三次触发。
func TestLazyTrigger(t *testing.T) {
	c := newTestCore(t)
	c.RegisterBlock(0x1000, ppuCode(), 3)

	c.RecordExecution(0x1000)
	c.RecordExecution(0x1000)
	if _, ok := c.Compiled(0x1000); ok {
		t.Fatal("block should not be compiled before threshold")
	}

	c.RecordExecution(0x1000)
	if _, ok := c.Compiled(0x1000); !ok {
		t.Fatal("third execution should trigger lazy compilation")
	}

	stats := c.Stats()
	if stats.Lazy.Compiled != 1 {
		t.Errorf("Lazy.Compiled = %d, want 1", stats.Lazy.Compiled)
	}
}

// TestCompileInvalid 测试非法输入被拒绝
func TestCompileInvalid(t *testing.T) {
	c := newTestCore(t)

	if err := c.Compile(0x1000, nil); err == nil {
		t.Error("empty code should be rejected")
	}
	// 不足一条指令
	if err := c.Compile(0x1000, []byte{0x38, 0x60}); err == nil {
		t.Error("short buffer should be rejected")
	}
}

// TestBreakpointBlocksCompile 测试断点地址拒绝编译
func TestBreakpointBlocksCompile(t *testing.T) {
	c := newTestCore(t)
	code := ppuCode()

	if err := c.Compile(0x1000, code); err != nil {
		t.Fatal(err)
	}
	c.AddBreakpoint(0x1000)

	// 断点自动失效已有产物
	if _, ok := c.Compiled(0x1000); ok {
		t.Error("breakpoint should invalidate the compiled artifact")
	}
	if err := c.Compile(0x1000, code); err == nil {
		t.Error("compile at a breakpoint address should fail")
	}

	if !c.RemoveBreakpoint(0x1000) {
		t.Error("RemoveBreakpoint should succeed")
	}
	if err := c.Compile(0x1000, code); err != nil {
		t.Errorf("compile after breakpoint removal failed: %v", err)
	}
}

// TestInvalidateCascade 测试失效级联清理 BTB 与内联缓存
func TestInvalidateCascade(t *testing.T) {
	c := newTestCore(t)
	code := ppuCode()

	if err := c.Compile(0x2000, code); err != nil {
		t.Fatal(err)
	}
	c.BTB().Add(0x1000, 0x2000)
	c.InlineCache().Add(0x1008, 0x2000)
	c.InlineCache().SetCompiled(0x2000, []byte{1, 2, 3})

	c.Invalidate(0x2000)

	if _, ok := c.BTB().Lookup(0x1000); ok {
		t.Error("BTB entry targeting the block should be gone")
	}
	if compiled, _ := c.InlineCache().Lookup(0x1008); compiled != nil {
		t.Error("inline cache should no longer return compiled code")
	}
}

// TestBackgroundPool 测试编译池异步编译
func TestBackgroundPool(t *testing.T) {
	c := newTestCore(t)

	addrs := []uint64{0x1000, 0x2000, 0x3000}
	for i, addr := range addrs {
		if err := c.SubmitBackground(addr, ppuCode(), i); err != nil {
			t.Fatalf("Submit(%#x) failed: %v", addr, err)
		}
	}
	if !c.WaitBackground(5 * time.Second) {
		t.Fatal("WaitBackground timed out")
	}

	for _, addr := range addrs {
		if _, ok := c.Compiled(addr); !ok {
			t.Errorf("address %#x should be compiled", addr)
		}
	}
}

// TestSpeculative 测试空闲期投机编译
func TestSpeculative(t *testing.T) {
	c := newTestCore(t)

	if err := c.EnqueueSpeculative(0x1000, ppuCode(), 10); err != nil {
		t.Fatal(err)
	}
	if err := c.EnqueueBranchTarget(0x2000, ppuCode(), 10); err != nil {
		t.Fatal(err)
	}

	if n := c.ProcessIdle(8); n != 2 {
		t.Errorf("ProcessIdle = %d, want 2", n)
	}
	for _, addr := range []uint64{0x1000, 0x2000} {
		if _, ok := c.Compiled(addr); !ok {
			t.Errorf("address %#x should be compiled speculatively", addr)
		}
	}
}

// branchChain 登记一串以 b +0x1000 结尾的块：0x1000 -> 0x2000 -> ...
func branchChain(c *Core, n int) []uint64 {
	addrs := make([]uint64, n)
	for i := 0; i < n; i++ {
		addr := uint64(0x1000 * (i + 1))
		addrs[i] = addr
		// 惰性阈值设得足够高，编译只能来自投机
		c.RegisterBlock(addr, words(0x48001000), 1000)
	}
	return addrs
}

// TestSpeculateAhead 测试热种子沿静态跳转目标向前投机
// 深度 2：种子块的两个后继入队，第三个后继不入队。
func TestSpeculateAhead(t *testing.T) {
	cfg := config.Default()
	cfg.Speculative.HotBar = 1
	cfg.Speculative.SpeculationDepth = 2

	c := New(Options{Kind: isa.StreamPPU, Config: cfg})
	defer c.Close()

	addrs := branchChain(c, 4) // 0x1000..0x4000

	c.RecordExecution(addrs[0])
	if got := c.Speculative().QueueLen(); got != 2 {
		t.Fatalf("queue length after seeding = %d, want 2", got)
	}
	c.ProcessIdle(10)

	for _, addr := range addrs[1:3] {
		if _, ok := c.Compiled(addr); !ok {
			t.Errorf("successor %#x should be compiled speculatively", addr)
		}
	}
	if _, ok := c.Compiled(addrs[3]); ok {
		t.Error("successor beyond the speculation depth must not be compiled")
	}
	if c.Stats().Speculative.Seeds != 1 {
		t.Errorf("Seeds = %d, want 1", c.Stats().Speculative.Seeds)
	}
}

// TestSpeculateAheadDepth 测试投机深度配置改变覆盖范围
func TestSpeculateAheadDepth(t *testing.T) {
	cfg := config.Default()
	cfg.Speculative.HotBar = 1
	cfg.Speculative.SpeculationDepth = 3

	c := New(Options{Kind: isa.StreamPPU, Config: cfg})
	defer c.Close()

	addrs := branchChain(c, 4)
	c.RecordExecution(addrs[0])
	c.ProcessIdle(10)

	if _, ok := c.Compiled(addrs[3]); !ok {
		t.Error("depth 3 should reach the third successor")
	}
}

// TestSpeculateAheadHotBar 测试热阈值之前不触发投机
func TestSpeculateAheadHotBar(t *testing.T) {
	cfg := config.Default()
	cfg.Speculative.HotBar = 3
	cfg.Speculative.SpeculationDepth = 2

	c := New(Options{Kind: isa.StreamPPU, Config: cfg})
	defer c.Close()

	addrs := branchChain(c, 2)

	c.RecordExecution(addrs[0])
	c.RecordExecution(addrs[0])
	if got := c.Speculative().QueueLen(); got != 0 {
		t.Fatalf("nothing should be queued below the hot bar, got %d", got)
	}

	c.RecordExecution(addrs[0])
	if got := c.Speculative().QueueLen(); got != 1 {
		t.Fatalf("queue length after crossing the hot bar = %d, want 1", got)
	}
}

// TestIRBackendCore 测试注入 IR 后端
func TestIRBackendCore(t *testing.T) {
	c := New(Options{Kind: isa.StreamPPU, Backend: lowering.NewIRBackend()})
	defer c.Close()

	if err := c.Compile(0x1000, ppuCode()); err != nil {
		t.Fatal(err)
	}
	artifact, _ := c.Compiled(0x1000)
	p, err := lowering.DecodeProgram(0x1000, artifact)
	if err != nil {
		t.Fatalf("artifact is not an IR program: %v", err)
	}
	if len(p.Insts) != 4 {
		t.Errorf("IR program has %d insts, want 4", len(p.Insts))
	}
}

// TestConfigThresholds 测试配置阈值生效
func TestConfigThresholds(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.LazyThreshold = 2

	c := New(Options{Kind: isa.StreamPPU, Config: cfg})
	defer c.Close()

	c.RegisterBlock(0x1000, ppuCode(), 0) // 0 回落到配置阈值
	c.RecordExecution(0x1000)
	if _, ok := c.Compiled(0x1000); ok {
		t.Fatal("should not compile after one execution")
	}
	c.RecordExecution(0x1000)
	if _, ok := c.Compiled(0x1000); !ok {
		t.Fatal("configured threshold 2 should trigger on second execution")
	}
}

// TestStatsJSON 测试统计快照序列化
func TestStatsJSON(t *testing.T) {
	c := newTestCore(t)
	if err := c.Compile(0x1000, ppuCode()); err != nil {
		t.Fatal(err)
	}

	data, err := c.StatsJSON()
	if err != nil {
		t.Fatalf("StatsJSON failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("StatsJSON returned empty output")
	}
}

// TestCloseTwice 测试重复关闭
func TestCloseTwice(t *testing.T) {
	c := New(Options{Kind: isa.StreamPPU})
	if err := c.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := c.Close(); err != ErrClosed {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}

// TestCloseConcurrent 测试并发关闭恰好一次生效
func TestCloseConcurrent(t *testing.T) {
	c := New(Options{Kind: isa.StreamPPU})

	const n = 8
	results := make(chan error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			results <- c.Close()
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if err != ErrClosed {
			t.Errorf("Close returned unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d Close calls succeeded, want exactly 1", succeeded)
	}
}

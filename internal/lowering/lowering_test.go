// lowering_test.go - 降级后端测试

package lowering

import (
	"errors"
	"testing"

	"github.com/tangzhangming/celljit/internal/isa"
)

func testBlock() *isa.Block {
	return &isa.Block{
		StartAddr: 0x1000,
		EndAddr:   0x100c,
		Kind:      isa.StreamPPU,
		Instructions: []isa.Instruction{
			{Addr: 0x1000, Word: 0x38600001},          // addi
			{Addr: 0x1004, Word: 32<<26 | 4<<21 | 3<<16}, // lwz
			{Addr: 0x1008, Word: 0x4e800020},          // blr
		},
	}
}

// TestNoopBackend 测试占位后端原样打包
func TestNoopBackend(t *testing.T) {
	b := NewNoopBackend()
	artifact, err := b.Lower(testBlock())
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if len(artifact) != 12 {
		t.Errorf("artifact length = %d, want 12", len(artifact))
	}
	// 大端指令字
	if artifact[0] != 0x38 || artifact[1] != 0x60 {
		t.Errorf("artifact[0:2] = %#x %#x, want big-endian addi", artifact[0], artifact[1])
	}
}

// TestEmptyBlock 测试空块被拒绝
func TestEmptyBlock(t *testing.T) {
	for _, b := range []Backend{NewNoopBackend(), NewIRBackend()} {
		if _, err := b.Lower(&isa.Block{}); !errors.Is(err, ErrEmptyBlock) {
			t.Errorf("%s.Lower(empty) = %v, want ErrEmptyBlock", b.Name(), err)
		}
		if _, err := b.Lower(nil); !errors.Is(err, ErrEmptyBlock) {
			t.Errorf("%s.Lower(nil) = %v, want ErrEmptyBlock", b.Name(), err)
		}
	}
}

// TestIRBackend 测试类别级降级与编解码往返
func TestIRBackend(t *testing.T) {
	b := NewIRBackend()
	artifact, err := b.Lower(testBlock())
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}

	p, err := DecodeProgram(0x1000, artifact)
	if err != nil {
		t.Fatalf("DecodeProgram failed: %v", err)
	}
	if len(p.Insts) != 3 {
		t.Fatalf("decoded %d IR insts, want 3", len(p.Insts))
	}

	want := []IROp{IRAlu, IRLoad, IRReturn}
	for i, op := range want {
		if p.Insts[i].Op != op {
			t.Errorf("inst %d: op = %v, want %v", i, p.Insts[i].Op, op)
		}
	}
}

// TestIRBranchTarget 测试直接跳转目标进入 IR
func TestIRBranchTarget(t *testing.T) {
	block := &isa.Block{
		StartAddr: 0x1000,
		Kind:      isa.StreamPPU,
		Instructions: []isa.Instruction{
			{Addr: 0x1000, Word: 0x48000010}, // b +0x10
		},
	}

	artifact, err := NewIRBackend().Lower(block)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	p, _ := DecodeProgram(0x1000, artifact)
	if p.Insts[0].Op != IRBranch || p.Insts[0].Target != 0x1010 {
		t.Errorf("branch IR = %+v, want target 0x1010", p.Insts[0])
	}
}

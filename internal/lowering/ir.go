// ir.go - 中间表示后端
//
// 把基本块按类别降级为一段紧凑 IR。只做类别级降级（运算 / 装载 /
// 存储 / 各类控制流），不追求逐操作码的语义精度——那是真实代码
// 生成后端的职责，不在本控制面范围内。

package lowering

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tangzhangming/celljit/internal/isa"
)

// IROp IR 操作类别
type IROp byte

const (
	IRAlu        IROp = iota // 寄存器运算
	IRLoad                   // 内存装载
	IRStore                  // 内存存储
	IRBranch                 // 直接跳转
	IRCondBranch             // 条件跳转
	IRIndirect               // 间接跳转
	IRReturn                 // 返回
	IRTrap                   // 陷阱 / 停机
)

func (op IROp) String() string {
	switch op {
	case IRAlu:
		return "alu"
	case IRLoad:
		return "load"
	case IRStore:
		return "store"
	case IRBranch:
		return "branch"
	case IRCondBranch:
		return "cond-branch"
	case IRIndirect:
		return "indirect"
	case IRReturn:
		return "return"
	case IRTrap:
		return "trap"
	default:
		return "unknown"
	}
}

// IRInst 一条 IR 指令
type IRInst struct {
	Op     IROp
	Addr   uint64 // 来源指令地址
	Target uint64 // 直接跳转的目标（其余类别为 0）
	Word   uint32 // 原始指令字（真实后端的降级输入）
}

// String 反汇编形式（回放工具输出用）
func (i IRInst) String() string {
	if i.Op == IRBranch || i.Op == IRCondBranch {
		return fmt.Sprintf("%#010x  %-11s -> %#x", i.Addr, i.Op, i.Target)
	}
	return fmt.Sprintf("%#010x  %s", i.Addr, i.Op)
}

// Program 一个基本块的 IR 序列
type Program struct {
	StartAddr uint64
	Insts     []IRInst
}

// String 反汇编整个程序
func (p *Program) String() string {
	var sb strings.Builder
	for _, ins := range p.Insts {
		sb.WriteString(ins.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// irInstSize 编码后单条 IR 指令的字节数：op(1) + word(4) + target(8)
const irInstSize = 13

// Encode 编码为产物字节流
func (p *Program) Encode() []byte {
	out := make([]byte, 0, len(p.Insts)*irInstSize)
	for _, ins := range p.Insts {
		var buf [irInstSize]byte
		buf[0] = byte(ins.Op)
		binary.BigEndian.PutUint32(buf[1:5], ins.Word)
		binary.BigEndian.PutUint64(buf[5:13], ins.Target)
		out = append(out, buf[:]...)
	}
	return out
}

// DecodeProgram 从产物字节流还原 IR（回放工具用）
func DecodeProgram(startAddr uint64, artifact []byte) (*Program, error) {
	if len(artifact)%irInstSize != 0 {
		return nil, fmt.Errorf("lowering: artifact length %d is not a multiple of %d", len(artifact), irInstSize)
	}
	p := &Program{StartAddr: startAddr}
	addr := startAddr
	for off := 0; off < len(artifact); off += irInstSize {
		p.Insts = append(p.Insts, IRInst{
			Op:     IROp(artifact[off]),
			Addr:   addr,
			Word:   binary.BigEndian.Uint32(artifact[off+1 : off+5]),
			Target: binary.BigEndian.Uint64(artifact[off+5 : off+13]),
		})
		addr += isa.InstructionSize
	}
	return p, nil
}

// ============================================================================
// IR 后端
// ============================================================================

// IRBackend 中间表示后端
type IRBackend struct{}

// NewIRBackend 创建 IR 后端
func NewIRBackend() *IRBackend {
	return &IRBackend{}
}

// Name 后端名称
func (b *IRBackend) Name() string { return "ir" }

// Lower 按类别降级基本块
func (b *IRBackend) Lower(block *isa.Block) ([]byte, error) {
	if block == nil || block.Len() == 0 {
		return nil, ErrEmptyBlock
	}

	p := &Program{StartAddr: block.StartAddr}
	for _, ins := range block.Instructions {
		ir := IRInst{Addr: ins.Addr, Word: ins.Word}

		switch ins.Flow(block.Kind) {
		case isa.FlowBranch:
			ir.Op = IRBranch
		case isa.FlowCondBranch:
			ir.Op = IRCondBranch
		case isa.FlowIndirect:
			ir.Op = IRIndirect
		case isa.FlowReturn:
			ir.Op = IRReturn
		case isa.FlowTrap:
			ir.Op = IRTrap
		default:
			ir.Op = b.classify(ins, block.Kind)
		}
		if target, ok := ins.BranchTarget(block.Kind); ok {
			ir.Target = target
		}
		p.Insts = append(p.Insts, ir)
	}
	return p.Encode(), nil
}

// classify 非控制流指令的类别
func (b *IRBackend) classify(ins isa.Instruction, kind isa.StreamKind) IROp {
	if kind == isa.StreamSPU {
		// SPU 的装载/存储族：lqd/stqd 等，按高 8 位粗分
		switch ins.Word >> 24 {
		case 0x34, 0x38: // lqd / lqx 族
			return IRLoad
		case 0x24, 0x28: // stqd / stqx 族
			return IRStore
		}
		return IRAlu
	}

	op := ins.Word >> 26
	switch {
	case op >= 32 && op <= 35, op >= 48 && op <= 51:
		return IRLoad
	case op >= 36 && op <= 39, op >= 52 && op <= 55:
		return IRStore
	default:
		return IRAlu
	}
}

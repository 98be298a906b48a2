// Package isa 定义 celljit 所处理的两类指令流（PPU 通用处理器与
// SPU SIMD 协处理器）的指令表示与控制流分类。
//
// 本包只做控制面需要的最小解码：
// 1. 固定 32 位大端指令字
// 2. 控制流终结指令的识别（基本块边界）
// 3. 寄存器读写集合的保守提取（供活跃性分析使用）
//
// 单条指令到本地代码/IR 的完整降级由外部后端负责，不属于本包。
package isa

import "encoding/binary"

// ============================================================================
// 指令流类型
// ============================================================================

// StreamKind 指令流类型
type StreamKind int

const (
	StreamPPU StreamKind = iota // 通用处理器指令流
	StreamSPU                   // SIMD 协处理器指令流
)

func (k StreamKind) String() string {
	switch k {
	case StreamPPU:
		return "ppu"
	case StreamSPU:
		return "spu"
	default:
		return "unknown"
	}
}

// InstructionSize 指令宽度（字节），两类指令流均为固定 32 位
const InstructionSize = 4

// ============================================================================
// 控制流分类
// ============================================================================

// FlowKind 指令的控制流类别
type FlowKind int

const (
	FlowNone       FlowKind = iota // 顺序执行
	FlowBranch                     // 无条件直接跳转
	FlowCondBranch                 // 条件跳转
	FlowIndirect                   // 间接跳转（含间接调用）
	FlowReturn                     // 返回
	FlowTrap                       // 陷阱 / 停机 / 系统调用
)

// Terminates 该类别是否结束一个基本块
func (f FlowKind) Terminates() bool {
	return f != FlowNone
}

func (f FlowKind) String() string {
	switch f {
	case FlowNone:
		return "none"
	case FlowBranch:
		return "branch"
	case FlowCondBranch:
		return "cond-branch"
	case FlowIndirect:
		return "indirect"
	case FlowReturn:
		return "return"
	case FlowTrap:
		return "trap"
	default:
		return "unknown"
	}
}

// ============================================================================
// 指令
// ============================================================================

// Instruction 一条已解码的指令
type Instruction struct {
	Addr uint64 // 指令地址
	Word uint32 // 32 位大端指令字
}

// DecodeWord 从缓冲区解码一条指令字（大端）
// 缓冲区不足一条指令时返回 false。
func DecodeWord(buf []byte) (uint32, bool) {
	if len(buf) < InstructionSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(buf), true
}

// 主操作码（高 6 位），PPU 编码使用
func (ins Instruction) primaryOp() uint32 {
	return ins.Word >> 26
}

// 扩展操作码（bit 21-30），PPU 的 19/31 族使用
func (ins Instruction) extendedOp() uint32 {
	return (ins.Word >> 1) & 0x3ff
}

// SPU 的操作码字段长度不一，取高 11 位再按需截短
func (ins Instruction) spuOp11() uint32 {
	return ins.Word >> 21
}

func (ins Instruction) spuOp9() uint32 {
	return ins.Word >> 23
}

// Flow 指令的控制流类别
func (ins Instruction) Flow(kind StreamKind) FlowKind {
	if kind == StreamSPU {
		return ins.spuFlow()
	}
	return ins.ppuFlow()
}

// ppuFlow PPU 编码的控制流分类
func (ins Instruction) ppuFlow() FlowKind {
	switch ins.primaryOp() {
	case 18: // b / bl / ba / bla
		return FlowBranch
	case 16: // bc 族条件跳转
		return FlowCondBranch
	case 17: // sc 系统调用
		return FlowTrap
	case 3: // twi 陷阱
		return FlowTrap
	case 19:
		switch ins.extendedOp() {
		case 16: // bclr：经链接寄存器返回
			return FlowReturn
		case 528: // bcctr：经计数寄存器间接跳转
			return FlowIndirect
		}
	case 31:
		if ins.extendedOp() == 4 { // tw 陷阱
			return FlowTrap
		}
	case 0:
		if ins.Word == 0 { // 全零字视为停机
			return FlowTrap
		}
	}
	return FlowNone
}

// spuFlow SPU 编码的控制流分类
func (ins Instruction) spuFlow() FlowKind {
	if ins.Word == 0 { // stop
		return FlowTrap
	}
	switch ins.spuOp11() {
	case 0x1a8: // bi 间接跳转
		return FlowIndirect
	case 0x1a9: // bisl 间接调用
		return FlowIndirect
	case 0x1aa: // iret 中断返回
		return FlowReturn
	}
	switch ins.spuOp9() {
	case 0x64, 0x60: // br / bra 无条件跳转
		return FlowBranch
	case 0x66, 0x62: // brsl / brasl 直接调用
		return FlowBranch
	case 0x40, 0x42, 0x44, 0x46: // brz / brnz / brhz / brhnz 条件跳转
		return FlowCondBranch
	}
	return FlowNone
}

// IsBackwardBranch 是否为向低地址方向的直接跳转
// 静态预测启发式使用：回跳视为循环回边，预测为 taken。
func (ins Instruction) IsBackwardBranch(kind StreamKind) bool {
	target, ok := ins.BranchTarget(kind)
	return ok && target < ins.Addr
}

// BranchTarget 直接跳转的目标地址
// 仅对 FlowBranch / FlowCondBranch 的相对寻址形式有效。
func (ins Instruction) BranchTarget(kind StreamKind) (uint64, bool) {
	if kind == StreamSPU {
		switch ins.Flow(StreamSPU) {
		case FlowBranch, FlowCondBranch:
			// 16 位相对字偏移（按指令字对齐）
			off := int64(int16(ins.Word >> 7 & 0xffff))
			return uint64(int64(ins.Addr) + off*InstructionSize), true
		}
		return 0, false
	}
	switch ins.primaryOp() {
	case 18: // LI 字段：26 位有符号字节偏移
		off := int64(int32(ins.Word&0x03fffffc) << 6 >> 6)
		if ins.Word&2 != 0 { // AA：绝对寻址
			return uint64(off), true
		}
		return uint64(int64(ins.Addr) + off), true
	case 16: // BD 字段：16 位有符号字节偏移
		off := int64(int16(ins.Word & 0xfffc))
		if ins.Word&2 != 0 {
			return uint64(off), true
		}
		return uint64(int64(ins.Addr) + off), true
	}
	return 0, false
}

// ============================================================================
// 寄存器字段与读写集合
// ============================================================================

// RegClass 寄存器类别
type RegClass int

const (
	RegGeneral  RegClass = iota // 通用寄存器
	RegFloating                 // 浮点寄存器
	RegVector                   // 向量寄存器
)

// NumRegClasses 寄存器类别数量
const NumRegClasses = 3

func (c RegClass) String() string {
	switch c {
	case RegGeneral:
		return "general"
	case RegFloating:
		return "floating"
	case RegVector:
		return "vector"
	default:
		return "unknown"
	}
}

// RT / RA / RB 寄存器字段（PPU D/X 形式布局）
func (ins Instruction) RT() uint32 { return (ins.Word >> 21) & 31 }
func (ins Instruction) RA() uint32 { return (ins.Word >> 16) & 31 }
func (ins Instruction) RB() uint32 { return (ins.Word >> 11) & 31 }

// SI 16 位有符号立即数（D 形式）
func (ins Instruction) SI() int32 { return int32(int16(ins.Word & 0xffff)) }

// UI 16 位无符号立即数（D 形式）
func (ins Instruction) UI() uint32 { return ins.Word & 0xffff }

// RegOps 一条指令的寄存器读写集合（每类一个位掩码）
type RegOps struct {
	Reads  [NumRegClasses]uint64
	Writes [NumRegClasses]uint64
}

// RegOps 保守提取指令的寄存器读写集合
//
// 活跃性分析只需要类别级别的保守近似，不追求每个操作码的精确语义：
// 未识别的操作码按「读 RA/RB、写 RT」的通用布局处理，宁可多算活跃
// 也不能漏算。SPU 指令流统一归入向量类。
func (ins Instruction) RegOps(kind StreamKind) RegOps {
	var ops RegOps

	if kind == StreamSPU {
		// SPU 寄存器文件统一为 128 位向量寄存器（128 个，掩码按低 64 个截断）
		if ins.Flow(StreamSPU).Terminates() {
			return ops
		}
		rt := uint64(ins.Word) & 0x7f
		ra := uint64(ins.Word>>7) & 0x7f
		rb := uint64(ins.Word>>14) & 0x7f
		ops.Writes[RegVector] |= regBit(rt)
		ops.Reads[RegVector] |= regBit(ra) | regBit(rb)
		return ops
	}

	op := ins.primaryOp()
	rt := uint64(ins.RT())
	ra := uint64(ins.RA())
	rb := uint64(ins.RB())

	switch {
	case op == 14 || op == 15: // addi / addis：写 RT，RA=0 时不读
		ops.Writes[RegGeneral] |= regBit(rt)
		if ra != 0 {
			ops.Reads[RegGeneral] |= regBit(ra)
		}
	case op >= 32 && op <= 35: // lwz / lbz 族装载：写 RT，读 RA
		ops.Writes[RegGeneral] |= regBit(rt)
		ops.Reads[RegGeneral] |= regBit(ra)
	case op >= 36 && op <= 39: // stw / stb 族存储：读 RS 与 RA
		ops.Reads[RegGeneral] |= regBit(rt) | regBit(ra)
	case op >= 48 && op <= 51: // lfs / lfd：写浮点 RT，读通用 RA
		ops.Writes[RegFloating] |= regBit(rt)
		ops.Reads[RegGeneral] |= regBit(ra)
	case op >= 52 && op <= 55: // stfs / stfd：读浮点 RS 与通用 RA
		ops.Reads[RegFloating] |= regBit(rt)
		ops.Reads[RegGeneral] |= regBit(ra)
	case op == 59 || op == 63: // 浮点运算族
		ops.Writes[RegFloating] |= regBit(rt)
		ops.Reads[RegFloating] |= regBit(ra) | regBit(rb)
	case op == 4: // 向量运算族
		ops.Writes[RegVector] |= regBit(rt)
		ops.Reads[RegVector] |= regBit(ra) | regBit(rb)
	case ins.ppuFlow().Terminates():
		// 控制流指令不参与寄存器分配
	default:
		// 通用布局的保守近似
		ops.Writes[RegGeneral] |= regBit(rt)
		ops.Reads[RegGeneral] |= regBit(ra) | regBit(rb)
	}
	return ops
}

func regBit(r uint64) uint64 {
	return 1 << (r & 63)
}

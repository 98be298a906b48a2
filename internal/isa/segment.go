// segment.go - 基本块切分
//
// 从字节缓冲区的起始地址开始顺序解码，直到遇到第一条控制流终结指令
// （直接/条件/间接跳转、返回、陷阱）或缓冲区耗尽为止。切分是纯函数，
// 不产生任何副作用。

package isa

// Block 基本块
//
// 单入口、以控制流终结指令（或缓冲区末尾）结束的最长指令序列。
// 插入代码缓存后由缓存独占所有权，除显式失效外不可变。
type Block struct {
	StartAddr    uint64        // 起始地址
	EndAddr      uint64        // 结束地址（最后一条指令之后）
	Instructions []Instruction // 指令序列
	Kind         StreamKind    // 指令流类型
}

// Len 指令数量
func (b *Block) Len() int {
	return len(b.Instructions)
}

// Terminator 终结指令
// 块因缓冲区耗尽而截断时返回 false。
func (b *Block) Terminator() (Instruction, bool) {
	if len(b.Instructions) == 0 {
		return Instruction{}, false
	}
	last := b.Instructions[len(b.Instructions)-1]
	if !last.Flow(b.Kind).Terminates() {
		return Instruction{}, false
	}
	return last, true
}

// Segment 从 buf 的 startAddr 处切分一个基本块
//
// 边界情况：缓冲区不足一条指令时返回空块，不报错；缓冲区在终结指令
// 之前耗尽时块被截断。
func Segment(buf []byte, startAddr uint64, kind StreamKind) Block {
	block := Block{
		StartAddr: startAddr,
		EndAddr:   startAddr,
		Kind:      kind,
	}

	addr := startAddr
	for off := 0; off+InstructionSize <= len(buf); off += InstructionSize {
		word, _ := DecodeWord(buf[off:])
		ins := Instruction{Addr: addr, Word: word}
		block.Instructions = append(block.Instructions, ins)
		addr += InstructionSize

		if ins.Flow(kind).Terminates() {
			break
		}
	}

	block.EndAddr = addr
	return block
}

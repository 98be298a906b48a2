// Package lowering 定义指令降级后端的接口与两个实现。
//
// 控制面不关心编译产物的内容，只做指针/大小层面的簿记；产物的生成
// 由注入的 Backend 负责。两个实现：
// 1. IRBackend：把基本块降级为一段紧凑的中间表示字节码
// 2. NoopBackend：占位实现，产物即原始指令字
//
// 后端在构造时注入（接口而非编译期分支），核心逻辑与后端无关。
package lowering

import (
	"errors"

	"github.com/tangzhangming/celljit/internal/isa"
)

// 降级失败的错误
var (
	ErrEmptyBlock = errors.New("lowering: empty block")
)

// Backend 指令降级后端
//
// 输入一个切分好的基本块（以及调用方可选提供的分析结果），输出
// 编译产物或失败。产物对调用方不透明。
type Backend interface {
	// Lower 降级一个基本块
	Lower(block *isa.Block) ([]byte, error)

	// Name 后端名称（日志与统计用）
	Name() string
}

// ============================================================================
// 占位后端
// ============================================================================

// NoopBackend 占位后端
// 不做真正的降级：产物即基本块的原始指令字。用于测试与回放工具，
// 也是未配置真实后端时的默认选择。
type NoopBackend struct{}

// NewNoopBackend 创建占位后端
func NewNoopBackend() *NoopBackend {
	return &NoopBackend{}
}

// Name 后端名称
func (b *NoopBackend) Name() string { return "noop" }

// Lower 原样打包指令字
func (b *NoopBackend) Lower(block *isa.Block) ([]byte, error) {
	if block == nil || block.Len() == 0 {
		return nil, ErrEmptyBlock
	}

	out := make([]byte, 0, block.Len()*isa.InstructionSize)
	for _, ins := range block.Instructions {
		out = append(out,
			byte(ins.Word>>24), byte(ins.Word>>16), byte(ins.Word>>8), byte(ins.Word))
	}
	return out, nil
}

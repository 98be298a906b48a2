// Package branch 实现条件跳转方向预测器与间接跳转目标缓冲（BTB）。
//
// 方向预测按优先级使用三层信息：
// 1. 显式提示（Likely / Unlikely），可由调用方设置，也会随观测
//    计数自动迁移：taken > 2×not_taken 时变为 Likely，反之 Unlikely
// 2. 静态启发式：已知目标时，回跳预测为 taken，前跳预测为 not taken
// 3. 观测多数：taken_count >= not_taken_count
//
// 未知地址按静态启发式处理；没有已存目标时视为前跳。
package branch

import (
	"sync"

	"go.uber.org/atomic"
)

// ============================================================================
// 提示
// ============================================================================

// Hint 跳转方向提示
type Hint int

const (
	HintNone     Hint = iota // 无提示
	HintLikely               // 倾向 taken
	HintUnlikely             // 倾向 not taken
	HintStatic               // 仅使用静态启发式
)

func (h Hint) String() string {
	switch h {
	case HintNone:
		return "none"
	case HintLikely:
		return "likely"
	case HintUnlikely:
		return "unlikely"
	case HintStatic:
		return "static"
	default:
		return "unknown"
	}
}

// ============================================================================
// 方向预测器
// ============================================================================

// Prediction 单条跳转的预测状态
type Prediction struct {
	BranchAddr    uint64 // 跳转指令地址
	TargetAddr    uint64 // 目标地址（0 表示未知）
	Hint          Hint   // 当前提示
	TakenCount    uint64 // 观测到 taken 的次数
	NotTakenCount uint64 // 观测到 not taken 的次数
}

// PredictorStats 预测器统计
type PredictorStats struct {
	Entries     int   `json:"entries"`
	Predictions int64 `json:"predictions"`
	Updates     int64 `json:"updates"`
}

// Predictor 方向预测器
type Predictor struct {
	mu      sync.RWMutex
	entries map[uint64]*Prediction

	predictions atomic.Int64
	updates     atomic.Int64
}

// NewPredictor 创建方向预测器
func NewPredictor() *Predictor {
	return &Predictor{entries: make(map[uint64]*Prediction)}
}

// AddHint 为跳转设置显式提示与目标
func (p *Predictor) AddHint(branchAddr, targetAddr uint64, hint Hint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := p.entries[branchAddr]
	if entry == nil {
		entry = &Prediction{BranchAddr: branchAddr}
		p.entries[branchAddr] = entry
	}
	entry.TargetAddr = targetAddr
	entry.Hint = hint
}

// Predict 预测跳转方向
func (p *Predictor) Predict(branchAddr uint64) bool {
	p.predictions.Inc()

	p.mu.RLock()
	entry, ok := p.entries[branchAddr]
	p.mu.RUnlock()

	if !ok {
		// 未知地址：静态启发式，无已存目标按前跳处理
		return false
	}

	switch entry.Hint {
	case HintLikely:
		return true
	case HintUnlikely:
		return false
	}

	// 静态启发式：已知目标时回跳预测为 taken
	if entry.TargetAddr != 0 {
		return entry.TargetAddr < entry.BranchAddr
	}

	// 观测多数
	return entry.TakenCount >= entry.NotTakenCount
}

// Update 上报观测到的跳转方向并按迁移规则重评提示
func (p *Predictor) Update(branchAddr uint64, taken bool) {
	p.updates.Inc()

	p.mu.Lock()
	defer p.mu.Unlock()

	entry := p.entries[branchAddr]
	if entry == nil {
		entry = &Prediction{BranchAddr: branchAddr}
		p.entries[branchAddr] = entry
	}

	if taken {
		entry.TakenCount++
	} else {
		entry.NotTakenCount++
	}

	// 提示迁移：taken > 2×not_taken ⇒ Likely；not_taken > 2×taken ⇒
	// Unlikely；其余保持不变
	switch {
	case entry.TakenCount > 2*entry.NotTakenCount:
		entry.Hint = HintLikely
	case entry.NotTakenCount > 2*entry.TakenCount:
		entry.Hint = HintUnlikely
	}
}

// Get 查询跳转的预测状态快照
func (p *Predictor) Get(branchAddr uint64) (Prediction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.entries[branchAddr]
	if !ok {
		return Prediction{}, false
	}
	return *entry, true
}

// Stats 统计快照
func (p *Predictor) Stats() PredictorStats {
	p.mu.RLock()
	entries := len(p.entries)
	p.mu.RUnlock()

	return PredictorStats{
		Entries:     entries,
		Predictions: p.predictions.Load(),
		Updates:     p.updates.Load(),
	}
}

// ResetStats 重置统计计数
func (p *Predictor) ResetStats() {
	p.predictions.Store(0)
	p.updates.Store(0)
}

// Clear 清空全部预测状态
func (p *Predictor) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[uint64]*Prediction)
}

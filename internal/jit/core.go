// Package jit 组装动态二进制翻译引擎的控制面
//
// Core 把块切分、代码缓存、分支预测、常量缓存、寄存器分配、
// 内联缓存与四种编译调度策略组装成一个实例级句柄。
// 所有状态都挂在 Core 实例上，互不共享全局变量。
package jit

import (
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/celljit/internal/branch"
	"github.com/tangzhangming/celljit/internal/codecache"
	"github.com/tangzhangming/celljit/internal/config"
	"github.com/tangzhangming/celljit/internal/constcache"
	"github.com/tangzhangming/celljit/internal/inline"
	"github.com/tangzhangming/celljit/internal/isa"
	"github.com/tangzhangming/celljit/internal/lowering"
	"github.com/tangzhangming/celljit/internal/regalloc"
	"github.com/tangzhangming/celljit/internal/sched"
)

// 错误定义
var (
	ErrClosed     = errors.New("jit: core is closed")
	ErrEmptyInput = errors.New("jit: empty code buffer")
)

// Options 创建 Core 的可选参数
type Options struct {
	// Kind 指令流类型，默认 PPU
	Kind isa.StreamKind

	// Config 引擎配置，nil 表示使用默认配置
	Config *config.Config

	// Logger 结构化日志，nil 表示静默
	Logger *zap.Logger

	// Backend 降级后端，nil 表示使用占位后端
	Backend lowering.Backend
}

// Core 引擎控制面句柄
type Core struct {
	kind    isa.StreamKind
	cfg     *config.Config
	logger  *zap.Logger
	backend lowering.Backend

	codeCache  *codecache.Cache
	predictor  *branch.Predictor
	btb        *branch.BTB
	constCache *constcache.Cache
	analyzer   *regalloc.Analyzer
	inlines    *inline.Cache

	lazy        *sched.Lazy
	tiered      *sched.Tiered
	speculative *sched.Speculative
	pool        *sched.Pool

	closed atomic.Bool
}

// New 创建引擎实例
func New(opts Options) *Core {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backend := opts.Backend
	if backend == nil {
		backend = lowering.NewNoopBackend()
	}

	c := &Core{
		kind:    opts.Kind,
		cfg:     cfg,
		logger:  logger,
		backend: backend,

		codeCache:  codecache.New(int64(cfg.Cache.CodeCacheCeiling)),
		predictor:  branch.NewPredictor(),
		btb:        branch.NewBTB(),
		constCache: constcache.New(),
		analyzer:   regalloc.New(opts.Kind, cfg.Regalloc.RegisterBudget),
		inlines:    inline.New(cfg.Cache.InlineCapacity),

		lazy:   sched.NewLazy(),
		tiered: sched.NewTiered(int64(cfg.Scheduler.Tier1Threshold), int64(cfg.Scheduler.Tier2Threshold)),
	}

	c.speculative = sched.NewSpeculative(sched.SpeculativeConfig{
		QueueCap:     cfg.Speculative.QueueCapacity,
		Depth:        cfg.Speculative.SpeculationDepth,
		HotThreshold: cfg.Speculative.HotBar,
		BranchBoost:  cfg.Speculative.BranchBoost,
	}, c.Compile)

	c.pool = sched.NewPool(cfg.Pool.Workers, func(task sched.CompilationTask) error {
		return c.Compile(task.Addr, task.Code)
	})

	logger.Info("jit core created",
		zap.String("kind", kindName(opts.Kind)),
		zap.String("backend", backend.Name()),
		zap.Int("workers", cfg.Pool.Workers))

	return c
}

func kindName(kind isa.StreamKind) string {
	if kind == isa.StreamSPU {
		return "spu"
	}
	return "ppu"
}

// Close 关闭引擎并回收后台资源
// 并发调用安全：恰好一次执行关闭，其余返回 ErrClosed。
// 关闭后除统计读取外的操作不再保证语义。
func (c *Core) Close() error {
	if !c.closed.CAS(false, true) {
		return ErrClosed
	}

	var err error
	err = multierr.Append(err, c.pool.Shutdown())
	// Sync 在部分平台对 stderr 返回 EINVAL，忽略
	_ = c.logger.Sync()

	c.logger.Info("jit core closed")
	return err
}

// ============================================================
// 编译路径
// ============================================================

// Segment 从原始字节流切分出一个翻译块
func (c *Core) Segment(code []byte, startAddr uint64) isa.Block {
	return isa.Segment(code, startAddr, c.kind)
}

// Compile 编译一段代码并放入代码缓存
// 同一地址重复编译是幂等操作，直接返回成功。
// 断点地址拒绝编译。
func (c *Core) Compile(addr uint64, code []byte) error {
	if len(code) == 0 {
		return ErrEmptyInput
	}
	if _, ok := c.codeCache.Lookup(addr); ok {
		return nil
	}

	block := isa.Segment(code, addr, c.kind)
	if block.Len() == 0 {
		return fmt.Errorf("jit: no complete instruction at %#x", addr)
	}

	artifact, err := c.backend.Lower(&block)
	if err != nil {
		c.logger.Warn("lowering failed",
			zap.Uint64("addr", addr), zap.Error(err))
		return fmt.Errorf("jit: lower block at %#x: %w", addr, err)
	}

	if err := c.codeCache.Insert(addr, artifact); err != nil {
		if errors.Is(err, codecache.ErrAlreadyPresent) {
			return nil
		}
		return err
	}

	// 块级活跃性摘要，供后续分配查询
	c.analyzer.AnalyzeBlock(addr, block.Instructions)

	c.logger.Debug("block compiled",
		zap.Uint64("addr", addr),
		zap.Int("instructions", block.Len()),
		zap.Int("artifact_size", len(artifact)))
	return nil
}

// Compiled 查询某地址的编译产物
func (c *Core) Compiled(addr uint64) ([]byte, bool) {
	return c.codeCache.Lookup(addr)
}

// Invalidate 失效某地址的编译产物并级联清理关联状态
// 代码缓存条目、以该地址为目标的 BTB 记录、以该地址为目标的
// 内联缓存条目、该块的寄存器常量一起失效。
func (c *Core) Invalidate(addr uint64) bool {
	removed := c.codeCache.Invalidate(addr)
	c.btb.InvalidateTarget(addr)
	c.inlines.Invalidate(addr)
	c.constCache.InvalidateBlockRegisters(addr)

	if removed {
		c.logger.Debug("block invalidated", zap.Uint64("addr", addr))
	}
	return removed
}

// ============================================================
// 执行驱动
// ============================================================

// RecordExecution 记录一次块执行并驱动惰性/分层/投机调度
// 惰性阈值命中时同步编译；分层提升只改变层级标注，实际的重编译由
// 调用方按返回层级决定；执行计数到达热阈值的块成为投机种子，沿其
// 静态跳转目标向前投机。
func (c *Core) RecordExecution(addr uint64) {
	if c.lazy.RecordExecution(addr) {
		c.compileLazy(addr)
	}
	c.tiered.RecordExecution(addr)
	if c.speculative.RecordExecution(addr) {
		c.speculateAhead(addr)
	}
	c.speculative.RecordHit(addr)
}

// speculateAhead 从热种子块出发，沿静态跳转目标向前至多
// SpeculationDepth 个块提交投机候选
// 只有已登记且尚无编译产物的后继会入队；遇到间接跳转、返回或未
// 登记的地址时链条终止。靠前的后继优先级更高。
func (c *Core) speculateAhead(addr uint64) {
	depth := c.cfg.Speculative.SpeculationDepth
	cur := addr
	for i := 0; i < depth; i++ {
		next, ok := c.nextStaticTarget(cur)
		if !ok {
			return
		}
		entry, ok := c.lazy.Entry(next)
		if !ok {
			return
		}
		if _, done := c.codeCache.Lookup(next); !done {
			if err := c.speculative.EnqueueBranchTarget(next, entry.Code, depth-i); err != nil {
				c.logger.Debug("speculative enqueue rejected",
					zap.Uint64("addr", next), zap.Error(err))
				return
			}
		}
		cur = next
	}
}

// nextStaticTarget 块终结指令的静态跳转目标
func (c *Core) nextStaticTarget(addr uint64) (uint64, bool) {
	entry, ok := c.lazy.Entry(addr)
	if !ok {
		return 0, false
	}
	block := isa.Segment(entry.Code, addr, c.kind)
	term, ok := block.Terminator()
	if !ok {
		return 0, false
	}
	return term.BranchTarget(c.kind)
}

// RegisterBlock 注册一个可被惰性编译的块
// threshold <= 0 时使用配置阈值。
func (c *Core) RegisterBlock(addr uint64, code []byte, threshold int64) {
	if threshold <= 0 {
		threshold = int64(c.cfg.Scheduler.LazyThreshold)
	}
	c.lazy.Register(addr, code, threshold)
}

func (c *Core) compileLazy(addr uint64) {
	entry, ok := c.lazy.Entry(addr)
	if !ok {
		return
	}
	if !c.lazy.MarkCompiling(addr) {
		return
	}
	if err := c.Compile(addr, entry.Code); err != nil {
		c.lazy.MarkFailed(addr)
		c.logger.Warn("lazy compile failed",
			zap.Uint64("addr", addr), zap.Error(err))
		return
	}
	c.lazy.MarkCompiled(addr)
}

// SubmitBackground 把编译任务投入多线程编译池
func (c *Core) SubmitBackground(addr uint64, code []byte, priority int) error {
	return c.pool.Submit(addr, code, priority)
}

// WaitBackground 等待编译池排空，timeout <= 0 表示无限等待
func (c *Core) WaitBackground(timeout time.Duration) bool {
	return c.pool.WaitAll(timeout)
}

// EnqueueSpeculative 把地址加入投机编译队列
func (c *Core) EnqueueSpeculative(addr uint64, code []byte, priority int) error {
	return c.speculative.Enqueue(addr, code, priority)
}

// EnqueueBranchTarget 以分支目标身份入投机队列（带优先级加成）
func (c *Core) EnqueueBranchTarget(addr uint64, code []byte, priority int) error {
	return c.speculative.EnqueueBranchTarget(addr, code, priority)
}

// ProcessIdle 在空闲期处理至多 maxCount 个投机任务
func (c *Core) ProcessIdle(maxCount int) int {
	return c.speculative.ProcessIdle(maxCount)
}

// EvictionCandidates 按最久未访问优先给出至多 max 个淘汰候选
// 只给建议；实际淘汰由调用方通过 Invalidate 执行。
func (c *Core) EvictionCandidates(max int) []uint64 {
	return c.codeCache.EvictionCandidates(max)
}

// ============================================================
// 断点
// ============================================================

// AddBreakpoint 设置断点并失效对应编译产物
func (c *Core) AddBreakpoint(addr uint64) {
	c.codeCache.AddBreakpoint(addr)
	c.logger.Debug("breakpoint added", zap.Uint64("addr", addr))
}

// RemoveBreakpoint 移除断点
func (c *Core) RemoveBreakpoint(addr uint64) bool {
	return c.codeCache.RemoveBreakpoint(addr)
}

// HasBreakpoint 查询断点
func (c *Core) HasBreakpoint(addr uint64) bool {
	return c.codeCache.HasBreakpoint(addr)
}

// ============================================================
// 子结构访问
// ============================================================

// CodeCache 代码缓存句柄
func (c *Core) CodeCache() *codecache.Cache { return c.codeCache }

// Predictor 方向预测器句柄
func (c *Core) Predictor() *branch.Predictor { return c.predictor }

// BTB 间接跳转目标缓冲句柄
func (c *Core) BTB() *branch.BTB { return c.btb }

// ConstCache 常量传播缓存句柄
func (c *Core) ConstCache() *constcache.Cache { return c.constCache }

// Analyzer 寄存器分析器句柄
func (c *Core) Analyzer() *regalloc.Analyzer { return c.analyzer }

// InlineCache 内联缓存句柄
func (c *Core) InlineCache() *inline.Cache { return c.inlines }

// Lazy 惰性调度器句柄
func (c *Core) Lazy() *sched.Lazy { return c.lazy }

// Tiered 分层调度器句柄
func (c *Core) Tiered() *sched.Tiered { return c.tiered }

// Speculative 投机调度器句柄
func (c *Core) Speculative() *sched.Speculative { return c.speculative }

// Pool 编译池句柄
func (c *Core) Pool() *sched.Pool { return c.pool }

// ============================================================
// 统计
// ============================================================

// CoreStats 引擎统计汇总
type CoreStats struct {
	CodeCache   codecache.Stats        `json:"code_cache"`
	Predictor   branch.PredictorStats  `json:"predictor"`
	BTB         branch.BTBStats        `json:"btb"`
	ConstCache  constcache.Stats       `json:"const_cache"`
	Regalloc    regalloc.Stats         `json:"regalloc"`
	Inline      inline.Stats           `json:"inline"`
	Lazy        sched.LazyStats        `json:"lazy"`
	Tiered      sched.TieredStats      `json:"tiered"`
	Speculative sched.SpeculativeStats `json:"speculative"`
	Pool        sched.PoolStats        `json:"pool"`
}

// Stats 汇总所有子结构统计
func (c *Core) Stats() CoreStats {
	return CoreStats{
		CodeCache:   c.codeCache.Stats(),
		Predictor:   c.predictor.Stats(),
		BTB:         c.btb.Stats(),
		ConstCache:  c.constCache.Stats(),
		Regalloc:    c.analyzer.Stats(),
		Inline:      c.inlines.Stats(),
		Lazy:        c.lazy.Stats(),
		Tiered:      c.tiered.Stats(),
		Speculative: c.speculative.Stats(),
		Pool:        c.pool.Stats(),
	}
}

// StatsJSON 序列化统计快照
func (c *Core) StatsJSON() ([]byte, error) {
	return json.MarshalIndent(c.Stats(), "", "  ")
}

// ResetStats 重置所有子结构统计
func (c *Core) ResetStats() {
	c.codeCache.ResetStats()
	c.predictor.ResetStats()
	c.btb.ResetStats()
	c.constCache.ResetStats()
	c.lazy.ResetStats()
	c.tiered.ResetStats()
	c.speculative.ResetStats()
	c.pool.ResetStats()
}

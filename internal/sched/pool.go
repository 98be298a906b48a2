// pool.go - 多线程编译池
//
// 固定数量的工作线程消费一个优先级任务队列（优先级数值大者先出，
// 同优先级按提交顺序）。工作线程循环：在条件变量上等待队列非空或
// 收到停止请求；取出最高优先级任务；在锁外执行；在锁内更新计数。
//
// 取消只作用于队列层面：CancelAll 丢弃尚未出队的任务，已在执行的
// 任务运行到结束，没有抢占。任务失败计数但不停止池。

package sched

import (
	"container/heap"
	"errors"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// DefaultWorkerCount 默认工作线程数（0 表示取 CPU 核心数）
const DefaultWorkerCount = 0

// 错误定义
var (
	ErrPoolClosed   = errors.New("sched: pool is shut down")
	ErrPoolDisabled = errors.New("sched: pool is disabled")
)

// CompilationTask 编译任务
type CompilationTask struct {
	Addr     uint64
	Code     []byte
	Priority int

	seq       int64
	submitted time.Time
}

// ExecuteFunc 任务执行回调
type ExecuteFunc func(task CompilationTask) error

// PoolStats 编译池统计
type PoolStats struct {
	Workers     int           `json:"workers"`
	Queued      int           `json:"queued"`
	InFlight    int           `json:"in_flight"`
	Submitted   int64         `json:"submitted"`
	Completed   int64         `json:"completed"`
	Failed      int64         `json:"failed"`
	Cancelled   int64         `json:"cancelled"`
	PeakQueue   int           `json:"peak_queue"`
	AvgWaitNs   time.Duration `json:"avg_wait_ns"`
	AvgExecNs   time.Duration `json:"avg_exec_ns"`
}

// Pool 多线程编译池
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond // 队列非空或停止时唤醒工作线程
	drained *sync.Cond // 队列与在途任务同时归零时唤醒 WaitAll

	queue    taskHeap
	execute  ExecuteFunc
	workers  int
	inFlight int
	seq      int64
	stopping bool
	enabled  atomic.Bool

	wg sync.WaitGroup

	submitted int64
	completed int64
	failed    int64
	cancelled int64
	peakQueue int
	totalWait time.Duration
	totalExec time.Duration
}

// NewPool 创建并启动编译池
// workers <= 0 时取 CPU 核心数。execute 为 nil 时任务视为空操作成功。
func NewPool(workers int, execute ExecuteFunc) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pool{
		execute: execute,
		workers: workers,
	}
	p.cond = sync.NewCond(&p.mu)
	p.drained = sync.NewCond(&p.mu)
	p.enabled.Store(true)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// SetEnabled 设置是否接受新任务（不影响已入队的任务）
func (p *Pool) SetEnabled(enabled bool) { p.enabled.Store(enabled) }

// Enabled 返回是否接受新任务
func (p *Pool) Enabled() bool { return p.enabled.Load() }

// Submit 提交编译任务并唤醒一个工作线程
func (p *Pool) Submit(addr uint64, code []byte, priority int) error {
	if !p.enabled.Load() {
		return ErrPoolDisabled
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping {
		return ErrPoolClosed
	}

	p.seq++
	heap.Push(&p.queue, &CompilationTask{
		Addr:      addr,
		Code:      code,
		Priority:  priority,
		seq:       p.seq,
		submitted: time.Now(),
	})
	p.submitted++
	if p.queue.Len() > p.peakQueue {
		p.peakQueue = p.queue.Len()
	}
	p.cond.Signal()
	return nil
}

// worker 工作线程主循环
func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for p.queue.Len() == 0 && !p.stopping {
			p.cond.Wait()
		}
		if p.stopping && p.queue.Len() == 0 {
			p.mu.Unlock()
			return
		}

		task := heap.Pop(&p.queue).(*CompilationTask)
		p.inFlight++
		p.mu.Unlock()

		// 锁外执行
		wait := time.Since(task.submitted)
		start := time.Now()
		var err error
		if p.execute != nil {
			err = p.execute(*task)
		}
		elapsed := time.Since(start)

		p.mu.Lock()
		p.inFlight--
		p.completed++
		p.totalWait += wait
		p.totalExec += elapsed
		if err != nil {
			p.failed++
		}
		if p.queue.Len() == 0 && p.inFlight == 0 {
			p.drained.Broadcast()
		}
		p.mu.Unlock()
	}
}

// WaitAll 阻塞直到队列与在途任务全部归零或超时
// 返回 true 表示排空，false 表示超时。timeout <= 0 表示无限等待。
func (p *Pool) WaitAll(timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			p.mu.Lock()
			p.drained.Broadcast()
			p.mu.Unlock()
		})
		defer timer.Stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queue.Len() > 0 || p.inFlight > 0 {
		if timeout > 0 && !time.Now().Before(deadline) {
			return false
		}
		p.drained.Wait()
	}
	return true
}

// CancelAll 丢弃尚未出队的任务，返回丢弃数量
// 执行中的任务不受影响。
func (p *Pool) CancelAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	discarded := p.queue.Len()
	p.queue = nil
	p.cancelled += int64(discarded)
	if p.inFlight == 0 {
		p.drained.Broadcast()
	}
	return discarded
}

// Shutdown 停止接收新任务，排空队列并等待全部工作线程退出
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.stopping = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// Stats 统计快照
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{
		Workers:   p.workers,
		Queued:    p.queue.Len(),
		InFlight:  p.inFlight,
		Submitted: p.submitted,
		Completed: p.completed,
		Failed:    p.failed,
		Cancelled: p.cancelled,
		PeakQueue: p.peakQueue,
	}
	if p.completed > 0 {
		s.AvgWaitNs = p.totalWait / time.Duration(p.completed)
		s.AvgExecNs = p.totalExec / time.Duration(p.completed)
	}
	return s
}

// ResetStats 重置统计计数
// 调用方应先静默（WaitAll）再重置，否则在途更新会混入新计数。
func (p *Pool) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.submitted = 0
	p.completed = 0
	p.failed = 0
	p.cancelled = 0
	p.peakQueue = 0
	p.totalWait = 0
	p.totalExec = 0
}

// ============================================================================
// 任务堆
// ============================================================================

// taskHeap 最大堆：优先级数值大者先出，同优先级按提交顺序
type taskHeap []*CompilationTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*CompilationTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}

// Package codecache 实现按地址索引的编译产物缓存与断点注册表。
//
// 不变量：
// 1. 同一地址同一时刻最多存在一个有效缓存项
// 2. 在地址 A 设置断点会立即使 A 处的缓存项失效，并抑制后续插入，
//    直到断点被移除
// 3. 缓存跟踪产物总字节数；超过上限只是给调用方的淘汰信号，
//    淘汰策略本身由调用方决定（参见 Advisor）
package codecache

import (
	"errors"
	"sync"

	"go.uber.org/atomic"
)

// 插入失败的错误
var (
	ErrAlreadyPresent = errors.New("codecache: entry already present")
	ErrBreakpoint     = errors.New("codecache: address has a breakpoint")
	ErrEmptyArtifact  = errors.New("codecache: empty artifact")
)

// Entry 缓存项
type Entry struct {
	Addr     uint64 // 块起始地址
	Artifact []byte // 编译产物（控制面不解释其内容）
}

// Size 产物字节数
func (e *Entry) Size() int64 {
	return int64(len(e.Artifact))
}

// Stats 缓存统计
type Stats struct {
	Entries       int   `json:"entries"`
	TotalSize     int64 `json:"total_size"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Inserts       int64 `json:"inserts"`
	Invalidations int64 `json:"invalidations"`
	Breakpoints   int   `json:"breakpoints"`
}

// Cache 代码缓存 + 断点注册表
type Cache struct {
	mu          sync.RWMutex
	entries     map[uint64]*Entry
	breakpoints map[uint64]struct{}
	totalSize   int64
	ceiling     int64
	advisor     *Advisor

	hits          atomic.Int64
	misses        atomic.Int64
	inserts       atomic.Int64
	invalidations atomic.Int64
}

// New 创建代码缓存
// ceiling 为产物总字节数上限，0 表示不设上限。
func New(ceiling int64) *Cache {
	return &Cache{
		entries:     make(map[uint64]*Entry),
		breakpoints: make(map[uint64]struct{}),
		ceiling:     ceiling,
		advisor:     newAdvisor(),
	}
}

// Insert 插入编译产物
// 地址已有缓存项时不覆盖，返回 ErrAlreadyPresent；地址有断点时
// 返回 ErrBreakpoint；空产物按无效输入拒绝，不改变任何状态。
func (c *Cache) Insert(addr uint64, artifact []byte) error {
	if len(artifact) == 0 {
		return ErrEmptyArtifact
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.breakpoints[addr]; ok {
		return ErrBreakpoint
	}
	if _, ok := c.entries[addr]; ok {
		return ErrAlreadyPresent
	}

	entry := &Entry{Addr: addr, Artifact: artifact}
	c.entries[addr] = entry
	c.totalSize += entry.Size()
	c.advisor.touch(addr)
	c.inserts.Inc()
	return nil
}

// Lookup 查找编译产物
func (c *Cache) Lookup(addr uint64) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[addr]
	if ok {
		// 与存在性检查同一临界区内刷新近期性，避免与并发的
		// Invalidate 交错后留下已失效地址的残留记录
		c.advisor.touch(addr)
	}
	c.mu.RUnlock()

	if !ok {
		c.misses.Inc()
		return nil, false
	}
	c.hits.Inc()
	return entry.Artifact, true
}

// Invalidate 使地址处的缓存项失效并释放产物
// 返回是否存在被移除的缓存项。
func (c *Cache) Invalidate(addr uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidateLocked(addr)
}

func (c *Cache) invalidateLocked(addr uint64) bool {
	entry, ok := c.entries[addr]
	if !ok {
		return false
	}
	c.totalSize -= entry.Size()
	delete(c.entries, addr)
	c.advisor.remove(addr)
	c.invalidations.Inc()
	return true
}

// Clear 释放全部缓存项（断点保留）
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[uint64]*Entry)
	c.totalSize = 0
	c.advisor.clear()
}

// ============================================================================
// 断点
// ============================================================================

// AddBreakpoint 设置断点
// 原子地使该地址的缓存项失效并抑制后续插入。
func (c *Cache) AddBreakpoint(addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidateLocked(addr)
	c.breakpoints[addr] = struct{}{}
}

// RemoveBreakpoint 移除断点
// 返回断点是否存在。
func (c *Cache) RemoveBreakpoint(addr uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.breakpoints[addr]; !ok {
		return false
	}
	delete(c.breakpoints, addr)
	return true
}

// HasBreakpoint 查询断点（纯查询，无副作用）
func (c *Cache) HasBreakpoint(addr uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.breakpoints[addr]
	return ok
}

// ============================================================================
// 容量与统计
// ============================================================================

// TotalSize 产物总字节数
func (c *Cache) TotalSize() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalSize
}

// Ceiling 容量上限（0 表示不设上限）
func (c *Cache) Ceiling() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ceiling
}

// SetCeiling 调整容量上限
func (c *Cache) SetCeiling(ceiling int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ceiling = ceiling
}

// OverCeiling 产物总量是否超过上限
// 返回 true 是给调用方的淘汰信号，缓存本身不做淘汰。
func (c *Cache) OverCeiling() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ceiling > 0 && c.totalSize > c.ceiling
}

// EvictionCandidates 按最久未访问优先返回至多 max 个淘汰候选地址
func (c *Cache) EvictionCandidates(max int) []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.advisor.oldest(max)
}

// Stats 统计快照
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Entries:       len(c.entries),
		TotalSize:     c.totalSize,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Inserts:       c.inserts.Load(),
		Invalidations: c.invalidations.Load(),
		Breakpoints:   len(c.breakpoints),
	}
}

// ResetStats 重置统计计数
// 非并发安全快照：有在途更新时调用方应先静默再重置。
func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.inserts.Store(0)
	c.invalidations.Store(0)
}

// Package inline 实现调用点 -> 解析目标的内联缓存。
//
// 每个调用点一个表项，记录解析出的目标地址与命中次数。目标代码被
// 重编译或淘汰时按目标整体失效：表项标记为无效而非删除，统计得以
// 保留。容量有界，满员时淘汰命中次数最低的表项。
package inline

import (
	"sync"

	"go.uber.org/atomic"
)

// DefaultCapacity 默认容量
const DefaultCapacity = 256

// Entry 内联缓存表项
type Entry struct {
	CallSite uint64 // 调用点地址
	Target   uint64 // 解析出的目标地址
	Hits     int64  // 命中次数
	Valid    bool   // 目标失效后为 false
}

// Stats 内联缓存统计
type Stats struct {
	Entries   int   `json:"entries"`
	Valid     int   `json:"valid"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache 内联缓存
type Cache struct {
	mu       sync.RWMutex
	capacity int
	entries  map[uint64]*Entry
	compiled map[uint64][]byte // 目标地址 -> 编译代码

	misses    atomic.Int64
	evictions atomic.Int64
}

// New 创建内联缓存
// capacity <= 0 时使用 DefaultCapacity。
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[uint64]*Entry),
		compiled: make(map[uint64][]byte),
	}
}

// Add 记录调用点到目标的映射，命中次数归零
// 调用点已存在时重置其目标与计数；容量已满时先淘汰命中最低的表项。
func (c *Cache) Add(callSite, target uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[callSite]; ok {
		entry.Target = target
		entry.Hits = 0
		entry.Valid = true
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictColdestLocked()
	}
	c.entries[callSite] = &Entry{CallSite: callSite, Target: target, Valid: true}
}

// evictColdestLocked 淘汰命中次数最低的表项
func (c *Cache) evictColdestLocked() {
	var victim *Entry
	for _, entry := range c.entries {
		if victim == nil || entry.Hits < victim.Hits {
			victim = entry
		}
	}
	if victim != nil {
		delete(c.entries, victim.CallSite)
		c.evictions.Inc()
	}
}

// Lookup 查询调用点
// 表项存在时命中计数递增（即便目标尚无编译代码或已失效）；返回
// 与目标关联的编译代码，没有可用代码时返回 nil, false。
func (c *Cache) Lookup(callSite uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[callSite]
	if !ok {
		c.misses.Inc()
		return nil, false
	}
	entry.Hits++

	if !entry.Valid {
		return nil, false
	}
	code, ok := c.compiled[entry.Target]
	if !ok {
		return nil, false
	}
	return code, true
}

// SetCompiled 关联目标地址的编译代码
func (c *Cache) SetCompiled(target uint64, code []byte) {
	c.mu.Lock()
	c.compiled[target] = code
	c.mu.Unlock()
}

// Invalidate 使指向目标的全部调用点表项失效
// 表项标记无效但保留统计。返回失效的表项数量。
func (c *Cache) Invalidate(target uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.compiled, target)
	invalidated := 0
	for _, entry := range c.entries {
		if entry.Target == target && entry.Valid {
			entry.Valid = false
			invalidated++
		}
	}
	return invalidated
}

// Entry 查询表项快照
func (c *Cache) Entry(callSite uint64) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[callSite]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Stats 统计快照
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	valid := 0
	var hits int64
	for _, entry := range c.entries {
		if entry.Valid {
			valid++
		}
		hits += entry.Hits
	}
	return Stats{
		Entries:   len(c.entries),
		Valid:     valid,
		Hits:      hits,
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Clear 清空全部表项与编译代码关联
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[uint64]*Entry)
	c.compiled = make(map[uint64][]byte)
}

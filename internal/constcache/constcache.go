// Package constcache 实现常量传播缓存。
//
// 三个相互独立的键空间：
// 1. 立即数：按指令地址
// 2. 寄存器值：按 (块地址, 寄存器)，附带 is_constant 标记，区分
//    「运行期已知值」与「编译期真常量」
// 3. 内存值：按内存地址，附带字节宽度
//
// 失效规则：
// - 宽度为 W 的存储命中地址 A 时，必须使所有与 [A, A+W) 重叠的
//   内存缓存项失效
// - 遇到调用或不可分析的控制流汇合时，该块的全部寄存器缓存项失效
//   （被调方的影响未知，值无法证明跨路径不变）
package constcache

import (
	"sync"

	"go.uber.org/atomic"
)

type regKey struct {
	block uint64
	reg   uint32
}

type regValue struct {
	value   uint64
	isConst bool
}

type memValue struct {
	value uint64
	width uint8
}

// Stats 常量缓存统计
type Stats struct {
	Immediates    int   `json:"immediates"`
	Registers     int   `json:"registers"`
	Memory        int   `json:"memory"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
}

// Cache 常量传播缓存
type Cache struct {
	mu         sync.RWMutex
	immediates map[uint64]uint64
	registers  map[regKey]regValue
	memory     map[uint64]memValue

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
}

// New 创建常量传播缓存
func New() *Cache {
	return &Cache{
		immediates: make(map[uint64]uint64),
		registers:  make(map[regKey]regValue),
		memory:     make(map[uint64]memValue),
	}
}

// ============================================================================
// 立即数子缓存
// ============================================================================

// SetImmediate 记录指令地址处的编译期立即数
func (c *Cache) SetImmediate(insAddr uint64, value uint64) {
	c.mu.Lock()
	c.immediates[insAddr] = value
	c.mu.Unlock()
}

// Immediate 查询指令地址处的立即数
func (c *Cache) Immediate(insAddr uint64) (uint64, bool) {
	c.mu.RLock()
	value, ok := c.immediates[insAddr]
	c.mu.RUnlock()

	c.count(ok)
	return value, ok
}

// InvalidateImmediate 使指令地址处的立即数失效
func (c *Cache) InvalidateImmediate(insAddr uint64) {
	c.mu.Lock()
	if _, ok := c.immediates[insAddr]; ok {
		delete(c.immediates, insAddr)
		c.invalidations.Inc()
	}
	c.mu.Unlock()
}

// ============================================================================
// 寄存器子缓存
// ============================================================================

// SetRegister 记录块内寄存器的已知值
// isConst 为 true 表示编译期真常量，false 表示仅运行期已知。
func (c *Cache) SetRegister(blockAddr uint64, reg uint32, value uint64, isConst bool) {
	c.mu.Lock()
	c.registers[regKey{blockAddr, reg}] = regValue{value, isConst}
	c.mu.Unlock()
}

// Register 查询块内寄存器的已知值
func (c *Cache) Register(blockAddr uint64, reg uint32) (value uint64, isConst, ok bool) {
	c.mu.RLock()
	rv, ok := c.registers[regKey{blockAddr, reg}]
	c.mu.RUnlock()

	c.count(ok)
	return rv.value, rv.isConst, ok
}

// InvalidateRegister 使单个寄存器缓存项失效
func (c *Cache) InvalidateRegister(blockAddr uint64, reg uint32) {
	c.mu.Lock()
	key := regKey{blockAddr, reg}
	if _, ok := c.registers[key]; ok {
		delete(c.registers, key)
		c.invalidations.Inc()
	}
	c.mu.Unlock()
}

// InvalidateBlockRegisters 使块的全部寄存器缓存项失效
// 遇到调用或不可分析的跳转时使用。返回失效数量。
func (c *Cache) InvalidateBlockRegisters(blockAddr uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.registers {
		if key.block == blockAddr {
			delete(c.registers, key)
			removed++
		}
	}
	c.invalidations.Add(int64(removed))
	return removed
}

// ============================================================================
// 内存子缓存
// ============================================================================

// SetMemory 记录内存地址处宽度为 width 字节的已知值
func (c *Cache) SetMemory(addr uint64, value uint64, width uint8) {
	if width == 0 {
		return
	}
	c.mu.Lock()
	c.memory[addr] = memValue{value, width}
	c.mu.Unlock()
}

// Memory 查询内存地址处的已知值及宽度
func (c *Cache) Memory(addr uint64) (value uint64, width uint8, ok bool) {
	c.mu.RLock()
	mv, ok := c.memory[addr]
	c.mu.RUnlock()

	c.count(ok)
	return mv.value, mv.width, ok
}

// InvalidateMemory 使单个内存地址的缓存项失效
func (c *Cache) InvalidateMemory(addr uint64) {
	c.InvalidateMemoryRange(addr, 1)
}

// InvalidateMemoryRange 使与 [addr, addr+width) 重叠的全部内存缓存项失效
// 返回失效数量。
func (c *Cache) InvalidateMemoryRange(addr uint64, width uint64) int {
	if width == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	end := addr + width
	for a, mv := range c.memory {
		// 缓存项区间 [a, a+mv.width) 与存储区间重叠即失效
		if a < end && a+uint64(mv.width) > addr {
			delete(c.memory, a)
			removed++
		}
	}
	c.invalidations.Add(int64(removed))
	return removed
}

// ============================================================================
// 统计
// ============================================================================

func (c *Cache) count(hit bool) {
	if hit {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
}

// Stats 统计快照
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Immediates:    len(c.immediates),
		Registers:     len(c.registers),
		Memory:        len(c.memory),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// ResetStats 重置统计计数
func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.invalidations.Store(0)
}

// Clear 清空三个子缓存
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.immediates = make(map[uint64]uint64)
	c.registers = make(map[regKey]regValue)
	c.memory = make(map[uint64]memValue)
}

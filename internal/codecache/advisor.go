// advisor.go - 淘汰建议器
//
// 缓存超限后的淘汰策略由调用方决定；本文件提供参考实现所需的
// 访问新旧顺序：每次插入与命中都刷新地址的近期性，oldest 按
// 最久未访问优先给出候选。底层使用 hashicorp/golang-lru 的
// simplelru 维护顺序。

package codecache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// advisorCapacity 建议器跟踪的最大地址数
// 超出后最旧的记录被挤掉，只影响建议质量，不影响缓存正确性。
const advisorCapacity = 1 << 20

// Advisor 淘汰建议器
type Advisor struct {
	mu  sync.Mutex
	lru *simplelru.LRU[uint64, struct{}]
}

func newAdvisor() *Advisor {
	lru, err := simplelru.NewLRU[uint64, struct{}](advisorCapacity, nil)
	if err != nil {
		// 容量为正值时 NewLRU 不会失败
		panic(err)
	}
	return &Advisor{lru: lru}
}

// touch 刷新地址的近期性
func (a *Advisor) touch(addr uint64) {
	a.mu.Lock()
	a.lru.Add(addr, struct{}{})
	a.mu.Unlock()
}

// remove 移除地址
func (a *Advisor) remove(addr uint64) {
	a.mu.Lock()
	a.lru.Remove(addr)
	a.mu.Unlock()
}

// clear 清空
func (a *Advisor) clear() {
	a.mu.Lock()
	a.lru.Purge()
	a.mu.Unlock()
}

// oldest 按最久未访问优先返回至多 max 个地址
func (a *Advisor) oldest(max int) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := a.lru.Keys() // 从旧到新
	if max >= 0 && len(keys) > max {
		keys = keys[:max]
	}
	out := make([]uint64, len(keys))
	copy(out, keys)
	return out
}

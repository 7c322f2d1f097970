package services

// 候选记分台集合
// 发现阶段收到的公告集中存放在这里，按 identity 去重，长时间未刷新的候选会被剔除

import (
	"container/heap"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/somebottle/scorepanel-link/entities"
)

// TTL 堆元素
type ttlHeapItem struct {
	// 候选记分台的 identity
	identity string
	// 过期时间
	expireAt time.Time
}

// TTL 堆 (小根堆，越早过期的在前面)
//
// 同一个 identity 被刷新后旧元素仍留在堆里，弹出时再和集合中的记录比对
type ttlHeap []ttlHeapItem

func (th *ttlHeap) Len() int {
	return len(*th)
}

func (th *ttlHeap) Less(i, j int) bool {
	return (*th)[i].expireAt.Before((*th)[j].expireAt)
}

func (th *ttlHeap) Swap(i, j int) {
	(*th)[i], (*th)[j] = (*th)[j], (*th)[i]
}

func (th *ttlHeap) Push(x any) {
	*th = append(*th, x.(ttlHeapItem))
}

func (th *ttlHeap) Pop() any {
	item := (*th)[len(*th)-1]
	*th = (*th)[:len(*th)-1]
	return item
}

// CandidateSet 候选记分台集合，可被多个协程并发访问
type CandidateSet struct {
	mutex sync.Mutex
	clock clockwork.Clock
	// 公告多久未刷新即被剔除
	window     time.Duration
	candidates map[string]entities.ServerAnnouncement
	ttlHeap    *ttlHeap
}

// NewCandidateSet 创建候选集合
//
// clock: 时钟
// window: 公告的有效期，通常为 3 个探测间隔
func NewCandidateSet(clock clockwork.Clock, window time.Duration) *CandidateSet {
	th := &ttlHeap{}
	heap.Init(th)
	return &CandidateSet{
		clock:      clock,
		window:     window,
		candidates: make(map[string]entities.ServerAnnouncement),
		ttlHeap:    th,
	}
}

// Observe 记录一条公告，公告的 SeenAt 会被设为当前时刻
//
// 返回该公告是否为新的候选，或者地址、版本、传输方式是否有变化
func (cs *CandidateSet) Observe(announcement entities.ServerAnnouncement) bool {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	now := cs.clock.Now()
	cs.evictLocked(now)
	announcement.SeenAt = now
	previous, exists := cs.candidates[announcement.Identity]
	cs.candidates[announcement.Identity] = announcement
	heap.Push(cs.ttlHeap, ttlHeapItem{
		identity: announcement.Identity,
		expireAt: now.Add(cs.window),
	})
	if !exists {
		return true
	}
	return previous.Address != announcement.Address ||
		previous.ProtocolVersion != announcement.ProtocolVersion ||
		previous.Transport != announcement.Transport
}

// Candidates 返回所有未过期的候选，最近刷新的排在前面
func (cs *CandidateSet) Candidates() []entities.ServerAnnouncement {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.evictLocked(cs.clock.Now())
	result := make([]entities.ServerAnnouncement, 0, len(cs.candidates))
	for _, candidate := range cs.candidates {
		result = append(result, candidate)
	}
	slices.SortFunc(result, func(a, b entities.ServerAnnouncement) int {
		if c := b.SeenAt.Compare(a.SeenAt); c != 0 {
			return c
		}
		if a.Identity < b.Identity {
			return -1
		}
		if a.Identity > b.Identity {
			return 1
		}
		return 0
	})
	return result
}

// Len 返回未过期的候选数量
func (cs *CandidateSet) Len() int {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.evictLocked(cs.clock.Now())
	return len(cs.candidates)
}

// evictLocked 剔除过期的候选，调用方需持有锁
func (cs *CandidateSet) evictLocked(now time.Time) {
	for cs.ttlHeap.Len() > 0 {
		// 把过期的元素都清理掉，直至堆顶未过期
		item := (*cs.ttlHeap)[0]
		if item.expireAt.After(now) {
			break
		}
		heap.Pop(cs.ttlHeap)
		candidate, exists := cs.candidates[item.identity]
		if exists && !candidate.SeenAt.Add(cs.window).After(now) {
			delete(cs.candidates, item.identity)
		}
	}
}

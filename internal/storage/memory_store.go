// internal/storage/memory_store.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 进程内存储，带过期时间与最近最少使用淘汰；进程重启后数据丢失
type MemoryStore struct {
	entries map[string]*memoryEntry
	mutex   sync.RWMutex
	maxSize int           // 最大条目数
	ttl     time.Duration // 过期时间，0 表示不过期
	stop    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	data      []byte
	createdAt time.Time
	lastRead  time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(maxSize int, ttl time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000 // 默认1000个条目
	}
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		maxSize: maxSize,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	if ttl > 0 {
		go s.cleanupLoop(cleanupInterval(ttl))
	}
	return s
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < 2*time.Minute {
		return ttl
	}
	return 2 * time.Minute
}

func (s *MemoryStore) expired(e *memoryEntry, now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.createdAt) > s.ttl
}

// Get 读取值，返回副本
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	if s.expired(e, now) {
		delete(s.entries, key)
		return nil, ErrNotFound
	}
	e.lastRead = now
	return append([]byte(nil), e.data...), nil
}

// Put 写入值
func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	s.entries[key] = &memoryEntry{
		data:      append([]byte(nil), value...),
		createdAt: now,
		lastRead:  now,
	}

	// 超出上限时清理最少使用的条目
	if len(s.entries) > s.maxSize {
		s.cleanupLRU(max(1, s.maxSize/5))
	}
	return nil
}

// Delete 删除值
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mutex.Lock()
	delete(s.entries, key)
	s.mutex.Unlock()
	return nil
}

// Len 当前条目数
func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.entries)
}

// Close 停止清理协程
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func (s *MemoryStore) cleanupExpired() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	for key, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, key)
		}
	}
}

// cleanupLRU 按最后读取时间删除最旧的 count 个条目，调用方持有写锁
func (s *MemoryStore) cleanupLRU(count int) {
	type keyAge struct {
		key  string
		time time.Time
	}

	entries := make([]keyAge, 0, len(s.entries))
	for k, v := range s.entries {
		entries = append(entries, keyAge{k, v.lastRead})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].time.Before(entries[j].time)
	})

	for i := 0; i < min(count, len(entries)); i++ {
		delete(s.entries, entries[i].key)
	}
}

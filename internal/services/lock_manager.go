// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 会话级别的锁与"生成中"标记
type LockManager struct {
	sessionLocks map[string]*LockInfo
	globalLock   sync.Mutex
	lockTTL      time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	Mutex    *sync.Mutex
	LastUsed time.Time
	Busy     bool // 是否有生成任务正在进行
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	lm := &LockManager{
		sessionLocks: make(map[string]*LockInfo),
		lockTTL:      30 * time.Minute,
		stop:         make(chan struct{}),
	}

	// 启动清理器
	go lm.cleanupLoop(5 * time.Minute)
	return lm
}

// info 获取或创建锁信息，调用方持有 globalLock
func (lm *LockManager) info(sessionID string) *LockInfo {
	li, exists := lm.sessionLocks[sessionID]
	if !exists {
		li = &LockInfo{Mutex: &sync.Mutex{}}
		lm.sessionLocks[sessionID] = li
	}
	li.LastUsed = time.Now()
	return li
}

// TryAcquire 标记会话为生成中；已有任务在进行时返回 false，不排队等待
func (lm *LockManager) TryAcquire(sessionID string) (release func(), ok bool) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	li := lm.info(sessionID)
	if li.Busy {
		return nil, false
	}
	li.Busy = true

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.globalLock.Lock()
			li.Busy = false
			li.LastUsed = time.Now()
			lm.globalLock.Unlock()
		})
	}, true
}

// IsBusy 会话是否有生成任务正在进行
func (lm *LockManager) IsBusy(sessionID string) bool {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	li, exists := lm.sessionLocks[sessionID]
	return exists && li.Busy
}

// ExecuteWithSessionLock 在会话锁保护下执行短时间的读改写操作
func (lm *LockManager) ExecuteWithSessionLock(sessionID string, fn func() error) error {
	lm.globalLock.Lock()
	li := lm.info(sessionID)
	lm.globalLock.Unlock()

	li.Mutex.Lock()
	defer li.Mutex.Unlock()
	return fn()
}

// Stop 停止清理器
func (lm *LockManager) Stop() {
	lm.stopOnce.Do(func() { close(lm.stop) })
}

func (lm *LockManager) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-lm.stop:
			return
		case <-ticker.C:
			lm.cleanupUnusedLocks()
		}
	}
}

// cleanupUnusedLocks 只清理空闲且长时间未使用的锁
func (lm *LockManager) cleanupUnusedLocks() {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	now := time.Now()
	for sessionID, li := range lm.sessionLocks {
		if li.Busy || now.Sub(li.LastUsed) <= lm.lockTTL {
			continue
		}
		if li.Mutex.TryLock() {
			delete(lm.sessionLocks, sessionID)
			li.Mutex.Unlock()
		}
	}
}

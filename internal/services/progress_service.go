// internal/services/progress_service.go
package services

import (
	"sync"
	"time"

	"github.com/Lianues/manosaba-ai/internal/models"
)

// ProgressTracker 跟踪单个会话的阶段事件
type ProgressTracker struct {
	SessionID   string
	Last        *models.StageEvent
	UpdateTime  time.Time
	Subscribers map[chan models.StageEvent]bool
	mutex       sync.Mutex
}

// ProgressService 管理所有会话的阶段事件订阅
type ProgressService struct {
	trackers map[string]*ProgressTracker
	mutex    sync.RWMutex
}

// NewProgressService 创建进度服务实例
func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[string]*ProgressTracker),
	}
}

func (s *ProgressService) tracker(sessionID string) *ProgressTracker {
	s.mutex.RLock()
	t, exists := s.trackers[sessionID]
	s.mutex.RUnlock()
	if exists {
		return t
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if t, exists = s.trackers[sessionID]; exists {
		return t
	}
	t = &ProgressTracker{
		SessionID:   sessionID,
		UpdateTime:  time.Now(),
		Subscribers: make(map[chan models.StageEvent]bool),
	}
	s.trackers[sessionID] = t
	return t
}

// Publish 向会话的所有订阅者广播事件
func (s *ProgressService) Publish(event models.StageEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	t := s.tracker(event.SessionID)

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.Last = &event
	t.UpdateTime = event.Timestamp

	for subscriber := range t.Subscribers {
		// 非阻塞发送，如果通道已满则跳过
		select {
		case subscriber <- event:
		default:
		}
	}
}

// Emit 发布事件的便捷方法
func (s *ProgressService) Emit(sessionID, eventType string, stage models.Stage, message string, data any) {
	s.Publish(models.StageEvent{
		SessionID: sessionID,
		Type:      eventType,
		Stage:     stage,
		Message:   message,
		Data:      data,
	})
}

// Subscribe 订阅会话事件，立即收到最近一次事件
func (s *ProgressService) Subscribe(sessionID string) chan models.StageEvent {
	t := s.tracker(sessionID)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	// 缓冲区设为16以避免阻塞
	subscriber := make(chan models.StageEvent, 16)
	t.Subscribers[subscriber] = true
	if t.Last != nil {
		subscriber <- *t.Last
	}
	return subscriber
}

// Unsubscribe 取消订阅
func (s *ProgressService) Unsubscribe(sessionID string, subscriber chan models.StageEvent) {
	t := s.tracker(sessionID)

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.Subscribers[subscriber] {
		delete(t.Subscribers, subscriber)
		close(subscriber)
	}
}

// CleanupIdle 清理没有订阅者且长时间无事件的会话
func (s *ProgressService) CleanupIdle(maxAge time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	for id, t := range s.trackers {
		t.mutex.Lock()
		idle := len(t.Subscribers) == 0 && now.Sub(t.UpdateTime) > maxAge
		t.mutex.Unlock()
		if idle {
			delete(s.trackers, id)
		}
	}
}

// internal/services/event_service.go
package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/Corphon/DialogueDirectorMCP/internal/models"
	"github.com/Corphon/DialogueDirectorMCP/internal/storage"
)

// EventService 运行事件的发布与订阅
// 投递是即发即弃的：订阅通道已满时跳过，绝不阻塞运行主循环
type EventService struct {
	storage *storage.FileStorage

	mutex       sync.RWMutex
	subscribers map[chan models.RunEvent]bool
	history     map[string][]models.RunEvent // runID -> 事件履历
	maxHistory  int
}

// NewEventService 创建事件服务
func NewEventService(fs *storage.FileStorage) *EventService {
	return &EventService{
		storage:     fs,
		subscribers: make(map[chan models.RunEvent]bool),
		history:     make(map[string][]models.RunEvent),
		maxHistory:  16,
	}
}

// Publish 发布一条运行事件
func (s *EventService) Publish(event models.RunEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mutex.Lock()
	s.history[event.RunID] = append(s.history[event.RunID], event)
	// 限制保留的运行数，淘汰最老的履历
	if len(s.history) > s.maxHistory {
		var oldest string
		var oldestTime time.Time
		for id, events := range s.history {
			if len(events) == 0 {
				oldest = id
				break
			}
			if oldest == "" || events[0].Timestamp.Before(oldestTime) {
				oldest = id
				oldestTime = events[0].Timestamp
			}
		}
		if oldest != "" && oldest != event.RunID {
			delete(s.history, oldest)
		}
	}
	// 非阻塞投递。持锁发送，Unsubscribe 的 close 不可能撞上进行中的发送
	for ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	s.mutex.Unlock()
}

// Subscribe 订阅后续全部运行事件
func (s *EventService) Subscribe() chan models.RunEvent {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ch := make(chan models.RunEvent, 32)
	s.subscribers[ch] = true
	return ch
}

// Unsubscribe 取消订阅并关闭通道
func (s *EventService) Unsubscribe(ch chan models.RunEvent) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.subscribers[ch] {
		delete(s.subscribers, ch)
		close(ch)
	}
}

// History 返回指定运行的事件履历副本
func (s *EventService) History(runID string) []models.RunEvent {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	events := s.history[runID]
	copied := make([]models.RunEvent, len(events))
	copy(copied, events)
	return copied
}

// PersistRun 把完整运行结果落盘
// 持久化失败只记录，不影响运行结果的返回
func (s *EventService) PersistRun(result *models.DialogueResult) {
	if s.storage == nil || result == nil {
		return
	}
	filename := fmt.Sprintf("%s.json", result.RunID)
	if err := s.storage.SaveJSONFile("runs", filename, result); err != nil {
		fmt.Printf("⚠️ 运行结果持久化失败 (run=%s): %v\n", result.RunID, err)
	}
}

// LoadRun 读取已持久化的运行结果
func (s *EventService) LoadRun(runID string) (*models.DialogueResult, error) {
	if s.storage == nil {
		return nil, fmt.Errorf("存储服务未初始化")
	}
	var result models.DialogueResult
	if err := s.storage.LoadJSONFile("runs", runID+".json", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// internal/services/event_service_test.go
package services

import (
	"testing"
	"time"

	"github.com/Corphon/DialogueDirectorMCP/internal/models"
)

func TestPublishAndSubscribe(t *testing.T) {
	svc := NewEventService(nil)

	ch := svc.Subscribe()
	defer svc.Unsubscribe(ch)

	svc.Publish(models.RunEvent{Type: "run_started", RunID: "run-1"})

	select {
	case event := <-ch:
		if event.Type != "run_started" || event.RunID != "run-1" {
			t.Errorf("订阅者应该收到发布的事件, got %+v", event)
		}
		if event.Timestamp.IsZero() {
			t.Error("发布时应该补齐时间戳")
		}
	case <-time.After(time.Second):
		t.Fatal("事件未投递到订阅通道")
	}
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	svc := NewEventService(nil)

	// 订阅后从不读取，填满缓冲
	ch := svc.Subscribe()
	defer svc.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			svc.Publish(models.RunEvent{Type: "turn_committed", RunID: "run-1", Turn: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("迟钝的订阅者不应该阻塞发布方")
	}
}

func TestHistory_ReturnsCopy(t *testing.T) {
	svc := NewEventService(nil)

	svc.Publish(models.RunEvent{Type: "run_started", RunID: "run-1"})
	svc.Publish(models.RunEvent{Type: "run_completed", RunID: "run-1"})
	svc.Publish(models.RunEvent{Type: "run_started", RunID: "run-2"})

	events := svc.History("run-1")
	if len(events) != 2 {
		t.Fatalf("run-1 的履历应该有2条, got %d", len(events))
	}
	if events[0].Type != "run_started" || events[1].Type != "run_completed" {
		t.Errorf("履历应该保持发布顺序, got %+v", events)
	}

	// 改写副本不应该污染内部履历
	events[0].Type = "tampered"
	if svc.History("run-1")[0].Type != "run_started" {
		t.Error("History 必须返回副本")
	}

	if got := svc.History("unknown"); len(got) != 0 {
		t.Errorf("未知运行的履历应该为空, got %d", len(got))
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	svc := NewEventService(nil)

	ch := svc.Subscribe()
	svc.Unsubscribe(ch)

	if _, open := <-ch; open {
		t.Error("取消订阅后通道应该关闭")
	}

	// 二重取消订阅不应该panic
	svc.Unsubscribe(ch)

	// 取消后发布不应该投递到已关闭通道
	svc.Publish(models.RunEvent{Type: "run_started", RunID: "run-1"})
}

func TestPublish_ConcurrentUnsubscribeIsSafe(t *testing.T) {
	svc := NewEventService(nil)

	// 发布与退订并发进行。投递撞上已关闭通道会panic，测试即失败
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			svc.Publish(models.RunEvent{Type: "turn_committed", RunID: "run-1", Turn: i})
		}
	}()

	for i := 0; i < 200; i++ {
		ch := svc.Subscribe()
		svc.Unsubscribe(ch)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("并发发布未在期限内完成")
	}
}

func TestPersistRun_WithoutStorageIsNoop(t *testing.T) {
	svc := NewEventService(nil)

	svc.PersistRun(&models.DialogueResult{RunID: "run-1"})
	svc.PersistRun(nil)

	if _, err := svc.LoadRun("run-1"); err == nil {
		t.Error("无存储后端时读取应该返回错误")
	}
}

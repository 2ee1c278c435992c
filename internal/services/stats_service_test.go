// internal/services/stats_service_test.go
package services

import (
	"testing"
	"time"

	"github.com/Corphon/DialogueDirectorMCP/internal/models"
	"github.com/Corphon/DialogueDirectorMCP/internal/storage"
)

func TestRecordRun_AccumulatesByStatus(t *testing.T) {
	svc := NewStatsService(nil)

	svc.RecordRun(&models.DialogueResult{
		Status:   models.RunStatusSuccess,
		Dialogue: make([]models.DialogueTurn, 4),
	}, 2, 1)
	svc.RecordRun(&models.DialogueResult{
		Status:   models.RunStatusError,
		Dialogue: make([]models.DialogueTurn, 1),
	}, 0, 0)
	svc.RecordRun(&models.DialogueResult{
		Status: models.RunStatusAborted,
	}, 0, 0)
	svc.RecordRun(nil, 9, 9)

	stats := svc.Snapshot()
	if stats.TotalRuns != 3 {
		t.Errorf("总运行数应该是3, got %d", stats.TotalRuns)
	}
	if stats.CompletedRuns != 1 || stats.FailedRuns != 1 || stats.AbortedRuns != 1 {
		t.Errorf("按状态的计数不符: %+v", stats)
	}
	if stats.TotalTurns != 5 {
		t.Errorf("累积回合数应该是5, got %d", stats.TotalTurns)
	}
	if stats.TotalInterventions != 2 || stats.TotalRetries != 1 {
		t.Errorf("介入与重试计数不符: %+v", stats)
	}
	if stats.DailyRuns[time.Now().Format("2006-01-02")] != 3 {
		t.Errorf("当日运行数应该是3, got %v", stats.DailyRuns)
	}
}

func TestSnapshot_ReturnsCopy(t *testing.T) {
	svc := NewStatsService(nil)

	svc.RecordRun(&models.DialogueResult{Status: models.RunStatusSuccess}, 0, 0)

	snapshot := svc.Snapshot()
	snapshot.DailyRuns["2000-01-01"] = 99

	if _, exists := svc.Snapshot().DailyRuns["2000-01-01"]; exists {
		t.Error("Snapshot 必须返回副本")
	}
}

func TestFlushAndReload(t *testing.T) {
	fs, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}

	svc := NewStatsService(fs)
	svc.RecordRun(&models.DialogueResult{
		Status:   models.RunStatusSuccess,
		Dialogue: make([]models.DialogueTurn, 3),
	}, 1, 0)
	svc.Flush()

	// 新实例从同一存储恢复累积值
	reloaded := NewStatsService(fs)
	stats := reloaded.Snapshot()
	if stats.TotalRuns != 1 || stats.TotalTurns != 3 || stats.TotalInterventions != 1 {
		t.Errorf("落盘后的统计应该可恢复: %+v", stats)
	}
}

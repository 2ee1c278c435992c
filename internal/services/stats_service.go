// internal/services/stats_service.go
package services

import (
	"sync"
	"time"

	"github.com/Corphon/DialogueDirectorMCP/internal/models"
	"github.com/Corphon/DialogueDirectorMCP/internal/storage"
)

// RunStats 运行统计数据
type RunStats struct {
	TotalRuns          int            `json:"total_runs"`
	CompletedRuns      int            `json:"completed_runs"`
	FailedRuns         int            `json:"failed_runs"`
	AbortedRuns        int            `json:"aborted_runs"`
	TotalTurns         int            `json:"total_turns"`
	TotalInterventions int            `json:"total_interventions"`
	TotalRetries       int            `json:"total_retries"`
	DailyRuns          map[string]int `json:"daily_runs"`
	LastUpdated        time.Time      `json:"last_updated"`
}

// StatsService 运行统计的累积与批量落盘
type StatsService struct {
	storage *storage.FileStorage

	mutex       sync.Mutex
	cachedStats *RunStats

	// 批量保存控制
	isDirty      bool
	lastSaveTime time.Time
	saveInterval time.Duration
}

const statsFileName = "run_stats.json"

// NewStatsService 创建统计服务实例
func NewStatsService(fs *storage.FileStorage) *StatsService {
	s := &StatsService{
		storage:      fs,
		saveInterval: 30 * time.Second,
	}
	s.cachedStats = s.loadStats()
	return s
}

func (s *StatsService) loadStats() *RunStats {
	stats := &RunStats{DailyRuns: make(map[string]int)}
	if s.storage != nil {
		// 文件不存在时从零开始，不算错误
		_ = s.storage.LoadJSONFile("stats", statsFileName, stats)
	}
	if stats.DailyRuns == nil {
		stats.DailyRuns = make(map[string]int)
	}
	return stats
}

// RecordRun 记录一次完整运行
func (s *StatsService) RecordRun(result *models.DialogueResult, interventions, retries int) {
	if result == nil {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.cachedStats.TotalRuns++
	switch result.Status {
	case models.RunStatusSuccess:
		s.cachedStats.CompletedRuns++
	case models.RunStatusError:
		s.cachedStats.FailedRuns++
	case models.RunStatusAborted:
		s.cachedStats.AbortedRuns++
	}
	s.cachedStats.TotalTurns += len(result.Dialogue)
	s.cachedStats.TotalInterventions += interventions
	s.cachedStats.TotalRetries += retries
	s.cachedStats.DailyRuns[time.Now().Format("2006-01-02")]++
	s.cachedStats.LastUpdated = time.Now()

	s.isDirty = true
	s.maybeSaveLocked()
}

// Snapshot 返回当前统计的副本
func (s *StatsService) Snapshot() RunStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	snapshot := *s.cachedStats
	snapshot.DailyRuns = make(map[string]int, len(s.cachedStats.DailyRuns))
	for k, v := range s.cachedStats.DailyRuns {
		snapshot.DailyRuns[k] = v
	}
	return snapshot
}

// Flush 立即落盘
func (s *StatsService) Flush() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.saveLocked()
}

// maybeSaveLocked 保存间隔未到时跳过，降低写放大
func (s *StatsService) maybeSaveLocked() {
	if !s.isDirty || time.Since(s.lastSaveTime) < s.saveInterval {
		return
	}
	s.saveLocked()
}

func (s *StatsService) saveLocked() {
	if s.storage == nil || !s.isDirty {
		return
	}
	if err := s.storage.SaveJSONFile("stats", statsFileName, s.cachedStats); err == nil {
		s.isDirty = false
		s.lastSaveTime = time.Now()
	}
}

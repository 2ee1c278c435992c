// internal/services/pattern_service_test.go
package services

import (
	"testing"

	"github.com/Corphon/DialogueDirectorMCP/internal/models"
)

func newTestPatterns() *PatternService {
	svc := NewPatternService(nil)
	svc.RegisterLibrary("standard", map[string]string{
		"specific_slot":       "数値をひとつ入れてください。",
		"past_reference":      "過去の出来事に触れてください。",
		"change_topic":        "別の話題に切り替えてください。",
		"depth_2":             "話題をさらに掘り下げてください。",
		"event_failure":       "失敗の原因に言及してください。",
		"upcoming_difficulty": "次の困難を予告してください。",
		"sensor_spread":       "計器の読みの差に触れてください。",
	})
	return svc
}

func TestSelectPattern_LacksSpecificityWins(t *testing.T) {
	svc := newTestPatterns()

	got := svc.SelectPattern("standard", PatternQuery{
		LacksSpecificity: true,
		Strategy:         models.StrategyChangeTopic,
		TopicDepth:       2,
	})
	if got != "数値をひとつ入れてください。" {
		t.Errorf("抽象化应该优先于其他条件, got %q", got)
	}
}

func TestSelectPattern_StrategyBeatsDepth(t *testing.T) {
	svc := newTestPatterns()

	got := svc.SelectPattern("standard", PatternQuery{
		Strategy:   models.StrategyPastReference,
		TopicDepth: 2,
	})
	if got != "過去の出来事に触れてください。" {
		t.Errorf("策略应该优先于话题深度, got %q", got)
	}
}

func TestSelectPattern_TopicDepth(t *testing.T) {
	svc := newTestPatterns()

	got := svc.SelectPattern("standard", PatternQuery{TopicDepth: 2})
	if got != "話題をさらに掘り下げてください。" {
		t.Errorf("深度2应该命中 depth_2, got %q", got)
	}
}

func TestSelectPattern_EventType(t *testing.T) {
	svc := newTestPatterns()

	got := svc.SelectPattern("standard", PatternQuery{EventType: "failure"})
	if got != "失敗の原因に言及してください。" {
		t.Errorf("具名事件应该命中 event_failure, got %q", got)
	}
}

func TestSelectPattern_StateFallback(t *testing.T) {
	svc := newTestPatterns()

	got := svc.SelectPattern("standard", PatternQuery{
		State: &PatternState{UpcomingDifficulty: true},
	})
	if got != "次の困難を予告してください。" {
		t.Errorf("困难预告应该命中 upcoming_difficulty, got %q", got)
	}

	got = svc.SelectPattern("standard", PatternQuery{
		State: &PatternState{SensorReadings: map[string]float64{"温度": 1.0, "振動": 9.0}},
	})
	if got != "計器の読みの差に触れてください。" {
		t.Errorf("读数离散超阈值应该命中 sensor_spread, got %q", got)
	}

	got = svc.SelectPattern("standard", PatternQuery{
		State: &PatternState{SensorReadings: map[string]float64{"温度": 4.0, "振動": 6.0}},
	})
	if got != "" {
		t.Errorf("读数离散低于阈值不应该命中任何范例, got %q", got)
	}
}

func TestSelectPattern_MissingIDReturnsEmpty(t *testing.T) {
	svc := newTestPatterns()

	// why_probe 未注册，ID解析成功但库中缺失
	got := svc.SelectPattern("standard", PatternQuery{Strategy: models.StrategyWhy})
	if got != "" {
		t.Errorf("库中缺失的ID应该返回空串, got %q", got)
	}

	got = svc.SelectPattern("standard", PatternQuery{})
	if got != "" {
		t.Errorf("无任何条件时应该返回空串, got %q", got)
	}
}

func TestReload_DropsCachedLibrary(t *testing.T) {
	svc := newTestPatterns()

	if got := svc.SelectPattern("standard", PatternQuery{Strategy: models.StrategyChangeTopic}); got == "" {
		t.Fatal("重载前注入的库应该可用")
	}

	// 无存储后端时重载会落回空库
	svc.Reload("standard")
	if got := svc.SelectPattern("standard", PatternQuery{Strategy: models.StrategyChangeTopic}); got != "" {
		t.Errorf("重载后缓存应该被丢弃, got %q", got)
	}
}

func TestSelectPattern_UnknownModeIsEmpty(t *testing.T) {
	svc := newTestPatterns()

	if got := svc.SelectPattern("debate", PatternQuery{Strategy: models.StrategyChangeTopic}); got != "" {
		t.Errorf("未知模式应该落回空库, got %q", got)
	}
}

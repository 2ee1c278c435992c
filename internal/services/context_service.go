// internal/services/context_service.go
package services

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Corphon/DialogueDirectorMCP/internal/models"
)

// 采集完全失败时使用的最小场面描述
const minimalContextDescription = "状況は不明。目の前の出来事について会話を続けてください。"

// ContextService 组装对话的场面描述文本
// 采集失败时退化为最小描述，绝不让运行中断
type ContextService struct{}

// NewContextService 创建上下文服务
func NewContextService() *ContextService {
	return &ContextService{}
}

// CollectContext 根据输入束生成初始场面描述
func (s *ContextService) CollectContext(bundle models.InputBundle) string {
	var parts []string

	if strings.TrimSpace(bundle.SceneTitle) != "" {
		parts = append(parts, fmt.Sprintf("場面: %s", strings.TrimSpace(bundle.SceneTitle)))
	}
	if strings.TrimSpace(bundle.SceneDescription) != "" {
		parts = append(parts, strings.TrimSpace(bundle.SceneDescription))
	}
	if len(bundle.Keywords) > 0 {
		parts = append(parts, fmt.Sprintf("キーワード: %s", strings.Join(bundle.Keywords, "、")))
	}
	if len(bundle.SensorReadings) > 0 {
		parts = append(parts, formatSensorReadings(bundle.SensorReadings))
	}

	if len(parts) == 0 {
		return minimalContextDescription
	}
	return strings.Join(parts, "\n")
}

// MergeInterrupt 把中断内容追加到既有描述之后，不做替换
func (s *ContextService) MergeInterrupt(current, interrupt string) string {
	interrupt = strings.TrimSpace(interrupt)
	if interrupt == "" {
		return current
	}
	if strings.TrimSpace(current) == "" {
		return interrupt
	}
	return current + "\n追加情報: " + interrupt
}

// BuildPatternState 从输入束提取状态推导选择所需的信息
func (s *ContextService) BuildPatternState(bundle models.InputBundle) *PatternState {
	return &PatternState{
		SensorReadings: bundle.SensorReadings,
	}
}

// formatSensorReadings 传感器读数的确定性排版
func formatSensorReadings(readings map[string]float64) string {
	keys := make([]string, 0, len(readings))
	for k := range readings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%.1f", k, readings[k]))
	}
	return "センサー値: " + strings.Join(pairs, ", ")
}

// internal/services/novelty_service.go
package services

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Corphon/DialogueDirectorMCP/internal/analyzer"
	"github.com/Corphon/DialogueDirectorMCP/internal/models"
)

// NoveltyConfig 循环检测引擎的可调参数
// DeepLoopThreshold 与 MaxTopicDepth 相互独立，不存在推导关系
type NoveltyConfig struct {
	MaxTopicDepth        int     `json:"max_topic_depth"`       // 循环判定窗口，默认3
	DeepLoopThreshold    int     `json:"deep_loop_threshold"`   // 深层循环强制换话题阈值，默认5
	SpecificityThreshold int     `json:"specificity_threshold"` // 连续抽象发言的判定条数，默认2
	TopicResetRatio      float64 `json:"topic_reset_ratio"`     // 话题重置的重叠率阈值，默认0.30
	HistoryLimit         int     `json:"history_limit"`         // 滚动历史上限，默认10
	MaxStuckNouns        int     `json:"max_stuck_nouns"`       // 滞留名词的报告上限，默认5
}

// DefaultNoveltyConfig 返回默认参数
func DefaultNoveltyConfig() NoveltyConfig {
	return NoveltyConfig{
		MaxTopicDepth:        3,
		DeepLoopThreshold:    5,
		SpecificityThreshold: 2,
		TopicResetRatio:      0.30,
		HistoryLimit:         10,
		MaxStuckNouns:        5,
	}
}

// NoveltyService 话题停滞的启发式检测引擎
// 滚动状态归当前运行独占，运行开始时必须 Reset
type NoveltyService struct {
	config   NoveltyConfig
	analyzer analyzer.Analyzer

	nounHistory       []map[string]bool // 每条发言的名词集合，上限 HistoryLimit
	strategyHistory   []models.Strategy // 已选策略履历，上限 HistoryLimit
	specificityWindow []bool            // 具体性标记的滚动窗口
	topicState        *models.TopicState
	turnCounter       int
}

// NewNoveltyService 创建循环检测引擎
func NewNoveltyService(config NoveltyConfig, a analyzer.Analyzer) *NoveltyService {
	if a == nil {
		a = analyzer.NewRegexAnalyzer()
	}
	return &NoveltyService{
		config:   config,
		analyzer: a,
	}
}

// Reset 清空全部滚动状态
// 不同运行之间绝不共享历史
func (s *NoveltyService) Reset() {
	s.nounHistory = nil
	s.strategyHistory = nil
	s.specificityWindow = nil
	s.topicState = nil
	s.turnCounter = 0
}

// TopicDepth 返回当前话题深度
func (s *NoveltyService) TopicDepth() int {
	if s.topicState == nil {
		return 0
	}
	return s.topicState.Depth
}

// CheckAndUpdate 判定最新发言是否陷入话题循环，并给出补救策略
// update=false 时不改写任何内部状态，相同前置状态下重复调用结果一致
func (s *NoveltyService) CheckAndUpdate(text string, update bool) models.LoopCheckResult {
	normalized := analyzer.NormalizeText(text)
	nouns := s.analyzer.ExtractNouns(normalized)
	score := s.analyzer.ScoreSpecificity(normalized)
	specific := score.Any()

	result := models.LoopCheckResult{
		Strategy:   models.StrategyNoop,
		StuckNouns: []string{},
		TopicDepth: s.projectedTopicDepth(nouns),
	}

	// 循环判定：历史条数达到窗口大小后才开始
	if len(s.nounHistory) >= s.config.MaxTopicDepth {
		overlapCount, intersection := s.windowOverlap(nouns)
		deepCount := s.consecutiveOverlap(nouns)

		switch {
		case deepCount >= s.config.DeepLoopThreshold:
			// 深层循环：连续重叠本身即判定依据，窗口交集为空也强制切换话题
			result.LoopDetected = true
			stuck := intersection
			if len(stuck) == 0 {
				stuck = nouns
			}
			result.StuckNouns = topNouns(stuck, s.config.MaxStuckNouns)
			result.Strategy = models.StrategyChangeTopic
			result.Reason = s.remedyText(result.Strategy, result.StuckNouns, normalized)
		case overlapCount >= s.config.MaxTopicDepth && len(intersection) > 0:
			result.LoopDetected = true
			result.StuckNouns = topNouns(intersection, s.config.MaxStuckNouns)
			result.Strategy = s.rotateStrategy(score)
			result.Reason = s.remedyText(result.Strategy, result.StuckNouns, normalized)
		}
	}

	// 抽象化判定：仅在未检出循环时评价
	if !result.LoopDetected {
		window := append(append([]bool{}, s.specificityWindow...), specific)
		if len(window) >= s.config.SpecificityThreshold {
			allVague := true
			for _, flag := range window[len(window)-s.config.SpecificityThreshold:] {
				if flag {
					allVague = false
					break
				}
			}
			if allVague {
				result.LacksSpecificity = true
				result.Strategy = models.StrategySpecificSlot
				result.Reason = s.remedyText(models.StrategySpecificSlot, nil, normalized)
			}
		}
	}

	if update {
		s.applyUpdate(nouns, score, result.Strategy)
		result.TopicDepth = s.TopicDepth()
	}

	return result
}

// windowOverlap 统计最近 MaxTopicDepth 条历史与当前名词集合的重叠情况
// 返回重叠条数和所有重叠集合的连乘交集
func (s *NoveltyService) windowOverlap(current map[string]bool) (int, map[string]bool) {
	start := len(s.nounHistory) - s.config.MaxTopicDepth
	overlapCount := 0

	intersection := make(map[string]bool, len(current))
	for n := range current {
		intersection[n] = true
	}

	for _, past := range s.nounHistory[start:] {
		if !intersects(past, current) {
			continue
		}
		overlapCount++
		for n := range intersection {
			if !past[n] {
				delete(intersection, n)
			}
		}
	}

	if overlapCount == 0 {
		return 0, nil
	}
	return overlapCount, intersection
}

// consecutiveOverlap 从最新历史向前数与当前集合连续重叠的条数
func (s *NoveltyService) consecutiveOverlap(current map[string]bool) int {
	count := 0
	for i := len(s.nounHistory) - 1; i >= 0; i-- {
		if !intersects(s.nounHistory[i], current) {
			break
		}
		count++
	}
	return count
}

// rotateStrategy 构建优先级候选列表并执行轮换
// 最近两次选过的策略被排除，全部排除时回退到具体化策略
func (s *NoveltyService) rotateStrategy(score analyzer.SpecificityScore) models.Strategy {
	var candidates []models.Strategy
	if !score.HasNumber {
		candidates = append(candidates, models.StrategySpecificSlot)
	}
	if !score.HasPastReference {
		candidates = append(candidates, models.StrategyPastReference)
	}
	for _, st := range []models.Strategy{
		models.StrategyConflictWithin,
		models.StrategyActionNext,
		models.StrategyWhy,
		models.StrategyExpand,
	} {
		if !containsStrategy(candidates, st) {
			candidates = append(candidates, st)
		}
	}

	excluded := s.recentStrategies(2)
	for _, c := range candidates {
		if !containsStrategy(excluded, c) {
			return c
		}
	}
	return models.StrategySpecificSlot
}

// recentStrategies 返回最近 n 次选择的策略
func (s *NoveltyService) recentStrategies(n int) []models.Strategy {
	if len(s.strategyHistory) < n {
		n = len(s.strategyHistory)
	}
	return s.strategyHistory[len(s.strategyHistory)-n:]
}

// projectedTopicDepth 不改写状态时的话题深度预测
func (s *NoveltyService) projectedTopicDepth(nouns map[string]bool) int {
	if s.topicState == nil {
		return 1
	}
	if s.topicOverlapRatio(nouns) < s.config.TopicResetRatio {
		return 1
	}
	return s.topicState.Depth + 1
}

// topicOverlapRatio 当前名词集合覆盖既存话题名词的比例
func (s *NoveltyService) topicOverlapRatio(nouns map[string]bool) float64 {
	if s.topicState == nil || len(s.topicState.TopicNouns) == 0 {
		return 0
	}
	overlap := 0
	for n := range s.topicState.TopicNouns {
		if nouns[n] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(s.topicState.TopicNouns))
}

// applyUpdate 把本次发言写入滚动状态
func (s *NoveltyService) applyUpdate(nouns map[string]bool, score analyzer.SpecificityScore, chosen models.Strategy) {
	s.turnCounter++
	specific := score.Any()

	// 话题状态：重叠率不足视为真正的话题转换，整体重置
	if s.topicState == nil || s.topicOverlapRatio(nouns) < s.config.TopicResetRatio {
		s.topicState = models.NewTopicState(nouns, s.turnCounter)
	} else {
		for n := range nouns {
			s.topicState.TopicNouns[n] = true
		}
		s.topicState.Depth++
		s.topicState.LastUpdateTurn = s.turnCounter
	}
	if specific {
		s.topicState.HasSpecificInfo = true
	}
	if score.HasNumber {
		s.topicState.HasNumbers = true
	}
	if score.HasExample {
		s.topicState.HasExamples = true
	}

	s.nounHistory = appendBounded(s.nounHistory, nouns, s.config.HistoryLimit)
	s.specificityWindow = appendBoundedBool(s.specificityWindow, specific, s.config.HistoryLimit)
	if chosen != models.StrategyNoop {
		s.strategyHistory = appendBoundedStrategy(s.strategyHistory, chosen, s.config.HistoryLimit)
	}
}

// remedyText 七种补救策略各对应一条固定的修辞指示
func (s *NoveltyService) remedyText(strategy models.Strategy, stuckNouns []string, text string) string {
	english := isEnglishText(text)

	var stuck string
	if len(stuckNouns) > 0 {
		stuck = strings.Join(stuckNouns, "、")
		if english {
			stuck = strings.Join(stuckNouns, ", ")
		}
	}

	if english {
		switch strategy {
		case models.StrategySpecificSlot:
			return "Add one concrete detail: a number, a measurement, or a named example."
		case models.StrategyConflictWithin:
			return fmt.Sprintf("Loop detected around [%s]. Introduce friendly disagreement on the same subject.", stuck)
		case models.StrategyActionNext:
			return fmt.Sprintf("Loop detected around [%s]. Decide the next concrete action instead of describing.", stuck)
		case models.StrategyPastReference:
			return fmt.Sprintf("Loop detected around [%s]. Reference a specific past event related to it.", stuck)
		case models.StrategyWhy:
			return fmt.Sprintf("Loop detected around [%s]. Ask why it is happening, dig into the cause.", stuck)
		case models.StrategyExpand:
			return fmt.Sprintf("Loop detected around [%s]. Broaden the angle to the surrounding context.", stuck)
		case models.StrategyChangeTopic:
			return fmt.Sprintf("Deep loop around [%s]. Cut to a completely new subject now.", stuck)
		}
		return ""
	}

	switch strategy {
	case models.StrategySpecificSlot:
		return "発言が抽象的です。数値・計測値・固有の実例をひとつ入れてください。"
	case models.StrategyConflictWithin:
		return fmt.Sprintf("話題ループを検出しました（%s）。同じ話題の中で軽い異論を立ててください。", stuck)
	case models.StrategyActionNext:
		return fmt.Sprintf("話題ループを検出しました（%s）。描写ではなく次の行動を決めてください。", stuck)
	case models.StrategyPastReference:
		return fmt.Sprintf("話題ループを検出しました（%s）。関連する過去の出来事に言及してください。", stuck)
	case models.StrategyWhy:
		return fmt.Sprintf("話題ループを検出しました（%s）。「なぜ」を問い、原因を掘り下げてください。", stuck)
	case models.StrategyExpand:
		return fmt.Sprintf("話題ループを検出しました（%s）。視点を広げ、周辺の文脈に触れてください。", stuck)
	case models.StrategyChangeTopic:
		return fmt.Sprintf("深いループです（%s）。ここで話題を完全に切り替えてください。", stuck)
	}
	return ""
}

// ------------------------------------
// 集合・スライス辅助

func intersects(a, b map[string]bool) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for n := range a {
		if b[n] {
			return true
		}
	}
	return false
}

func topNouns(set map[string]bool, limit int) []string {
	nouns := make([]string, 0, len(set))
	for n := range set {
		nouns = append(nouns, n)
	}
	sort.Strings(nouns)
	if len(nouns) > limit {
		nouns = nouns[:limit]
	}
	return nouns
}

func containsStrategy(list []models.Strategy, target models.Strategy) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

func appendBounded(history []map[string]bool, entry map[string]bool, limit int) []map[string]bool {
	history = append(history, entry)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

func appendBoundedBool(history []bool, entry bool, limit int) []bool {
	history = append(history, entry)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

func appendBoundedStrategy(history []models.Strategy, entry models.Strategy, limit int) []models.Strategy {
	history = append(history, entry)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

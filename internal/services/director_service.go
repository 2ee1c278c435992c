// internal/services/director_service.go
package services

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Corphon/DialogueDirectorMCP/internal/analyzer"
	"github.com/Corphon/DialogueDirectorMCP/internal/models"
)

// 话题钩子的深度上限，达到后强制退役
const maxHookDepth = 3

// 命中即判定整次运行不可恢复的关键词
var defaultFatalKeywords = []string{
	"人格崩壊",
	"persona collapse",
	"役割放棄",
	"unrecoverable",
}

// ResponseChecker 可插拔的可接受性检查
// 内容安全・格式规则等在这里收敛，核心只消费三元结果
type ResponseChecker interface {
	Check(text string, speaker models.Speaker, turnNumber int) (models.EvaluationStatus, string)
}

// FormatChecker 默认的格式规则检查器
type FormatChecker struct {
	MaxRunes int
}

// NewFormatChecker 创建默认检查器
func NewFormatChecker() *FormatChecker {
	return &FormatChecker{MaxRunes: 600}
}

// Check 空发言重试，自称AI等人格破绽判定为MODIFY
func (c *FormatChecker) Check(text string, speaker models.Speaker, turnNumber int) (models.EvaluationStatus, string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return models.StatusRetry, "空の発言が生成されました"
	}
	if c.MaxRunes > 0 && len([]rune(trimmed)) > c.MaxRunes {
		return models.StatusModify, "発言が長すぎます"
	}

	personaBreaks := []string{"AIとして", "言語モデル", "as an ai", "language model"}
	lower := strings.ToLower(trimmed)
	for _, marker := range personaBreaks {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return models.StatusModify, "ペルソナ逸脱: " + marker
		}
	}

	return models.StatusPass, ""
}

// DirectorService 评价者兼话题推进管理
// 包装循环检测引擎，叠加钩子阶梯，组装下一回合的纠正指示
type DirectorService struct {
	Novelty  *NoveltyService
	Patterns *PatternService

	checker       ResponseChecker
	analyzer      analyzer.Analyzer
	mode          string
	fatalKeywords []string

	// 话题钩子阶梯状态，归当前运行独占
	focusHook       string
	hookDepth       int
	forbiddenTopics map[string]bool
}

// NewDirectorService 创建导演服务
func NewDirectorService(novelty *NoveltyService, patterns *PatternService, mode string) *DirectorService {
	return &DirectorService{
		Novelty:         novelty,
		Patterns:        patterns,
		checker:         NewFormatChecker(),
		analyzer:        analyzer.NewRegexAnalyzer(),
		mode:            mode,
		fatalKeywords:   defaultFatalKeywords,
		forbiddenTopics: make(map[string]bool),
	}
}

// SetChecker 替换可接受性检查器
func (s *DirectorService) SetChecker(checker ResponseChecker) {
	if checker != nil {
		s.checker = checker
	}
}

// Reset 清空评价状态，运行开始时调用
func (s *DirectorService) Reset() {
	s.Novelty.Reset()
	s.focusHook = ""
	s.hookDepth = 0
	s.forbiddenTopics = make(map[string]bool)
}

// EvaluateResponse 对一次生成尝试产出一份完整评价
// 所有字段都被填充，缺省值显式落地，消费方无需判空探测
func (s *DirectorService) EvaluateResponse(text string, speaker models.Speaker, turnNumber int) *models.DirectorEvaluation {
	check := s.Novelty.CheckAndUpdate(text, true)

	eval := &models.DirectorEvaluation{
		Status:          models.StatusPass,
		Action:          models.ActionNoop,
		Reason:          "",
		Suggestion:      "",
		Strategy:        check.Strategy,
		ForbiddenTopics: []string{},
		Timestamp:       time.Now(),
	}

	if check.LoopDetected || check.LacksSpecificity {
		// 文本照常采用，但给下一次生成附加纠正指示
		eval.Status = models.StatusPass
		eval.Action = models.ActionIntervene
		eval.Reason = check.Reason
		eval.Suggestion = s.composeSuggestion(check)
	} else {
		status, reason := s.checker.Check(text, speaker, turnNumber)
		eval.Status = status
		eval.Reason = reason
		if status == models.StatusRetry {
			eval.Suggestion = "直前の発言を破棄し、同じ文脈で言い直してください。"
		}
	}

	s.advanceHookLadder(text)
	eval.FocusHook = s.focusHook
	eval.HookDepth = s.hookDepth
	eval.DepthStep = models.DepthStepFor(s.hookDepth)
	eval.ForbiddenTopics = sortedTopics(s.forbiddenTopics)

	// 钩子到达最大深度：本回合如实上报后退役，禁止立即再导入
	if s.focusHook != "" && s.hookDepth >= maxHookDepth {
		s.forbiddenTopics[s.focusHook] = true
		s.focusHook = ""
		s.hookDepth = 0
	}

	return eval
}

// IsFatal 判定一份评价是否使整次运行不可恢复
// 仅 MODIFY 且理由命中致命关键词时成立
func (s *DirectorService) IsFatal(eval *models.DirectorEvaluation) bool {
	if eval == nil || eval.Status != models.StatusModify {
		return false
	}
	lower := strings.ToLower(eval.Reason)
	for _, kw := range s.fatalKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// composeSuggestion 启发式裁定 + 范例选择 → 下一回合指示
func (s *DirectorService) composeSuggestion(check models.LoopCheckResult) string {
	suggestion := check.Reason

	if s.Patterns != nil {
		pattern := s.Patterns.SelectPattern(s.mode, PatternQuery{
			Strategy:         check.Strategy,
			TopicDepth:       check.TopicDepth,
			LacksSpecificity: check.LacksSpecificity,
		})
		if pattern != "" {
			suggestion = fmt.Sprintf("%s\n言い回しの例: %s", suggestion, pattern)
		}
	}

	return suggestion
}

// advanceHookLadder 话题钩子阶梯的更新
// 同一钩子连续出现时加深，消失时从当前发言重新播种
func (s *DirectorService) advanceHookLadder(text string) {
	nouns := s.analyzer.ExtractNouns(analyzer.NormalizeText(text))

	if s.focusHook != "" && nouns[s.focusHook] {
		if s.hookDepth < maxHookDepth {
			s.hookDepth++
		}
		return
	}

	// 钩子缺失或尚未设置：从本回合内容重新播种，退役话题除外
	s.focusHook = ""
	s.hookDepth = 0
	for _, n := range topNouns(nouns, len(nouns)) {
		if !s.forbiddenTopics[n] {
			s.focusHook = n
			break
		}
	}
}

func sortedTopics(set map[string]bool) []string {
	topics := make([]string, 0, len(set))
	for t := range set {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

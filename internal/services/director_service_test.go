// internal/services/director_service_test.go
package services

import (
	"strings"
	"testing"
	"time"

	"github.com/Corphon/DialogueDirectorMCP/internal/models"
)

func newTestDirector() *DirectorService {
	novelty := NewNoveltyService(DefaultNoveltyConfig(), nil)
	patterns := NewPatternService(nil)
	patterns.RegisterLibrary("standard", map[string]string{
		"specific_slot":  "数値をひとつ入れてください。",
		"past_reference": "過去の出来事に触れてください。",
	})
	return NewDirectorService(novelty, patterns, "standard")
}

func TestEvaluateResponse_PassDefaults(t *testing.T) {
	director := newTestDirector()

	eval := director.EvaluateResponse("計器Bの読みは7.8だ", models.SpeakerA, 0)

	if eval.Status != models.StatusPass {
		t.Errorf("具体发言应该评价为 PASS, got %s", eval.Status)
	}
	if eval.Action != models.ActionNoop {
		t.Errorf("无需介入时动作应该是 NOOP, got %s", eval.Action)
	}
	if eval.Strategy != models.StrategyNoop {
		t.Errorf("无循环时策略应该是 NOOP, got %s", eval.Strategy)
	}
	if eval.ForbiddenTopics == nil {
		t.Error("ForbiddenTopics 必须显式填充，不允许为 nil")
	}
	if eval.DepthStep != models.StepDiscover {
		t.Errorf("新钩子的深化阶段应该是 DISCOVER, got %s", eval.DepthStep)
	}
	if eval.Timestamp.IsZero() {
		t.Error("评价必须带时间戳")
	}
}

func TestEvaluateResponse_InterventionOnVagueness(t *testing.T) {
	director := newTestDirector()

	director.EvaluateResponse("まあ、なんとなく平気だと思う", models.SpeakerA, 0)
	eval := director.EvaluateResponse("そうだね、たぶん大丈夫", models.SpeakerB, 1)

	if eval.Status != models.StatusPass {
		t.Errorf("介入时文本照常采用，状态应该是 PASS, got %s", eval.Status)
	}
	if eval.Action != models.ActionIntervene {
		t.Fatalf("连续抽象发言应该触发 INTERVENE, got %s", eval.Action)
	}
	if eval.Suggestion == "" {
		t.Fatal("介入时必须给出下一回合的指示")
	}
	if !strings.Contains(eval.Suggestion, "言い回しの例") {
		t.Errorf("指示应该附带范例: %q", eval.Suggestion)
	}
	if !strings.Contains(eval.Suggestion, "数値をひとつ入れてください。") {
		t.Errorf("范例内容应该来自注册的库: %q", eval.Suggestion)
	}
}

func TestEvaluateResponse_EmptyTextRetries(t *testing.T) {
	director := newTestDirector()

	eval := director.EvaluateResponse("   ", models.SpeakerA, 0)
	if eval.Status != models.StatusRetry {
		t.Errorf("空发言应该评价为 RETRY, got %s", eval.Status)
	}
	if eval.Suggestion == "" {
		t.Error("RETRY 评价必须附带重试指示")
	}
}

func TestEvaluateResponse_PersonaBreakModifies(t *testing.T) {
	director := newTestDirector()

	eval := director.EvaluateResponse("私はAIとして回答します", models.SpeakerA, 0)
	if eval.Status != models.StatusModify {
		t.Errorf("人格破绽应该评价为 MODIFY, got %s", eval.Status)
	}
	if !strings.Contains(eval.Reason, "ペルソナ逸脱") {
		t.Errorf("理由应该说明人格破绽: %q", eval.Reason)
	}
	if director.IsFatal(eval) {
		t.Error("普通的人格破绽不应该判定为致命")
	}
}

func TestEvaluateResponse_OverLongModifies(t *testing.T) {
	director := newTestDirector()

	eval := director.EvaluateResponse(strings.Repeat("長い話を延々と続ける。", 100), models.SpeakerA, 0)
	if eval.Status != models.StatusModify {
		t.Errorf("超长发言应该评价为 MODIFY, got %s", eval.Status)
	}
}

func TestIsFatal(t *testing.T) {
	director := newTestDirector()

	fatal := &models.DirectorEvaluation{
		Status:    models.StatusModify,
		Reason:    "人格崩壊の兆候を検出",
		Timestamp: time.Now(),
	}
	if !director.IsFatal(fatal) {
		t.Error("MODIFY + 致命关键词应该判定为致命")
	}

	passWithKeyword := &models.DirectorEvaluation{
		Status: models.StatusPass,
		Reason: "人格崩壊の兆候を検出",
	}
	if director.IsFatal(passWithKeyword) {
		t.Error("非 MODIFY 评价不应该判定为致命")
	}

	if director.IsFatal(nil) {
		t.Error("nil 评价不应该判定为致命")
	}
}

func TestHookLadder_DeepensAndRetires(t *testing.T) {
	director := newTestDirector()

	lines := []string{
		"エンジンの音がする",
		"エンジンを点検する",
		"エンジンは正常だ",
		"エンジンの話を続ける",
	}

	var evals []*models.DirectorEvaluation
	for i, line := range lines {
		evals = append(evals, director.EvaluateResponse(line, models.SpeakerForTurn(i), i))
	}

	for i, wantDepth := range []int{0, 1, 2, 3} {
		if evals[i].FocusHook != "エンジン" {
			t.Errorf("第%d回合的钩子应该是エンジン, got %q", i, evals[i].FocusHook)
		}
		if evals[i].HookDepth != wantDepth {
			t.Errorf("第%d回合的钩子深度应该是%d, got %d", i, wantDepth, evals[i].HookDepth)
		}
	}
	if evals[3].DepthStep != models.StepConclude {
		t.Errorf("深度3的阶段应该是 CONCLUDE, got %s", evals[3].DepthStep)
	}

	// 达到深度上限后钩子退役，新的评价不得再导入同一话题
	next := director.EvaluateResponse("エンジンと配線を調べる", models.SpeakerA, 4)
	if next.FocusHook == "エンジン" {
		t.Error("退役话题不应该被重新导入为钩子")
	}
	found := false
	for _, topic := range next.ForbiddenTopics {
		if topic == "エンジン" {
			found = true
		}
	}
	if !found {
		t.Errorf("退役话题应该出现在禁止列表中: %v", next.ForbiddenTopics)
	}
}

func TestReset_ClearsHookState(t *testing.T) {
	director := newTestDirector()

	for i := 0; i < 4; i++ {
		director.EvaluateResponse("エンジンの音がする", models.SpeakerForTurn(i), i)
	}
	director.Reset()

	eval := director.EvaluateResponse("エンジンの音がする", models.SpeakerA, 0)
	if eval.FocusHook != "エンジン" {
		t.Errorf("重置后退役列表应该清空，钩子可以重新导入: got %q", eval.FocusHook)
	}
	if eval.HookDepth != 0 {
		t.Errorf("重置后的钩子深度应该从0开始, got %d", eval.HookDepth)
	}
	if len(eval.ForbiddenTopics) != 0 {
		t.Errorf("重置后的禁止列表应该为空: %v", eval.ForbiddenTopics)
	}
}

// internal/services/dialogue_service_test.go
package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Corphon/DialogueDirectorMCP/internal/errors"
	"github.com/Corphon/DialogueDirectorMCP/internal/models"
)

// stubGenerator 按调用序号返回脚本化文本的生成器
type stubGenerator struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	fn      func(call int, prompt string) (string, error)
}

func (g *stubGenerator) GenerateText(ctx context.Context, persona, promptContext string, history []models.DialogueTurn) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.prompts = append(g.prompts, promptContext)
	return g.fn(g.calls, promptContext)
}

func (g *stubGenerator) snapshot() (int, []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prompts := make([]string, len(g.prompts))
	copy(prompts, g.prompts)
	return g.calls, prompts
}

func newTestDialogue(gen Generator) (*DialogueService, *DirectorService) {
	novelty := NewNoveltyService(DefaultNoveltyConfig(), nil)
	patterns := NewPatternService(nil)
	patterns.RegisterLibrary("standard", map[string]string{
		"specific_slot": "数値をひとつ入れてください。",
		"change_topic":  "別の話題に切り替えてください。",
	})
	director := NewDirectorService(novelty, patterns, "standard")
	svc := NewDialogueService(director, NewContextService(), nil, nil, gen)
	return svc, director
}

func TestRun_AlternatesSpeakersUntilMaxTurns(t *testing.T) {
	lines := []string{
		"計器は7.8を示す",
		"温度が42度まで上がった",
		"バルブを3回閉めた",
		"配線の5番を交換した",
	}
	gen := &stubGenerator{fn: func(call int, prompt string) (string, error) {
		return lines[(call-1)%len(lines)], nil
	}}
	svc, _ := newTestDialogue(gen)

	params := RunParams{PersonaA: "機関士", PersonaB: "新人", MaxTurns: 4}
	result, err := svc.Run(context.Background(), params)
	if err != nil {
		t.Fatalf("正常运行不应该返回错误: %v", err)
	}
	if result.Status != models.RunStatusSuccess {
		t.Errorf("达到回合上限应该判定为 success, got %s", result.Status)
	}
	if len(result.Dialogue) != 4 {
		t.Fatalf("应该提交4个回合, got %d", len(result.Dialogue))
	}
	for i, turn := range result.Dialogue {
		if turn.TurnNumber != i {
			t.Errorf("第%d回合的编号应该是%d, got %d", i, i, turn.TurnNumber)
		}
		if turn.Speaker != models.SpeakerForTurn(i) {
			t.Errorf("第%d回合的发言者应该交替, got %s", i, turn.Speaker)
		}
		if turn.Evaluation == nil {
			t.Errorf("第%d回合必须附带评价", i)
		} else if turn.Evaluation.Status != models.StatusPass {
			t.Errorf("第%d回合的评价应该是 PASS, got %s", i, turn.Evaluation.Status)
		}
	}
	if result.RunID == "" {
		t.Error("结果必须带运行ID")
	}
	if _, ok := svc.CurrentRun(); ok {
		t.Error("运行结束后槽位应该被释放")
	}
}

func TestRun_SecondRunIsRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := &stubGenerator{fn: func(call int, prompt string) (string, error) {
		if call == 1 {
			close(started)
			<-release
		}
		return "計器は7.8を示す", nil
	}}
	svc, _ := newTestDialogue(gen)

	runID, err := svc.RunAsync(context.Background(), RunParams{
		PersonaA: "機関士", PersonaB: "新人", MaxTurns: 1,
	})
	if err != nil {
		t.Fatalf("后台运行启动失败: %v", err)
	}
	if runID == "" {
		t.Fatal("后台运行必须立即返回运行ID")
	}

	<-started
	_, err = svc.Run(context.Background(), RunParams{
		PersonaA: "機関士", PersonaB: "新人", MaxTurns: 1,
	})
	if !apperrors.IsConflictError(err) {
		t.Errorf("已有运行时第二个请求应该被拒绝, got %v", err)
	}

	close(release)
	waitForIdle(t, svc)
}

func TestRun_StopTakesEffectAtTurnBoundary(t *testing.T) {
	lines := []string{
		"計器は7.8を示す",
		"温度が42度まで上がった",
		"バルブを3回閉めた",
	}
	gen := &stubGenerator{fn: func(call int, prompt string) (string, error) {
		return lines[(call-1)%len(lines)], nil
	}}

	var svc *DialogueService
	boundaries := 0
	provider := func() (string, error) {
		boundaries++
		if boundaries == 2 {
			if err := svc.StopCurrentRun(); err != nil {
				t.Errorf("运行中的停止请求不应该失败: %v", err)
			}
		}
		return "", nil
	}
	svc, _ = newTestDialogue(gen)

	result, err := svc.Run(context.Background(), RunParams{
		PersonaA: "機関士", PersonaB: "新人", MaxTurns: 10,
		InterruptProvider: provider,
	})
	if err != nil {
		t.Fatalf("协作式停止不应该返回错误: %v", err)
	}
	if result.Status != models.RunStatusAborted {
		t.Errorf("停止请求应该使状态变为 aborted, got %s", result.Status)
	}
	// 第2回合边界发出请求，该回合照常提交，第3回合边界生效
	if len(result.Dialogue) != 2 {
		t.Errorf("停止前已提交的回合应该保留且不再新增, got %d", len(result.Dialogue))
	}
}

func TestStopCurrentRun_WithoutActiveRun(t *testing.T) {
	svc, _ := newTestDialogue(&stubGenerator{fn: func(int, string) (string, error) { return "x", nil }})

	err := svc.StopCurrentRun()
	if !apperrors.IsNotFoundError(err) {
		t.Errorf("无活动运行时停止请求应该返回未找到错误, got %v", err)
	}
}

func TestRun_RetryWithInstructionProducesCorrectedText(t *testing.T) {
	const stuck = "センサー確認中、異常なし。"
	corrected := []string{
		"温度は42.5度で安定している",
		"バルブを3回締め直した",
	}
	nextCorrection := 0
	gen := &stubGenerator{fn: func(call int, prompt string) (string, error) {
		if strings.Contains(prompt, "指示:") {
			text := corrected[nextCorrection%len(corrected)]
			nextCorrection++
			return text, nil
		}
		return stuck, nil
	}}
	svc, _ := newTestDialogue(gen)

	result, err := svc.Run(context.Background(), RunParams{
		PersonaA: "機関士", PersonaB: "新人", MaxTurns: 4, MaxRetry: 1,
	})
	if err != nil {
		t.Fatalf("带重试的运行不应该返回错误: %v", err)
	}
	if result.Status != models.RunStatusSuccess {
		t.Fatalf("运行应该正常完成, got %s", result.Status)
	}
	if len(result.Dialogue) != 4 {
		t.Fatalf("应该提交4个回合, got %d", len(result.Dialogue))
	}

	// 连续两次抽象发言触发介入，重试必须在提示中携带指示
	if result.Dialogue[1].Text != corrected[0] {
		t.Errorf("第2回合应该采用纠正后的发言, got %q", result.Dialogue[1].Text)
	}
	if result.Dialogue[3].Text != corrected[1] {
		t.Errorf("第4回合应该采用纠正后的发言, got %q", result.Dialogue[3].Text)
	}

	calls, prompts := gen.snapshot()
	if calls != 6 {
		t.Errorf("4回合+2次重试应该共调用6次生成, got %d", calls)
	}
	instructed := 0
	for _, p := range prompts {
		if strings.Contains(p, "指示:") {
			instructed++
		}
	}
	if instructed != 2 {
		t.Errorf("应该有2次带指示的重试调用, got %d", instructed)
	}
}

func TestRun_RetryExhaustionAcceptsAsIs(t *testing.T) {
	const stuck = "センサー確認中、異常なし。"
	gen := &stubGenerator{fn: func(call int, prompt string) (string, error) {
		return stuck, nil
	}}
	svc, _ := newTestDialogue(gen)

	result, err := svc.Run(context.Background(), RunParams{
		PersonaA: "機関士", PersonaB: "新人", MaxTurns: 3, MaxRetry: 0,
	})
	if err != nil {
		t.Fatalf("尝试耗尽不应该使运行失败: %v", err)
	}
	if len(result.Dialogue) != 3 {
		t.Fatalf("尝试耗尽时发言按原样采用, got %d 回合", len(result.Dialogue))
	}
	if result.Dialogue[1].Text != stuck {
		t.Errorf("尝试耗尽时应该保留原始发言, got %q", result.Dialogue[1].Text)
	}
	if result.Dialogue[1].Evaluation.Action != models.ActionIntervene {
		t.Errorf("介入判定应该留在提交的评价中, got %s", result.Dialogue[1].Evaluation.Action)
	}

	// 指示保留给下一回合的首次生成
	calls, prompts := gen.snapshot()
	if calls != 3 {
		t.Errorf("MaxRetry=0 时每回合只生成一次, got %d", calls)
	}
	if !strings.Contains(prompts[2], "指示:") {
		t.Error("尝试耗尽后指示应该传递到下一回合的提示中")
	}
}

func TestRun_GenerationErrorPreservesCommittedTurns(t *testing.T) {
	genErr := errors.New("プロバイダー接続に失敗")
	lines := []string{"計器は7.8を示す", "温度が42度まで上がった"}
	gen := &stubGenerator{fn: func(call int, prompt string) (string, error) {
		if call == 3 {
			return "", genErr
		}
		return lines[(call-1)%len(lines)], nil
	}}
	svc, _ := newTestDialogue(gen)

	result, err := svc.Run(context.Background(), RunParams{
		PersonaA: "機関士", PersonaB: "新人", MaxTurns: 5,
	})
	if !apperrors.IsGenerationError(err) {
		t.Errorf("生成失败应该返回生成错误, got %v", err)
	}
	if result == nil {
		t.Fatal("失败时也必须返回完整结果")
	}
	if result.Status != models.RunStatusError {
		t.Errorf("生成失败应该使状态变为 error, got %s", result.Status)
	}
	if len(result.Dialogue) != 2 {
		t.Errorf("失败前已提交的回合应该保留, got %d", len(result.Dialogue))
	}
	if result.Error != genErr.Error() {
		t.Errorf("结果应该记录底层错误: %q", result.Error)
	}
}

// 固定返回 MODIFY 的检查器，用于致命中断路径
type fatalChecker struct{}

func (fatalChecker) Check(text string, speaker models.Speaker, turnNumber int) (models.EvaluationStatus, string) {
	return models.StatusModify, "人格崩壊の兆候"
}

func TestRun_FatalEvaluationAbortsRun(t *testing.T) {
	gen := &stubGenerator{fn: func(call int, prompt string) (string, error) {
		return "計器は7.8を示す", nil
	}}
	svc, director := newTestDialogue(gen)
	director.SetChecker(fatalChecker{})

	result, err := svc.Run(context.Background(), RunParams{
		PersonaA: "機関士", PersonaB: "新人", MaxTurns: 5,
	})
	if !apperrors.IsFatalEvaluationError(err) {
		t.Errorf("致命评价应该返回致命错误, got %v", err)
	}
	if result.Status != models.RunStatusError {
		t.Errorf("致命评价应该使状态变为 error, got %s", result.Status)
	}
	// 触发致命判定的回合本身如实提交
	if len(result.Dialogue) != 1 {
		t.Errorf("致命回合应该被提交后再中断, got %d", len(result.Dialogue))
	}
	if !strings.Contains(result.Error, "致命的") {
		t.Errorf("结果应该说明中断原因: %q", result.Error)
	}
}

func TestRun_QueuedInterruptIsMergedAtBoundary(t *testing.T) {
	gen := &stubGenerator{fn: func(call int, prompt string) (string, error) {
		return []string{"計器は7.8を示す", "温度が42度まで上がった"}[(call-1)%2], nil
	}}
	svc, _ := newTestDialogue(gen)

	svc.QueueInterrupt("隣室で警報が鳴った")
	result, err := svc.Run(context.Background(), RunParams{
		PersonaA: "機関士", PersonaB: "新人", MaxTurns: 2,
	})
	if err != nil {
		t.Fatalf("带中断的运行不应该失败: %v", err)
	}
	if result.Status != models.RunStatusSuccess {
		t.Fatalf("运行应该正常完成, got %s", result.Status)
	}

	_, prompts := gen.snapshot()
	if !strings.Contains(prompts[0], "追加情報: 隣室で警報が鳴った") {
		t.Errorf("排队的中断内容应该在下一回合边界合并进提示: %q", prompts[0])
	}
}

func TestRun_FailingInterruptProviderIsIgnored(t *testing.T) {
	gen := &stubGenerator{fn: func(call int, prompt string) (string, error) {
		return []string{"計器は7.8を示す", "温度が42度まで上がった"}[(call-1)%2], nil
	}}
	svc, _ := newTestDialogue(gen)

	result, err := svc.Run(context.Background(), RunParams{
		PersonaA: "機関士", PersonaB: "新人", MaxTurns: 2,
		InterruptProvider: func() (string, error) {
			return "", errors.New("割り込みソース故障")
		},
	})
	if err != nil {
		t.Fatalf("中断源故障不应该影响运行: %v", err)
	}
	if result.Status != models.RunStatusSuccess {
		t.Errorf("运行应该正常完成, got %s", result.Status)
	}
}

func waitForIdle(t *testing.T, svc *DialogueService) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := svc.CurrentRun(); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("后台运行未在期限内结束")
}

func TestCurrentRun_SnapshotDuringActiveRun(t *testing.T) {
	lines := []string{
		"計器は7.8を示す",
		"温度が42度まで上がった",
		"バルブを3回閉めた",
		"配線の5番を交換した",
	}
	gen := &stubGenerator{fn: func(call int, prompt string) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return lines[(call-1)%len(lines)], nil
	}}
	svc, _ := newTestDialogue(gen)

	runID, err := svc.RunAsync(context.Background(), RunParams{
		PersonaA: "機関士", PersonaB: "新人", MaxTurns: 8,
	})
	if err != nil {
		t.Fatalf("后台运行启动失败: %v", err)
	}

	// 运行goroutine提交回合的同时持续轮询快照
	lastTurns := 0
	for {
		snap, ok := svc.CurrentRun()
		if !ok {
			break
		}
		if snap.RunID != runID {
			t.Fatalf("快照的运行ID不符: %q", snap.RunID)
		}
		if len(snap.Turns) < lastTurns {
			t.Fatalf("快照的回合数不应该倒退: %d -> %d", lastTurns, len(snap.Turns))
		}
		lastTurns = len(snap.Turns)

		// 改写本次快照，后续快照不得受到污染
		if len(snap.Turns) > 0 {
			if snap.Turns[0].Text == "tampered" {
				t.Fatal("CurrentRun 必须返回副本")
			}
			snap.Turns[0].Text = "tampered"
		}
		time.Sleep(2 * time.Millisecond)
	}
	waitForIdle(t, svc)
}

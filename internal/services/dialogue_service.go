// internal/services/dialogue_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/Corphon/DialogueDirectorMCP/internal/errors"
	"github.com/Corphon/DialogueDirectorMCP/internal/models"
	"github.com/Corphon/DialogueDirectorMCP/internal/utils"
	"github.com/google/uuid"
)

// Generator 外部文本生成调用的最小接口
// 调用是阻塞的，可能失败；超时由实现方负责
type Generator interface {
	GenerateText(ctx context.Context, persona, promptContext string, history []models.DialogueTurn) (string, error)
}

// InterruptProvider 回合边界的协作式中断源
// 返回非空内容时合并进场面描述；错误只记录不中断运行
type InterruptProvider func() (string, error)

// 回合内尝试状态机
type attemptState int

const (
	attemptGenerate attemptState = iota
	attemptAccepted
	attemptRetrying
	attemptAborted
)

// RunParams 一次运行的全部参数
type RunParams struct {
	PersonaA          string                 `json:"persona_a"`
	PersonaB          string                 `json:"persona_b"`
	Mode              string                 `json:"mode"`
	MaxTurns          int                    `json:"max_turns"`
	MaxRetry          int                    `json:"max_retry"` // 首次生成之外的追加尝试数
	Bundle            models.InputBundle     `json:"bundle"`
	InterruptProvider InterruptProvider      `json:"-"`
}

// RunContext 每次调用显式构建的运行上下文
// 滚动状态全部归它独占，不同运行之间绝不共享。
// Turns 与 Status 由运行goroutine经 mu 写入，外部只通过 snapshot 读取
type RunContext struct {
	RunID              string
	Params             RunParams
	ContextDescription string
	StartedAt          time.Time

	mu     sync.Mutex
	Turns  []models.DialogueTurn
	Status models.RunStatus

	stopRequested int32
	interventions int
	retries       int
}

// RequestStop 协作式停止：下一个回合边界生效
func (rc *RunContext) RequestStop() {
	atomic.StoreInt32(&rc.stopRequested, 1)
}

func (rc *RunContext) stopPending() bool {
	return atomic.LoadInt32(&rc.stopRequested) == 1
}

func (rc *RunContext) commitTurn(turn models.DialogueTurn) {
	rc.mu.Lock()
	rc.Turns = append(rc.Turns, turn)
	rc.mu.Unlock()
}

func (rc *RunContext) setStatus(status models.RunStatus) {
	rc.mu.Lock()
	rc.Status = status
	rc.mu.Unlock()
}

func (rc *RunContext) snapshot() RunSnapshot {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	turns := make([]models.DialogueTurn, len(rc.Turns))
	copy(turns, rc.Turns)
	return RunSnapshot{
		RunID:     rc.RunID,
		Status:    rc.Status,
		Turns:     turns,
		StartedAt: rc.StartedAt,
	}
}

// RunSnapshot 活动运行的只读快照，暴露给边界层
type RunSnapshot struct {
	RunID     string                `json:"run_id"`
	Status    models.RunStatus      `json:"status"`
	Turns     []models.DialogueTurn `json:"turns"`
	StartedAt time.Time             `json:"started_at"`
}

// DialogueService 回合编排的顶层循环
// 全系统同时只允许一个活动运行，互斥槽位保证第二个请求被拒绝而不是排队
type DialogueService struct {
	Director *DirectorService
	Context  *ContextService
	Events   *EventService
	Stats    *StatsService

	generator Generator
	metrics   *utils.RunMetrics

	runMutex   sync.Mutex
	currentRun *RunContext

	interruptMutex sync.Mutex
	interruptQueue []string
}

// NewDialogueService 创建对话编排服务
func NewDialogueService(director *DirectorService, contextSvc *ContextService, events *EventService, stats *StatsService, generator Generator) *DialogueService {
	return &DialogueService{
		Director:  director,
		Context:   contextSvc,
		Events:    events,
		Stats:     stats,
		generator: generator,
		metrics:   utils.NewRunMetrics(),
	}
}

// CurrentRun 返回当前活动运行的快照（无运行时 ok=false）
func (s *DialogueService) CurrentRun() (RunSnapshot, bool) {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()

	if s.currentRun == nil {
		return RunSnapshot{}, false
	}
	return s.currentRun.snapshot(), true
}

// StopCurrentRun 请求停止当前运行
func (s *DialogueService) StopCurrentRun() error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()

	if s.currentRun == nil {
		return apperrors.NewNotFoundError("実行中の対話がありません", nil)
	}
	s.currentRun.RequestStop()
	return nil
}

// QueueInterrupt 注入中断内容，下一个回合边界被合并
func (s *DialogueService) QueueInterrupt(content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	s.interruptMutex.Lock()
	defer s.interruptMutex.Unlock()
	s.interruptQueue = append(s.interruptQueue, content)
}

// dequeueInterrupt 默认中断源：取出队列中最早的一条
func (s *DialogueService) dequeueInterrupt() (string, error) {
	s.interruptMutex.Lock()
	defer s.interruptMutex.Unlock()

	if len(s.interruptQueue) == 0 {
		return "", nil
	}
	content := s.interruptQueue[0]
	s.interruptQueue = s.interruptQueue[1:]
	return content, nil
}

// Run 执行一次完整运行
// 返回的 DialogueResult 始终完整：中止前已提交的回合全部保留
func (s *DialogueService) Run(ctx context.Context, params RunParams) (*models.DialogueResult, error) {
	rc, err := s.beginRun(&params)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, rc)
}

// RunAsync 后台执行一次运行，立即返回运行ID
// 结果通过事件订阅或持久化的运行记录获取
func (s *DialogueService) RunAsync(ctx context.Context, params RunParams) (string, error) {
	rc, err := s.beginRun(&params)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := s.execute(ctx, rc); err != nil {
			utils.GetLogger().Warnf("バックグラウンド実行が失敗しました: %v", err)
		}
	}()
	return rc.RunID, nil
}

// beginRun 应用默认值并占用运行槽位
func (s *DialogueService) beginRun(params *RunParams) (*RunContext, error) {
	if params.MaxTurns <= 0 {
		params.MaxTurns = 10
	}
	if params.MaxRetry < 0 {
		params.MaxRetry = 0
	}
	if params.Mode == "" {
		params.Mode = "standard"
	}
	if params.InterruptProvider == nil {
		params.InterruptProvider = s.dequeueInterrupt
	}

	// 互斥槽位：已有运行时拒绝，不排队
	rc := &RunContext{
		RunID:     uuid.NewString(),
		Params:    *params,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now(),
	}
	s.runMutex.Lock()
	if s.currentRun != nil {
		s.runMutex.Unlock()
		return nil, apperrors.NewConflictError("既に実行中の対話があります", nil)
	}
	s.currentRun = rc
	s.runMutex.Unlock()

	return rc, nil
}

// execute 运行主体：循环、事件、持久化、统计
func (s *DialogueService) execute(ctx context.Context, rc *RunContext) (*models.DialogueResult, error) {
	defer func() {
		s.runMutex.Lock()
		s.currentRun = nil
		s.runMutex.Unlock()
	}()

	// 新会话：评价侧的滚动状态全部清空
	s.Director.Reset()

	// 初始场面采集（失败时退化，不中断）
	rc.ContextDescription = s.Context.CollectContext(rc.Params.Bundle)

	s.publish(models.RunEvent{Type: "run_started", RunID: rc.RunID})
	s.metrics.RecordRunStarted(rc.Params.Mode)

	result, runErr := s.runLoop(ctx, rc)

	s.metrics.RecordRunFinished(string(result.Status), len(result.Dialogue), time.Since(rc.StartedAt))
	s.publishFinal(rc, result)
	if s.Events != nil {
		s.Events.PersistRun(result)
	}
	if s.Stats != nil {
		s.Stats.RecordRun(result, rc.interventions, rc.retries)
	}

	return result, runErr
}

// runLoop 回合主循环
func (s *DialogueService) runLoop(ctx context.Context, rc *RunContext) (*models.DialogueResult, error) {
	var pendingInstruction string

	for turn := 0; turn < rc.Params.MaxTurns; turn++ {
		// 停止请求只在回合边界生效
		if rc.stopPending() {
			rc.setStatus(models.RunStatusAborted)
			return s.buildResult(rc, ""), nil
		}

		s.pollInterrupt(rc)

		speaker := models.SpeakerForTurn(turn)
		persona := rc.Params.PersonaA
		if speaker == models.SpeakerB {
			persona = rc.Params.PersonaB
		}

		text, eval, fatal, err := s.attemptTurn(ctx, rc, persona, speaker, turn, &pendingInstruction)
		if err != nil {
			// 生成失败：立即中止，保留已提交回合
			rc.setStatus(models.RunStatusError)
			s.metrics.RecordError("generation_failure")
			utils.GetLogger().Error("生成呼び出しが失敗しました", map[string]interface{}{
				"run_id": rc.RunID,
				"turn":   turn,
				"error":  err.Error(),
			})
			return s.buildResult(rc, err.Error()), apperrors.NewGenerationError("テキスト生成に失敗しました", err)
		}

		committed := models.DialogueTurn{
			TurnNumber: turn,
			Speaker:    speaker,
			Text:       text,
			Evaluation: eval,
			Timestamp:  time.Now(),
		}
		rc.commitTurn(committed)
		s.publishTurn(rc, committed)

		if fatal {
			rc.setStatus(models.RunStatusError)
			s.metrics.RecordError("fatal_evaluation")
			msg := fmt.Sprintf("致命的なMODIFY評価により中断: %s", eval.Reason)
			return s.buildResult(rc, msg), apperrors.NewFatalEvaluationError(msg)
		}
	}

	rc.setStatus(models.RunStatusSuccess)
	return s.buildResult(rc, ""), nil
}

// attemptTurn 一个回合内的有界尝试循环
// 生成 → 评价 → {采用 | 带指示重试 | 致命中断}，尝试数上限 1 + MaxRetry
func (s *DialogueService) attemptTurn(ctx context.Context, rc *RunContext, persona string, speaker models.Speaker, turn int, pendingInstruction *string) (string, *models.DirectorEvaluation, bool, error) {
	maxAttempts := rc.Params.MaxRetry + 1

	var text string
	var eval *models.DirectorEvaluation
	state := attemptGenerate
	attempt := 0

	for state == attemptGenerate || state == attemptRetrying {
		prompt := rc.ContextDescription
		if *pendingInstruction != "" {
			prompt = prompt + "\n\n指示: " + *pendingInstruction
		}

		generated, err := s.generator.GenerateText(ctx, persona, prompt, rc.Turns)
		if err != nil {
			state = attemptAborted
			return "", nil, false, err
		}
		text = generated
		eval = s.Director.EvaluateResponse(text, speaker, turn)

		if eval.Action == models.ActionIntervene {
			rc.interventions++
			s.metrics.RecordIntervention(string(eval.Strategy))
		}

		// MODIFY：文本照常采用，但要做致命判定
		if eval.Status == models.StatusModify {
			state = attemptAccepted
			return text, eval, s.Director.IsFatal(eval), nil
		}

		// 完全通过：清除遗留指示后采用
		if eval.Status == models.StatusPass && eval.Action == models.ActionNoop {
			state = attemptAccepted
			*pendingInstruction = ""
			return text, eval, false, nil
		}

		// 重试值当：RETRY 或 INTERVENE，附带新指示重新生成
		*pendingInstruction = eval.Suggestion
		attempt++
		if attempt >= maxAttempts {
			// 尝试耗尽：按原样采用，指示留给下一回合
			state = attemptAccepted
			break
		}
		state = attemptRetrying
		rc.retries++
		s.metrics.RecordRetry()
	}

	return text, eval, false, nil
}

// pollInterrupt 回合边界轮询一次中断源
func (s *DialogueService) pollInterrupt(rc *RunContext) {
	content, err := rc.Params.InterruptProvider()
	if err != nil {
		// 中断源故障：记录后继续，运行不受影响
		utils.GetLogger().Warn("割り込みソースの取得に失敗しました", map[string]interface{}{
			"run_id": rc.RunID,
			"error":  err.Error(),
		})
		return
	}
	if content != "" {
		rc.ContextDescription = s.Context.MergeInterrupt(rc.ContextDescription, content)
	}
}

// buildResult 组装完整的运行结果
func (s *DialogueService) buildResult(rc *RunContext, errMsg string) *models.DialogueResult {
	snap := rc.snapshot()

	return &models.DialogueResult{
		RunID:     snap.RunID,
		Dialogue:  snap.Turns,
		Status:    snap.Status,
		Error:     errMsg,
		StartedAt: snap.StartedAt,
		EndedAt:   time.Now(),
	}
}

// ------------------------------------
// 事件发布

func (s *DialogueService) publish(event models.RunEvent) {
	if s.Events != nil {
		s.Events.Publish(event)
	}
}

func (s *DialogueService) publishTurn(rc *RunContext, turn models.DialogueTurn) {
	event := models.RunEvent{
		Type:    "turn_committed",
		RunID:   rc.RunID,
		Turn:    turn.TurnNumber,
		Speaker: turn.Speaker,
		Text:    turn.Text,
	}
	if turn.Evaluation != nil {
		event.Status = string(turn.Evaluation.Status)
		event.Action = string(turn.Evaluation.Action)
		event.Reason = turn.Evaluation.Reason
		event.FocusHook = turn.Evaluation.FocusHook
		event.HookDepth = turn.Evaluation.HookDepth
		event.DepthStep = string(turn.Evaluation.DepthStep)
		event.ForbiddenTopics = turn.Evaluation.ForbiddenTopics
	}
	s.publish(event)
}

func (s *DialogueService) publishFinal(rc *RunContext, result *models.DialogueResult) {
	eventType := "run_completed"
	switch result.Status {
	case models.RunStatusError:
		eventType = "run_failed"
	case models.RunStatusAborted:
		eventType = "run_aborted"
	}
	s.publish(models.RunEvent{
		Type:   eventType,
		RunID:  rc.RunID,
		Turn:   len(result.Dialogue),
		Status: string(result.Status),
		Reason: result.Error,
	})
}

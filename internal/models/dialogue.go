// internal/models/dialogue.go
package models

import "time"

// Speaker 对话中的发言方标识
type Speaker string

const (
	SpeakerA Speaker = "A"
	SpeakerB Speaker = "B"
)

// SpeakerForTurn 按回合序号的奇偶性确定发言方
// 不论回合内重试多少次，发言方严格交替
func SpeakerForTurn(turnNumber int) Speaker {
	if turnNumber%2 == 0 {
		return SpeakerA
	}
	return SpeakerB
}

// EvaluationStatus 单次生成尝试的评价状态
type EvaluationStatus string

const (
	StatusPass   EvaluationStatus = "PASS"
	StatusRetry  EvaluationStatus = "RETRY"
	StatusModify EvaluationStatus = "MODIFY"
)

// EvaluationAction 导演层是否附加纠正指示
type EvaluationAction string

const (
	ActionNoop      EvaluationAction = "NOOP"
	ActionIntervene EvaluationAction = "INTERVENE"
)

// DepthStep 话题钩子的深化阶段
type DepthStep string

const (
	StepDiscover DepthStep = "DISCOVER"
	StepExpand   DepthStep = "EXPAND"
	StepDeepen   DepthStep = "DEEPEN"
	StepConclude DepthStep = "CONCLUDE"
)

// DepthStepFor 根据钩子深度返回对应的深化阶段
func DepthStepFor(depth int) DepthStep {
	switch {
	case depth <= 0:
		return StepDiscover
	case depth == 1:
		return StepExpand
	case depth == 2:
		return StepDeepen
	default:
		return StepConclude
	}
}

// Strategy 打破话题循环的补救策略（闭合枚举）
type Strategy string

const (
	StrategyNoop           Strategy = "NOOP"
	StrategySpecificSlot   Strategy = "FORCE_SPECIFIC_SLOT"
	StrategyConflictWithin Strategy = "FORCE_CONFLICT_WITHIN"
	StrategyActionNext     Strategy = "FORCE_ACTION_NEXT"
	StrategyPastReference  Strategy = "FORCE_PAST_REFERENCE"
	StrategyWhy            Strategy = "FORCE_WHY"
	StrategyExpand         Strategy = "FORCE_EXPAND"
	StrategyChangeTopic    Strategy = "FORCE_CHANGE_TOPIC"
)

// DirectorEvaluation 每次生成尝试产生一份评价
// 所有字段都保证被填充，可选字段用零值表示，消费方无需反射探测
type DirectorEvaluation struct {
	Status          EvaluationStatus `json:"status"`
	Action          EvaluationAction `json:"action"`
	Reason          string           `json:"reason"`
	Suggestion      string           `json:"suggestion"`
	FocusHook       string           `json:"focus_hook"`
	HookDepth       int              `json:"hook_depth"` // 0..3
	DepthStep       DepthStep        `json:"depth_step"`
	ForbiddenTopics []string         `json:"forbidden_topics"`
	Strategy        Strategy         `json:"strategy"`
	Timestamp       time.Time        `json:"timestamp"`
}

// DialogueTurn 一条已提交的发言，提交后不再修改
// 回合内发生重试时只保留最后一次尝试的评价
type DialogueTurn struct {
	TurnNumber int                 `json:"turn_number"`
	Speaker    Speaker             `json:"speaker"`
	Text       string              `json:"text"`
	Evaluation *DirectorEvaluation `json:"evaluation,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// LoopCheckResult 循环检测的瞬态结果，每次检查调用产生一份
type LoopCheckResult struct {
	LoopDetected     bool     `json:"loop_detected"`
	StuckNouns       []string `json:"stuck_nouns"` // 有序，最多5个
	Strategy         Strategy `json:"strategy"`
	TopicDepth       int      `json:"topic_depth"`
	LacksSpecificity bool     `json:"lacks_specificity"`
	Reason           string   `json:"reason"`
}

// TopicState 当前话题的累积状态
// 与上一话题的名词重叠率低于阈值时整体重置
type TopicState struct {
	TopicNouns      map[string]bool `json:"topic_nouns"`
	Depth           int             `json:"depth"`
	HasSpecificInfo bool            `json:"has_specific_info"`
	HasNumbers      bool            `json:"has_numbers"`
	HasExamples     bool            `json:"has_examples"`
	LastUpdateTurn  int             `json:"last_update_turn"`
}

// NewTopicState 以给定名词集合为种子创建新话题
func NewTopicState(nouns map[string]bool, turn int) *TopicState {
	seeded := make(map[string]bool, len(nouns))
	for n := range nouns {
		seeded[n] = true
	}
	return &TopicState{
		TopicNouns:     seeded,
		Depth:          1,
		LastUpdateTurn: turn,
	}
}

// RunStatus 一次运行的终态
type RunStatus string

const (
	RunStatusIdle    RunStatus = "idle"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
	RunStatusAborted RunStatus = "aborted"
)

// DialogueResult 暴露给边界层的完整运行结果
// 运行中止时已提交的回合全部保留
type DialogueResult struct {
	RunID     string         `json:"run_id"`
	Dialogue  []DialogueTurn `json:"dialogue"`
	Status    RunStatus      `json:"status"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}

// RunEvent 运行过程中的结构化事件，经事件分发器送往下游
type RunEvent struct {
	Type            string    `json:"type"` // run_started, turn_committed, run_completed, run_failed, run_aborted
	RunID           string    `json:"run_id"`
	Turn            int       `json:"turn"`
	Speaker         Speaker   `json:"speaker,omitempty"`
	Text            string    `json:"text,omitempty"`
	Status          string    `json:"status,omitempty"`
	Action          string    `json:"action,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	FocusHook       string    `json:"focus_hook,omitempty"`
	HookDepth       int       `json:"hook_depth"`
	DepthStep       string    `json:"depth_step,omitempty"`
	ForbiddenTopics []string  `json:"forbidden_topics,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// InputBundle 场景采集器的输入
type InputBundle struct {
	SceneTitle       string             `json:"scene_title"`
	SceneDescription string             `json:"scene_description"`
	Keywords         []string           `json:"keywords,omitempty"`
	SensorReadings   map[string]float64 `json:"sensor_readings,omitempty"`
}

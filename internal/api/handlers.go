// internal/api/handlers.go
package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/DialogueDirectorMCP/internal/config"
	apperrors "github.com/Corphon/DialogueDirectorMCP/internal/errors"
	"github.com/Corphon/DialogueDirectorMCP/internal/models"
	"github.com/Corphon/DialogueDirectorMCP/internal/services"
	"github.com/Corphon/DialogueDirectorMCP/internal/utils"
)

// Handler API处理器，持有从容器获取的服务
type Handler struct {
	DialogueService *services.DialogueService
	EventService    *services.EventService
	PatternService  *services.PatternService
	StatsService    *services.StatsService
	LLMService      *services.LLMService
	Response        *ResponseHelper
	WebSocket       *WebSocketHandler
}

// NewHandler 创建API处理器
func NewHandler(
	dialogueService *services.DialogueService,
	eventService *services.EventService,
	patternService *services.PatternService,
	statsService *services.StatsService,
	llmService *services.LLMService,
) *Handler {
	return &Handler{
		DialogueService: dialogueService,
		EventService:    eventService,
		PatternService:  patternService,
		StatsService:    statsService,
		LLMService:      llmService,
		Response:        NewResponseHelper(),
		WebSocket:       NewWebSocketHandler(eventService),
	}
}

// StartRunRequest 启动对话运行的请求体
type StartRunRequest struct {
	PersonaA         string             `json:"persona_a" binding:"required"`
	PersonaB         string             `json:"persona_b" binding:"required"`
	Mode             string             `json:"mode"`
	MaxTurns         int                `json:"max_turns"`
	MaxRetry         int                `json:"max_retry"`
	SceneTitle       string             `json:"scene_title"`
	SceneDescription string             `json:"scene_description"`
	Keywords         []string           `json:"keywords"`
	SensorReadings   map[string]float64 `json:"sensor_readings"`
}

// StartRun 启动一次后台对话运行
func (h *Handler) StartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "リクエストの形式が不正です", err.Error())
		return
	}

	if !h.LLMService.IsReady() {
		h.Response.Error(c, 503, "LLM_NOT_READY", "LLMサービスが設定されていません")
		return
	}

	cfg := config.GetCurrentConfig()
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = cfg.MaxTurns
	}
	maxRetry := req.MaxRetry
	if maxRetry <= 0 {
		maxRetry = cfg.MaxRetry
	}

	params := services.RunParams{
		PersonaA: req.PersonaA,
		PersonaB: req.PersonaB,
		Mode:     req.Mode,
		MaxTurns: maxTurns,
		MaxRetry: maxRetry,
		Bundle: models.InputBundle{
			SceneTitle:       req.SceneTitle,
			SceneDescription: req.SceneDescription,
			Keywords:         req.Keywords,
			SensorReadings:   req.SensorReadings,
		},
	}

	runID, err := h.DialogueService.RunAsync(context.Background(), params)
	if err != nil {
		if apperrors.IsConflictError(err) {
			h.Response.Conflict(c, err.Error())
			return
		}
		h.Response.InternalError(c, "対話の開始に失敗しました", err.Error())
		return
	}

	h.Response.Accepted(c, gin.H{"run_id": runID}, "対話を開始しました")
}

// GetRun 获取运行结果。运行中返回进行状态，结束后返回持久化结果
func (h *Handler) GetRun(c *gin.Context) {
	runID := c.Param("run_id")

	if current, ok := h.DialogueService.CurrentRun(); ok && current.RunID == runID {
		h.Response.Success(c, gin.H{
			"run_id":     current.RunID,
			"status":     current.Status,
			"turns":      current.Turns,
			"started_at": current.StartedAt.Format(time.RFC3339),
		})
		return
	}

	result, err := h.EventService.LoadRun(runID)
	if err != nil {
		h.Response.NotFound(c, "指定された運行記録が見つかりません", err.Error())
		return
	}
	h.Response.Success(c, result)
}

// GetCurrentRun 获取当前活动运行
func (h *Handler) GetCurrentRun(c *gin.Context) {
	current, ok := h.DialogueService.CurrentRun()
	if !ok {
		h.Response.NotFound(c, "実行中の対話がありません")
		return
	}
	h.Response.Success(c, gin.H{
		"run_id":     current.RunID,
		"status":     current.Status,
		"turns":      len(current.Turns),
		"started_at": current.StartedAt.Format(time.RFC3339),
	})
}

// StopRun 请求停止当前运行（回合边界生效）
func (h *Handler) StopRun(c *gin.Context) {
	if err := h.DialogueService.StopCurrentRun(); err != nil {
		h.Response.NotFound(c, err.Error())
		return
	}
	h.Response.Success(c, nil, "停止リクエストを受け付けました")
}

// InterruptRequest 中断注入请求体
type InterruptRequest struct {
	Content string `json:"content" binding:"required"`
}

// QueueInterrupt 注入场面中断，下一个回合边界被合并
func (h *Handler) QueueInterrupt(c *gin.Context) {
	var req InterruptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "リクエストの形式が不正です", err.Error())
		return
	}
	h.DialogueService.QueueInterrupt(req.Content)
	h.Response.Success(c, nil, "割り込みを登録しました")
}

// GetRunEvents 获取指定运行的事件历史
func (h *Handler) GetRunEvents(c *gin.Context) {
	runID := c.Param("run_id")
	events := h.EventService.History(runID)
	h.Response.Success(c, events)
}

// ReloadPatterns 重新加载台词模式库
func (h *Handler) ReloadPatterns(c *gin.Context) {
	h.PatternService.ReloadAll()
	h.Response.Success(c, nil, "パターンライブラリを再読み込みしました")
}

// GetStats 获取运行统计
func (h *Handler) GetStats(c *gin.Context) {
	h.Response.Success(c, h.StatsService.Snapshot())
}

// GetMetrics 获取进程内指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, utils.GetMetricsCollector().GetMetrics())
}

// GetLLMStatus 获取LLM服务状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	h.Response.Success(c, h.LLMService.GetStatus())
}

// UpdateLLMConfigRequest LLM配置更新请求体
type UpdateLLMConfigRequest struct {
	Provider string            `json:"provider" binding:"required"`
	Config   map[string]string `json:"config" binding:"required"`
}

// UpdateLLMConfig 更新LLM提供商配置并持久化
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req UpdateLLMConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "リクエストの形式が不正です", err.Error())
		return
	}

	if err := h.LLMService.UpdateProvider(req.Provider, req.Config); err != nil {
		h.Response.BadRequest(c, "プロバイダーの初期化に失敗しました", err.Error())
		return
	}
	if err := config.UpdateLLMConfig(req.Provider, req.Config); err != nil {
		h.Response.InternalError(c, "設定の保存に失敗しました", err.Error())
		return
	}

	h.Response.Success(c, h.LLMService.GetStatus(), "LLM設定を更新しました")
}

// RunEventsWebSocket 运行事件的WebSocket推送
func (h *Handler) RunEventsWebSocket(c *gin.Context) {
	h.WebSocket.StreamEvents(c)
}

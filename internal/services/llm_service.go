// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/Corphon/DialogueDirectorMCP/internal/llm"

	// 注册所有提供商
	_ "github.com/Corphon/DialogueDirectorMCP/internal/llm/providers/anthropic"
	_ "github.com/Corphon/DialogueDirectorMCP/internal/llm/providers/openai"

	"github.com/Corphon/DialogueDirectorMCP/internal/models"
	"github.com/Corphon/DialogueDirectorMCP/internal/utils"
)

const (
	defaultMaxTokens   = 400
	defaultTemperature = 0.8
	historyWindow      = 6 // 提示中携带的最近发言数
	cacheTTL           = 10 * time.Minute
	maxCacheEntries    = 200
)

// LLMStatus 服务当前状态快照
type LLMStatus struct {
	Ready        bool   `json:"ready"`
	Provider     string `json:"provider"`
	ProviderName string `json:"provider_name,omitempty"`
	Model        string `json:"model,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

type cachedResponse struct {
	text      string
	timestamp time.Time
}

// LLMService 封装LLM提供商，实现对话文本生成
type LLMService struct {
	mu           sync.RWMutex
	provider     llm.Provider
	providerKey  string
	defaultModel string
	ready        bool
	lastError    string
	metrics      *utils.RunMetrics

	cacheMu sync.RWMutex
	cache   map[string]cachedResponse
}

// NewLLMService 创建并初始化服务。初始化失败不返回错误，
// 服务保持未就绪状态，等待后续UpdateProvider
func NewLLMService(providerKey string, config map[string]string) *LLMService {
	s := &LLMService{
		cache:   make(map[string]cachedResponse),
		metrics: utils.NewRunMetrics(),
	}
	if providerKey != "" {
		if err := s.UpdateProvider(providerKey, config); err != nil {
			utils.GetLogger().Warnf("LLMプロバイダーの初期化に失敗しました: %v", err)
		}
	}
	return s
}

// UpdateProvider 切换或重新配置提供商
func (s *LLMService) UpdateProvider(providerKey string, config map[string]string) error {
	provider, err := llm.GetProvider(providerKey, config)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.ready = false
		s.lastError = err.Error()
		return err
	}

	s.provider = provider
	s.providerKey = providerKey
	s.defaultModel = config["default_model"]
	s.ready = true
	s.lastError = ""
	return nil
}

// IsReady 服务是否可用
func (s *LLMService) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// GetStatus 返回状态快照
func (s *LLMService) GetStatus() LLMStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := LLMStatus{
		Ready:     s.ready,
		Provider:  s.providerKey,
		Model:     s.defaultModel,
		LastError: s.lastError,
	}
	if s.provider != nil {
		status.ProviderName = s.provider.GetName()
	}
	return status
}

// GenerateText 以指定人格生成下一句发言
func (s *LLMService) GenerateText(ctx context.Context, persona, promptContext string, history []models.DialogueTurn) (string, error) {
	s.mu.RLock()
	provider := s.provider
	ready := s.ready
	model := s.defaultModel
	s.mu.RUnlock()

	if !ready || provider == nil {
		return "", fmt.Errorf("LLMサービスが初期化されていません")
	}

	prompt := buildDialoguePrompt(promptContext, history)
	systemPrompt := buildPersonaPrompt(persona, promptContext)

	cacheKey := makeCacheKey(systemPrompt, prompt)
	if text, ok := s.lookupCache(cacheKey); ok {
		return text, nil
	}

	started := time.Now()
	resp, err := provider.CompleteText(ctx, llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		MaxTokens:    defaultMaxTokens,
		Temperature:  defaultTemperature,
		Model:        model,
	})
	if err != nil {
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
		return "", err
	}
	s.metrics.RecordLLMRequest(s.providerKey, resp.TokensUsed, time.Since(started))

	text := strings.TrimSpace(resp.Text)
	s.storeCache(cacheKey, text)
	return text, nil
}

func buildPersonaPrompt(persona, promptContext string) string {
	var sb strings.Builder
	if isEnglishText(promptContext) {
		sb.WriteString("You are taking part in a two-person spoken dialogue. Stay in character at all times.\n")
		sb.WriteString("Character profile:\n")
		sb.WriteString(persona)
		sb.WriteString("\nReply with a single natural utterance. Do not mention being an AI.")
	} else {
		sb.WriteString("あなたは二人の対話に参加しています。常に役柄を維持してください。\n")
		sb.WriteString("キャラクター設定:\n")
		sb.WriteString(persona)
		sb.WriteString("\n自然な発言を一つだけ返してください。AIであることに言及してはいけません。")
	}
	return sb.String()
}

func buildDialoguePrompt(promptContext string, history []models.DialogueTurn) string {
	var sb strings.Builder
	sb.WriteString(promptContext)

	if len(history) > 0 {
		start := 0
		if len(history) > historyWindow {
			start = len(history) - historyWindow
		}
		sb.WriteString("\n\nこれまでの会話:\n")
		for _, turn := range history[start:] {
			sb.WriteString(string(turn.Speaker))
			sb.WriteString(": ")
			sb.WriteString(turn.Text)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n次の発言:")
	return sb.String()
}

func makeCacheKey(systemPrompt, prompt string) string {
	sum := md5.Sum([]byte(systemPrompt + "\x00" + prompt))
	return hex.EncodeToString(sum[:])
}

func (s *LLMService) lookupCache(key string) (string, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	entry, ok := s.cache[key]
	if !ok || time.Since(entry.timestamp) > cacheTTL {
		return "", false
	}
	return entry.text, true
}

func (s *LLMService) storeCache(key, text string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if len(s.cache) >= maxCacheEntries {
		// 淘汰最旧的条目
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, v := range s.cache {
			if first || v.timestamp.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.timestamp
				first = false
			}
		}
		delete(s.cache, oldestKey)
	}

	s.cache[key] = cachedResponse{text: text, timestamp: time.Now()}
}

// isEnglishText 判断文本主要语言是否为英文
func isEnglishText(text string) bool {
	if text == "" {
		return true
	}

	var letterCount, cjkCount, totalCount int
	for _, r := range text {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsDigit(r) {
			continue
		}
		totalCount++
		switch {
		case r < 128 && unicode.IsLetter(r):
			letterCount++
		case unicode.Is(unicode.Han, r), unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
			cjkCount++
		}
	}

	if totalCount == 0 {
		return true
	}
	if cjkCount > 0 {
		return false
	}
	return float64(letterCount)/float64(totalCount) > 0.5
}

// internal/services/pattern_service.go
package services

import (
	"fmt"
	"sync"

	"github.com/Corphon/DialogueDirectorMCP/internal/models"
	"github.com/Corphon/DialogueDirectorMCP/internal/storage"
)

// 策略 → 范例ID 的固定映射
var strategyPatternIDs = map[models.Strategy]string{
	models.StrategySpecificSlot:   "specific_slot",
	models.StrategyConflictWithin: "conflict_within",
	models.StrategyActionNext:     "action_next",
	models.StrategyPastReference:  "past_reference",
	models.StrategyWhy:            "why_probe",
	models.StrategyExpand:         "expand_view",
	models.StrategyChangeTopic:    "change_topic",
}

// 具名事件 → 范例ID
var eventPatternIDs = map[string]string{
	"success":        "event_success",
	"failure":        "event_failure",
	"sensor_anomaly": "event_sensor_anomaly",
}

// 传感器数值离散超过该值视为异常分布
const defaultSensorSpreadThreshold = 5.0

// PatternState 状态推导选择所需的运行时信息
type PatternState struct {
	SensorReadings     map[string]float64 `json:"sensor_readings,omitempty"`
	UpcomingDifficulty bool               `json:"upcoming_difficulty"`
}

// PatternQuery 一次范例选择的全部输入
type PatternQuery struct {
	Strategy         models.Strategy
	EventType        string
	TopicDepth       int
	LacksSpecificity bool
	State            *PatternState
}

// PatternService 把抽象的补救策略映射为具体的对话范例
// 范例库按会话模式分文件存放，加载一次后缓存，支持热重载
type PatternService struct {
	storage *storage.FileStorage

	mutex     sync.RWMutex
	libraries map[string]map[string]string // mode -> (id -> exemplar)

	spreadThreshold float64
}

// NewPatternService 创建范例选择服务
func NewPatternService(fs *storage.FileStorage) *PatternService {
	return &PatternService{
		storage:         fs,
		libraries:       make(map[string]map[string]string),
		spreadThreshold: defaultSensorSpreadThreshold,
	}
}

// loadLibrary 按模式加载范例库，失败时缓存空库并继续
// 缺失范例不是错误，调用方必须容忍空结果
func (s *PatternService) loadLibrary(mode string) map[string]string {
	s.mutex.RLock()
	if lib, exists := s.libraries[mode]; exists {
		s.mutex.RUnlock()
		return lib
	}
	s.mutex.RUnlock()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	// 双重检查
	if lib, exists := s.libraries[mode]; exists {
		return lib
	}

	lib := make(map[string]string)
	if s.storage != nil {
		if err := s.storage.LoadJSONFile("patterns", mode+".json", &lib); err != nil {
			fmt.Printf("⚠️ 范例库加载失败 (mode=%s): %v\n", mode, err)
			lib = make(map[string]string)
		}
	}

	s.libraries[mode] = lib
	return lib
}

// Reload 丢弃指定模式的缓存，下次选择时重新读文件
func (s *PatternService) Reload(mode string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.libraries, mode)
}

// ReloadAll 丢弃全部缓存
func (s *PatternService) ReloadAll() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.libraries = make(map[string]map[string]string)
}

// RegisterLibrary 直接注入范例库（测试和嵌入场景用）
func (s *PatternService) RegisterLibrary(mode string, lib map[string]string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.libraries[mode] = lib
}

// SelectPattern 按优先级选择一条范例，先命中者生效：
// 抽象化 → 策略 → 话题深度 → 具名事件 → 状态推导
// 选中的ID在库中不存在时返回空串
func (s *PatternService) SelectPattern(mode string, query PatternQuery) string {
	lib := s.loadLibrary(mode)

	id := s.resolvePatternID(query)
	if id == "" {
		return ""
	}
	return lib[id]
}

// resolvePatternID 根据查询条件决定范例ID
func (s *PatternService) resolvePatternID(query PatternQuery) string {
	if query.LacksSpecificity {
		return strategyPatternIDs[models.StrategySpecificSlot]
	}

	if query.Strategy != "" && query.Strategy != models.StrategyNoop {
		return strategyPatternIDs[query.Strategy]
	}

	if query.TopicDepth >= 1 && query.TopicDepth <= 3 {
		return fmt.Sprintf("depth_%d", query.TopicDepth)
	}

	if query.EventType != "" {
		return eventPatternIDs[query.EventType]
	}

	// 状态推导是最后手段
	if query.State != nil {
		if query.State.UpcomingDifficulty {
			return "upcoming_difficulty"
		}
		if sensorSpread(query.State.SensorReadings) > s.spreadThreshold {
			return "sensor_spread"
		}
	}

	return ""
}

// sensorSpread 传感器读数的最大最小差
func sensorSpread(readings map[string]float64) float64 {
	if len(readings) < 2 {
		return 0
	}
	first := true
	var min, max float64
	for _, v := range readings {
		if first {
			min, max = v, v
			first = false
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return max - min
}

// cmd/demo/main.go
// 离线演示：用脚本化的生成器跑一次完整运行，
// 展示话题循环检测和导演介入的全过程，无需API密钥
package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/Corphon/DialogueDirectorMCP/internal/analyzer"
	"github.com/Corphon/DialogueDirectorMCP/internal/models"
	"github.com/Corphon/DialogueDirectorMCP/internal/services"
)

// scriptedGenerator 按脚本输出发言。收到导演指示时切换到修正发言，
// 模拟真实LLM对介入提示的反应
type scriptedGenerator struct {
	stuckLine      string
	correctedLines []string
	corrected      int
}

func (g *scriptedGenerator) GenerateText(_ context.Context, _ string, promptContext string, _ []models.DialogueTurn) (string, error) {
	if strings.Contains(promptContext, "指示:") && g.corrected < len(g.correctedLines) {
		line := g.correctedLines[g.corrected]
		g.corrected++
		return line, nil
	}
	return g.stuckLine, nil
}

func main() {
	log.Println("🚀 DialogueDirectorMCP デモを開始します")

	textAnalyzer := analyzer.NewRegexAnalyzer()
	noveltyService := services.NewNoveltyService(services.DefaultNoveltyConfig(), textAnalyzer)
	patternService := services.NewPatternService(nil)
	patternService.RegisterLibrary("standard", map[string]string{
		"specific_slot": "数値や固有名詞を一つ入れて、もっと具体的に話してください。",
		"change_topic":  "今の話題から離れて、別の話を始めてください。",
	})
	directorService := services.NewDirectorService(noveltyService, patternService, "standard")
	contextService := services.NewContextService()

	generator := &scriptedGenerator{
		stuckLine: "センサー確認中、異常なし。",
		correctedLines: []string{
			"計器Bの読みが3.2から7.8に跳ねた。さっきの点検のときは正常だったのに。",
			"それなら第二区画のバルブを先に閉めよう。5分で終わるはずだ。",
			"昨日の夜勤でも同じ揺れがあった。記録を照合してみる価値はある。",
			"原因が配線なら、予備系統に切り替えれば今夜は持つだろう。",
		},
	}

	dialogueService := services.NewDialogueService(directorService, contextService, nil, nil, generator)

	result, err := dialogueService.Run(context.Background(), services.RunParams{
		PersonaA: "ベテランの機関士。無口だが観察が鋭い。",
		PersonaB: "新人の整備員。理屈っぽいが腕は確か。",
		MaxTurns: 8,
		MaxRetry: 1,
		Bundle: models.InputBundle{
			SceneTitle:       "機関室の夜勤",
			SceneDescription: "深夜の機関室。計器盤の前で二人が当直に就いている。",
			Keywords:         []string{"センサー", "点検", "夜勤"},
			SensorReadings:   map[string]float64{"温度": 42.5, "振動": 7.8},
		},
	})
	if err != nil {
		log.Printf("⚠️ 実行がエラーで終了しました: %v", err)
	}

	fmt.Println()
	fmt.Printf("=== 運行 %s (%s) ===\n", result.RunID, result.Status)
	for _, turn := range result.Dialogue {
		fmt.Printf("[%d] %s: %s\n", turn.TurnNumber, turn.Speaker, turn.Text)
		if turn.Evaluation != nil && turn.Evaluation.Action == models.ActionIntervene {
			fmt.Printf("      🔧 介入: %s\n", turn.Evaluation.Reason)
		}
	}
}

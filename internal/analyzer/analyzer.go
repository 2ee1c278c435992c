// internal/analyzer/analyzer.go
package analyzer

import (
	"regexp"
	"strings"
	"unicode"
)

// SpecificityScore 具体性标记的逐项判定结果
type SpecificityScore struct {
	HasNumber        bool `json:"has_number"`
	HasUnit          bool `json:"has_unit"`
	HasExample       bool `json:"has_example"`
	HasPastReference bool `json:"has_past_reference"`
	HasLocation      bool `json:"has_location"`
}

// Any 任意一项命中即视为具体发言
func (s SpecificityScore) Any() bool {
	return s.HasNumber || s.HasUnit || s.HasExample || s.HasPastReference || s.HasLocation
}

// Analyzer 轻量文本启发式分析接口
// 名词抽取和具体性判定都是规则式的，便于按语言替换实现
type Analyzer interface {
	// ExtractNouns 从文本中抽取类名词的词元集合
	ExtractNouns(text string) map[string]bool

	// ScoreSpecificity 判定文本是否包含具体信息标记
	ScoreSpecificity(text string) SpecificityScore
}

// 通用名词和代词，不作为话题判定依据
var defaultStopWords = map[string]bool{
	// 日文
	"こと": true, "もの": true, "それ": true, "これ": true, "あれ": true,
	"ここ": true, "そこ": true, "どこ": true, "ところ": true, "感じ": true,
	"自分": true, "今日": true, "本当": true, "全部": true, "みんな": true,
	"あなた": true, "わたし": true, "私達": true, "場合": true, "よう": true,
	// 中文
	"这个": true, "那个": true, "什么": true, "我们": true, "你们": true,
	"他们": true, "时候": true, "东西": true, "事情": true, "地方": true,
	// 英文
	"the": true, "and": true, "that": true, "this": true, "with": true,
	"have": true, "will": true, "thing": true, "things": true, "something": true,
	"about": true, "there": true, "here": true, "what": true, "just": true,
	"really": true, "very": true, "yeah": true, "okay": true,
}

var (
	numberPattern = regexp.MustCompile(`[0-9０-９]+([.．][0-9０-９]+)?`)
	unitPattern   = regexp.MustCompile(`(％|%|℃|m/s|km/h|mm|cm|km|kg|kWh|Hz|dB|メートル|キロ|グラム|リットル|パーセント|度|秒間?|分間)`)

	examplePhrases = []string{
		"例えば", "たとえば", "具体的に", "例として", "実例",
		"for example", "for instance", "e.g.", "such as",
		"比如", "例如", "譬如",
	}
	pastPhrases = []string{
		"さっき", "先ほど", "以前", "昨日", "この前", "前回", "あの時", "あのとき", "去年", "先週",
		"earlier", "before", "last time", "yesterday", "previously", "last week",
		"刚才", "之前", "上次", "当时",
	}
	locationPhrases = []string{
		"ここ", "そこ", "あそこ", "右側", "左側", "右手", "左手", "前方", "後方", "上空",
		"地点", "付近", "場所", "手前", "奥",
		"over there", "on the left", "on the right", "ahead", "behind", "nearby",
		"这里", "那里", "附近", "前面", "后面",
	}
)

// RegexAnalyzer 默认的规则式分析器实现
// 按文字种类（漢字/片假名/拉丁）的连续区间切分词元
type RegexAnalyzer struct {
	stopWords map[string]bool
}

// NewRegexAnalyzer 创建默认分析器
func NewRegexAnalyzer() *RegexAnalyzer {
	return &RegexAnalyzer{stopWords: defaultStopWords}
}

// NewRegexAnalyzerWithStopWords 使用自定义停用词创建分析器
func NewRegexAnalyzerWithStopWords(stopWords []string) *RegexAnalyzer {
	merged := make(map[string]bool, len(defaultStopWords)+len(stopWords))
	for w := range defaultStopWords {
		merged[w] = true
	}
	for _, w := range stopWords {
		merged[strings.ToLower(w)] = true
	}
	return &RegexAnalyzer{stopWords: merged}
}

// 文字种类分类
type scriptClass int

const (
	scriptOther scriptClass = iota
	scriptHan
	scriptKatakana
	scriptHiragana
	scriptLatin
)

func classify(r rune) scriptClass {
	switch {
	case unicode.In(r, unicode.Han):
		return scriptHan
	case unicode.In(r, unicode.Katakana) || r == 'ー':
		return scriptKatakana
	case unicode.In(r, unicode.Hiragana):
		return scriptHiragana
	case unicode.IsLetter(r) && r < 0x3000:
		return scriptLatin
	default:
		return scriptOther
	}
}

// ExtractNouns 抽取类名词词元：长度≥2的同种文字连续区间，去除停用词
// 平假名区间多为助词和活用语尾，不计入
func (a *RegexAnalyzer) ExtractNouns(text string) map[string]bool {
	nouns := make(map[string]bool)

	var run []rune
	var runClass scriptClass

	flush := func() {
		if len(run) < 2 {
			run = run[:0]
			return
		}
		token := string(run)
		if runClass == scriptLatin {
			token = strings.ToLower(token)
		}
		if !a.stopWords[token] {
			nouns[token] = true
		}
		run = run[:0]
	}

	for _, r := range text {
		class := classify(r)
		if class == scriptOther || class == scriptHiragana {
			flush()
			continue
		}
		if len(run) > 0 && class != runClass {
			flush()
		}
		runClass = class
		run = append(run, r)
	}
	flush()

	return nouns
}

// ScoreSpecificity 判定具体性标记：数値・単位・実例・過去参照・位置
func (a *RegexAnalyzer) ScoreSpecificity(text string) SpecificityScore {
	lower := strings.ToLower(text)

	score := SpecificityScore{
		HasNumber: numberPattern.MatchString(text),
		HasUnit:   unitPattern.MatchString(text),
	}
	score.HasExample = containsAny(lower, examplePhrases)
	score.HasPastReference = containsAny(lower, pastPhrases)
	score.HasLocation = containsAny(lower, locationPhrases)

	return score
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// NormalizeText 折叠连续空白，统一换行
// 循环判定在空白差异下必须保持确定性
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

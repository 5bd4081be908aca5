package router

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// AnalyzerConfig tunes request classification.
type AnalyzerConfig struct {
	// LargeContextTokens is the estimated input size above which a request
	// requires a large context window.
	LargeContextTokens int `yaml:"large_context_tokens"`
	// LongRequestChars is the length of the latest user message at which an
	// otherwise unclassified request counts as complex.
	LongRequestChars int `yaml:"long_request_chars"`
	// ToolHeavyCount is the number of offered tools that makes a request
	// tool_heavy even without explicit cues.
	ToolHeavyCount int `yaml:"tool_heavy_count"`
}

func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		LargeContextTokens: 8000,
		LongRequestChars:   1500,
		ToolHeavyCount:     3,
	}
}

var baseComplexity = map[RequestType]float64{
	TypeSimple:    1,
	TypeCreative:  3,
	TypeComplex:   5,
	TypeToolHeavy: 6,
	TypeReasoning: 8,
}

var (
	reasoningCues = regexp.MustCompile(`(?i)\b(prove|proof|derive|deduce|theorem|step[- ]by[- ]step|reason(ing)? (through|about)|think (carefully|through)|explain why|why does|logically|calculate|solve for)\b`)
	approachCues  = regexp.MustCompile(`(?i)\b(multiple|several|different|various|alternative)\s+(approaches|ways|methods|strategies|solutions)\b|\bpros and cons\b`)
	complexCues   = regexp.MustCompile(`(?i)\b(design|architect(ure)?|implement|refactor|analy[sz]e|comprehensive|in[- ]depth|detailed|multi[- ]step|migrate|optimi[sz]e|plan out)\b`)
	creativeCues  = regexp.MustCompile(`(?i)\b(write a (story|poem|song)|story|poem|lyrics|haiku|fiction|imagine|brainstorm|slogan|creative)\b`)
	toolCues      = regexp.MustCompile(`(?i)\b(search (for|the)|look up|fetch|browse|scrape|call the \w+ (tool|api)|use (the|your) tools?|then (search|fetch|look up))\b`)
)

// Analyzer derives a RequestProfile from message content. It is stateless
// and safe for concurrent use.
type Analyzer struct {
	cfg AnalyzerConfig
}

func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	def := DefaultAnalyzerConfig()
	if cfg.LargeContextTokens <= 0 {
		cfg.LargeContextTokens = def.LargeContextTokens
	}
	if cfg.LongRequestChars <= 0 {
		cfg.LongRequestChars = def.LongRequestChars
	}
	if cfg.ToolHeavyCount <= 0 {
		cfg.ToolHeavyCount = def.ToolHeavyCount
	}
	return &Analyzer{cfg: cfg}
}

// Analyze classifies the latest user message and sizes the whole request.
func (a *Analyzer) Analyze(messages []Message, tools []Tool) RequestProfile {
	chars := 0
	for _, m := range messages {
		chars += utf8.RuneCountInString(m.Content)
	}
	messageTokens := chars / 4
	toolTokens := 0
	for _, t := range tools {
		toolTokens += (utf8.RuneCountInString(t.Function.Name) + utf8.RuneCountInString(t.Function.Description) +
			utf8.RuneCount(t.Function.Parameters)) / 4
	}

	p := RequestProfile{
		EstimatedInputTokens: messageTokens + toolTokens,
		RequiresLargeContext: messageTokens > a.cfg.LargeContextTokens,
		ConversationDepth:    ConversationDepth(messages),
		HasTools:             len(tools) > 0,
		ToolCount:            len(tools),
	}
	p.Type = a.classify(latestUserText(messages), len(tools))

	score := baseComplexity[p.Type] + math.Min(float64(p.ConversationDepth)*0.5, 2)
	if p.RequiresLargeContext {
		score += 2
	}
	p.ComplexityScore = math.Min(score, 10)
	return p
}

func (a *Analyzer) classify(text string, toolCount int) RequestType {
	switch {
	case reasoningCues.MatchString(text):
		if approachCues.MatchString(text) {
			return TypeComplex
		}
		return TypeReasoning
	case complexCues.MatchString(text), approachCues.MatchString(text):
		return TypeComplex
	case creativeCues.MatchString(text):
		return TypeCreative
	case toolCount > 0 && (toolCues.MatchString(text) || toolCount >= a.cfg.ToolHeavyCount):
		return TypeToolHeavy
	case utf8.RuneCountInString(text) >= a.cfg.LongRequestChars:
		return TypeComplex
	}
	return TypeSimple
}

// ConversationDepth counts user/assistant role switches, halved and rounded
// up. Runs of the same role and any other role are skipped.
func ConversationDepth(messages []Message) int {
	switches := 0
	last := ""
	for _, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if last != "" && m.Role != last {
			switches++
		}
		last = m.Role
	}
	return (switches + 1) / 2
}

func latestUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

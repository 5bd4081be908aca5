package router

import (
	"strconv"
	"strings"
)

const directivePrefix = "@@llmproxy"

// maxDirectiveScan bounds how much of each message is searched.
const maxDirectiveScan = 2048

// Directives are in-band overrides a caller can embed in a user message:
//
//	@@llmproxy mode=cheap max_tokens=512
//
// Unknown keys and malformed values are ignored.
type Directives struct {
	Mode      OptimizationMode
	MaxTokens int
}

func (d Directives) IsZero() bool { return d.Mode == "" && d.MaxTokens == 0 }

// ExtractDirectives returns the first directive line found in a user message
// and a copy of messages with every directive line removed.
func ExtractDirectives(messages []Message) (Directives, []Message) {
	var (
		d     Directives
		found bool
	)
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if m.Role != "user" || !strings.Contains(m.Content, directivePrefix) {
			continue
		}
		lines := strings.Split(m.Content, "\n")
		kept := lines[:0]
		scanned := 0
		for _, line := range lines {
			scanned += len(line) + 1
			trimmed := strings.TrimSpace(line)
			if scanned <= maxDirectiveScan && strings.HasPrefix(trimmed, directivePrefix) {
				if !found {
					d = parseDirectiveLine(strings.TrimPrefix(trimmed, directivePrefix))
					found = true
				}
				continue
			}
			kept = append(kept, line)
		}
		out[i].Content = strings.TrimSpace(strings.Join(kept, "\n"))
	}
	return d, out
}

func parseDirectiveLine(rest string) Directives {
	var d Directives
	for _, tok := range strings.Fields(rest) {
		key, val, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		switch key {
		case "mode":
			if m, ok := ParseMode(val); ok && val != "" {
				d.Mode = m
			}
		case "max_tokens":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				d.MaxTokens = n
			}
		}
	}
	return d
}

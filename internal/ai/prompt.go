package ai

import "strings"

// Var is one named input to a prompt. Order is preserved in the rendered message.
type Var struct {
	Key   string
	Value string
}

// FormatUserMessage wraps each non-empty variable in <key> tags and joins
// them with blank lines.
func FormatUserMessage(vars []Var) string {
	parts := make([]string, 0, len(vars))
	for _, v := range vars {
		if v.Value == "" {
			continue
		}
		parts = append(parts, "<"+v.Key+">\n"+v.Value+"\n</"+v.Key+">")
	}
	return strings.Join(parts, "\n\n")
}

package domain

import "strings"

// Passage is one retrieved slice of the rulebook.
type Passage struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// ContextBlock joins passages in rank order with blank-line separators.
func ContextBlock(passages []Passage) string {
	parts := make([]string, len(passages))
	for i, p := range passages {
		parts[i] = p.Text
	}
	return strings.Join(parts, "\n\n")
}

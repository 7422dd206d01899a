package retrieval

import (
	"strings"
	"unicode"
)

// Splitter cuts text into overlapping chunks of at most Size runes, breaking
// at whitespace where possible.
type Splitter struct {
	Size    int
	Overlap int
}

// Split returns the chunks of text in order. Each step advances by at least
// one rune, so any Size/Overlap pair terminates.
func (s Splitter) Split(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 || s.Size <= 0 {
		return nil
	}
	overlap := s.Overlap
	if overlap < 0 || overlap >= s.Size {
		overlap = 0
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := min(start+s.Size, len(runes))

		// Try to break at word boundary
		if end < len(runes) && !unicode.IsSpace(runes[end]) {
			if cut := lastSpace(runes[start:end]); cut > 0 {
				end = start + cut
			}
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		for next < end && !unicode.IsSpace(runes[next-1]) {
			next++
		}
		start = next
	}
	return chunks
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

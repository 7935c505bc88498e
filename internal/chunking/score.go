package chunking

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	urlRe        = regexp.MustCompile(`https?://\S+|www\.\S+`)
	codeFenceRe  = regexp.MustCompile("```|`[^`\n]+`")
	listItemLine = regexp.MustCompile(`(?m)^([-*•]|\d+[.)])\s+`)
)

// ScoreImportance produces a heuristic importance score in [0,1] for a chunk:
// longer chunks, headings, questions, lists, code, and URLs all raise it.
func ScoreImportance(text string, chunkSize int) float64 {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	score := 0.0

	length := float64(utf8.RuneCountInString(text)) / float64(chunkSize)
	if length > 1 {
		length = 1
	}
	score += 0.2 * length

	firstLine := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		firstLine = text[:i]
	}
	if isHeadingLine(firstLine) {
		score += 0.3
	}

	questions := strings.Count(text, "?")
	qBonus := 0.05 * float64(questions)
	if qBonus > 0.2 {
		qBonus = 0.2
	}
	score += qBonus

	if listItemLine.MatchString(text) {
		score += 0.1
	}
	if codeFenceRe.MatchString(text) {
		score += 0.1
	}
	if urlRe.MatchString(text) {
		score += 0.1
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

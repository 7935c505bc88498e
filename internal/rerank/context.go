package rerank

import (
	"fmt"
	"strings"
)

// charsPerToken approximates the character-to-token ratio used to honor the
// context token budget.
const charsPerToken = 4

// Source maps a context label back to the chunk behind it, for citation in
// the generated answer.
type Source struct {
	Label      int                    `json:"label"`
	ChunkID    string                 `json:"chunk_id"`
	DocumentID string                 `json:"document_id"`
	Score      float64                `json:"score"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// BuildContext concatenates chunk texts in reranked order, labeling each
// block [1], [2], ... until the token budget would be exceeded. When any
// candidate exists at least one source is included, even if it alone is near
// the budget.
func BuildContext(results []Result, maxTokens int) (string, []Source) {
	if len(results) == 0 {
		return "", nil
	}
	if maxTokens <= 0 {
		maxTokens = 3000
	}
	budget := maxTokens * charsPerToken

	var blocks []string
	var sources []Source
	used := 0
	for _, res := range results {
		label := len(sources) + 1
		block := formatBlock(label, res)
		if len(sources) > 0 && used+len(block) > budget {
			break
		}
		blocks = append(blocks, block)
		sources = append(sources, Source{
			Label:      label,
			ChunkID:    res.ChunkID,
			DocumentID: res.DocumentID,
			Score:      res.RerankedScore,
			Metadata:   res.Metadata,
		})
		used += len(block) + 2
	}
	return strings.Join(blocks, "\n\n"), sources
}

// formatBlock renders one labeled context block, carrying section and page
// metadata forward when the chunk has it.
func formatBlock(label int, res Result) string {
	header := fmt.Sprintf("[%d]", label)
	var notes []string
	if sec, ok := res.Metadata["section"].(string); ok && sec != "" {
		notes = append(notes, "section: "+sec)
	}
	if page, ok := res.Metadata["page"]; ok {
		notes = append(notes, fmt.Sprintf("page: %v", page))
	}
	if len(notes) > 0 {
		header += " (" + strings.Join(notes, ", ") + ")"
	}
	return header + " " + strings.TrimSpace(res.Text)
}

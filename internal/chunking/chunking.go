package chunking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Strategy selects how raw text is segmented into chunks.
type Strategy string

const (
	StrategyFixedSize Strategy = "fixed_size"
	StrategySentence  Strategy = "sentence_based"
	StrategySemantic  Strategy = "semantic"
	StrategyParagraph Strategy = "paragraph_based"
	StrategySection   Strategy = "section_based"
	StrategyHybrid    Strategy = "hybrid"
)

// BlockType classifies a span of extracted document text.
type BlockType string

const (
	BlockTitle     BlockType = "title"
	BlockSubtitle  BlockType = "subtitle"
	BlockParagraph BlockType = "paragraph"
	BlockList      BlockType = "list"
	BlockQuestion  BlockType = "question"
	BlockCode      BlockType = "code"
	BlockTable     BlockType = "table"
)

// TextBlock is a structurally classified span produced by file extraction.
// Blocks are consumed once by the chunking engine and never persisted.
type TextBlock struct {
	Content         string                 `json:"content"`
	Type            BlockType              `json:"block_type"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ImportanceScore float64                `json:"importance_score"`
}

// Chunk is a retrievable unit of text. Immutable once written; reprocessing a
// document supersedes its chunks rather than mutating them.
type Chunk struct {
	ID              string                 `json:"chunk_id"`
	DocumentID      string                 `json:"document_id"`
	WorkspaceID     string                 `json:"workspace_id"`
	Text            string                 `json:"text"`
	Index           int                    `json:"chunk_index"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ImportanceScore float64                `json:"importance_score"`
	WordCount       int                    `json:"word_count"`
	CharCount       int                    `json:"char_count"`
	ContentHash     string                 `json:"content_hash"`
}

// Options carries the per-call chunking parameters.
type Options struct {
	Strategy     Strategy
	ChunkSize    int
	ChunkOverlap int
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategySemantic
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.ChunkOverlap < 0 {
		o.ChunkOverlap = 0
	}
	if o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = o.ChunkSize / 5
	}
	return o
}

// ConfigurationError reports an unrecognised option value. It is raised
// before any work begins.
type ConfigurationError struct {
	Option string
	Value  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("unknown %s: %q", e.Option, e.Value)
}

// ProcessingError wraps a failure inside a strategy handler. Callers never
// receive a partial chunk list alongside one.
type ProcessingError struct {
	Strategy Strategy
	Err      error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("chunking with strategy %s failed: %v", e.Strategy, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

type handlerFunc func(text string, opts Options) ([]string, []map[string]interface{}, error)

// Engine turns raw text into ordered, scored chunks. Strategy handlers are a
// closed dispatch table built at construction.
type Engine struct {
	handlers map[Strategy]handlerFunc
	logger   *log.Logger
}

// NewEngine builds the chunking engine with all strategies registered.
func NewEngine(logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[CHUNK] ", log.LstdFlags)
	}
	e := &Engine{logger: logger}
	e.handlers = map[Strategy]handlerFunc{
		StrategyFixedSize: e.chunkFixedSize,
		StrategySentence:  e.chunkSentences,
		StrategySemantic:  e.chunkSemantic,
		StrategyParagraph: e.chunkParagraphs,
		StrategySection:   e.chunkSections,
		StrategyHybrid:    e.chunkHybrid,
	}
	return e
}

// Chunk splits text according to the selected strategy. Empty or
// whitespace-only input yields an empty list, not an error.
func (e *Engine) Chunk(text string, opts Options) (chunks []Chunk, err error) {
	opts = opts.withDefaults()
	handler, ok := e.handlers[opts.Strategy]
	if !ok {
		return nil, &ConfigurationError{Option: "chunking_strategy", Value: string(opts.Strategy)}
	}

	defer func() {
		if r := recover(); r != nil {
			chunks = nil
			err = &ProcessingError{Strategy: opts.Strategy, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	text = NormalizeText(text)
	if text == "" {
		return []Chunk{}, nil
	}

	texts, metas, err := handler(text, opts)
	if err != nil {
		return nil, &ProcessingError{Strategy: opts.Strategy, Err: err}
	}

	chunks = make([]Chunk, 0, len(texts))
	for i, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		var meta map[string]interface{}
		if i < len(metas) {
			meta = metas[i]
		}
		chunks = append(chunks, e.buildChunk(t, len(chunks), meta, opts))
	}
	return chunks, nil
}

// ChunkBlocks joins classified extraction blocks into a single text and chunks
// it. Block structure feeds the importance score: a chunk that begins with a
// title block keeps the structural bonus even when the heading heuristics
// would miss it.
func (e *Engine) ChunkBlocks(blocks []TextBlock, opts Options) ([]Chunk, error) {
	var b strings.Builder
	for _, block := range blocks {
		content := strings.TrimSpace(block.Content)
		if content == "" {
			continue
		}
		if block.Type == BlockTitle || block.Type == BlockSubtitle {
			// Keep headings on their own line so section detection sees them.
			b.WriteString("\n\n")
			b.WriteString(content)
			b.WriteString("\n\n")
		} else {
			b.WriteString(content)
			b.WriteString("\n\n")
		}
	}
	return e.Chunk(b.String(), opts)
}

func (e *Engine) buildChunk(text string, index int, meta map[string]interface{}, opts Options) Chunk {
	sum := sha256.Sum256([]byte(text))
	return Chunk{
		ID:              uuid.NewString(),
		Text:            text,
		Index:           index,
		Metadata:        meta,
		ImportanceScore: ScoreImportance(text, opts.ChunkSize),
		WordCount:       len(strings.Fields(text)),
		CharCount:       utf8.RuneCountInString(text),
		ContentHash:     hex.EncodeToString(sum[:]),
	}
}

var (
	crlfRe       = regexp.MustCompile(`\r\n?`)
	hspaceRe     = regexp.MustCompile(`[ \t]+`)
	trailingRe   = regexp.MustCompile(`[ \t]+\n`)
	manyBlanksRe = regexp.MustCompile(`\n{3,}`)
)

// NormalizeText normalizes line endings, collapses runs of horizontal
// whitespace, and squeezes three or more consecutive newlines down to two.
func NormalizeText(text string) string {
	text = crlfRe.ReplaceAllString(text, "\n")
	text = hspaceRe.ReplaceAllString(text, " ")
	text = trailingRe.ReplaceAllString(text, "\n")
	text = manyBlanksRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

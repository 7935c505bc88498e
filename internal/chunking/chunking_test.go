package chunking

import (
	"errors"
	"strings"
	"testing"
)

func newTestEngine() *Engine { return NewEngine(nil) }

func allStrategies() []Strategy {
	return []Strategy{
		StrategyFixedSize, StrategySentence, StrategySemantic,
		StrategyParagraph, StrategySection, StrategyHybrid,
	}
}

func TestNormalizeText(t *testing.T) {
	in := "first line\r\nsecond\tline\n\n\n\n\nthird   line  \n"
	got := NormalizeText(in)
	want := "first line\nsecond line\n\nthird line"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestEmptyInputYieldsEmptyList(t *testing.T) {
	e := newTestEngine()
	for _, s := range allStrategies() {
		chunks, err := e.Chunk("   \n\t  ", Options{Strategy: s, ChunkSize: 100})
		if err != nil {
			t.Fatalf("strategy %s: unexpected error: %v", s, err)
		}
		if len(chunks) != 0 {
			t.Fatalf("strategy %s: expected no chunks, got %d", s, len(chunks))
		}
	}
}

func TestUnknownStrategyIsConfigurationError(t *testing.T) {
	e := newTestEngine()
	_, err := e.Chunk("some text", Options{Strategy: "quantum", ChunkSize: 100})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestChunkIndexContiguity(t *testing.T) {
	e := newTestEngine()
	text := strings.Repeat("One sentence here. Another follows now. ", 40)
	for _, s := range allStrategies() {
		chunks, err := e.Chunk(text, Options{Strategy: s, ChunkSize: 120, ChunkOverlap: 30})
		if err != nil {
			t.Fatalf("strategy %s: %v", s, err)
		}
		if len(chunks) == 0 {
			t.Fatalf("strategy %s: expected chunks for non-empty input", s)
		}
		for i, c := range chunks {
			if c.Index != i {
				t.Fatalf("strategy %s: expected index %d, got %d", s, i, c.Index)
			}
		}
	}
}

func TestChunkCoverage(t *testing.T) {
	e := newTestEngine()
	text := "# Returns\nOur refund policy allows returns within thirty days. " +
		"Contact support with your order number. Refunds post within five business days.\n\n" +
		"# Shipping\nOrders ship within two days. Expedited shipping is available."
	for _, s := range allStrategies() {
		chunks, err := e.Chunk(text, Options{Strategy: s, ChunkSize: 80, ChunkOverlap: 20})
		if err != nil {
			t.Fatalf("strategy %s: %v", s, err)
		}
		var joined strings.Builder
		for _, c := range chunks {
			joined.WriteString(c.Text)
			joined.WriteString(" ")
		}
		for _, word := range strings.Fields(NormalizeText(text)) {
			if !strings.Contains(joined.String(), word) {
				t.Fatalf("strategy %s: word %q missing from chunk output", s, word)
			}
		}
	}
}

func TestFixedSizeZeroOverlapCoversEveryWord(t *testing.T) {
	e := newTestEngine()
	text := "aaaa bbbb cccc dddd eeee ffff gggg hhhh iiii jjjj"
	chunks, err := e.Chunk(text, Options{Strategy: StrategyFixedSize, ChunkSize: 12, ChunkOverlap: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	var joined strings.Builder
	for _, c := range chunks {
		joined.WriteString(c.Text)
		joined.WriteString(" ")
	}
	// With the window backing off to a whitespace boundary, the text between
	// the boundary and the nominal window end must still reach a chunk.
	for _, word := range strings.Fields(text) {
		if !strings.Contains(joined.String(), word) {
			t.Fatalf("word %q missing from chunk output", word)
		}
	}
}

func TestParagraphScenario(t *testing.T) {
	// Three paragraphs of roughly 40, 60 and 500 characters with a 100-char
	// budget: each becomes its own chunk, and the oversized paragraph is not
	// split further by the paragraph strategy.
	p1 := strings.TrimSpace(strings.Repeat("alpha ", 7))  // ~41 chars
	p2 := strings.TrimSpace(strings.Repeat("bravo ", 10)) // ~59 chars
	p3 := strings.TrimSpace(strings.Repeat("delta ", 84)) // ~503 chars
	text := p1 + "\n\n" + p2 + "\n\n" + p3

	e := newTestEngine()
	chunks, err := e.Chunk(text, Options{Strategy: StrategyParagraph, ChunkSize: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("expected index %d, got %d", i, c.Index)
		}
	}
	if chunks[2].Text != p3 {
		t.Fatalf("expected oversized paragraph kept whole")
	}
}

func TestOversizedSentenceEmittedWhole(t *testing.T) {
	e := newTestEngine()
	long := strings.TrimSpace(strings.Repeat("word ", 60)) + "."
	chunks, err := e.Chunk(long, Options{Strategy: StrategySentence, ChunkSize: 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected a single oversized chunk, got %d", len(chunks))
	}
	if chunks[0].Text != long {
		t.Fatalf("expected sentence kept whole")
	}
}

func TestSentenceOverlapCarriesForward(t *testing.T) {
	e := newTestEngine()
	text := "First sentence goes here. Second sentence goes here. Third sentence goes here. Fourth sentence goes here."
	chunks, err := e.Chunk(text, Options{Strategy: StrategySentence, ChunkSize: 60, ChunkOverlap: 30})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	// Each later chunk must begin with the tail of its predecessor.
	for i := 1; i < len(chunks); i++ {
		first := strings.SplitN(chunks[i].Text, ".", 2)[0]
		if !strings.Contains(chunks[i-1].Text, first) {
			t.Fatalf("chunk %d does not overlap its predecessor: %q", i, chunks[i].Text)
		}
	}
}

func TestSemanticKeepsIntroWithList(t *testing.T) {
	e := newTestEngine()
	text := "Some filler sentence here. The steps are:\n- do the first thing\n- do the second thing"
	chunks, err := e.Chunk(text, Options{Strategy: StrategySemantic, ChunkSize: 45})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range chunks {
		if strings.Contains(c.Text, "The steps are:") {
			if !strings.Contains(c.Text, "first thing") {
				t.Fatalf("introducing sentence split away from its list: %q", c.Text)
			}
			return
		}
	}
	t.Fatalf("introducing sentence missing from output")
}

func TestSectionChunkingInheritsTitle(t *testing.T) {
	e := newTestEngine()
	body := strings.TrimSpace(strings.Repeat("Detail sentence about billing. ", 10))
	text := "# Billing\n" + body + "\n\n# Contact\nEmail support."
	chunks, err := e.Chunk(text, Options{Strategy: StrategySection, ChunkSize: 80})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var billing int
	for _, c := range chunks {
		if sec, ok := c.Metadata["section"].(string); ok && sec == "Billing" {
			billing++
		}
	}
	if billing < 2 {
		t.Fatalf("expected oversized section recursively chunked with inherited title, got %d chunks", billing)
	}
}

func TestHybridFallsBackWithoutSections(t *testing.T) {
	e := newTestEngine()
	text := "Just plain prose without any headings. It keeps going for a while. And a little more."
	got, err := e.Chunk(text, Options{Strategy: StrategyHybrid, ChunkSize: 60})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, err := e.Chunk(text, Options{Strategy: StrategySemantic, ChunkSize: 60})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected hybrid to match semantic on unstructured text: %d vs %d", len(got), len(want))
	}
	for i := range got {
		if got[i].Text != want[i].Text {
			t.Fatalf("chunk %d differs between hybrid and semantic", i)
		}
	}
}

func TestContentHashIsPureFunctionOfText(t *testing.T) {
	e := newTestEngine()
	a, err := e.Chunk("Identical text for hashing.", Options{Strategy: StrategySentence, ChunkSize: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := e.Chunk("Identical text for hashing.", Options{Strategy: StrategyFixedSize, ChunkSize: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected single chunks")
	}
	if a[0].ContentHash != b[0].ContentHash {
		t.Fatalf("same text must hash identically across strategies")
	}
	if a[0].ContentHash == "" {
		t.Fatalf("expected non-empty content hash")
	}
}

func TestImportanceScoreBounds(t *testing.T) {
	samples := []string{
		"plain text",
		"# Big Header\nWith content below it",
		"Is this a question? Are these questions? Why so many? What now? Who knows? Really?",
		"- item one\n- item two\nhttps://example.com `code` ```fence```",
		strings.Repeat("long ", 400),
	}
	for _, s := range samples {
		score := ScoreImportance(s, 1000)
		if score < 0 || score > 1 {
			t.Fatalf("score out of bounds for %q: %f", s, score)
		}
	}
	if ScoreImportance("# Header\ncontent", 1000) <= ScoreImportance("content", 1000) {
		t.Fatalf("expected structural bonus for headers")
	}
}

func TestWordAndCharCounts(t *testing.T) {
	e := newTestEngine()
	chunks, err := e.Chunk("five words are in here.", Options{Strategy: StrategySentence, ChunkSize: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk, got %d", len(chunks))
	}
	if chunks[0].WordCount != 5 {
		t.Fatalf("expected 5 words, got %d", chunks[0].WordCount)
	}
	if chunks[0].CharCount != len("five words are in here.") {
		t.Fatalf("expected %d chars, got %d", len("five words are in here."), chunks[0].CharCount)
	}
}

func TestChunkBlocksKeepsHeadingStructure(t *testing.T) {
	e := newTestEngine()
	blocks := []TextBlock{
		{Content: "REFUND POLICY", Type: BlockTitle},
		{Content: "Returns are accepted within thirty days of purchase.", Type: BlockParagraph},
		{Content: "How do I start a return?", Type: BlockQuestion},
	}
	chunks, err := e.ChunkBlocks(blocks, Options{Strategy: StrategyHybrid, ChunkSize: 200})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected chunks from blocks")
	}
	var joined strings.Builder
	for _, c := range chunks {
		joined.WriteString(c.Text)
		joined.WriteString(" ")
	}
	for _, want := range []string{"REFUND POLICY", "thirty days", "start a return?"} {
		if !strings.Contains(joined.String(), want) {
			t.Fatalf("expected %q in chunk output", want)
		}
	}
}

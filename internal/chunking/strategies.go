package chunking

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// chunkFixedSize slides a fixed window over the text, backing off to the
// nearest preceding whitespace so words stay intact, unless that boundary
// falls in the first half of the window.
func (e *Engine) chunkFixedSize(text string, opts Options) ([]string, []map[string]interface{}, error) {
	runes := []rune(text)
	size := opts.ChunkSize
	var out []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			out = append(out, string(runes[start:]))
			break
		}
		cut := end
		for i := end - 1; i > start; i-- {
			if unicode.IsSpace(runes[i]) {
				if i > start+size/2 {
					cut = i
				}
				break
			}
		}
		out = append(out, string(runes[start:cut]))
		// Advance from where this window actually ended, so text past the
		// backoff boundary lands in the next chunk.
		next := cut - opts.ChunkOverlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return out, nil, nil
}

// chunkSentences accumulates whole sentences up to the chunk size, carrying
// the last one or two sentences forward as overlap. A single sentence longer
// than the chunk size becomes its own chunk.
func (e *Engine) chunkSentences(text string, opts Options) ([]string, []map[string]interface{}, error) {
	return e.accumulateSentences(text, opts, false)
}

// chunkSemantic works like sentence accumulation but classifies each
// sentence's structural role and biases the flush boundary so a list or
// question is not split away from its introducing sentence.
func (e *Engine) chunkSemantic(text string, opts Options) ([]string, []map[string]interface{}, error) {
	return e.accumulateSentences(text, opts, true)
}

func (e *Engine) accumulateSentences(text string, opts Options, structural bool) ([]string, []map[string]interface{}, error) {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, nil, nil
	}

	var out []string
	var cur []string
	curLen := 0

	flush := func(next string) {
		keep := 0
		if structural && len(cur) > 1 && next != "" {
			role := classifySentence(next)
			if (role == roleList || role == roleQuestion) && introduces(cur[len(cur)-1]) {
				keep = 1
			}
		}
		emit := cur[:len(cur)-keep]
		out = append(out, strings.Join(emit, " "))
		carried := append(overlapTail(emit, opts.ChunkOverlap), cur[len(cur)-keep:]...)
		cur = append([]string(nil), carried...)
		curLen = joinedLen(cur)
	}

	for _, s := range sentences {
		sl := utf8.RuneCountInString(s)
		if curLen > 0 && curLen+1+sl > opts.ChunkSize {
			flush(s)
		}
		cur = append(cur, s)
		curLen += sl
		if len(cur) > 1 {
			curLen++
		}
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out, nil, nil
}

// chunkParagraphs accumulates whole paragraphs (blank-line separated) up to
// the chunk size. An oversized paragraph is emitted as its own chunk.
func (e *Engine) chunkParagraphs(text string, opts Options) ([]string, []map[string]interface{}, error) {
	paragraphs := strings.Split(text, "\n\n")
	var out []string
	var cur []string
	curLen := 0
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		pl := utf8.RuneCountInString(p)
		if curLen > 0 && curLen+2+pl > opts.ChunkSize {
			out = append(out, strings.Join(cur, "\n\n"))
			cur = nil
			curLen = 0
		}
		cur = append(cur, p)
		curLen += pl
		if len(cur) > 1 {
			curLen += 2
		}
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, "\n\n"))
	}
	return out, nil, nil
}

// chunkSections splits on header-like lines. Oversized sections are
// recursively chunked with the semantic strategy, inheriting the section
// title as metadata.
func (e *Engine) chunkSections(text string, opts Options) ([]string, []map[string]interface{}, error) {
	sections := splitSections(text)
	var texts []string
	var metas []map[string]interface{}
	for _, sec := range sections {
		body := strings.TrimSpace(sec.text)
		if body == "" {
			continue
		}
		var meta map[string]interface{}
		if sec.title != "" {
			meta = map[string]interface{}{"section": sec.title}
		}
		if utf8.RuneCountInString(body) <= opts.ChunkSize {
			texts = append(texts, body)
			metas = append(metas, meta)
			continue
		}
		sub, _, err := e.chunkSemantic(body, opts)
		if err != nil {
			return nil, nil, err
		}
		for _, s := range sub {
			texts = append(texts, s)
			metas = append(metas, meta)
		}
	}
	return texts, metas, nil
}

// chunkHybrid prefers section-based chunking when the document has visible
// structure, falling back to semantic chunking otherwise.
func (e *Engine) chunkHybrid(text string, opts Options) ([]string, []map[string]interface{}, error) {
	if countHeadings(text) >= 2 {
		return e.chunkSections(text, opts)
	}
	return e.chunkSemantic(text, opts)
}

type sentenceRole int

const (
	rolePlain sentenceRole = iota
	roleTitle
	roleList
	roleQuestion
)

var listMarkerRe = regexp.MustCompile(`^([-*•]|\d+[.)])\s+`)

func classifySentence(s string) sentenceRole {
	t := strings.TrimSpace(s)
	switch {
	case t == "":
		return rolePlain
	case listMarkerRe.MatchString(t):
		return roleList
	case strings.HasSuffix(t, "?"):
		return roleQuestion
	case isHeadingLine(t):
		return roleTitle
	default:
		return rolePlain
	}
}

// introduces reports whether a sentence reads as the lead-in for what
// follows, e.g. "The steps are:" before a list.
func introduces(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasSuffix(t, ":") || classifySentence(t) == roleTitle
}

// splitSentences breaks text into sentences on runs of terminal punctuation.
// Newlines also terminate a sentence so headings and list items stay whole.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			sentences = append(sentences, s)
		}
		cur.Reset()
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\n' {
			flush()
			continue
		}
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			for i+1 < len(runes) && isTerminal(runes[i+1]) {
				i++
				cur.WriteRune(runes[i])
			}
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		}
	}
	flush()
	return sentences
}

func isTerminal(r rune) bool { return r == '.' || r == '!' || r == '?' }

// overlapTail returns the last one or two sentences whose combined length
// fits in the overlap budget. A sentence longer than the budget is never
// carried.
func overlapTail(sentences []string, overlap int) []string {
	if overlap <= 0 {
		return nil
	}
	var tail []string
	total := 0
	for i := len(sentences) - 1; i >= 0 && len(tail) < 2; i-- {
		l := utf8.RuneCountInString(sentences[i])
		if total+l > overlap {
			break
		}
		tail = append([]string{sentences[i]}, tail...)
		total += l
	}
	return tail
}

func joinedLen(parts []string) int {
	n := 0
	for i, p := range parts {
		n += utf8.RuneCountInString(p)
		if i > 0 {
			n++
		}
	}
	return n
}

var (
	mdHeaderRe  = regexp.MustCompile(`^#{1,6}\s+\S`)
	numHeaderRe = regexp.MustCompile(`^\d+(\.\d+)*[.)]?\s+\S`)
)

// isHeadingLine recognises markdown headers, numbered headers, and short
// ALL-CAPS lines.
func isHeadingLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if mdHeaderRe.MatchString(line) {
		return true
	}
	if numHeaderRe.MatchString(line) && utf8.RuneCountInString(line) <= 80 &&
		!strings.HasSuffix(line, ".") && !strings.HasSuffix(line, "!") && !strings.HasSuffix(line, "?") {
		return true
	}
	if utf8.RuneCountInString(line) <= 60 {
		letters, uppers := 0, 0
		for _, r := range line {
			if unicode.IsLetter(r) {
				letters++
				if unicode.IsUpper(r) {
					uppers++
				}
			}
		}
		if letters >= 3 && uppers == letters {
			return true
		}
	}
	return false
}

type section struct {
	title string
	text  string
}

// splitSections groups lines under the nearest preceding heading. Text before
// the first heading becomes an untitled section.
func splitSections(text string) []section {
	lines := strings.Split(text, "\n")
	var sections []section
	cur := section{}
	var body []string
	flush := func() {
		cur.text = strings.Join(body, "\n")
		if strings.TrimSpace(cur.text) != "" {
			sections = append(sections, cur)
		}
		body = nil
	}
	for _, line := range lines {
		if isHeadingLine(line) {
			flush()
			cur = section{title: headingTitle(line)}
			body = []string{strings.TrimSpace(line)}
			continue
		}
		body = append(body, line)
	}
	flush()
	return sections
}

func headingTitle(line string) string {
	t := strings.TrimSpace(line)
	t = strings.TrimLeft(t, "# ")
	return strings.TrimSpace(t)
}

func countHeadings(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if isHeadingLine(line) {
			n++
		}
	}
	return n
}

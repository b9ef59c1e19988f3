package kb

import (
	"fmt"
	"unicode"
)

// DefaultSeparators are tried in priority order when choosing a split
// point: paragraphs, lines, CJK then Latin sentence terminators, words.
// A hard cut at the size limit is the last resort.
var DefaultSeparators = []string{"\n\n", "\n", "。", "！", "？", ".", "!", "?", " "}

// Chunker splits segment text into overlapping windows of bounded size.
// Sizes are counted in runes so CJK text is measured per character.
type Chunker struct {
	separators [][]rune
}

// NewChunker creates a chunker with the default separators.
func NewChunker() *Chunker {
	return NewChunkerWithSeparators(DefaultSeparators)
}

// NewChunkerWithSeparators creates a chunker with priority-ordered separators.
func NewChunkerWithSeparators(separators []string) *Chunker {
	c := &Chunker{}
	for _, s := range separators {
		if s == "" {
			continue
		}
		c.separators = append(c.separators, []rune(s))
	}
	return c
}

// Span is a half-open rune range [Start, End) of the input text.
type Span struct {
	Start int
	End   int
}

// Chunk splits every segment and returns the pieces in order. Each piece
// carries a copy of its parent's metadata, its ordinal across the whole
// input in Index, and its rune offsets within the parent in StartChar and
// EndChar.
func (c *Chunker) Chunk(segments []Segment, size, overlap int) ([]Segment, error) {
	if err := validateChunkParams(size, overlap); err != nil {
		return nil, err
	}

	var out []Segment
	for _, seg := range segments {
		runes := []rune(seg.Text)
		for _, span := range c.spans(runes, size, overlap) {
			out = append(out, Segment{
				Text:      string(runes[span.Start:span.End]),
				Metadata:  copyMetadata(seg.Metadata),
				Index:     len(out),
				StartChar: span.Start,
				EndChar:   span.End,
			})
		}
	}
	return out, nil
}

// Split returns the spans of text for the given parameters.
func (c *Chunker) Split(text string, size, overlap int) ([]Span, error) {
	if err := validateChunkParams(size, overlap); err != nil {
		return nil, err
	}
	return c.spans([]rune(text), size, overlap), nil
}

func validateChunkParams(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return nil
}

// spans computes contiguous windows over runes such that:
//   - every window is at most size runes long,
//   - each window starts before the previous one ends, by at most overlap runes,
//   - the windows cover the text from first to last rune.
//
// A window ends at the last occurrence of the highest-priority separator
// that still leaves more than overlap runes in the window, so every step
// advances. The next window starts at the first word or sentence boundary
// inside the overlap region, or exactly overlap runes back when there is none.
func (c *Chunker) spans(runes []rune, size, overlap int) []Span {
	n := len(runes)
	if n == 0 {
		return nil
	}

	var spans []Span
	start := 0
	for {
		if n-start <= size {
			spans = append(spans, Span{Start: start, End: n})
			return spans
		}

		end := c.splitPoint(runes, start, start+size, overlap)
		spans = append(spans, Span{Start: start, End: end})
		start = c.nextStart(runes, end, overlap)
	}
}

// splitPoint returns the split position in (start+overlap, limit].
func (c *Chunker) splitPoint(runes []rune, start, limit, overlap int) int {
	floor := start + overlap
	for _, sep := range c.separators {
		for end := limit; end > floor; end-- {
			if end-len(sep) < start {
				break
			}
			if hasSeparatorAt(runes, end, sep) {
				return end
			}
		}
	}
	return limit
}

// nextStart returns the start of the window following one that ends at end.
func (c *Chunker) nextStart(runes []rune, end, overlap int) int {
	for p := end - overlap; p < end; p++ {
		if p > 0 && isBoundaryRune(runes[p-1]) {
			return p
		}
	}
	return end - overlap
}

// hasSeparatorAt reports whether sep ends exactly at position end.
func hasSeparatorAt(runes []rune, end int, sep []rune) bool {
	begin := end - len(sep)
	if begin < 0 {
		return false
	}
	for i, r := range sep {
		if runes[begin+i] != r {
			return false
		}
	}
	return true
}

func isBoundaryRune(r rune) bool {
	switch r {
	case '。', '！', '？', '.', '!', '?':
		return true
	}
	return unicode.IsSpace(r)
}

func copyMetadata(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

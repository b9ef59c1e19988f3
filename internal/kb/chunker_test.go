package kb

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/simpleflo/kbchat/internal/config"
)

// reconstruct joins spans with the overlapping prefix of each span removed.
func reconstruct(runes []rune, spans []Span) string {
	var sb strings.Builder
	prevEnd := 0
	for _, s := range spans {
		from := s.Start
		if from < prevEnd {
			from = prevEnd
		}
		sb.WriteString(string(runes[from:s.End]))
		prevEnd = s.End
	}
	return sb.String()
}

func checkSpans(t *testing.T, text string, spans []Span, size, overlap int) {
	t.Helper()
	runes := []rune(text)

	if len(runes) > 0 && len(spans) == 0 {
		t.Fatal("non-empty text produced no spans")
	}
	if len(spans) > 0 {
		if spans[0].Start != 0 {
			t.Errorf("first span starts at %d", spans[0].Start)
		}
		if spans[len(spans)-1].End != len(runes) {
			t.Errorf("last span ends at %d, want %d", spans[len(spans)-1].End, len(runes))
		}
	}

	for i, s := range spans {
		if s.End-s.Start > size {
			t.Errorf("span %d has length %d > %d", i, s.End-s.Start, size)
		}
		if s.End <= s.Start {
			t.Errorf("span %d is empty: %+v", i, s)
		}
		if i > 0 {
			prev := spans[i-1]
			if s.Start <= prev.Start {
				t.Errorf("span %d does not advance: %+v after %+v", i, s, prev)
			}
			if s.Start > prev.End {
				t.Errorf("gap between span %d and %d", i-1, i)
			}
			if shared := prev.End - s.Start; shared > overlap {
				t.Errorf("spans %d/%d overlap by %d > %d", i-1, i, shared, overlap)
			}
		}
	}

	if got := reconstruct(runes, spans); got != text {
		t.Errorf("reconstruction mismatch:\n got %q\nwant %q", got, text)
	}
}

func TestChunker_SingleChunk(t *testing.T) {
	c := NewChunker()
	content := "This is a short piece of content."

	spans, err := c.Split(content, 1000, 200)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0] != (Span{Start: 0, End: utf8.RuneCountInString(content)}) {
		t.Errorf("unexpected span %+v", spans[0])
	}
}

func TestChunker_EmptyContent(t *testing.T) {
	c := NewChunker()
	out, err := c.Chunk([]Segment{{Text: ""}}, 100, 10)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected 0 chunks for empty content, got %d", len(out))
	}
}

func TestChunker_InvalidParams(t *testing.T) {
	c := NewChunker()
	tests := []struct {
		size, overlap int
	}{
		{0, 0},
		{-5, 0},
		{100, 100},
		{100, 150},
		{100, -1},
	}
	for _, tt := range tests {
		if _, err := c.Split("text", tt.size, tt.overlap); err == nil {
			t.Errorf("Split(size=%d, overlap=%d) should fail", tt.size, tt.overlap)
		}
	}
}

func TestChunker_PrefersParagraphBoundary(t *testing.T) {
	c := NewChunker()
	para := strings.Repeat("word ", 10) // 50 runes
	text := para + "\n\n" + para + "\n\n" + para

	spans, err := c.Split(text, 60, 10)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	runes := []rune(text)
	first := string(runes[spans[0].Start:spans[0].End])
	if !strings.HasSuffix(first, "\n\n") {
		t.Errorf("first chunk should end at the paragraph break, got %q", first)
	}
	checkSpans(t, text, spans, 60, 10)
}

func TestChunker_CJKSentenceBoundary(t *testing.T) {
	c := NewChunker()
	text := strings.Repeat("这是一个测试句子。", 20) // 9 runes per sentence

	spans, err := c.Split(text, 50, 10)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	runes := []rune(text)
	for i, s := range spans[:len(spans)-1] {
		if runes[s.End-1] != '。' {
			t.Errorf("chunk %d should end at a CJK full stop, ends with %q", i, runes[s.End-1])
		}
	}
	checkSpans(t, text, spans, 50, 10)
}

func TestChunker_HardCutWithoutSeparators(t *testing.T) {
	c := NewChunker()
	text := strings.Repeat("x", 250)

	spans, err := c.Split(text, 100, 20)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if spans[0].End != 100 {
		t.Errorf("first chunk should hard-cut at 100, got %d", spans[0].End)
	}
	if spans[1].Start != 80 {
		t.Errorf("second chunk should start overlap runes back at 80, got %d", spans[1].Start)
	}
	checkSpans(t, text, spans, 100, 20)
}

func TestChunker_ZeroOverlap(t *testing.T) {
	c := NewChunker()
	text := strings.Repeat("abc def. ", 40)

	spans, err := c.Split(text, 64, 0)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	for i := 1; i < len(spans); i++ {
		if spans[i].Start != spans[i-1].End {
			t.Errorf("zero overlap spans should be adjacent: %+v then %+v", spans[i-1], spans[i])
		}
	}
	checkSpans(t, text, spans, 64, 0)
}

func TestChunker_CoverageProperty(t *testing.T) {
	c := NewChunker()
	rng := rand.New(rand.NewSource(42))
	alphabet := []rune("abc de。f！g?.\n \n\n测试")

	params := []struct{ size, overlap int }{
		{10, 0}, {10, 3}, {10, 9}, {50, 10}, {100, 20}, {1000, 200}, {500, 100},
	}

	for trial := 0; trial < 40; trial++ {
		n := rng.Intn(3000)
		runes := make([]rune, n)
		for i := range runes {
			runes[i] = alphabet[rng.Intn(len(alphabet))]
		}
		text := string(runes)

		for _, p := range params {
			spans, err := c.Split(text, p.size, p.overlap)
			if err != nil {
				t.Fatalf("Split failed: %v", err)
			}
			checkSpans(t, text, spans, p.size, p.overlap)
		}
	}
}

func TestChunker_MetadataCopied(t *testing.T) {
	c := NewChunker()
	meta := map[string]string{MetaSource: "/kb/history/notes.txt", MetaCategory: "history"}
	segments := []Segment{
		{Text: strings.Repeat("A. B. C. ", 150), Metadata: meta},
		{Text: "second page", Metadata: map[string]string{MetaSource: "/kb/history/notes.txt", MetaPage: "2"}},
	}

	out, err := c.Chunk(segments, 1000, 200)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	if len(out) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(out))
	}

	for i, seg := range out {
		if seg.Index != i {
			t.Errorf("chunk %d has Index %d", i, seg.Index)
		}
		if seg.Source() != "/kb/history/notes.txt" {
			t.Errorf("chunk %d lost source metadata: %v", i, seg.Metadata)
		}
	}

	out[0].Metadata["mutated"] = "yes"
	if _, ok := meta["mutated"]; ok {
		t.Error("chunk metadata should be a copy, not shared with the input")
	}
	if out[len(out)-1].Metadata[MetaPage] != "2" {
		t.Error("second segment metadata should carry over unchanged")
	}
}

func TestPolicyTable_Select(t *testing.T) {
	cfg := config.DefaultConfig().KB
	table := NewPolicyTable(cfg)

	tests := []struct {
		path string
		size int64
		want ChunkPolicy
	}{
		{"/kb/history/notes.txt", 10, ChunkPolicy{PolicyDefault, 1000, 200}},
		{"/kb/cs/IEEE-Transactions.pdf", 10, ChunkPolicy{PolicyAcademic, 500, 100}},
		{"/kb/cs/my_thesis_final.docx", 5 << 20, ChunkPolicy{PolicyAcademic, 500, 100}},
		{"/kb/books/novel.pdf", 2 << 20, ChunkPolicy{PolicyLong, 1000, 200}},
		{"/kb/books/exactly-1mb.txt", 1 << 20, ChunkPolicy{PolicyDefault, 1000, 200}},
	}

	for _, tt := range tests {
		if got := table.Select(tt.path, tt.size); got != tt.want {
			t.Errorf("Select(%s, %d) = %+v, want %+v", tt.path, tt.size, got, tt.want)
		}
	}
}

func TestPolicyTable_AcademicOverlapStaysBelowSize(t *testing.T) {
	table := NewPolicyTable(config.KBConfig{ChunkSize: 3, ChunkOverlap: 2, AcademicKeywords: []string{"paper"}})
	p := table.Select("paper.txt", 0)
	if p.Overlap >= p.Size {
		t.Errorf("academic overlap %d must be below size %d", p.Overlap, p.Size)
	}
}

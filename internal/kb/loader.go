package kb

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog"

	"github.com/simpleflo/kbchat/internal/observability"
)

// decodeFunc extracts text from one file. It returns one segment per
// natural unit (a PDF page, a whole document) with format-specific
// metadata only; the Loader adds source metadata.
type decodeFunc func(ctx context.Context, path string, size int64) ([]Segment, error)

// Loader reads documents from disk and dispatches to a decoder by extension.
type Loader struct {
	root        string
	maxFileSize int64
	decoders    map[string]decodeFunc
	logger      zerolog.Logger
}

// NewLoader creates a loader for documents under root. Files larger than
// maxFileSize fail with a LoadError; zero disables the limit.
func NewLoader(root string, maxFileSize int64) *Loader {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Loader{
		root:        root,
		maxFileSize: maxFileSize,
		decoders: map[string]decodeFunc{
			".pdf":  decodePDF,
			".docx": decodeDOCX,
			".txt":  decodeTXT,
			".md":   decodeMarkdown,
		},
		logger: observability.Logger("kb.loader"),
	}
}

// Supported reports whether path has a decodable extension.
func (l *Loader) Supported(path string) bool {
	_, ok := l.decoders[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Load reads path and returns its non-empty text segments. Every segment
// carries the absolute source path, the relative path under the knowledge
// root, the category and the file name.
//
// An unknown extension fails with UnsupportedFormatError; any decoding
// problem fails with LoadError.
func (l *Loader) Load(ctx context.Context, path string) ([]Segment, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, LoadError(path, err)
	}

	ext := strings.ToLower(filepath.Ext(absPath))
	decode, ok := l.decoders[ext]
	if !ok {
		return nil, UnsupportedFormatError(absPath, ext)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, LoadError(absPath, err)
	}
	if info.IsDir() {
		return nil, LoadError(absPath, fmt.Errorf("is a directory"))
	}
	if l.maxFileSize > 0 && info.Size() > l.maxFileSize {
		return nil, LoadError(absPath, fmt.Errorf("file size %d exceeds limit %d", info.Size(), l.maxFileSize))
	}

	segments, err := l.safeDecode(ctx, decode, absPath, info.Size())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.logger.Warn().Err(err).Str("path", absPath).Msg("document decode failed")
		return nil, LoadError(absPath, err)
	}

	base := l.sourceMetadata(absPath)
	out := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		meta := make(map[string]string, len(base)+len(seg.Metadata))
		for k, v := range base {
			meta[k] = v
		}
		for k, v := range seg.Metadata {
			meta[k] = v
		}
		seg.Metadata = meta
		seg.Index = len(out)
		out = append(out, seg)
	}

	if len(out) == 0 {
		return nil, LoadError(absPath, fmt.Errorf("no extractable text"))
	}

	l.logger.Debug().
		Str("path", absPath).
		Int("segments", len(out)).
		Msg("document loaded")

	return out, nil
}

// safeDecode runs a decoder, converting a panic inside a third-party
// parser into an error so one corrupt file cannot take down a batch.
func (l *Loader) safeDecode(ctx context.Context, decode decodeFunc, path string, size int64) (segs []Segment, err error) {
	defer func() {
		if r := recover(); r != nil {
			segs = nil
			err = fmt.Errorf("decoder panic: %v", r)
		}
	}()
	return decode(ctx, path, size)
}

func (l *Loader) sourceMetadata(absPath string) map[string]string {
	meta := map[string]string{
		MetaSource:   absPath,
		MetaFileName: filepath.Base(absPath),
	}

	rel, err := filepath.Rel(l.root, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		meta[MetaRelativePath] = filepath.Base(absPath)
		return meta
	}
	rel = filepath.ToSlash(rel)
	meta[MetaRelativePath] = rel
	if dir := filepath.ToSlash(filepath.Dir(filepath.FromSlash(rel))); dir != "." {
		meta[MetaCategory] = dir
	}
	return meta
}

var pdfCleaner = NewPageCleaner()

func decodePDF(ctx context.Context, path string, size int64) ([]Segment, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := pdf.NewReader(file, size)
	if err != nil {
		return nil, fmt.Errorf("parse pdf: %w", err)
	}

	var (
		texts []string
		pages []int
	)
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", pageNum, err)
		}
		texts = append(texts, text)
		pages = append(pages, pageNum)
	}

	texts = pdfCleaner.CleanPages(texts)
	segments := make([]Segment, 0, len(texts))
	for i, text := range texts {
		segments = append(segments, Segment{
			Text:     text,
			Metadata: map[string]string{MetaPage: strconv.Itoa(pages[i])},
		})
	}
	return segments, nil
}

var (
	docxParagraph = regexp.MustCompile(`(?s)<w:p[ >].*?</w:p>`)
	docxText      = regexp.MustCompile(`(?s)<w:t(?: [^>]*)?>(.*?)</w:t>`)
	docxTab       = regexp.MustCompile(`<w:tab/>`)
)

func decodeDOCX(ctx context.Context, path string, _ int64) ([]Segment, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer doc.Close()

	paragraphs := docxParagraphs(doc.Editable().GetContent())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return []Segment{{Text: strings.Join(paragraphs, "\n\n")}}, nil
}

// docxParagraphs extracts the text runs of every non-empty paragraph from
// WordprocessingML.
func docxParagraphs(xml string) []string {
	var paragraphs []string
	for _, p := range docxParagraph.FindAllString(xml, -1) {
		p = docxTab.ReplaceAllString(p, "<w:t>\t</w:t>")
		var sb strings.Builder
		for _, m := range docxText.FindAllStringSubmatch(p, -1) {
			sb.WriteString(html.UnescapeString(m[1]))
		}
		if text := strings.TrimSpace(sb.String()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	}
	return paragraphs
}

func decodeTXT(_ context.Context, path string, _ int64) ([]Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	text, enc, err := decodeText(data)
	if err != nil {
		return nil, fmt.Errorf("decode text: %w", err)
	}

	return []Segment{{
		Text:     strings.ReplaceAll(text, "\r\n", "\n"),
		Metadata: map[string]string{"encoding": enc},
	}}, nil
}

func decodeMarkdown(_ context.Context, path string, _ int64) ([]Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw, _, err := decodeText(data)
	if err != nil {
		return nil, fmt.Errorf("decode text: %w", err)
	}
	raw = strings.ReplaceAll(raw, "\r\n", "\n")

	meta := map[string]string{}
	if title := markdownTitle(raw); title != "" {
		meta[MetaTitle] = title
	}
	return []Segment{{Text: stripMarkdown(raw), Metadata: meta}}, nil
}

// markdownTitle returns the text of the first H1 heading.
func markdownTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "#"))
		}
	}
	return ""
}

var (
	mdFence      = regexp.MustCompile("(?m)^[ \t]*```[^\n]*$")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}[ \t]+`)
	mdStrong     = regexp.MustCompile(`(\*\*|\*)(\S(?:[^*\n]*?\S)?)(\*\*|\*)`)
	mdUnderscore = regexp.MustCompile(`\b(__|_)(\S(?:[^_\n]*?\S)?)(__|_)\b`)
	mdBlockquote = regexp.MustCompile(`(?m)^>[ \t]?`)
	mdRule       = regexp.MustCompile(`(?m)^[ \t]*([-*_][ \t]*){3,}$`)
	mdListMarker = regexp.MustCompile(`(?m)^([ \t]*)([-*+]|\d+\.)[ \t]+`)
	mdHTMLTag    = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	mdBlankRuns  = regexp.MustCompile(`\n{3,}`)
)

// stripMarkdown removes markdown syntax and keeps the readable text.
// Code block contents are kept; only the fences go.
func stripMarkdown(content string) string {
	content = mdFence.ReplaceAllString(content, "")
	content = mdInlineCode.ReplaceAllString(content, "$1")
	content = mdImage.ReplaceAllString(content, "$1")
	content = mdLink.ReplaceAllString(content, "$1")
	content = mdHeading.ReplaceAllString(content, "")
	content = mdRule.ReplaceAllString(content, "")
	content = mdStrong.ReplaceAllString(content, "$2")
	content = mdUnderscore.ReplaceAllString(content, "$2")
	content = mdBlockquote.ReplaceAllString(content, "")
	content = mdListMarker.ReplaceAllString(content, "$1")
	content = mdHTMLTag.ReplaceAllString(content, "")
	content = mdBlankRuns.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

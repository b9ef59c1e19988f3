package kb

import (
	"regexp"
	"strings"
)

// PageCleaner removes PDF extraction noise before chunking: running
// headers and footers, bare page numbers and words hyphenated across
// line breaks.
type PageCleaner struct {
	noise []*regexp.Regexp
}

var (
	hyphenBreak    = regexp.MustCompile(`(\p{L})-[ \t]*\n[ \t]*(\p{Ll})`)
	spaceRun       = regexp.MustCompile(`[ \t]+`)
	blankLineRun   = regexp.MustCompile(`\n{3,}`)
	pageNumberLine = regexp.MustCompile(`(?im)^[ \t]*(?:page[ \t]+)?-?[ \t]*\d{1,4}[ \t]*-?(?:[ \t]+of[ \t]+\d{1,4})?[ \t]*$`)
)

// NewPageCleaner compiles the noise patterns.
func NewPageCleaner() *PageCleaner {
	patterns := []string{
		`(?i)this content downloaded from[^\n]*`,
		`(?i)all use subject to [^\n]*terms[^\n]*`,
		`\.{5,}`,
		`(?m)^[-_=]{10,}[ \t]*$`,
		`\x00`,
	}
	noise := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		noise = append(noise, regexp.MustCompile(p))
	}
	return &PageCleaner{noise: noise}
}

// CleanPages cleans every page in place and returns the slice. Lines that
// repeat on at least half of the pages (three at minimum) are treated as
// running headers or footers and removed.
func (c *PageCleaner) CleanPages(pages []string) []string {
	repeated := repeatedLines(pages)
	for i, page := range pages {
		pages[i] = c.clean(page, repeated)
	}
	return pages
}

func (c *PageCleaner) clean(text string, repeated map[string]bool) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\f", "\n")

	if len(repeated) > 0 {
		lines := strings.Split(text, "\n")
		kept := lines[:0]
		for _, line := range lines {
			if !repeated[strings.TrimSpace(line)] {
				kept = append(kept, line)
			}
		}
		text = strings.Join(kept, "\n")
	}

	text = pageNumberLine.ReplaceAllString(text, "")
	for _, re := range c.noise {
		text = re.ReplaceAllString(text, " ")
	}
	text = hyphenBreak.ReplaceAllString(text, "$1$2")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	text = blankLineRun.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

func repeatedLines(pages []string) map[string]bool {
	if len(pages) < 3 {
		return nil
	}
	threshold := len(pages) / 2
	if threshold < 3 {
		threshold = 3
	}

	counts := make(map[string]int)
	for _, page := range pages {
		seen := make(map[string]bool)
		for _, line := range strings.Split(page, "\n") {
			line = strings.TrimSpace(line)
			if len(line) < 4 || len(line) > 120 || seen[line] {
				continue
			}
			seen[line] = true
			counts[line]++
		}
	}

	var out map[string]bool
	for line, n := range counts {
		if n >= threshold {
			if out == nil {
				out = make(map[string]bool)
			}
			out[line] = true
		}
	}
	return out
}

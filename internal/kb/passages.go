package kb

import (
	"sort"
	"strconv"
	"strings"
)

// maxOverlapBytes bounds the search for text shared by adjacent chunks.
const maxOverlapBytes = 1024

// MergePassages folds search results from the same document into one
// passage. Documents keep the order of their best hit; chunks within a
// document are joined in reading order with their shared overlap removed.
// The merged passage carries the best score and the first hit's metadata.
func MergePassages(hits []ScoredSegment) []ScoredSegment {
	if len(hits) < 2 {
		return hits
	}

	bySource := make(map[string][]ScoredSegment)
	var order []string
	for _, h := range hits {
		src := h.Source()
		if _, ok := bySource[src]; !ok {
			order = append(order, src)
		}
		bySource[src] = append(bySource[src], h)
	}

	out := make([]ScoredSegment, 0, len(order))
	for _, src := range order {
		group := bySource[src]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}

		best := group[0].Score
		for _, h := range group[1:] {
			if h.Score > best {
				best = h.Score
			}
		}

		sorted := append([]ScoredSegment(nil), group...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return chunkPosition(sorted[i]) < chunkPosition(sorted[j])
		})
		parts := make([]string, len(sorted))
		for i, h := range sorted {
			parts[i] = h.Text
		}

		merged := group[0]
		merged.Text = joinOverlapping(parts)
		merged.Score = best
		merged.Metadata = make(map[string]string, len(group[0].Metadata))
		for k, v := range group[0].Metadata {
			if k != MetaChunkIndex {
				merged.Metadata[k] = v
			}
		}
		out = append(out, merged)
	}
	return out
}

// chunkPosition orders chunks by page, then by chunk index. Missing values
// sort first.
func chunkPosition(h ScoredSegment) int {
	page, _ := strconv.Atoi(h.Metadata[MetaPage])
	idx, _ := strconv.Atoi(h.Metadata[MetaChunkIndex])
	return page*1_000_000 + idx
}

// joinOverlapping concatenates parts, dropping the longest prefix of each
// part that repeats the end of the text so far.
func joinOverlapping(parts []string) string {
	var result string
	for _, p := range parts {
		next := strings.TrimSpace(p)
		if next == "" {
			continue
		}
		if result == "" {
			result = next
			continue
		}
		if strings.Contains(result, next) {
			continue
		}

		overlap := 0
		limit := min(len(result), len(next), maxOverlapBytes)
		for j := limit; j >= 10; j-- {
			if strings.HasSuffix(result, next[:j]) {
				overlap = j
				break
			}
		}

		if overlap > 0 {
			result += next[overlap:]
		} else {
			result += "\n\n" + next
		}
	}
	return result
}

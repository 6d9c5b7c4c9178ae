package search

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Search runs the query against in-memory state. Every query token must hit
// an entry, either as a token prefix or as a fuzzy match (typo tolerance);
// results are ranked by fuzzy edit distance against the entry text, best
// first, and capped at the configured limit.
func (idx *Index) Search(query string) []Result {
	qtokens := tokenize(query)
	if len(qtokens) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	candidates := idx.matchToken(qtokens[0])
	for _, qt := range qtokens[1:] {
		if len(candidates) == 0 {
			return nil
		}
		next := idx.matchToken(qt)
		for key := range candidates {
			if _, ok := next[key]; !ok {
				delete(candidates, key)
			}
		}
	}

	results := make([]Result, 0, len(candidates))
	for key := range candidates {
		e := idx.entries[key]
		results = append(results, Result{
			DocID:   e.DocID,
			BlockID: e.BlockID,
			Preview: preview(e.Text),
			Score:   score(query, e),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score < results[j].Score
		}
		if results[i].DocID != results[j].DocID {
			return results[i].DocID < results[j].DocID
		}
		return results[i].BlockID < results[j].BlockID
	})

	if idx.limit > 0 && len(results) > idx.limit {
		results = results[:idx.limit]
	}
	return results
}

// matchToken collects entries containing a token that has qt as a prefix,
// falling back to fuzzy token matching for typos. Caller holds the lock.
func (idx *Index) matchToken(qt string) map[entryKey]struct{} {
	out := make(map[entryKey]struct{})
	for tok, keys := range idx.inverted {
		if !strings.HasPrefix(tok, qt) && !fuzzy.MatchNormalizedFold(qt, tok) {
			continue
		}
		for key := range keys {
			out[key] = struct{}{}
		}
	}
	return out
}

// score ranks an entry against the full query: exact token prefixes beat
// fuzzy matches, and shorter edit distances rank higher.
func score(query string, e *entry) int {
	rank := fuzzy.RankMatchNormalizedFold(query, e.Text)
	if rank < 0 {
		// No contiguous fuzzy match over the whole text; rank per token.
		best := -1
		for _, tok := range e.tokens {
			if r := fuzzy.RankMatchNormalizedFold(query, tok); r >= 0 && (best < 0 || r < best) {
				best = r
			}
		}
		if best < 0 {
			// Matched only via per-token prefixes; rank behind fuzzy hits.
			return 1 << 20
		}
		rank = best
	}
	return rank
}

func preview(text string) string {
	if len(text) <= previewLen {
		return text
	}
	cut := text[:previewLen]
	if i := strings.LastIndexByte(cut, ' '); i > previewLen/2 {
		cut = cut[:i]
	} else {
		// No usable word boundary; back off the byte cut until it no longer
		// splits a multi-byte rune.
		for len(cut) > 0 {
			if r, size := utf8.DecodeLastRuneInString(cut); r != utf8.RuneError || size > 1 {
				break
			}
			cut = cut[:len(cut)-1]
		}
	}
	return cut + "…"
}

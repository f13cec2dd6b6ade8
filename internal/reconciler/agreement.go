package reconciler

import (
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// lcsOptions makes edit distance recover the longest common subsequence:
// with substitutions costing two, a substitution is never cheaper than a
// delete plus an insert, so distance = m + n - 2*LCS.
var lcsOptions = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 2,
	Matches: levenshtein.IdenticalRunes,
}

// agreementScore measures word-level agreement between two transcripts as
// LCS(a, b) / max(len(a), len(b)) over normalized word sequences. Identical
// texts score 1.0; disjoint texts score 0.0.
func agreementScore(a, b string) float64 {
	wa := normalizedWords(a)
	wb := normalizedWords(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1.0
	}
	if len(wa) == 0 || len(wb) == 0 {
		return 0.0
	}
	ra, rb := internWords(wa, wb)
	dist := levenshtein.DistanceForMatrix(levenshtein.MatrixForStrings(ra, rb, lcsOptions))
	lcs := (len(wa) + len(wb) - dist) / 2
	longer := len(wa)
	if len(wb) > longer {
		longer = len(wb)
	}
	return float64(lcs) / float64(longer)
}

// normalizedWords lowercases and strips punctuation so "Weather," and
// "weather" count as the same word.
func normalizedWords(text string) []string {
	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(trimWordPunct(f))
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// internWords maps each distinct word across both sequences to one rune so
// the levenshtein matrix compares word sequences, not characters.
func internWords(a, b []string) ([]rune, []rune) {
	ids := make(map[string]rune, len(a)+len(b))
	encode := func(words []string) []rune {
		rs := make([]rune, len(words))
		for i, w := range words {
			id, ok := ids[w]
			if !ok {
				id = rune(len(ids) + 1)
				ids[w] = id
			}
			rs[i] = id
		}
		return rs
	}
	return encode(a), encode(b)
}

// completenessOffset reports whether one transcript is a more complete
// recording of the same speech: the first probeWords of the shorter text
// appear, in order, inside the longer text at a character offset of at least
// minOffsetChars. That pattern means the shorter engine simply started late.
// Returns the more complete text and true, or "" and false.
func completenessOffset(a, b string, probeWords, minOffsetChars int) (string, bool) {
	if probeWords <= 0 {
		probeWords = 3
	}
	if minOffsetChars <= 0 {
		minOffsetChars = 12
	}
	if longer, ok := offsetContains(a, b, probeWords, minOffsetChars); ok {
		return longer, true
	}
	if longer, ok := offsetContains(b, a, probeWords, minOffsetChars); ok {
		return longer, true
	}
	return "", false
}

// offsetContains checks whether the opening words of short appear deep
// inside long.
func offsetContains(long, short string, probeWords, minOffsetChars int) (string, bool) {
	sw := normalizedWords(short)
	if len(sw) < probeWords {
		return "", false
	}
	probe := strings.Join(sw[:probeWords], " ")
	normLong := strings.Join(normalizedWords(long), " ")
	idx := strings.Index(normLong, probe)
	if idx >= minOffsetChars {
		return long, true
	}
	return "", false
}

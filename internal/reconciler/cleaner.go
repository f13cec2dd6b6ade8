package reconciler

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"spoken-eval-platform/internal/config"
)

// cleaner applies the rule-table driven transcript hygiene: foreign-script
// stripping, boilerplate removal, repetition collapse, whitespace
// normalization. The pattern sets are data (config.RuleTables), not code.
type cleaner struct {
	rules *config.RuleTables
}

// Clean runs the full cleaning pipeline on a raw engine transcript.
func (c *cleaner) Clean(text string) string {
	text = c.stripNonLatinRuns(text)
	text = c.removeBoilerplate(text)
	text = collapseWordRuns(text)
	text = collapsePhraseRepeats(text)
	return normalizeWhitespace(text)
}

// stripNonLatinRuns drops tokens dominated by non-Latin script. ASR engines
// occasionally emit runs of another writing system during noise.
func (c *cleaner) stripNonLatinRuns(text string) string {
	threshold := c.rules.NonLatinScriptThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	fields := strings.Fields(text)
	kept := fields[:0]
	for _, f := range fields {
		letters, foreign := 0, 0
		for _, r := range f {
			if unicode.IsLetter(r) {
				letters++
				if !unicode.In(r, unicode.Latin) {
					foreign++
				}
			}
		}
		if letters > 0 && float64(foreign)/float64(letters) > threshold {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

// removeBoilerplate deletes known hallucinated phrases, case-insensitively.
// Matching walks the original text on rune boundaries; lowercasing a copy
// for byte offsets would misalign on runes whose case pair has a different
// UTF-8 length.
func (c *cleaner) removeBoilerplate(text string) string {
	for _, phrase := range c.rules.BoilerplatePhrases {
		for {
			start, end := indexFold(text, phrase)
			if start < 0 {
				break
			}
			text = text[:start] + text[end:]
		}
	}
	return text
}

// indexFold finds the first case-insensitive occurrence of phrase in text
// and returns its byte range, or (-1, -1).
func indexFold(text, phrase string) (start, end int) {
	if phrase == "" {
		return -1, -1
	}
	for i := 0; i < len(text); {
		if end, ok := foldMatchAt(text, i, phrase); ok {
			return i, end
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	return -1, -1
}

// foldMatchAt reports whether phrase matches text at byte offset i under
// simple case folding, returning the byte offset just past the match.
func foldMatchAt(text string, i int, phrase string) (int, bool) {
	for _, pr := range phrase {
		if i >= len(text) {
			return 0, false
		}
		tr, size := utf8.DecodeRuneInString(text[i:])
		if !runeFoldEqual(tr, pr) {
			return 0, false
		}
		i += size
	}
	return i, true
}

// runeFoldEqual is strings.EqualFold for a single rune pair.
func runeFoldEqual(a, b rune) bool {
	if a == b {
		return true
	}
	if a > b {
		a, b = b, a
	}
	for r := unicode.SimpleFold(a); r != a; r = unicode.SimpleFold(r) {
		if r == b {
			return true
		}
	}
	return false
}

// collapseWordRuns reduces three or more consecutive occurrences of the
// same word to one. A single immediate repeat is legitimate speech
// ("very, very good"); longer runs are recognition stutter.
func collapseWordRuns(text string) string {
	words := strings.Fields(text)
	if len(words) < 3 {
		return text
	}
	out := make([]string, 0, len(words))
	runLen := 0
	for i, w := range words {
		if i > 0 && foldEqual(w, words[i-1]) {
			runLen++
		} else {
			runLen = 1
		}
		if runLen <= 2 {
			out = append(out, w)
		}
		// When a run of 3+ ends we also drop the second copy we kept.
		if runLen == 3 && len(out) > 0 {
			out = out[:len(out)-1]
		}
	}
	return strings.Join(out, " ")
}

// collapsePhraseRepeats removes an immediately repeated phrase of two to
// six words, keeping one occurrence.
func collapsePhraseRepeats(text string) string {
	words := strings.Fields(text)
	for n := 6; n >= 2; n-- {
		out := make([]string, 0, len(words))
		i := 0
		for i < len(words) {
			if i+2*n <= len(words) && phraseEqual(words[i:i+n], words[i+n:i+2*n]) {
				out = append(out, words[i:i+n]...)
				i += 2 * n
				// Skip any further immediate copies of the same phrase.
				for i+n <= len(words) && phraseEqual(out[len(out)-n:], words[i:i+n]) {
					i += n
				}
				continue
			}
			out = append(out, words[i])
			i++
		}
		words = out
	}
	return strings.Join(words, " ")
}

func phraseEqual(a, b []string) bool {
	for i := range a {
		if !foldEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func foldEqual(a, b string) bool {
	return strings.EqualFold(trimWordPunct(a), trimWordPunct(b))
}

func trimWordPunct(w string) string {
	return strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

func normalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// countImmediateRepeats counts adjacent duplicate words, the tie-break
// signal for low-agreement merges.
func countImmediateRepeats(text string) int {
	words := strings.Fields(text)
	repeats := 0
	for i := 1; i < len(words); i++ {
		if foldEqual(words[i], words[i-1]) {
			repeats++
		}
	}
	return repeats
}

// countHallucinationMarkers counts occurrences of known hallucination
// substrings in a transcript.
func (c *cleaner) countHallucinationMarkers(text string) int {
	lower := strings.ToLower(text)
	count := 0
	for _, m := range c.rules.HallucinationMarkers {
		count += strings.Count(lower, strings.ToLower(m))
	}
	return count
}

// detectFillers returns the filler words/phrases from the rule table that
// appear in the transcript, one entry per occurrence.
func (c *cleaner) detectFillers(text string) []string {
	lower := " " + strings.ToLower(normalizeWhitespace(text)) + " "
	var found []string
	for _, filler := range c.rules.FillerWords {
		f := " " + strings.ToLower(filler) + " "
		for n := strings.Count(lower, f); n > 0; n-- {
			found = append(found, filler)
		}
	}
	return found
}

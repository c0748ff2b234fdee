package transcript

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// DefaultExitPhrases end the conversation when no other phrases are set.
var DefaultExitPhrases = []string{"exit", "quit"}

// ExitMatcher reports whether an utterance asks to end the conversation.
//
// A phrase matches on word boundaries, case-insensitively, anywhere in the
// utterance. With a positive fuzzy threshold, a window of words also
// matches when its Double Metaphone codes overlap the phrase's and the
// Jaro-Winkler similarity reaches the threshold, which catches common
// misrecognitions such as "quid" for "quit".
//
// ExitMatcher is read-only after construction and safe for concurrent use.
type ExitMatcher struct {
	exact     *regexp.Regexp
	phrases   [][]string
	threshold float64
}

// NewExitMatcher compiles phrases. Empty phrases are ignored; a nil or empty
// list uses DefaultExitPhrases. threshold <= 0 disables fuzzy matching.
func NewExitMatcher(phrases []string, threshold float64) *ExitMatcher {
	if len(phrases) == 0 {
		phrases = DefaultExitPhrases
	}
	m := &ExitMatcher{threshold: threshold}

	var alts []string
	for _, p := range phrases {
		words := tokenize(p)
		if len(words) == 0 {
			continue
		}
		m.phrases = append(m.phrases, words)
		quoted := make([]string, len(words))
		for i, w := range words {
			quoted[i] = regexp.QuoteMeta(w)
		}
		alts = append(alts, strings.Join(quoted, `\W+`))
	}
	if len(alts) > 0 {
		m.exact = regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
	}
	return m
}

// Match reports whether text contains an exit phrase.
func (m *ExitMatcher) Match(text string) bool {
	if m.exact == nil {
		return false
	}
	if m.exact.MatchString(text) {
		return true
	}
	if m.threshold <= 0 {
		return false
	}

	words := tokenize(text)
	for _, phrase := range m.phrases {
		n := len(phrase)
		for i := 0; i+n <= len(words); i++ {
			if m.similar(words[i:i+n], phrase) {
				return true
			}
		}
	}
	return false
}

// similar compares a word window with a phrase of the same length.
func (m *ExitMatcher) similar(window, phrase []string) bool {
	if !codesOverlap(codes(window), codes(phrase)) {
		return false
	}
	a, b := strings.Join(window, " "), strings.Join(phrase, " ")
	return matchr.JaroWinkler(a, b, false) >= m.threshold
}

// codes returns the Double Metaphone codes of every word.
func codes(words []string) map[string]struct{} {
	out := make(map[string]struct{}, 2*len(words))
	for _, w := range words {
		primary, secondary := matchr.DoubleMetaphone(w)
		if primary != "" {
			out[primary] = struct{}{}
		}
		if secondary != "" {
			out[secondary] = struct{}{}
		}
	}
	return out
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// tokenize lowercases s and splits it into words, dropping punctuation.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

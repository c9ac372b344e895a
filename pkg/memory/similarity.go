package memory

import (
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-']+`)

// Tokenize lowercases text and splits it into word tokens.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 && strings.TrimSpace(text) != "" {
		return []string{strings.TrimSpace(text)}
	}
	return matches
}

func tokenSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, tok := range Tokenize(text) {
		set[tok] = struct{}{}
	}
	return set
}

// TokenJaccard computes Jaccard overlap between the token sets of two
// texts.
func TokenJaccard(a, b string) float64 {
	as := tokenSet(a)
	bs := tokenSet(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	inter := 0
	for tok := range as {
		if _, ok := bs[tok]; ok {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// SharedWordRatio computes the fraction of the smaller token set that
// also appears in the larger one. The lexical stand-in for embedding
// similarity when the embedder is unavailable.
func SharedWordRatio(a, b string) float64 {
	as := tokenSet(a)
	bs := tokenSet(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	small, large := as, bs
	if len(bs) < len(as) {
		small, large = bs, as
	}
	shared := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

// IsWordSuperset reports whether candidate's token set contains every
// token of existing. One of the two restatement cues: it catches
// additive updates ("I run 5k" -> "I run 5k every morning"), while
// revisions that swap words ("I prefer morning workouts" -> "I
// actually prefer evening workouts now") fall to the shared-word
// ratio.
func IsWordSuperset(candidate, existing string) bool {
	cs := tokenSet(candidate)
	es := tokenSet(existing)
	if len(es) == 0 || len(cs) < len(es) {
		return false
	}
	for tok := range es {
		if _, ok := cs[tok]; !ok {
			return false
		}
	}
	return true
}

// DistinctiveTermCount counts query tokens that are long enough to
// carry meaning on their own. Drives adaptive thresholding: specific
// queries have many distinctive terms.
func DistinctiveTermCount(query string) int {
	count := 0
	for _, tok := range Tokenize(query) {
		if len(tok) >= 4 && !stopwords[tok] {
			count++
		}
	}
	return count
}

var stopwords = map[string]bool{
	"this": true, "that": true, "with": true, "what": true, "when": true,
	"where": true, "which": true, "have": true, "does": true, "about": true,
	"should": true, "would": true, "could": true, "their": true, "there": true,
	"your": true, "mine": true, "some": true, "like": true, "want": true,
	"tell": true, "know": true, "from": true, "they": true, "been": true,
}

package memory

import (
	"regexp"
	"strings"
)

// Content validation runs before any embedding or storage cost is
// incurred. It is the cheapest gate, so it always runs first.

const minContentLength = 6

var placeholderPattern = regexp.MustCompile(`(?i)\b(undefined|null|nil|n/a|none|\[object object\]|lorem ipsum|xxx+|todo|tbd)\b`)

// Liquids are drunk, solids are eaten. A food_diet memory pairing the
// wrong verb with the wrong substance is incoherent and rejected.
var (
	liquidTerms = []string{"water", "juice", "milk", "coffee", "tea", "soda", "smoothie", "broth", "wine", "beer"}
	solidTerms  = []string{"oatmeal", "bread", "rice", "steak", "chicken", "pasta", "salad", "cheese", "eggs", "cereal"}

	eatVerbPattern   = regexp.MustCompile(`(?i)\b(eat|eats|eating|ate|chew|chews|chewing)\b`)
	drinkVerbPattern = regexp.MustCompile(`(?i)\b(drink|drinks|drinking|drank|sip|sips|sipping)\b`)
)

// ValidateContent reports whether content is coherent enough to store
// under category. Pure: no I/O, no provider calls.
func ValidateContent(content string, category Category) bool {
	content = strings.TrimSpace(content)
	if len(content) < minContentLength {
		return false
	}
	if placeholderPattern.MatchString(content) {
		return false
	}
	if !ValidCategory(category) {
		return false
	}
	if category == CategoryFoodDiet && hasFoodVerbMismatch(content) {
		return false
	}
	return true
}

func hasFoodVerbMismatch(content string) bool {
	lower := strings.ToLower(content)
	if eatVerbPattern.MatchString(lower) {
		for _, liquid := range liquidTerms {
			if containsWord(lower, liquid) {
				return true
			}
		}
	}
	if drinkVerbPattern.MatchString(lower) {
		for _, solid := range solidTerms {
			if containsWord(lower, solid) {
				return true
			}
		}
	}
	return false
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordByte(text[start-1])
		afterOK := end == len(text) || !isWordByte(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '_'
}

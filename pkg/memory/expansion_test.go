package memory

import (
	"context"
	"testing"
	"time"
)

func TestExpandKeepsQueryFirst(t *testing.T) {
	classifier := &scriptedClassifier{expansions: map[string][]string{
		"breakfast": {"morning meal", "oatmeal", "Breakfast", ""},
	}}
	e := NewQueryExpander(classifier, nil, time.Minute)
	terms := e.Expand(context.Background(), "breakfast", ConversationContext{})
	if len(terms) != 3 {
		t.Fatalf("terms = %v, want query plus two unique expansions", terms)
	}
	if terms[0] != "breakfast" {
		t.Fatalf("original query must come first, got %v", terms)
	}
}

func TestExpandFallsBackOnProviderError(t *testing.T) {
	classifier := &scriptedClassifier{expandErr: ErrProviderUnavailable}
	e := NewQueryExpander(classifier, nil, time.Minute)
	terms := e.Expand(context.Background(), "breakfast", ConversationContext{})
	if len(terms) != 1 || terms[0] != "breakfast" {
		t.Fatalf("terms = %v, want raw query only", terms)
	}
}

func TestExpandCachesResults(t *testing.T) {
	store := newTestStore(t)
	classifier := &scriptedClassifier{expansions: map[string][]string{
		"breakfast": {"oatmeal"},
	}}
	e := NewQueryExpander(classifier, store, time.Minute)

	first := e.Expand(context.Background(), "breakfast", ConversationContext{})
	if len(first) != 2 {
		t.Fatalf("first = %v", first)
	}
	// The provider changes its mind, but the cached expansion wins
	// within the TTL.
	classifier.expansions["breakfast"] = []string{"eggs", "toast"}
	second := e.Expand(context.Background(), "breakfast", ConversationContext{})
	if len(second) != 2 || second[1] != "oatmeal" {
		t.Fatalf("second = %v, want cached expansion", second)
	}
}

func TestExpandEmptyQuery(t *testing.T) {
	e := NewQueryExpander(&scriptedClassifier{}, nil, time.Minute)
	if terms := e.Expand(context.Background(), "  ", ConversationContext{}); terms != nil {
		t.Fatalf("terms = %v, want nil", terms)
	}
}

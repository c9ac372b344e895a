package memory

import (
	"context"
	"testing"
)

func TestExtractPersistsFacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entry := mustInsert(t, store, MemoryEntry{
		ID: "mem-1", UserID: "u1", Content: "i run 5k every morning and i lift twice a week",
		Category: CategoryGoals, IsActive: true,
	})

	classifier := &scriptedClassifier{facts: []AtomicFact{
		{Content: "runs 5k every morning", FactType: FactBehavior, Confidence: 0.7},
		{Content: "lifts twice a week", FactType: FactBehavior, Confidence: 0.7},
	}}
	e := NewFactExtractor(store, classifier)
	inserted, err := e.Extract(ctx, entry)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("inserted = %d, want 2", inserted)
	}

	facts, err := store.ListFacts(ctx, entry.ID)
	if err != nil {
		t.Fatalf("ListFacts: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("stored facts = %d, want 2", len(facts))
	}
	for _, f := range facts {
		if f.MemoryEntryID != entry.ID {
			t.Fatalf("fact parent = %s, want %s", f.MemoryEntryID, entry.ID)
		}
		if f.SourceContext == "" {
			t.Fatalf("fact missing source context: %+v", f)
		}
	}
}

func TestExtractIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entry := mustInsert(t, store, MemoryEntry{
		ID: "mem-1", UserID: "u1", Content: "i run 5k every morning",
		Category: CategoryGoals, IsActive: true,
	})

	classifier := &scriptedClassifier{facts: []AtomicFact{
		{Content: "Runs 5k every morning!", FactType: FactBehavior, Confidence: 0.7},
	}}
	e := NewFactExtractor(store, classifier)
	if _, err := e.Extract(ctx, entry); err != nil {
		t.Fatalf("first extract: %v", err)
	}
	// Same fact with different punctuation must not duplicate.
	classifier.facts = []AtomicFact{
		{Content: "runs 5k every morning", FactType: FactBehavior, Confidence: 0.7},
	}
	inserted, err := e.Extract(ctx, entry)
	if err != nil {
		t.Fatalf("second extract: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("repeat extraction inserted %d facts", inserted)
	}
	facts, err := store.ListFacts(ctx, entry.ID)
	if err != nil {
		t.Fatalf("ListFacts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("stored facts = %d, want 1", len(facts))
	}
}

func TestExtractWithoutClassifier(t *testing.T) {
	store := newTestStore(t)
	e := NewFactExtractor(store, nil)
	inserted, err := e.Extract(context.Background(), MemoryEntry{ID: "mem-1", Content: "anything"})
	if err != nil || inserted != 0 {
		t.Fatalf("nil classifier should be a no-op, got %d/%v", inserted, err)
	}
}

package memory

import (
	"context"
	"testing"
	"time"
)

func dedupEntry(id, content string, embedding []float32, ageMS int64) MemoryEntry {
	return MemoryEntry{
		ID:           id,
		UserID:       "u1",
		Content:      content,
		Category:     CategoryPreferences,
		Embedding:    embedding,
		SemanticHash: SemanticHash(embedding),
		CreatedAtMS:  time.Now().UnixMilli() - ageMS,
		IsActive:     true,
	}
}

func TestDecideSkipOnHashCollision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	vec := []float32{0.7, 0.3}
	mustInsert(t, store, dedupEntry("mem-a", "i prefer morning workouts", vec, 1000))

	d := NewTieredDeduplicator(store, nil, DefaultDedupThresholds(), 0, 50)
	candidate := dedupEntry("", "i prefer morning workouts", vec, 0)
	decision, err := d.Decide(ctx, "u1", candidate)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Action != DedupSkip {
		t.Fatalf("action = %s, want skip", decision.Action)
	}
	if decision.ExistingID != "mem-a" {
		t.Fatalf("existing id = %s, want mem-a", decision.ExistingID)
	}
	if decision.Similarity != 1.0 {
		t.Fatalf("similarity = %f, want 1.0", decision.Similarity)
	}
}

func TestDecideMergeInMidBand(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, store, dedupEntry("mem-a", "i like strength training", []float32{1, 0}, 1000))

	d := NewTieredDeduplicator(store, nil, DefaultDedupThresholds(), 0, 50)
	// cos([1,0],[0.75,0.661]) ~= 0.75: inside the merge band.
	candidate := dedupEntry("", "i like lifting weights at the gym", []float32{0.75, 0.661}, 0)
	decision, err := d.Decide(ctx, "u1", candidate)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Action != DedupMerge {
		t.Fatalf("action = %s (sim %.3f), want merge", decision.Action, decision.Similarity)
	}
}

func TestDecideUpdateForTemporalRestatement(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, store, dedupEntry("mem-a", "i run 5k", []float32{1, 0}, int64(time.Hour/time.Millisecond)))

	d := NewTieredDeduplicator(store, nil, DefaultDedupThresholds(), 0, 50)
	// cos ~= 0.60: update band, and the content is a word superset
	// created within the temporal window.
	candidate := dedupEntry("", "i run 5k every morning", []float32{0.6, 0.8}, 0)
	decision, err := d.Decide(ctx, "u1", candidate)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Action != DedupUpdate {
		t.Fatalf("action = %s (sim %.3f), want update", decision.Action, decision.Similarity)
	}
	if decision.ExistingID != "mem-a" {
		t.Fatalf("existing id = %s, want mem-a", decision.ExistingID)
	}
}

func TestDecideUpdateForRevisedPreference(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, store, dedupEntry("mem-a", "i prefer morning workouts", []float32{1, 0}, int64(time.Hour/time.Millisecond)))

	d := NewTieredDeduplicator(store, nil, DefaultDedupThresholds(), 0, 50)
	// cos ~= 0.707 lands in the merge band, but the candidate revises
	// the same preference within the temporal window: it must
	// supersede, not merge.
	candidate := dedupEntry("", "i actually prefer evening workouts now", []float32{0.707, 0.707}, 0)
	decision, err := d.Decide(ctx, "u1", candidate)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Action != DedupUpdate {
		t.Fatalf("action = %s (sim %.3f), want update", decision.Action, decision.Similarity)
	}
	if decision.ExistingID != "mem-a" {
		t.Fatalf("existing id = %s, want mem-a", decision.ExistingID)
	}
}

func TestDecideUpdateForRevisedPreferenceLexical(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, store, dedupEntry("mem-a", "i prefer morning workouts", nil, int64(time.Hour/time.Millisecond)))

	d := NewTieredDeduplicator(store, nil, DefaultDedupThresholds(), 0, 50)
	candidate := dedupEntry("", "i actually prefer evening workouts now", nil, 0)
	decision, err := d.Decide(ctx, "u1", candidate)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !decision.Degraded {
		t.Fatalf("expected degraded decision without embeddings")
	}
	if decision.Action != DedupUpdate {
		t.Fatalf("action = %s (sim %.3f), want update", decision.Action, decision.Similarity)
	}
}

func TestDecideMergeWhenRestatedOutsideWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, store, dedupEntry("mem-a", "i prefer morning workouts", []float32{1, 0}, int64(25*time.Hour/time.Millisecond)))

	d := NewTieredDeduplicator(store, nil, DefaultDedupThresholds(), 0, 50)
	candidate := dedupEntry("", "i actually prefer evening workouts now", []float32{0.707, 0.707}, 0)
	decision, err := d.Decide(ctx, "u1", candidate)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Action != DedupMerge {
		t.Fatalf("action = %s (sim %.3f), want merge past the temporal window", decision.Action, decision.Similarity)
	}
}

func TestDecideCreateWhenDissimilar(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, store, dedupEntry("mem-a", "i run 5k", []float32{1, 0}, 1000))

	d := NewTieredDeduplicator(store, nil, DefaultDedupThresholds(), 0, 50)
	candidate := dedupEntry("", "my cat is named biscuit", []float32{0.2, 0.98}, 0)
	decision, err := d.Decide(ctx, "u1", candidate)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Action != DedupCreate {
		t.Fatalf("action = %s (sim %.3f), want create", decision.Action, decision.Similarity)
	}
}

func TestDecideLexicalFallbackWithoutEmbeddings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, store, dedupEntry("mem-a", "i prefer morning workouts", nil, 1000))

	d := NewTieredDeduplicator(store, nil, DefaultDedupThresholds(), 0, 50)
	candidate := dedupEntry("", "i prefer morning workouts", nil, 0)
	decision, err := d.Decide(ctx, "u1", candidate)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !decision.Degraded {
		t.Fatalf("expected degraded decision without embeddings")
	}
	if decision.Action != DedupSkip {
		t.Fatalf("action = %s, want skip from lexical match", decision.Action)
	}
}

func TestDecideDeterministicTieBreak(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Now().UnixMilli() - 5000
	for _, id := range []string{"mem-b", "mem-a"} {
		entry := dedupEntry(id, "i drink green tea", []float32{1, 0}, 0)
		entry.CreatedAtMS = at
		mustInsert(t, store, entry)
	}

	d := NewTieredDeduplicator(store, nil, DefaultDedupThresholds(), 0, 50)
	candidate := dedupEntry("", "i drink green tea daily", []float32{0.99, 0.141}, 0)
	first, err := d.Decide(ctx, "u1", candidate)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := d.Decide(ctx, "u1", candidate)
		if err != nil {
			t.Fatalf("Decide repeat: %v", err)
		}
		if again.Action != first.Action || again.ExistingID != first.ExistingID {
			t.Fatalf("decision changed between runs: %+v vs %+v", first, again)
		}
	}
	if first.ExistingID != "mem-a" {
		t.Fatalf("tie should break to the lexicographically smaller id, got %s", first.ExistingID)
	}
}

func TestMergeEntriesUnionsFields(t *testing.T) {
	existing := MemoryEntry{
		Content:    "i like yoga",
		Keywords:   []string{"yoga"},
		Importance: 0.4,
		Confidence: 0.9,
	}
	candidate := MemoryEntry{
		Content:    "i like hot yoga on weekends",
		Keywords:   []string{"yoga", "weekends"},
		Importance: 0.7,
		Confidence: 0.5,
	}
	merged := MergeEntries(existing, candidate)
	if merged.Content != "i like yoga; i like hot yoga on weekends" {
		t.Fatalf("merged content = %q", merged.Content)
	}
	if len(merged.Keywords) != 2 {
		t.Fatalf("merged keywords = %v", merged.Keywords)
	}
	if merged.Importance != 0.7 || merged.Confidence != 0.9 {
		t.Fatalf("merged importance/confidence = %f/%f", merged.Importance, merged.Confidence)
	}
}

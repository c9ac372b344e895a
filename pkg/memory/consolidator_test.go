package memory

import (
	"context"
	"testing"
	"time"
)

func consolidationPair(t *testing.T, store *SQLiteStore, relType RelationshipType, strength, confidence float64) (older, newer MemoryEntry) {
	t.Helper()
	now := time.Now().UnixMilli()
	older = mustInsert(t, store, MemoryEntry{
		ID: "mem-old", UserID: "u1", Content: "i train in the evenings",
		Category: CategoryPreferences, CreatedAtMS: now - 60000, IsActive: true,
	})
	newer = mustInsert(t, store, MemoryEntry{
		ID: "mem-new", UserID: "u1", Content: "i train in the mornings now",
		Category: CategoryPreferences, CreatedAtMS: now, IsActive: true,
	})
	rel := MemoryRelationship{
		ID: "rel-1", SourceID: older.ID, TargetID: newer.ID,
		Type: relType, Strength: strength, Confidence: confidence, IsActive: true,
	}
	if err := store.UpsertRelationship(context.Background(), rel); err != nil {
		t.Fatalf("UpsertRelationship: %v", err)
	}
	return older, newer
}

func TestSweepResolvesContradiction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	older, newer := consolidationPair(t, store, RelContradicts, 0.8, 0.9)

	c := NewConsolidator(store, nil, 0.85, true)
	applied, err := c.SweepUser(ctx, "u1")
	if err != nil {
		t.Fatalf("SweepUser: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}

	got, err := store.GetEntry(ctx, "u1", older.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.IsActive {
		t.Fatalf("contradicted older entry should be inactive")
	}
	if got.SupersededBy != newer.ID {
		t.Fatalf("superseded by = %s, want %s", got.SupersededBy, newer.ID)
	}

	kept, err := store.GetEntry(ctx, "u1", newer.ID)
	if err != nil {
		t.Fatalf("GetEntry newer: %v", err)
	}
	if !kept.IsActive {
		t.Fatalf("newer entry should stay active")
	}

	log, err := store.ListConsolidationLog(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListConsolidationLog: %v", err)
	}
	if len(log) != 1 || log[0].Type != ConsolidationContradiction {
		t.Fatalf("log = %+v, want one contradiction entry", log)
	}
	if log[0].ResultID != newer.ID {
		t.Fatalf("log result = %s, want %s", log[0].ResultID, newer.ID)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	consolidationPair(t, store, RelContradicts, 0.8, 0.9)

	c := NewConsolidator(store, nil, 0.85, true)
	if _, err := c.SweepUser(ctx, "u1"); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	applied, err := c.SweepUser(ctx, "u1")
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if applied != 0 {
		t.Fatalf("second sweep applied %d actions, want 0", applied)
	}
	log, err := store.ListConsolidationLog(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListConsolidationLog: %v", err)
	}
	if len(log) != 1 {
		t.Fatalf("log grew to %d rows on a repeat sweep", len(log))
	}
}

func TestSweepMergesStrongSupport(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	older, newer := consolidationPair(t, store, RelSupports, 0.9, 0.8)

	c := NewConsolidator(store, nil, 0.85, true)
	applied, err := c.SweepUser(ctx, "u1")
	if err != nil {
		t.Fatalf("SweepUser: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}

	log, err := store.ListConsolidationLog(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListConsolidationLog: %v", err)
	}
	if len(log) != 1 || log[0].Type != ConsolidationMerge {
		t.Fatalf("log = %+v, want one merge entry", log)
	}

	merged, err := store.GetEntry(ctx, "u1", log[0].ResultID)
	if err != nil {
		t.Fatalf("merged entry missing: %v", err)
	}
	if !merged.IsActive {
		t.Fatalf("merged entry should be active")
	}
	for _, id := range []string{older.ID, newer.ID} {
		src, err := store.GetEntry(ctx, "u1", id)
		if err != nil {
			t.Fatalf("GetEntry %s: %v", id, err)
		}
		if src.IsActive {
			t.Fatalf("merge source %s should be inactive", id)
		}
		if src.SupersededBy != merged.ID {
			t.Fatalf("merge source %s superseded by %s, want %s", id, src.SupersededBy, merged.ID)
		}
	}
}

func TestSweepSkipsWeakSupport(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	consolidationPair(t, store, RelSupports, 0.5, 0.8)

	c := NewConsolidator(store, nil, 0.85, true)
	applied, err := c.SweepUser(ctx, "u1")
	if err != nil {
		t.Fatalf("SweepUser: %v", err)
	}
	if applied != 0 {
		t.Fatalf("weak support should not trigger a merge, applied %d", applied)
	}
}

func TestSweepMergeDisabled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	consolidationPair(t, store, RelSupports, 0.95, 0.8)

	c := NewConsolidator(store, nil, 0.85, false)
	applied, err := c.SweepUser(ctx, "u1")
	if err != nil {
		t.Fatalf("SweepUser: %v", err)
	}
	if applied != 0 {
		t.Fatalf("merges disabled but %d applied", applied)
	}
}

func TestSweepDropsWeakReferences(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entry := mustInsert(t, store, MemoryEntry{
		ID: "mem-a", UserID: "u1", Content: "i train in the evenings",
		Category: CategoryPreferences, IsActive: true,
	})
	rel := MemoryRelationship{
		ID: "rel-1", SourceID: entry.ID, TargetID: "mem-gone",
		Type: RelContradicts, Strength: 0.8, Confidence: 0.9, IsActive: true,
	}
	if err := store.UpsertRelationship(ctx, rel); err != nil {
		t.Fatalf("UpsertRelationship: %v", err)
	}

	c := NewConsolidator(store, nil, 0.85, true)
	applied, err := c.SweepUser(ctx, "u1")
	if err != nil {
		t.Fatalf("SweepUser: %v", err)
	}
	if applied != 0 {
		t.Fatalf("dangling relationship applied %d actions", applied)
	}
	rels, err := store.ListRelationshipsFor(ctx, entry.ID)
	if err != nil {
		t.Fatalf("ListRelationshipsFor: %v", err)
	}
	if len(rels) != 0 {
		t.Fatalf("dangling relationship should be deactivated")
	}
	got, err := store.GetEntry(ctx, "u1", entry.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if !got.IsActive {
		t.Fatalf("surviving side must stay active")
	}
}

func TestSweepResolvesConflictsByConfidence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	a := mustInsert(t, store, MemoryEntry{
		ID: "mem-a", UserID: "u1", Content: "i avoid caffeine",
		Category: CategoryFoodDiet, CreatedAtMS: now - 120000, IsActive: true,
	})
	b := mustInsert(t, store, MemoryEntry{
		ID: "mem-b", UserID: "u1", Content: "i drink one espresso a day",
		Category: CategoryFoodDiet, CreatedAtMS: now - 60000, IsActive: true,
	})
	d := mustInsert(t, store, MemoryEntry{
		ID: "mem-d", UserID: "u1", Content: "i switched to decaf entirely",
		Category: CategoryFoodDiet, CreatedAtMS: now, IsActive: true,
	})
	// Two contradictions both want to deactivate mem-a; the
	// higher-confidence one must win, the other is logged as discarded.
	low := MemoryRelationship{ID: "rel-low", SourceID: a.ID, TargetID: b.ID, Type: RelContradicts, Strength: 0.7, Confidence: 0.5, IsActive: true}
	high := MemoryRelationship{ID: "rel-high", SourceID: a.ID, TargetID: d.ID, Type: RelContradicts, Strength: 0.7, Confidence: 0.9, IsActive: true}
	for _, rel := range []MemoryRelationship{low, high} {
		if err := store.UpsertRelationship(ctx, rel); err != nil {
			t.Fatalf("UpsertRelationship: %v", err)
		}
	}

	c := NewConsolidator(store, nil, 0.85, true)
	applied, err := c.SweepUser(ctx, "u1")
	if err != nil {
		t.Fatalf("SweepUser: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}

	got, err := store.GetEntry(ctx, "u1", a.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.IsActive || got.SupersededBy != d.ID {
		t.Fatalf("mem-a should be superseded by the high-confidence winner, got %+v", got)
	}

	log, err := store.ListConsolidationLog(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListConsolidationLog: %v", err)
	}
	types := map[string]int{}
	for _, entry := range log {
		types[entry.Type]++
	}
	if types[ConsolidationContradiction] != 1 || types[ConsolidationConflict] != 1 {
		t.Fatalf("log types = %v, want one resolution and one discard", types)
	}
}

func TestSweepFollowsSupersedeChain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	a := mustInsert(t, store, MemoryEntry{
		ID: "mem-a", UserID: "u1", Content: "i lift twice a week",
		Category: CategoryGoals, CreatedAtMS: now - 120000, IsActive: true,
	})
	b := mustInsert(t, store, MemoryEntry{
		ID: "mem-b", UserID: "u1", Content: "i lift three times a week",
		Category: CategoryGoals, CreatedAtMS: now - 60000, IsActive: true,
	})
	head := mustInsert(t, store, MemoryEntry{
		ID: "mem-head", UserID: "u1", Content: "i lift four times a week",
		Category: CategoryGoals, CreatedAtMS: now, IsActive: true,
	})
	// b was already replaced by head before the sweep runs.
	if err := store.DeactivateEntry(ctx, "u1", b.ID, head.ID); err != nil {
		t.Fatalf("DeactivateEntry: %v", err)
	}
	rel := MemoryRelationship{ID: "rel-1", SourceID: a.ID, TargetID: b.ID, Type: RelContradicts, Strength: 0.8, Confidence: 0.9, IsActive: true}
	if err := store.UpsertRelationship(ctx, rel); err != nil {
		t.Fatalf("UpsertRelationship: %v", err)
	}

	c := NewConsolidator(store, nil, 0.85, true)
	if _, err := c.SweepUser(ctx, "u1"); err != nil {
		t.Fatalf("SweepUser: %v", err)
	}
	// The relationship's newer side is inactive, so the sweep treats it
	// as settled rather than pointing mem-a at a dead entry.
	got, err := store.GetEntry(ctx, "u1", a.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if !got.IsActive {
		t.Fatalf("mem-a should survive a relationship whose other side is already superseded")
	}
}

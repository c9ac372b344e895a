package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestService(t *testing.T, classifier Classifier, embedder Embedder) (*Service, *SQLiteStore) {
	t.Helper()
	store := newTestStore(t)
	cfg := DefaultServiceConfig()
	cfg.Scheduler.Workers = 2
	cfg.Scheduler.QueueSize = 64
	cfg.Scheduler.RetryBackoff = time.Millisecond
	cfg.Scheduler.SweepCron = ""
	svc := NewService(cfg, store, store, classifier, embedder, nil)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, store
}

func TestCreateMemoryManual(t *testing.T) {
	svc, store := newTestService(t, &scriptedClassifier{}, newTokenEmbedder())
	ctx := context.Background()

	entry, err := svc.CreateMemoryManual(ctx, "u1", "I prefer morning workouts", CategoryPreferences, 0.6)
	if err != nil {
		t.Fatalf("CreateMemoryManual: %v", err)
	}
	if !strings.HasPrefix(entry.ID, "mem-") {
		t.Fatalf("entry id = %q, want mem- prefix", entry.ID)
	}
	if !entry.IsActive || entry.Confidence != 1.0 {
		t.Fatalf("manual entry = %+v, want active with full confidence", entry)
	}
	if len(entry.Embedding) == 0 || entry.SemanticHash == "" {
		t.Fatalf("manual entry missing embedding: %+v", entry)
	}

	stored, err := store.GetEntry(ctx, "u1", entry.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if stored.Metadata["source"] != "manual" {
		t.Fatalf("metadata = %v", stored.Metadata)
	}
}

func TestCreateMemoryManualRejectsInvalid(t *testing.T) {
	svc, _ := newTestService(t, &scriptedClassifier{}, nil)
	_, err := svc.CreateMemoryManual(context.Background(), "u1", "hi", CategoryPreferences, 0.5)
	if !errors.Is(err, ErrValidationRejected) {
		t.Fatalf("err = %v, want ErrValidationRejected", err)
	}
}

func TestCreateDuplicateSkips(t *testing.T) {
	svc, store := newTestService(t, &scriptedClassifier{}, newTokenEmbedder())
	ctx := context.Background()

	first, err := svc.CreateMemoryManual(ctx, "u1", "I prefer morning workouts", CategoryPreferences, 0.6)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := svc.CreateMemoryManual(ctx, "u1", "I prefer morning workouts", CategoryPreferences, 0.6)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate produced a new entry: %s vs %s", second.ID, first.ID)
	}

	stored, err := store.GetEntry(ctx, "u1", first.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if stored.AccessCount != 1 {
		t.Fatalf("access count = %d, want 1 after duplicate skip", stored.AccessCount)
	}

	counts, err := svc.GetOverview(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOverview: %v", err)
	}
	if len(counts) != 1 || counts[0].Count != 1 {
		t.Fatalf("overview = %+v, want a single entry", counts)
	}
}

func TestDeleteMemoryIdempotent(t *testing.T) {
	svc, store := newTestService(t, &scriptedClassifier{}, nil)
	ctx := context.Background()

	entry, err := svc.CreateMemoryManual(ctx, "u1", "I prefer morning workouts", CategoryPreferences, 0.6)
	if err != nil {
		t.Fatalf("CreateMemoryManual: %v", err)
	}
	if err := svc.DeleteMemory(ctx, "u1", entry.ID); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	stored, err := store.GetEntry(ctx, "u1", entry.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if stored.IsActive {
		t.Fatalf("entry should be inactive after delete")
	}

	// Deleting again is a no-op, not an error.
	if err := svc.DeleteMemory(ctx, "u1", entry.ID); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if err := svc.DeleteMemory(ctx, "u1", "mem-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestBulkDeleteSkipsUnknownIDs(t *testing.T) {
	svc, _ := newTestService(t, &scriptedClassifier{}, nil)
	ctx := context.Background()

	a, err := svc.CreateMemoryManual(ctx, "u1", "I prefer morning workouts", CategoryPreferences, 0.6)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := svc.CreateMemoryManual(ctx, "u1", "my goal is to finish a half marathon", CategoryGoals, 0.8)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	if err := svc.BulkDelete(ctx, "u1", []string{a.ID, "mem-missing", b.ID}); err != nil {
		t.Fatalf("BulkDelete: %v", err)
	}
	counts, err := svc.GetOverview(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOverview: %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("overview = %+v, want empty after bulk delete", counts)
	}
}

func TestDetectionPipelineStoresWorthyMessage(t *testing.T) {
	classifier := &scriptedClassifier{
		result: DetectionResult{
			Worthy:     true,
			Category:   CategoryPreferences,
			Keywords:   []string{"morning", "workouts"},
			Importance: 0.7,
			Confidence: 0.9,
		},
	}
	svc, store := newTestService(t, classifier, newTokenEmbedder())
	ctx := context.Background()

	svc.SubmitMessageForDetection("u1", "I prefer morning workouts", "c1")
	if !svc.Scheduler().Drain(5 * time.Second) {
		t.Fatalf("background queue did not drain")
	}

	entries, err := store.ListActiveEntries(ctx, "u1", 0, 10)
	if err != nil {
		t.Fatalf("ListActiveEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 from detection", len(entries))
	}
	got := entries[0]
	if got.Category != CategoryPreferences || got.Metadata["source"] != "detection" {
		t.Fatalf("detected entry = %+v", got)
	}
	if got.Metadata["conversation_id"] != "c1" {
		t.Fatalf("conversation id not recorded: %v", got.Metadata)
	}
}

func TestDetectionIgnoresUnworthyMessage(t *testing.T) {
	svc, store := newTestService(t, &scriptedClassifier{result: DetectionResult{Worthy: false}}, nil)

	svc.SubmitMessageForDetection("u1", "what's the weather like", "c1")
	if !svc.Scheduler().Drain(5 * time.Second) {
		t.Fatalf("background queue did not drain")
	}
	entries, err := store.ListActiveEntries(context.Background(), "u1", 0, 10)
	if err != nil {
		t.Fatalf("ListActiveEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("unworthy message stored %d entries", len(entries))
	}
}

func TestDetectionContainsClassifierFailure(t *testing.T) {
	svc, store := newTestService(t, &scriptedClassifier{classifyErr: ErrProviderUnavailable}, nil)

	svc.SubmitMessageForDetection("u1", "i prefer morning workouts", "c1")
	if !svc.Scheduler().Drain(5 * time.Second) {
		t.Fatalf("background queue did not drain")
	}
	entries, err := store.ListActiveEntries(context.Background(), "u1", 0, 10)
	if err != nil {
		t.Fatalf("ListActiveEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed classification stored %d entries", len(entries))
	}
	if svc.Scheduler().Failed() != 0 {
		t.Fatalf("provider failure should not count as a task failure")
	}
}

func TestConsolidateResolvesContradictionEndToEnd(t *testing.T) {
	svc, store := newTestService(t, &scriptedClassifier{}, nil)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	older := mustInsert(t, store, MemoryEntry{
		ID: "mem-old", UserID: "u1", Content: "i train in the evenings",
		Category: CategoryPreferences, CreatedAtMS: now - 60000, IsActive: true,
	})
	mustInsert(t, store, MemoryEntry{
		ID: "mem-new", UserID: "u1", Content: "i train in the mornings now",
		Category: CategoryPreferences, CreatedAtMS: now, IsActive: true,
	})
	rel := MemoryRelationship{ID: "rel-1", SourceID: "mem-old", TargetID: "mem-new", Type: RelContradicts, Strength: 0.8, Confidence: 0.9, IsActive: true}
	if err := store.UpsertRelationship(ctx, rel); err != nil {
		t.Fatalf("UpsertRelationship: %v", err)
	}

	applied, err := svc.Consolidate(ctx, "u1")
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	got, err := store.GetEntry(ctx, "u1", older.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.IsActive {
		t.Fatalf("older contradicted entry still active")
	}

	log, err := svc.ConsolidationLog(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ConsolidationLog: %v", err)
	}
	if len(log) != 1 || log[0].Type != ConsolidationContradiction {
		t.Fatalf("log = %+v", log)
	}

	metrics, err := svc.GraphMetricsFor(ctx, "u1")
	if err != nil {
		t.Fatalf("GraphMetricsFor: %v", err)
	}
	if metrics.UserID != "u1" || metrics.TotalMemories != 1 {
		t.Fatalf("metrics = %+v, want one active memory", metrics)
	}
}

func TestCreateMergeRefreshesFacts(t *testing.T) {
	svc, store := newTestService(t, &scriptedClassifier{}, nil)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	mustInsert(t, store, MemoryEntry{
		ID: "mem-a", UserID: "u1",
		Content:     "i do yoga stretching and core work on monday wednesday friday",
		Category:    CategoryPreferences,
		CreatedAtMS: now - (25 * time.Hour).Milliseconds(),
		IsActive:    true,
	})
	if err := store.InsertFact(ctx, AtomicFact{
		ID: "fact-1", MemoryEntryID: "mem-a",
		Content: "does yoga three times a week", FactType: FactBehavior, Confidence: 0.7,
	}); err != nil {
		t.Fatalf("InsertFact: %v", err)
	}

	merged, err := svc.CreateMemoryManual(ctx, "u1", "i do yoga stretching plus core work daily", CategoryPreferences, 0.6)
	if err != nil {
		t.Fatalf("CreateMemoryManual: %v", err)
	}
	if merged.ID != "mem-a" {
		t.Fatalf("merge produced a new entry %s, want mem-a", merged.ID)
	}
	if !strings.Contains(merged.Content, "monday") || !strings.Contains(merged.Content, "daily") {
		t.Fatalf("merged content = %q, want both statements", merged.Content)
	}
	if !svc.Scheduler().Drain(5 * time.Second) {
		t.Fatalf("background queue did not drain")
	}

	facts, err := store.ListFacts(ctx, "mem-a")
	if err != nil {
		t.Fatalf("ListFacts: %v", err)
	}
	for _, f := range facts {
		if f.ID == "fact-1" {
			t.Fatalf("pre-merge fact survived the merge: %+v", facts)
		}
	}
}

func TestGetContextualMemoriesConfiguredDefault(t *testing.T) {
	store := newTestStore(t)
	cfg := DefaultServiceConfig()
	cfg.Scheduler.Workers = 2
	cfg.Scheduler.QueueSize = 64
	cfg.Scheduler.RetryBackoff = time.Millisecond
	cfg.Scheduler.SweepCron = ""
	cfg.MaxRecallItems = 1
	svc := NewService(cfg, store, store, &scriptedClassifier{}, nil, nil)
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	if _, err := svc.CreateMemoryManual(ctx, "u1", "i like jazz records", CategoryPreferences, 0.5); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := svc.CreateMemoryManual(ctx, "u1", "my goal is to finish a half marathon", CategoryGoals, 0.8); err != nil {
		t.Fatalf("create b: %v", err)
	}

	results, err := svc.GetContextualMemories(ctx, "u1", "weekend music and training", ConversationContext{SessionLength: 5}, 0)
	if err != nil {
		t.Fatalf("GetContextualMemories: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want the configured limit of 1", len(results))
	}
}

func TestGetContextualMemoriesDefaultsLimit(t *testing.T) {
	svc, _ := newTestService(t, &scriptedClassifier{}, nil)
	ctx := context.Background()
	if _, err := svc.CreateMemoryManual(ctx, "u1", "I prefer morning workouts", CategoryPreferences, 0.6); err != nil {
		t.Fatalf("CreateMemoryManual: %v", err)
	}

	results, err := svc.GetContextualMemories(ctx, "u1", "morning workouts", ConversationContext{SessionLength: 5}, 0)
	if err != nil {
		t.Fatalf("GetContextualMemories: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
}

package memory

import (
	"context"
	"hash/fnv"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// tokenEmbedder hashes tokens into a small deterministic vector so
// similar sentences get similar vectors. Test stand-in for a real model.
type tokenEmbedder struct {
	dims int
}

func newTokenEmbedder() *tokenEmbedder { return &tokenEmbedder{dims: 64} }

func (e *tokenEmbedder) ModelID() string { return "test-token-64" }

func (e *tokenEmbedder) Dims() int { return e.dims }

func (e *tokenEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range Tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum64()%uint64(e.dims))] += 1
	}
	NormalizeVector(vec)
	return vec, nil
}

// unavailableEmbedder always reports the provider as down.
type unavailableEmbedder struct{}

func (unavailableEmbedder) ModelID() string { return "down" }

func (unavailableEmbedder) Dims() int { return 0 }

func (unavailableEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrProviderUnavailable
}

// scriptedClassifier returns canned verdicts for deterministic tests.
type scriptedClassifier struct {
	result      DetectionResult
	classifyErr error
	expansions  map[string][]string
	expandErr   error
	facts       []AtomicFact
	relType     RelationshipType
	relStrength float64
	relConf     float64
}

func (c *scriptedClassifier) Name() string { return "scripted" }

func (c *scriptedClassifier) Classify(ctx context.Context, text string, history []Message) (DetectionResult, error) {
	if c.classifyErr != nil {
		return DetectionResult{}, c.classifyErr
	}
	return c.result, nil
}

func (c *scriptedClassifier) ExpandQuery(ctx context.Context, query string) ([]string, error) {
	if c.expandErr != nil {
		return nil, c.expandErr
	}
	if c.expansions == nil {
		return nil, nil
	}
	return c.expansions[query], nil
}

func (c *scriptedClassifier) ExtractFacts(ctx context.Context, content string, category Category) ([]AtomicFact, error) {
	return c.facts, nil
}

func (c *scriptedClassifier) DetectRelationship(ctx context.Context, a, b MemoryEntry) (RelationshipType, float64, float64, error) {
	return c.relType, c.relStrength, c.relConf, nil
}

func mustInsert(t *testing.T, store *SQLiteStore, entry MemoryEntry) MemoryEntry {
	t.Helper()
	stored, err := store.InsertEntry(context.Background(), entry)
	if err != nil {
		t.Fatalf("insert entry %s: %v", entry.ID, err)
	}
	return stored
}

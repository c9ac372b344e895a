package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachkit/recall/pkg/logger"
)

// FactExtractor decomposes a persisted entry into atomic facts via the
// classification capability. Idempotent: re-running extraction never
// duplicates facts, compared by normalized content.
type FactExtractor struct {
	store      Store
	classifier Classifier
}

func NewFactExtractor(store Store, classifier Classifier) *FactExtractor {
	return &FactExtractor{store: store, classifier: classifier}
}

// Extract decomposes entry.Content and persists new facts as children
// of the entry. Returns the number of facts inserted.
func (e *FactExtractor) Extract(ctx context.Context, entry MemoryEntry) (int, error) {
	if e.classifier == nil || strings.TrimSpace(entry.Content) == "" {
		return 0, nil
	}

	facts, err := e.classifier.ExtractFacts(ctx, entry.Content, entry.Category)
	if err != nil {
		return 0, fmt.Errorf("extract facts: %w", err)
	}
	if len(facts) == 0 {
		return 0, nil
	}

	existing, err := e.store.ListFacts(ctx, entry.ID)
	if err != nil {
		return 0, fmt.Errorf("list existing facts: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, f := range existing {
		known[normalizeFactContent(f.Content)] = struct{}{}
	}

	inserted := 0
	for _, fact := range facts {
		norm := normalizeFactContent(fact.Content)
		if norm == "" {
			continue
		}
		if _, ok := known[norm]; ok {
			continue
		}
		known[norm] = struct{}{}

		fact.ID = "fact-" + uuid.NewString()
		fact.MemoryEntryID = entry.ID
		fact.Confidence = clamp01(fact.Confidence)
		if fact.SourceContext == "" {
			fact.SourceContext = snippet(entry.Content, 160)
		}
		fact.CreatedAtMS = time.Now().UnixMilli()
		if err := e.store.InsertFact(ctx, fact); err != nil {
			return inserted, fmt.Errorf("insert fact: %w", err)
		}
		inserted++
	}

	if inserted > 0 {
		logger.DebugCF("memory.extractor", "atomic facts extracted", map[string]interface{}{
			"memory_id": entry.ID, "count": inserted,
		})
	}
	return inserted, nil
}

func normalizeFactContent(content string) string {
	return strings.Join(Tokenize(content), " ")
}

func snippet(content string, max int) string {
	content = strings.TrimSpace(content)
	if len(content) <= max {
		return content
	}
	return content[:max] + "..."
}

package providers

import (
	"context"

	"github.com/coachkit/recall/pkg/memory"
)

// NoneClassifier disables automatic detection and AI-assisted
// decomposition. Manual memory creation keeps working.
type NoneClassifier struct{}

func (NoneClassifier) Name() string { return "none" }

func (NoneClassifier) Classify(ctx context.Context, text string, history []memory.Message) (memory.DetectionResult, error) {
	return memory.DetectionResult{}, nil
}

func (NoneClassifier) ExpandQuery(ctx context.Context, query string) ([]string, error) {
	return nil, nil
}

func (NoneClassifier) ExtractFacts(ctx context.Context, content string, category memory.Category) ([]memory.AtomicFact, error) {
	return nil, nil
}

func (NoneClassifier) DetectRelationship(ctx context.Context, a, b memory.MemoryEntry) (memory.RelationshipType, float64, float64, error) {
	return "", 0, 0, nil
}

// NoneEmbedder reports unavailability so every caller takes the
// lexical fallback path.
type NoneEmbedder struct{}

func (NoneEmbedder) ModelID() string { return "none" }

func (NoneEmbedder) Dims() int { return 0 }

func (NoneEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, memory.ErrProviderUnavailable
}

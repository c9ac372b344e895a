package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coachkit/recall/pkg/logger"
)

// RelationshipEngine detects semantic links between a memory and the
// rest of the user's active graph. Symmetric relationships (related,
// supports, elaborates, contradicts) are stored once with the ids in
// lexicographic order; supersedes keeps its direction.
type RelationshipEngine struct {
	store       Store
	classifier  Classifier
	compareCap  int
	minStrength float64
}

func NewRelationshipEngine(store Store, classifier Classifier, compareCap int, minStrength float64) *RelationshipEngine {
	if compareCap <= 0 {
		compareCap = 50
	}
	if minStrength <= 0 {
		minStrength = 0.3
	}
	return &RelationshipEngine{store: store, classifier: classifier, compareCap: compareCap, minStrength: minStrength}
}

// DetectFor compares entry against the user's other active memories
// and persists detected relationships. Returns the number stored.
func (re *RelationshipEngine) DetectFor(ctx context.Context, entry MemoryEntry) (int, error) {
	if re.classifier == nil {
		return 0, nil
	}
	others, err := re.store.ListActiveEntries(ctx, entry.UserID, 0, re.compareCap)
	if err != nil {
		return 0, fmt.Errorf("relationship candidates: %w", err)
	}

	stored := 0
	for _, other := range others {
		if other.ID == entry.ID {
			continue
		}
		relType, strength, confidence, err := re.classifier.DetectRelationship(ctx, entry, other)
		if err != nil {
			logger.DebugCF("memory.relationships", "relationship detection failed for pair", map[string]interface{}{
				"source": entry.ID, "target": other.ID, "error": err.Error(),
			})
			continue
		}
		if relType == "" || strength < re.minStrength {
			continue
		}

		source, target := entry.ID, other.ID
		if isSymmetric(relType) && target < source {
			source, target = target, source
		}
		rel := MemoryRelationship{
			ID:          "rel-" + uuid.NewString(),
			SourceID:    source,
			TargetID:    target,
			Type:        relType,
			Strength:    clamp01(strength),
			Confidence:  clamp01(confidence),
			IsActive:    true,
			CreatedAtMS: time.Now().UnixMilli(),
		}
		if err := re.store.UpsertRelationship(ctx, rel); err != nil {
			return stored, fmt.Errorf("store relationship: %w", err)
		}
		stored++
	}
	return stored, nil
}

func isSymmetric(t RelationshipType) bool {
	switch t {
	case RelRelated, RelSupports, RelElaborates, RelContradicts:
		return true
	default:
		return false
	}
}

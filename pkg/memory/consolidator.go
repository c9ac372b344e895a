package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coachkit/recall/pkg/logger"
)

// supersedeChainDepthCap bounds supersededBy chain walking so a cyclic
// chain (possible with weak id references) cannot hang consolidation.
const supersedeChainDepthCap = 8

// Consolidator resolves detected relationships into graph actions:
// contradictions deactivate the older entry, strong support merges
// entries. Every action is logged to the append-only consolidation
// log; entries are never physically deleted.
type Consolidator struct {
	store         Store
	embedder      Embedder
	mergeStrength float64
	mergeEnabled  bool
}

func NewConsolidator(store Store, embedder Embedder, mergeStrength float64, mergeEnabled bool) *Consolidator {
	if mergeStrength <= 0 {
		mergeStrength = 0.85
	}
	return &Consolidator{store: store, embedder: embedder, mergeStrength: mergeStrength, mergeEnabled: mergeEnabled}
}

type consolidationAction struct {
	kind     string // "contradiction" or "merge"
	rel      MemoryRelationship
	loserID  string
	winnerID string
	otherID  string
}

// SweepUser runs a full consolidation pass for one user. Idempotent:
// a second sweep with no new memories produces zero new log rows.
func (c *Consolidator) SweepUser(ctx context.Context, userID string) (int, error) {
	rels, err := c.store.ListActiveRelationships(ctx, userID, 500)
	if err != nil {
		return 0, fmt.Errorf("consolidation relationships: %w", err)
	}
	if len(rels) == 0 {
		return 0, nil
	}

	// Plan all actions first so conflicting rules targeting the same
	// entry can be resolved by confidence before anything is applied.
	actions := []consolidationAction{}
	for _, rel := range rels {
		source, sErr := c.store.GetEntry(ctx, userID, rel.SourceID)
		target, tErr := c.store.GetEntry(ctx, userID, rel.TargetID)
		if sErr != nil || tErr != nil || !source.IsActive || !target.IsActive {
			// Weak references: a side went inactive or missing, so this
			// relationship is no longer authoritative.
			_ = c.store.DeactivateRelationship(ctx, rel.ID)
			continue
		}

		switch rel.Type {
		case RelContradicts:
			older, newer := orderByAge(source, target)
			actions = append(actions, consolidationAction{
				kind:     "contradiction",
				rel:      rel,
				loserID:  older.ID,
				winnerID: newer.ID,
			})
		case RelSupports, RelElaborates:
			if c.mergeEnabled && rel.Strength >= c.mergeStrength {
				actions = append(actions, consolidationAction{
					kind:    "merge",
					rel:     rel,
					loserID: source.ID,
					otherID: target.ID,
				})
			}
		}
	}
	if len(actions) == 0 {
		return 0, nil
	}

	chosen, discarded := resolveConflicts(actions)
	for _, act := range discarded {
		_ = c.store.AppendConsolidationLog(ctx, ConsolidationLogEntry{
			ID:          "log-" + uuid.NewString(),
			UserID:      userID,
			Type:        ConsolidationConflict,
			SourceIDs:   []string{act.rel.SourceID, act.rel.TargetID},
			Confidence:  act.rel.Confidence,
			Reason:      fmt.Sprintf("%s action discarded in favor of higher-confidence relationship", act.kind),
			CreatedAtMS: time.Now().UnixMilli(),
		})
	}

	applied := 0
	for _, act := range chosen {
		var err error
		switch act.kind {
		case "contradiction":
			err = c.resolveContradiction(ctx, userID, act)
		case "merge":
			err = c.mergePair(ctx, userID, act)
		}
		if err != nil {
			logger.WarnCF("memory.consolidator", "consolidation action failed", map[string]interface{}{
				"user_id": userID, "kind": act.kind, "error": err.Error(),
			})
			continue
		}
		applied++
	}
	return applied, nil
}

// ConsolidateEntry runs consolidation scoped to relationships touching
// one entry. Used after per-entry relationship detection.
func (c *Consolidator) ConsolidateEntry(ctx context.Context, userID, memoryID string) (int, error) {
	// The per-user sweep already skips settled relationships, so a
	// scoped run reuses it; candidate volume stays small per user.
	return c.SweepUser(ctx, userID)
}

func (c *Consolidator) resolveContradiction(ctx context.Context, userID string, act consolidationAction) error {
	winner, err := c.resolveSupersedeHead(ctx, userID, act.winnerID)
	if err != nil {
		return err
	}
	if err := c.store.DeactivateEntry(ctx, userID, act.loserID, winner); err != nil {
		return fmt.Errorf("deactivate contradicted entry: %w", err)
	}
	_ = c.store.DeactivateRelationship(ctx, act.rel.ID)
	return c.store.AppendConsolidationLog(ctx, ConsolidationLogEntry{
		ID:          "log-" + uuid.NewString(),
		UserID:      userID,
		Type:        ConsolidationContradiction,
		SourceIDs:   []string{act.loserID},
		ResultID:    winner,
		Confidence:  act.rel.Confidence,
		Reason:      "newer memory contradicts older; older superseded",
		CreatedAtMS: time.Now().UnixMilli(),
	})
}

func (c *Consolidator) mergePair(ctx context.Context, userID string, act consolidationAction) error {
	a, err := c.store.GetEntry(ctx, userID, act.loserID)
	if err != nil {
		return err
	}
	b, err := c.store.GetEntry(ctx, userID, act.otherID)
	if err != nil {
		return err
	}

	older, newer := orderByAge(a, b)
	merged := MergeEntries(older, newer)
	merged.ID = "mem-" + uuid.NewString()
	merged.CreatedAtMS = time.Now().UnixMilli()
	merged.LastAccessMS = merged.CreatedAtMS
	merged.AccessCount = 0
	merged.IsActive = true
	merged.SupersededBy = ""
	if err := embedCandidate(ctx, c.embedder, &merged); err != nil {
		return err
	}

	stored, err := c.store.InsertEntry(ctx, merged)
	if err != nil {
		return fmt.Errorf("insert consolidated entry: %w", err)
	}
	if err := c.store.DeactivateEntry(ctx, userID, a.ID, stored.ID); err != nil {
		return fmt.Errorf("deactivate merge source: %w", err)
	}
	if err := c.store.DeactivateEntry(ctx, userID, b.ID, stored.ID); err != nil {
		return fmt.Errorf("deactivate merge source: %w", err)
	}
	_ = c.store.DeactivateRelationship(ctx, act.rel.ID)
	return c.store.AppendConsolidationLog(ctx, ConsolidationLogEntry{
		ID:          "log-" + uuid.NewString(),
		UserID:      userID,
		Type:        ConsolidationMerge,
		SourceIDs:   []string{a.ID, b.ID},
		ResultID:    stored.ID,
		Confidence:  act.rel.Confidence,
		Reason:      fmt.Sprintf("%s relationship with strength %.2f merged", act.rel.Type, act.rel.Strength),
		CreatedAtMS: time.Now().UnixMilli(),
	})
}

// resolveSupersedeHead follows supersededBy references to the current
// authoritative entry, capped so cycles terminate.
func (c *Consolidator) resolveSupersedeHead(ctx context.Context, userID, id string) (string, error) {
	current := id
	for depth := 0; depth < supersedeChainDepthCap; depth++ {
		entry, err := c.store.GetEntry(ctx, userID, current)
		if err != nil {
			return current, nil
		}
		if entry.SupersededBy == "" || entry.SupersededBy == current {
			return current, nil
		}
		current = entry.SupersededBy
	}
	return current, nil
}

// resolveConflicts keeps at most one action per affected entry,
// preferring the higher-confidence relationship. Everything dropped is
// returned for audit logging.
func resolveConflicts(actions []consolidationAction) (chosen, discarded []consolidationAction) {
	byEntry := map[string]int{} // entry id -> index into chosen
	for _, act := range actions {
		affected := []string{act.loserID}
		if act.kind == "merge" {
			affected = append(affected, act.otherID)
		}

		conflictIdx := -1
		for _, id := range affected {
			if idx, ok := byEntry[id]; ok {
				conflictIdx = idx
				break
			}
		}
		if conflictIdx < 0 {
			chosen = append(chosen, act)
			for _, id := range affected {
				byEntry[id] = len(chosen) - 1
			}
			continue
		}

		incumbent := chosen[conflictIdx]
		if act.rel.Confidence > incumbent.rel.Confidence {
			discarded = append(discarded, incumbent)
			chosen[conflictIdx] = act
			for _, id := range affected {
				byEntry[id] = conflictIdx
			}
		} else {
			discarded = append(discarded, act)
		}
	}
	return chosen, discarded
}

func orderByAge(a, b MemoryEntry) (older, newer MemoryEntry) {
	if a.CreatedAtMS <= b.CreatedAtMS {
		return a, b
	}
	return b, a
}

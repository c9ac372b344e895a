package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/coachkit/recall/pkg/logger"
)

// DedupThresholds are the tiered similarity cutoffs. Documented source
// material disagrees on the right skip value, so all three tiers are
// configuration, not constants.
type DedupThresholds struct {
	Skip   float64
	Merge  float64
	Update float64
}

// DefaultDedupThresholds returns the tuned starting tiers.
func DefaultDedupThresholds() DedupThresholds {
	return DedupThresholds{Skip: 0.85, Merge: 0.70, Update: 0.55}
}

const temporalUpdateWindow = 24 * time.Hour

// TieredDeduplicator implements the exact-hash / cosine / lexical
// fallback duplicate decision.
type TieredDeduplicator struct {
	store      Store
	embedder   Embedder
	thresholds DedupThresholds
	recencyCut time.Duration
	candidates int
}

// NewTieredDeduplicator builds a deduplicator over store. recencyCut
// bounds how far back candidate matches are fetched; zero means all
// active entries.
func NewTieredDeduplicator(store Store, embedder Embedder, thresholds DedupThresholds, recencyCut time.Duration, candidateLimit int) *TieredDeduplicator {
	if thresholds.Skip <= 0 {
		thresholds = DefaultDedupThresholds()
	}
	if candidateLimit <= 0 {
		candidateLimit = 200
	}
	return &TieredDeduplicator{
		store:      store,
		embedder:   embedder,
		thresholds: thresholds,
		recencyCut: recencyCut,
		candidates: candidateLimit,
	}
}

// Decide returns exactly one of create/update/merge/skip for the
// candidate. Deterministic for identical inputs: candidate ordering is
// fixed by similarity, then recency, then id.
func (d *TieredDeduplicator) Decide(ctx context.Context, userID string, candidate MemoryEntry) (DedupDecision, error) {
	// Fast path: exact semantic-hash collision.
	if candidate.SemanticHash != "" {
		hits, err := d.store.FindBySemanticHash(ctx, userID, candidate.SemanticHash)
		if err != nil {
			return DedupDecision{}, fmt.Errorf("dedup hash lookup: %w", err)
		}
		if len(hits) > 0 {
			best := pickStableMatch(hits)
			return DedupDecision{Action: DedupSkip, ExistingID: best.ID, Similarity: 1.0}, nil
		}
	}

	sinceMS := int64(0)
	if d.recencyCut > 0 {
		sinceMS = time.Now().Add(-d.recencyCut).UnixMilli()
	}
	existing, err := d.store.ListActiveEntries(ctx, userID, sinceMS, d.candidates)
	if err != nil {
		return DedupDecision{}, fmt.Errorf("dedup list entries: %w", err)
	}
	if len(existing) == 0 {
		return DedupDecision{Action: DedupCreate}, nil
	}

	degraded := len(candidate.Embedding) == 0
	if degraded {
		// The FTS index narrows lexical comparison to entries sharing at
		// least one token with the candidate.
		if hits, ftsErr := d.store.SearchEntriesFTS(ctx, userID, ftsMatchQuery(candidate.Content), d.candidates); ftsErr == nil {
			recent := make([]MemoryEntry, 0, len(hits))
			for _, hit := range hits {
				if sinceMS == 0 || hit.CreatedAtMS >= sinceMS {
					recent = append(recent, hit)
				}
			}
			if len(recent) > 0 {
				existing = recent
			}
		}
	}

	type match struct {
		entry MemoryEntry
		sim   float64
	}
	matches := make([]match, 0, len(existing))
	for _, entry := range existing {
		var sim float64
		if !degraded && len(entry.Embedding) > 0 {
			sim = CosineSimilarity(candidate.Embedding, entry.Embedding)
		} else {
			sim = SharedWordRatio(candidate.Content, entry.Content)
		}
		matches = append(matches, match{entry: entry, sim: sim})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].sim != matches[j].sim {
			return matches[i].sim > matches[j].sim
		}
		if matches[i].entry.CreatedAtMS != matches[j].entry.CreatedAtMS {
			return matches[i].entry.CreatedAtMS > matches[j].entry.CreatedAtMS
		}
		return matches[i].entry.ID < matches[j].entry.ID
	})

	best := matches[0]
	if degraded {
		logger.DebugCF("memory.dedup", "embedder unavailable, using lexical fallback", map[string]interface{}{
			"user_id": userID, "best_similarity": best.sim,
		})
	}

	switch {
	case best.sim >= d.thresholds.Skip:
		return DedupDecision{Action: DedupSkip, ExistingID: best.entry.ID, Similarity: best.sim, Degraded: degraded}, nil
	case best.sim >= d.thresholds.Update && isTemporalUpdate(candidate, best.entry):
		// A within-window restatement supersedes the original even when
		// the similarity lands in the merge band.
		return DedupDecision{Action: DedupUpdate, ExistingID: best.entry.ID, Similarity: best.sim, Degraded: degraded}, nil
	case best.sim >= d.thresholds.Merge:
		return DedupDecision{Action: DedupMerge, ExistingID: best.entry.ID, Similarity: best.sim, Degraded: degraded}, nil
	default:
		return DedupDecision{Action: DedupCreate, Similarity: best.sim, Degraded: degraded}, nil
	}
}

// isTemporalUpdate recognizes a candidate that restates an existing
// entry shortly after it was created, either adding detail or revising
// it.
func isTemporalUpdate(candidate, existing MemoryEntry) bool {
	candidateAt := candidate.CreatedAtMS
	if candidateAt == 0 {
		candidateAt = time.Now().UnixMilli()
	}
	delta := candidateAt - existing.CreatedAtMS
	if delta < 0 {
		delta = -delta
	}
	if delta > temporalUpdateWindow.Milliseconds() {
		return false
	}
	if candidate.Category != existing.Category {
		return false
	}
	return IsWordSuperset(candidate.Content, existing.Content) ||
		SharedWordRatio(candidate.Content, existing.Content) >= 0.6
}

// pickStableMatch returns a deterministic representative from a hash
// collision set: most recent, ties broken by id.
func pickStableMatch(entries []MemoryEntry) MemoryEntry {
	best := entries[0]
	for _, e := range entries[1:] {
		if e.CreatedAtMS > best.CreatedAtMS || (e.CreatedAtMS == best.CreatedAtMS && e.ID < best.ID) {
			best = e
		}
	}
	return best
}

// MergeEntries combines a candidate into an existing entry: contents
// joined, keywords unioned, importance kept at the max.
func MergeEntries(existing, candidate MemoryEntry) MemoryEntry {
	merged := existing
	if candidate.Content != "" && candidate.Content != existing.Content {
		merged.Content = existing.Content + "; " + candidate.Content
	}
	merged.Keywords = unionStrings(existing.Keywords, candidate.Keywords)
	merged.Labels = unionStrings(existing.Labels, candidate.Labels)
	if candidate.Importance > merged.Importance {
		merged.Importance = candidate.Importance
	}
	if candidate.Confidence > merged.Confidence {
		merged.Confidence = candidate.Confidence
	}
	return merged
}

func unionStrings(a, b []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(a)+len(b))
	for _, lst := range [][]string{a, b} {
		for _, v := range lst {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// embedCandidate fills embedding and semantic hash, tolerating an
// unavailable embedder.
func embedCandidate(ctx context.Context, embedder Embedder, entry *MemoryEntry) error {
	if embedder == nil {
		return nil
	}
	vec, err := embedder.Embed(ctx, entry.Content)
	if err != nil {
		if errors.Is(err, ErrProviderUnavailable) {
			return nil
		}
		return fmt.Errorf("embed candidate: %w", err)
	}
	entry.Embedding = vec
	entry.SemanticHash = SemanticHash(vec)
	return nil
}

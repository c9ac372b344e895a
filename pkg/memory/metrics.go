package memory

import (
	"context"
	"time"
)

// ComputeGraphMetrics derives the per-user graph snapshot from the
// store. Best-effort: a failed read yields a zeroed snapshot rather
// than an error, because metrics are never authoritative.
func ComputeGraphMetrics(ctx context.Context, store Store, userID string) GraphMetrics {
	metrics := GraphMetrics{UserID: userID, ComputedAtMS: time.Now().UnixMilli()}

	entries, err := store.ListActiveEntries(ctx, userID, 0, 10000)
	if err != nil {
		return metrics
	}
	metrics.TotalMemories = len(entries)

	rels, err := store.ListActiveRelationships(ctx, userID, 10000)
	if err != nil {
		return metrics
	}
	metrics.TotalRelationships = len(rels)
	for _, rel := range rels {
		if rel.Type == RelContradicts {
			metrics.ContradictionCount++
		}
	}

	// Density: edges over the maximum possible undirected edge count.
	n := metrics.TotalMemories
	if n > 1 {
		metrics.GraphDensity = float64(2*metrics.TotalRelationships) / float64(n*(n-1))
		if metrics.GraphDensity > 1 {
			metrics.GraphDensity = 1
		}
	}
	return metrics
}

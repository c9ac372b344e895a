package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachkit/recall/pkg/logger"
)

// Combined-score weights. Fixed constants, not learned.
const (
	weightSemantic   = 0.45
	weightTemporal   = 0.20
	weightContextual = 0.20
	weightGraph      = 0.15
)

const retrievalCachePrefix = "retrieve:"

// ftsMatchFloor is the minimum semantic score for an entry the content
// index matched. Ranking detail above the floor still comes from the
// shared-word ratio.
const ftsMatchFloor = 0.4

// RetrieverConfig bounds the pipeline.
type RetrieverConfig struct {
	CandidateLimit    int
	PerCategoryCap    int
	NearDupThreshold  float64
	BaseThreshold     float64
	ResultCacheTTL    time.Duration
	CreationHalfLife  time.Duration
	AccessHalfLife    time.Duration
	GraphNeighborhood int
}

// DefaultRetrieverConfig returns the tuned pipeline bounds.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		CandidateLimit:    200,
		PerCategoryCap:    3,
		NearDupThreshold:  0.82,
		BaseThreshold:     0.30,
		ResultCacheTTL:    20 * time.Second,
		CreationHalfLife:  30 * 24 * time.Hour,
		AccessHalfLife:    7 * 24 * time.Hour,
		GraphNeighborhood: 10,
	}
}

// PipelineRetriever runs the four-stage contextual retrieval pipeline:
// query expansion, multi-vector scoring, adaptive thresholding and
// diversity filtering. Any stage failure degrades to the raw scoring
// stage rather than erroring; results are never empty when scored
// memories exist.
type PipelineRetriever struct {
	store    Store
	embedder Embedder
	expander *QueryExpander
	cache    Cache
	cfg      RetrieverConfig
}

func NewPipelineRetriever(store Store, embedder Embedder, expander *QueryExpander, cache Cache, cfg RetrieverConfig) *PipelineRetriever {
	if cfg.CandidateLimit <= 0 {
		cfg = DefaultRetrieverConfig()
	}
	return &PipelineRetriever{store: store, embedder: embedder, expander: expander, cache: cache, cfg: cfg}
}

// Retrieve returns up to maxResults ranked memories for the query.
func (r *PipelineRetriever) Retrieve(ctx context.Context, userID, query string, convCtx ConversationContext, maxResults int) ([]ScoredMemory, error) {
	query = strings.TrimSpace(query)
	if query == "" || maxResults <= 0 {
		return nil, nil
	}
	nowMS := time.Now().UnixMilli()

	cacheKey := r.cacheKey(userID, query, convCtx, maxResults)
	if r.cache != nil {
		if raw, ok, err := r.cache.Get(ctx, cacheKey, nowMS); err == nil && ok {
			var cached []ScoredMemory
			if json.Unmarshal([]byte(raw), &cached) == nil {
				r.recordAccess(ctx, userID, cached, nowMS)
				return cached, nil
			}
		}
	}

	candidates, err := r.store.ListActiveEntries(ctx, userID, 0, r.cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("retrieval candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Stage 1: query expansion. Failure falls back to the raw query.
	expanded := []string{query}
	if r.expander != nil {
		if terms := r.expander.Expand(ctx, query, convCtx); len(terms) > 0 {
			expanded = terms
		}
	}

	// Recent access counts feed the temporal dimension: memories the
	// assistant keeps reaching for stay warm.
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID)
	}
	accesses, err := r.store.RecentAccesses(ctx, ids, nowMS-r.cfg.AccessHalfLife.Milliseconds())
	if err != nil {
		accesses = nil
	}

	// Stage 2: multi-vector scoring. This is the degradation floor:
	// everything after it is best-effort refinement.
	scored := r.scoreCandidates(ctx, userID, candidates, expanded, convCtx, accesses, nowMS)
	if len(scored) == 0 {
		return nil, nil
	}
	sortScored(scored)

	if ctx.Err() != nil {
		// Caller deadline expired mid-pipeline: return the best
		// available partial ranking instead of erroring.
		return r.finish(context.Background(), userID, cacheKey, truncate(scored, maxResults), nowMS), nil
	}

	// Stage 3: adaptive thresholding.
	threshold := r.adaptiveThreshold(query, convCtx)
	kept := make([]ScoredMemory, 0, len(scored))
	for _, s := range scored {
		if s.Score >= threshold {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		// Never degrade to empty when memories exist: fall back to the
		// stage-2 ranking.
		kept = scored
	}

	// Stage 4: diversity filtering.
	diverse := r.diversityFilter(kept, maxResults)

	return r.finish(ctx, userID, cacheKey, diverse, nowMS), nil
}

func (r *PipelineRetriever) scoreCandidates(ctx context.Context, userID string, candidates []MemoryEntry, expanded []string, convCtx ConversationContext, accesses map[string]int, nowMS int64) []ScoredMemory {
	expandedQuery := strings.Join(expanded, " ")

	var queryVec []float32
	if r.embedder != nil {
		if vec, err := r.embedder.Embed(ctx, expandedQuery); err == nil {
			queryVec = vec
		} else {
			logger.DebugCF("memory.retriever", "query embedding unavailable, lexical semantic scoring", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	// Without a query vector the content index backs semantic scoring:
	// any FTS match is guaranteed a score floor.
	var ftsHits map[string]struct{}
	if len(queryVec) == 0 {
		if hits, err := r.store.SearchEntriesFTS(ctx, userID, ftsMatchQuery(expandedQuery), r.cfg.CandidateLimit); err == nil && len(hits) > 0 {
			ftsHits = make(map[string]struct{}, len(hits))
			for _, hit := range hits {
				ftsHits[hit.ID] = struct{}{}
			}
		}
	}

	scored := make([]ScoredMemory, 0, len(candidates))
	for _, entry := range candidates {
		s := ScoredMemory{Entry: entry}

		if len(queryVec) > 0 && len(entry.Embedding) > 0 {
			s.Semantic = (CosineSimilarity(queryVec, entry.Embedding) + 1) / 2
		} else {
			s.Semantic = lexicalSemantic(expanded, entry)
			if _, ok := ftsHits[entry.ID]; ok && s.Semantic < ftsMatchFloor {
				s.Semantic = ftsMatchFloor
			}
		}
		s.Temporal = r.temporalScore(entry, accesses[entry.ID], convCtx.Temporal, nowMS)
		s.Contextual = contextualScore(entry, convCtx)

		s.Score = weightSemantic*s.Semantic + weightTemporal*s.Temporal + weightContextual*s.Contextual
		scored = append(scored, s)
	}

	r.applyGraphScores(ctx, scored)
	for i := range scored {
		s := &scored[i]
		s.Score = weightSemantic*s.Semantic + weightTemporal*s.Temporal + weightContextual*s.Contextual + weightGraph*s.Graph
		s.Score *= 0.8 + 0.2*s.Entry.Importance
		s.Reason = reasonFor(s)
	}
	return scored
}

// applyGraphScores boosts entries proportional to their relationship
// strength toward the current top scorers.
func (r *PipelineRetriever) applyGraphScores(ctx context.Context, scored []ScoredMemory) {
	if len(scored) < 2 {
		return
	}
	order := make([]int, len(scored))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if scored[order[a]].Score != scored[order[b]].Score {
			return scored[order[a]].Score > scored[order[b]].Score
		}
		return scored[order[a]].Entry.ID < scored[order[b]].Entry.ID
	})

	top := map[string]struct{}{}
	limit := r.cfg.GraphNeighborhood
	if limit <= 0 {
		limit = 10
	}
	for i := 0; i < len(order) && i < limit; i++ {
		top[scored[order[i]].Entry.ID] = struct{}{}
	}

	for i := range scored {
		rels, err := r.store.ListRelationshipsFor(ctx, scored[i].Entry.ID)
		if err != nil {
			return
		}
		var boost float64
		for _, rel := range rels {
			if !rel.IsActive {
				continue
			}
			other := rel.TargetID
			if other == scored[i].Entry.ID {
				other = rel.SourceID
			}
			if _, ok := top[other]; ok {
				boost += rel.Strength
			}
		}
		scored[i].Graph = math.Min(1.0, boost/2)
	}
}

func lexicalSemantic(expanded []string, entry MemoryEntry) float64 {
	best := 0.0
	for _, term := range expanded {
		if sim := SharedWordRatio(term, entry.Content); sim > best {
			best = sim
		}
	}
	for _, kw := range entry.Keywords {
		for _, term := range expanded {
			if strings.EqualFold(kw, term) {
				best = math.Max(best, 0.8)
			}
		}
	}
	return best
}

func (r *PipelineRetriever) temporalScore(entry MemoryEntry, recentAccesses int, temporal TemporalContext, nowMS int64) float64 {
	creationHL := r.cfg.CreationHalfLife
	accessHL := r.cfg.AccessHalfLife
	switch temporal {
	case TemporalImmediate:
		creationHL /= 4
		accessHL /= 4
	case TemporalHistorical:
		creationHL *= 4
		accessHL *= 4
	}

	creation := decay(nowMS-entry.CreatedAtMS, creationHL)
	lastAccess := entry.LastAccessMS
	if lastAccess == 0 {
		lastAccess = entry.CreatedAtMS
	}
	access := decay(nowMS-lastAccess, accessHL)
	if recentAccesses > 0 {
		// Frequent recent use lifts the access component toward 1
		// regardless of how stale the last recorded touch is.
		freq := float64(recentAccesses) / 5
		if freq > 1 {
			freq = 1
		}
		access += (1 - access) * freq
	}
	return 0.5*creation + 0.5*access
}

func decay(deltaMS int64, halfLife time.Duration) float64 {
	if deltaMS < 0 {
		deltaMS = 0
	}
	hl := float64(halfLife.Milliseconds())
	if hl <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(deltaMS) / hl)
}

func contextualScore(entry MemoryEntry, convCtx ConversationContext) float64 {
	score := 0.0
	if convCtx.CoachingMode != "" && categoryMatchesMode(entry.Category, convCtx.CoachingMode) {
		score += 0.4
	}
	if convCtx.UserIntent != "" && categoryMatchesIntent(entry.Category, convCtx.UserIntent) {
		score += 0.3
	}
	for _, topic := range convCtx.RecentTopics {
		if TokenJaccard(topic, entry.Content) >= 0.2 || containsKeyword(entry.Keywords, topic) {
			score += 0.3
			break
		}
	}
	return math.Min(1.0, score)
}

func categoryMatchesMode(category Category, mode string) bool {
	switch strings.ToLower(mode) {
	case "nutrition", "diet":
		return category == CategoryFoodDiet
	case "fitness", "training", "workout":
		return category == CategoryGoals || category == CategoryPreferences
	case "lifestyle", "habits":
		return category == CategoryPersonalContext || category == CategoryGoals
	default:
		return false
	}
}

func categoryMatchesIntent(category Category, intent string) bool {
	switch strings.ToLower(intent) {
	case "preference_query":
		return category == CategoryPreferences
	case "goal_review", "progress":
		return category == CategoryGoals
	case "meal_planning", "food":
		return category == CategoryFoodDiet
	case "instruction_recall":
		return category == CategoryInstructions
	default:
		return false
	}
}

func containsKeyword(keywords []string, topic string) bool {
	for _, kw := range keywords {
		if strings.EqualFold(kw, topic) {
			return true
		}
	}
	return false
}

// adaptiveThreshold relaxes the score floor for specific queries and
// long sessions, and tightens it for vague queries and short sessions.
func (r *PipelineRetriever) adaptiveThreshold(query string, convCtx ConversationContext) float64 {
	threshold := r.cfg.BaseThreshold

	distinctive := DistinctiveTermCount(query)
	switch {
	case distinctive >= 4:
		threshold -= 0.08
	case distinctive >= 2:
		threshold -= 0.04
	case distinctive == 0:
		threshold += 0.08
	}

	switch {
	case convCtx.SessionLength <= 2:
		threshold += 0.05
	case convCtx.SessionLength >= 20:
		threshold -= 0.06
	case convCtx.SessionLength >= 10:
		threshold -= 0.03
	}

	if threshold < 0.05 {
		threshold = 0.05
	}
	return threshold
}

// diversityFilter greedily keeps the ranked list free of near-duplicate
// content and over-represented categories. The top scorer always
// survives.
func (r *PipelineRetriever) diversityFilter(ranked []ScoredMemory, maxResults int) []ScoredMemory {
	perCategory := map[Category]int{}
	kept := make([]ScoredMemory, 0, maxResults)

	for _, candidate := range ranked {
		if len(kept) >= maxResults {
			break
		}
		if len(kept) > 0 {
			if perCategory[candidate.Entry.Category] >= r.cfg.PerCategoryCap {
				continue
			}
			dup := false
			for _, existing := range kept {
				if r.isNearDuplicate(candidate.Entry, existing.Entry) {
					dup = true
					break
				}
			}
			if dup {
				continue
			}
		}
		kept = append(kept, candidate)
		perCategory[candidate.Entry.Category]++
	}
	return kept
}

func (r *PipelineRetriever) isNearDuplicate(a, b MemoryEntry) bool {
	if len(a.Embedding) > 0 && len(b.Embedding) > 0 {
		return CosineSimilarity(a.Embedding, b.Embedding) >= r.cfg.NearDupThreshold
	}
	return SharedWordRatio(a.Content, b.Content) >= r.cfg.NearDupThreshold
}

// finish caches the final ranking and records access, then returns it.
func (r *PipelineRetriever) finish(ctx context.Context, userID, cacheKey string, results []ScoredMemory, nowMS int64) []ScoredMemory {
	r.recordAccess(ctx, userID, results, nowMS)
	if r.cache != nil && len(results) > 0 {
		if raw, err := json.Marshal(results); err == nil {
			_ = r.cache.Put(ctx, cacheKey, string(raw), nowMS+r.cfg.ResultCacheTTL.Milliseconds())
		}
	}
	return results
}

// recordAccess logs each returned memory and advances its access
// recency so later temporal scoring reflects real usage. Cache hits
// count too.
func (r *PipelineRetriever) recordAccess(ctx context.Context, userID string, results []ScoredMemory, nowMS int64) {
	for _, res := range results {
		_ = r.store.AppendAccessLog(ctx, AccessLogEntry{
			ID:             "acc-" + uuid.NewString(),
			MemoryID:       res.Entry.ID,
			AccessType:     "retrieval",
			RelevanceScore: res.Score,
			AccessedAtMS:   nowMS,
		})
		_ = r.store.TouchEntry(ctx, userID, res.Entry.ID, nowMS)
	}
}

func (r *PipelineRetriever) cacheKey(userID, query string, convCtx ConversationContext, maxResults int) string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%d",
		strings.ToLower(query),
		convCtx.CoachingMode,
		convCtx.UserIntent,
		strings.ToLower(strings.Join(convCtx.RecentTopics, ",")),
		convCtx.Temporal,
		convCtx.SessionLength,
		maxResults,
	)
	h := sha1.Sum([]byte(payload))
	return retrievalCachePrefix + userID + ":" + hex.EncodeToString(h[:])
}

// ResultCachePrefix returns the cache key prefix holding ranked
// results for userID, for invalidation on writes.
func ResultCachePrefix(userID string) string {
	return retrievalCachePrefix + userID + ":"
}

func sortScored(scored []ScoredMemory) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Entry.CreatedAtMS != scored[j].Entry.CreatedAtMS {
			return scored[i].Entry.CreatedAtMS > scored[j].Entry.CreatedAtMS
		}
		return scored[i].Entry.ID < scored[j].Entry.ID
	})
}

func truncate(scored []ScoredMemory, max int) []ScoredMemory {
	if len(scored) <= max {
		return scored
	}
	return scored[:max]
}

func reasonFor(s *ScoredMemory) string {
	best := s.Semantic * weightSemantic
	reason := ReasonHighSemantic
	if v := s.Temporal * weightTemporal; v > best {
		best = v
		reason = ReasonRecentActivity
	}
	if v := s.Contextual * weightContextual; v > best {
		best = v
		reason = ReasonContextMatch
	}
	if v := s.Graph * weightGraph; v > best {
		reason = ReasonGraphSupport
	}
	return reason
}

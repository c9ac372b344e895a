package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachkit/recall/pkg/logger"
)

// ServiceConfig configures the assembled memory engine.
type ServiceConfig struct {
	Thresholds     DedupThresholds
	Retriever      RetrieverConfig
	Scheduler      SchedulerConfig
	RecencyCutoff  time.Duration
	ExpansionTTL   time.Duration
	HistoryLen     int
	MergeStrength  float64
	MergeEnabled   bool
	RelationCap    int
	MinRelStrength float64
	StorageRetries int
	MaxRecallItems int
}

// DefaultServiceConfig returns the tuned engine defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Thresholds:     DefaultDedupThresholds(),
		Retriever:      DefaultRetrieverConfig(),
		Scheduler:      DefaultSchedulerConfig(),
		RecencyCutoff:  0, // all active entries
		ExpansionTTL:   60 * time.Second,
		HistoryLen:     6,
		MergeStrength:  0.85,
		MergeEnabled:   true,
		RelationCap:    50,
		MinRelStrength: 0.3,
		StorageRetries: 2,
		MaxRecallItems: 5,
	}
}

// Service owns one explicitly constructed memory engine instance:
// detector, deduplicator, retrieval pipeline, fact extractor,
// relationship engine, consolidator and the background scheduler.
// Construct once at startup, Close at shutdown. No ambient globals.
type Service struct {
	cfg      ServiceConfig
	store    Store
	cache    Cache
	embedder Embedder

	detector     *Detector
	dedup        *TieredDeduplicator
	retriever    *PipelineRetriever
	extractor    *FactExtractor
	relations    *RelationshipEngine
	consolidator *Consolidator
	scheduler    *Scheduler

	userLocks sync.Map // userID -> *sync.Mutex

	sweepMu    sync.Mutex
	sweepUsers map[string]struct{}

	closeOnce sync.Once
}

// NewService wires the engine from its capabilities. classifier and
// embedder are the pluggable AI providers; history may be nil.
func NewService(cfg ServiceConfig, store Store, cache Cache, classifier Classifier, embedder Embedder, history ConversationHistory) *Service {
	if cfg.StorageRetries <= 0 {
		cfg.StorageRetries = 2
	}
	expander := NewQueryExpander(classifier, cache, cfg.ExpansionTTL)

	svc := &Service{
		cfg:          cfg,
		store:        store,
		cache:        cache,
		embedder:     embedder,
		detector:     NewDetector(classifier, history, cfg.HistoryLen),
		dedup:        NewTieredDeduplicator(store, embedder, cfg.Thresholds, cfg.RecencyCutoff, cfg.Retriever.CandidateLimit),
		retriever:    NewPipelineRetriever(store, embedder, expander, cache, cfg.Retriever),
		extractor:    NewFactExtractor(store, classifier),
		relations:    NewRelationshipEngine(store, classifier, cfg.RelationCap, cfg.MinRelStrength),
		consolidator: NewConsolidator(store, embedder, cfg.MergeStrength, cfg.MergeEnabled),
		sweepUsers:   map[string]struct{}{},
	}
	svc.scheduler = NewScheduler(cfg.Scheduler, svc.handleTask, svc.runScheduledSweep)
	svc.scheduler.Start()
	return svc
}

// Close stops background processing and releases the store.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.scheduler.Stop()
		err = s.store.Close()
	})
	return err
}

// Scheduler exposes queue counters for status reporting.
func (s *Service) Scheduler() *Scheduler { return s.scheduler }

func (s *Service) lockUser(userID string) func() {
	v, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) noteUser(userID string) {
	s.sweepMu.Lock()
	s.sweepUsers[userID] = struct{}{}
	s.sweepMu.Unlock()
}

// CreateMemoryManual validates, deduplicates and persists a
// user-authored memory synchronously, bypassing the background queue
// so the caller gets immediate feedback.
func (s *Service) CreateMemoryManual(ctx context.Context, userID, content string, category Category, importance float64) (MemoryEntry, error) {
	content = strings.TrimSpace(content)
	if userID == "" || content == "" {
		return MemoryEntry{}, fmt.Errorf("user id and content are required")
	}
	if !ValidateContent(content, category) {
		return MemoryEntry{}, ErrValidationRejected
	}

	candidate := MemoryEntry{
		UserID:     userID,
		Content:    content,
		Category:   category,
		Keywords:   topKeywords(content, 8),
		Importance: clamp01(importance),
		Confidence: 1.0, // user-authored
		IsActive:   true,
		Metadata:   map[string]string{"source": "manual"},
	}
	return s.admitCandidate(ctx, candidate)
}

// SubmitMessageForDetection enqueues background detection for an
// incoming message. Fire and forget: a full queue or failed detection
// never surfaces to the caller.
func (s *Service) SubmitMessageForDetection(userID, message, conversationID string) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(message) == "" {
		return
	}
	_ = s.scheduler.Enqueue(Task{
		Type:           TaskDetect,
		UserID:         userID,
		Message:        message,
		ConversationID: conversationID,
	})
}

// GetContextualMemories runs the synchronous retrieval pipeline. A
// non-positive maxResults falls back to the configured recall limit.
func (s *Service) GetContextualMemories(ctx context.Context, userID, query string, convCtx ConversationContext, maxResults int) ([]ScoredMemory, error) {
	if maxResults <= 0 {
		maxResults = s.cfg.MaxRecallItems
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	results, err := s.retriever.Retrieve(ctx, userID, query, convCtx, maxResults)
	if err != nil {
		return nil, fmt.Errorf("contextual retrieval: %w", err)
	}
	return results, nil
}

// GetOverview returns active-entry counts per category.
func (s *Service) GetOverview(ctx context.Context, userID string) ([]CategoryCount, error) {
	counts, err := s.store.CountByCategory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("memory overview: %w", err)
	}
	return counts, nil
}

// DeleteMemory soft-deletes one entry. Deleting an already-inactive
// entry is a no-op, not an error.
func (s *Service) DeleteMemory(ctx context.Context, userID, id string) error {
	unlock := s.lockUser(userID)
	defer unlock()

	entry, err := s.store.GetEntry(ctx, userID, id)
	if err != nil {
		return err
	}
	if !entry.IsActive {
		return nil
	}
	if err := s.withRetries(func() error {
		return s.store.DeactivateEntry(ctx, userID, id, "")
	}); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	s.invalidateUser(ctx, userID)
	return nil
}

// BulkDelete soft-deletes multiple entries, skipping unknown ids.
func (s *Service) BulkDelete(ctx context.Context, userID string, ids []string) error {
	for _, id := range ids {
		if err := s.DeleteMemory(ctx, userID, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}

// Consolidate triggers an on-demand consolidation sweep for one user.
func (s *Service) Consolidate(ctx context.Context, userID string) (int, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	applied, err := s.consolidator.SweepUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("consolidation sweep: %w", err)
	}
	if applied > 0 {
		s.invalidateUser(ctx, userID)
		s.refreshGraphMetrics(ctx, userID)
	}
	return applied, nil
}

// GraphMetricsFor returns the latest per-user graph snapshot,
// recomputing it when none is stored.
func (s *Service) GraphMetricsFor(ctx context.Context, userID string) (GraphMetrics, error) {
	metrics, ok, err := s.store.GetGraphMetrics(ctx, userID)
	if err != nil {
		return GraphMetrics{}, fmt.Errorf("graph metrics: %w", err)
	}
	if ok {
		return metrics, nil
	}
	return s.refreshGraphMetrics(ctx, userID), nil
}

// ConsolidationLog returns recent audit records for a user.
func (s *Service) ConsolidationLog(ctx context.Context, userID string, limit int) ([]ConsolidationLogEntry, error) {
	return s.store.ListConsolidationLog(ctx, userID, limit)
}

// admitCandidate runs the deduplication decision and applies it.
// Writes for one user are serialized here: this is the single
// mutual-exclusion boundary that prevents two concurrent writers from
// both deciding "create" for near-duplicate content.
func (s *Service) admitCandidate(ctx context.Context, candidate MemoryEntry) (MemoryEntry, error) {
	unlock := s.lockUser(candidate.UserID)
	defer unlock()

	if err := embedCandidate(ctx, s.embedder, &candidate); err != nil {
		logger.WarnCF("memory.service", "candidate embedding failed, continuing degraded", map[string]interface{}{
			"user_id": candidate.UserID, "error": err.Error(),
		})
	}
	candidate.CreatedAtMS = time.Now().UnixMilli()
	candidate.LastAccessMS = candidate.CreatedAtMS

	decision, err := s.dedup.Decide(ctx, candidate.UserID, candidate)
	if err != nil {
		return MemoryEntry{}, fmt.Errorf("deduplication: %w", err)
	}

	var result MemoryEntry
	switch decision.Action {
	case DedupSkip:
		// Duplicate resolved: bump the original's access count instead.
		if err := s.withRetries(func() error {
			return s.store.TouchEntry(ctx, candidate.UserID, decision.ExistingID, time.Now().UnixMilli())
		}); err != nil {
			return MemoryEntry{}, err
		}
		result, err = s.store.GetEntry(ctx, candidate.UserID, decision.ExistingID)
		if err != nil {
			return MemoryEntry{}, err
		}
	case DedupMerge:
		existing, gErr := s.store.GetEntry(ctx, candidate.UserID, decision.ExistingID)
		if gErr != nil {
			return MemoryEntry{}, gErr
		}
		merged := MergeEntries(existing, candidate)
		if err := embedCandidate(ctx, s.embedder, &merged); err == nil && merged.Embedding != nil {
			merged.SemanticHash = SemanticHash(merged.Embedding)
		}
		if err := s.withRetries(func() error {
			return s.store.UpdateEntry(ctx, merged)
		}); err != nil {
			return MemoryEntry{}, err
		}
		// Facts derived from the pre-merge content are stale; the
		// extraction task re-derives them from the merged content.
		if err := s.store.DeleteFactsForEntry(ctx, merged.ID); err != nil {
			logger.WarnCF("memory.service", "stale fact cleanup failed", map[string]interface{}{
				"user_id": candidate.UserID, "memory_id": merged.ID, "error": err.Error(),
			})
		}
		result = merged
	case DedupUpdate:
		candidate.ID = "mem-" + uuid.NewString()
		stored, iErr := s.insertWithRetries(ctx, candidate)
		if iErr != nil {
			return MemoryEntry{}, iErr
		}
		if err := s.withRetries(func() error {
			return s.store.DeactivateEntry(ctx, candidate.UserID, decision.ExistingID, stored.ID)
		}); err != nil {
			return MemoryEntry{}, err
		}
		result = stored
	default: // DedupCreate
		candidate.ID = "mem-" + uuid.NewString()
		stored, iErr := s.insertWithRetries(ctx, candidate)
		if iErr != nil {
			return MemoryEntry{}, iErr
		}
		result = stored
	}

	s.invalidateUser(ctx, candidate.UserID)
	s.noteUser(candidate.UserID)

	if decision.Action != DedupSkip {
		// Enrichment runs off the synchronous path; a full queue is
		// already counted and logged by the scheduler.
		_ = s.scheduler.Enqueue(Task{Type: TaskExtract, UserID: result.UserID, MemoryID: result.ID})
		_ = s.scheduler.Enqueue(Task{Type: TaskRelate, UserID: result.UserID, MemoryID: result.ID})
	}

	logger.InfoCF("memory.service", "candidate resolved", map[string]interface{}{
		"user_id": candidate.UserID, "action": string(decision.Action), "memory_id": result.ID,
	})
	return result, nil
}

func (s *Service) insertWithRetries(ctx context.Context, entry MemoryEntry) (MemoryEntry, error) {
	var stored MemoryEntry
	err := s.withRetries(func() error {
		var iErr error
		stored, iErr = s.store.InsertEntry(ctx, entry)
		return iErr
	})
	if err != nil {
		return MemoryEntry{}, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return stored, nil
}

func (s *Service) withRetries(fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.StorageRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}

// invalidateUser drops every cached ranking and expansion for the
// user. Caches are advisory; the store is the source of truth, so any
// write clears them rather than trusting them.
func (s *Service) invalidateUser(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.InvalidatePrefix(ctx, ResultCachePrefix(userID))
	_ = s.cache.InvalidatePrefix(ctx, expansionCachePrefix)
}

func (s *Service) refreshGraphMetrics(ctx context.Context, userID string) GraphMetrics {
	metrics := ComputeGraphMetrics(ctx, s.store, userID)
	_ = s.store.UpsertGraphMetrics(ctx, metrics)
	return metrics
}

// handleTask executes one background task. Failures bubble to the
// scheduler for retry; nothing here reaches a user-facing caller.
func (s *Service) handleTask(ctx context.Context, task Task) error {
	switch task.Type {
	case TaskDetect:
		candidate, worthy := s.detector.Detect(ctx, task.UserID, task.Message, task.ConversationID)
		if !worthy {
			return nil
		}
		if _, err := s.admitCandidate(ctx, candidate); err != nil {
			return err
		}
		return nil
	case TaskExtract:
		entry, err := s.store.GetEntry(ctx, task.UserID, task.MemoryID)
		if err != nil || !entry.IsActive {
			return nil
		}
		_, err = s.extractor.Extract(ctx, entry)
		return err
	case TaskRelate:
		entry, err := s.store.GetEntry(ctx, task.UserID, task.MemoryID)
		if err != nil || !entry.IsActive {
			return nil
		}
		if _, err := s.relations.DetectFor(ctx, entry); err != nil {
			return err
		}
		_ = s.scheduler.Enqueue(Task{Type: TaskConsolidate, UserID: task.UserID, MemoryID: task.MemoryID})
		return nil
	case TaskConsolidate:
		unlock := s.lockUser(task.UserID)
		defer unlock()
		applied, err := s.consolidator.ConsolidateEntry(ctx, task.UserID, task.MemoryID)
		if err != nil {
			return err
		}
		if applied > 0 {
			s.invalidateUser(ctx, task.UserID)
			s.refreshGraphMetrics(ctx, task.UserID)
		}
		return nil
	default:
		return fmt.Errorf("unknown task type: %s", task.Type)
	}
}

// runScheduledSweep consolidates every user touched since the last
// scheduled run.
func (s *Service) runScheduledSweep(ctx context.Context) {
	s.sweepMu.Lock()
	users := make([]string, 0, len(s.sweepUsers))
	for u := range s.sweepUsers {
		users = append(users, u)
	}
	s.sweepUsers = map[string]struct{}{}
	s.sweepMu.Unlock()

	for _, userID := range users {
		if _, err := s.Consolidate(ctx, userID); err != nil {
			logger.WarnCF("memory.service", "scheduled sweep failed", map[string]interface{}{
				"user_id": userID, "error": err.Error(),
			})
		}
	}
}

// topKeywords derives up to max simple keywords from content for
// manual entries, where no classifier ran.
func topKeywords(content string, max int) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, tok := range Tokenize(content) {
		if len(tok) < 4 || stopwords[tok] {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
		if len(out) >= max {
			break
		}
	}
	return out
}

package memory

import "context"

// Store provides durable persistence for all memory state.
type Store interface {
	Close() error

	InsertEntry(ctx context.Context, entry MemoryEntry) (MemoryEntry, error)
	UpdateEntry(ctx context.Context, entry MemoryEntry) error
	GetEntry(ctx context.Context, userID, id string) (MemoryEntry, error)
	ListActiveEntries(ctx context.Context, userID string, sinceMS int64, limit int) ([]MemoryEntry, error)
	FindBySemanticHash(ctx context.Context, userID, hash string) ([]MemoryEntry, error)
	SearchEntriesFTS(ctx context.Context, userID, query string, limit int) ([]MemoryEntry, error)
	DeactivateEntry(ctx context.Context, userID, id, supersededBy string) error
	TouchEntry(ctx context.Context, userID, id string, atMS int64) error
	CountByCategory(ctx context.Context, userID string) ([]CategoryCount, error)

	InsertFact(ctx context.Context, fact AtomicFact) error
	ListFacts(ctx context.Context, memoryID string) ([]AtomicFact, error)
	DeleteFactsForEntry(ctx context.Context, memoryID string) error

	UpsertRelationship(ctx context.Context, rel MemoryRelationship) error
	ListRelationshipsFor(ctx context.Context, memoryID string) ([]MemoryRelationship, error)
	ListActiveRelationships(ctx context.Context, userID string, limit int) ([]MemoryRelationship, error)
	DeactivateRelationship(ctx context.Context, id string) error

	AppendConsolidationLog(ctx context.Context, entry ConsolidationLogEntry) error
	ListConsolidationLog(ctx context.Context, userID string, limit int) ([]ConsolidationLogEntry, error)

	AppendAccessLog(ctx context.Context, entry AccessLogEntry) error
	RecentAccesses(ctx context.Context, memoryIDs []string, sinceMS int64) (map[string]int, error)

	UpsertGraphMetrics(ctx context.Context, metrics GraphMetrics) error
	GetGraphMetrics(ctx context.Context, userID string) (GraphMetrics, bool, error)
}

// Cache is a TTL key/value capability used for query expansion and
// retrieval results. Implementations must treat entries as advisory:
// the store remains the source of truth.
type Cache interface {
	Get(ctx context.Context, key string, nowMS int64) (string, bool, error)
	Put(ctx context.Context, key, value string, expiresAtMS int64) error
	InvalidatePrefix(ctx context.Context, prefix string) error
}

// Classifier is the pluggable AI capability that judges memory
// worthiness and decomposes content. The "none" variant always
// returns Worthy=false.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, text string, history []Message) (DetectionResult, error)
	ExpandQuery(ctx context.Context, query string) ([]string, error)
	ExtractFacts(ctx context.Context, content string, category Category) ([]AtomicFact, error)
	DetectRelationship(ctx context.Context, a, b MemoryEntry) (RelationshipType, float64, float64, error)
}

// Embedder turns text into a fixed-dimension vector. May be
// unavailable; callers fall back to lexical matching.
type Embedder interface {
	ModelID() string
	Dims() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ConversationHistory supplies recent messages for detection context.
type ConversationHistory interface {
	Recent(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// Deduplicator decides how a validated candidate relates to existing
// memories for the same user.
type Deduplicator interface {
	Decide(ctx context.Context, userID string, candidate MemoryEntry) (DedupDecision, error)
}

// Retriever runs the contextual retrieval pipeline.
type Retriever interface {
	Retrieve(ctx context.Context, userID, query string, convCtx ConversationContext, maxResults int) ([]ScoredMemory, error)
}

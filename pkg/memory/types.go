package memory

import "time"

// Category classifies what a memory is about.
type Category string

const (
	CategoryPreferences     Category = "preferences"
	CategoryPersonalContext Category = "personal_context"
	CategoryInstructions    Category = "instructions"
	CategoryFoodDiet        Category = "food_diet"
	CategoryGoals           Category = "goals"
)

// Categories lists every valid category in a stable order.
var Categories = []Category{
	CategoryPreferences,
	CategoryPersonalContext,
	CategoryInstructions,
	CategoryFoodDiet,
	CategoryGoals,
}

// ValidCategory reports whether c is a known category.
func ValidCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// MemoryEntry is the canonical long-term memory record.
type MemoryEntry struct {
	ID           string
	UserID       string
	Content      string
	Category     Category
	Labels       []string
	Keywords     []string
	Importance   float64
	Confidence   float64
	Embedding    []float32
	SemanticHash string
	CreatedAtMS  int64
	LastAccessMS int64
	AccessCount  int
	IsActive     bool
	SupersededBy string
	Metadata     map[string]string
}

// FactType classifies an atomic fact.
type FactType string

const (
	FactPreference   FactType = "preference"
	FactAttribute    FactType = "attribute"
	FactRelationship FactType = "relationship"
	FactBehavior     FactType = "behavior"
	FactGoal         FactType = "goal"
)

// AtomicFact is a single verifiable statement decomposed from an entry.
// Facts are owned by their entry and removed with it.
type AtomicFact struct {
	ID            string
	MemoryEntryID string
	Content       string
	FactType      FactType
	Confidence    float64
	SourceContext string
	CreatedAtMS   int64
}

// RelationshipType classifies a semantic link between two memories.
type RelationshipType string

const (
	RelContradicts RelationshipType = "contradicts"
	RelSupports    RelationshipType = "supports"
	RelElaborates  RelationshipType = "elaborates"
	RelSupersedes  RelationshipType = "supersedes"
	RelRelated     RelationshipType = "related"
)

// MemoryRelationship links two entries by id. References are weak:
// either side may go inactive and the relationship must tolerate it.
type MemoryRelationship struct {
	ID          string
	SourceID    string
	TargetID    string
	Type        RelationshipType
	Strength    float64
	Confidence  float64
	IsActive    bool
	CreatedAtMS int64
}

// ConsolidationLogEntry is an append-only audit record. Never mutated.
type ConsolidationLogEntry struct {
	ID          string
	UserID      string
	Type        string
	SourceIDs   []string
	ResultID    string
	Confidence  float64
	Reason      string
	CreatedAtMS int64
}

// Consolidation log entry types.
const (
	ConsolidationContradiction = "contradiction_resolution"
	ConsolidationMerge         = "merge"
	ConsolidationConflict      = "conflict_discarded"
)

// AccessLogEntry records one retrieval use of a memory.
type AccessLogEntry struct {
	ID             string
	MemoryID       string
	AccessType     string
	RelevanceScore float64
	AccessedAtMS   int64
}

// GraphMetrics is a per-user aggregate snapshot. Derived, not authoritative.
type GraphMetrics struct {
	UserID             string
	TotalMemories      int
	TotalRelationships int
	ContradictionCount int
	GraphDensity       float64
	ComputedAtMS       int64
}

// DedupAction is the deduplicator's verdict for a candidate.
type DedupAction string

const (
	DedupCreate DedupAction = "create"
	DedupUpdate DedupAction = "update"
	DedupMerge  DedupAction = "merge"
	DedupSkip   DedupAction = "skip"
)

// DedupDecision carries the action plus the matched entry when applicable.
type DedupDecision struct {
	Action     DedupAction
	ExistingID string
	Similarity float64
	Degraded   bool
}

// TemporalContext describes how time-sensitive the current query is.
type TemporalContext string

const (
	TemporalImmediate  TemporalContext = "immediate"
	TemporalRecent     TemporalContext = "recent"
	TemporalHistorical TemporalContext = "historical"
)

// ConversationContext is the live conversation state used for
// contextual re-ranking.
type ConversationContext struct {
	ConversationID string
	CoachingMode   string
	RecentTopics   []string
	UserIntent     string
	Temporal       TemporalContext
	SessionLength  int
}

// Retrieval reason tags attached to ranked results.
const (
	ReasonHighSemantic   = "high_semantic_relevance"
	ReasonRecentActivity = "recent_activity"
	ReasonContextMatch   = "context_match"
	ReasonGraphSupport   = "graph_support"
	ReasonKeywordMatch   = "keyword_match"
)

// ScoredMemory is one ranked retrieval result.
type ScoredMemory struct {
	Entry      MemoryEntry
	Score      float64
	Semantic   float64
	Temporal   float64
	Contextual float64
	Graph      float64
	Reason     string
}

// CategoryCount is one row of the per-user overview.
type CategoryCount struct {
	Category Category
	Count    int
}

// DetectionResult is the classifier's verdict for an incoming message.
type DetectionResult struct {
	Worthy     bool
	Category   Category
	Keywords   []string
	Importance float64
	Confidence float64
}

// TaskType values for background work.
const (
	TaskDetect      = "detect"
	TaskExtract     = "extract_facts"
	TaskRelate      = "detect_relationships"
	TaskConsolidate = "consolidate"
)

// TaskState values. queued -> running -> completed|failed|retried|dropped.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskRetried   = "retried"
	TaskDropped   = "dropped"
)

// Task is one unit of background work.
type Task struct {
	ID             string
	Type           string
	UserID         string
	MemoryID       string
	Message        string
	ConversationID string
	State          string
	Attempts       int
	EnqueuedAt     time.Time
}

// Message is one prior conversation message supplied by the history
// capability.
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

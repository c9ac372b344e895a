package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent memory storage. It also
// implements the Cache capability over a TTL table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process memory engine. One shared connection avoids writer
	// lock contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			category TEXT NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '[]',
			keywords_json TEXT NOT NULL DEFAULT '[]',
			importance REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			embedding_json TEXT NOT NULL DEFAULT '[]',
			semantic_hash TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			last_access_ms INTEGER NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			superseded_by TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS entries_user_active_idx ON memory_entries(user_id, is_active, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS entries_hash_idx ON memory_entries(user_id, semantic_hash, is_active);`,
		`CREATE TABLE IF NOT EXISTS atomic_facts (
			id TEXT PRIMARY KEY,
			memory_entry_id TEXT NOT NULL,
			content TEXT NOT NULL,
			fact_type TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			source_context TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS facts_entry_idx ON atomic_facts(memory_entry_id, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS memory_relationships (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			rel_type TEXT NOT NULL,
			strength REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS relationships_pair_idx ON memory_relationships(source_id, target_id, rel_type);`,
		`CREATE INDEX IF NOT EXISTS relationships_source_idx ON memory_relationships(source_id, is_active);`,
		`CREATE INDEX IF NOT EXISTS relationships_target_idx ON memory_relationships(target_id, is_active);`,
		`CREATE TABLE IF NOT EXISTS consolidation_log (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			log_type TEXT NOT NULL,
			source_ids_json TEXT NOT NULL DEFAULT '[]',
			result_id TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS consolidation_user_idx ON consolidation_log(user_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS access_log (
			id TEXT PRIMARY KEY,
			memory_id TEXT NOT NULL,
			access_type TEXT NOT NULL,
			relevance_score REAL NOT NULL DEFAULT 0,
			accessed_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS access_memory_idx ON access_log(memory_id, accessed_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS graph_metrics (
			user_id TEXT PRIMARY KEY,
			total_memories INTEGER NOT NULL DEFAULT 0,
			total_relationships INTEGER NOT NULL DEFAULT 0,
			contradiction_count INTEGER NOT NULL DEFAULT 0,
			graph_density REAL NOT NULL DEFAULT 0,
			computed_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ttl_cache (
			cache_key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			expires_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS ttl_cache_exp_idx ON ttl_cache(expires_at_ms);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_entries_fts USING fts5(entry_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_ai AFTER INSERT ON memory_entries BEGIN
			INSERT INTO memory_entries_fts(entry_id, content) VALUES (new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_au AFTER UPDATE OF content ON memory_entries BEGIN
			DELETE FROM memory_entries_fts WHERE entry_id = old.id;
			INSERT INTO memory_entries_fts(entry_id, content) VALUES(new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_ad AFTER DELETE ON memory_entries BEGIN
			DELETE FROM memory_entries_fts WHERE entry_id = old.id;
		END;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}

	if _, err := s.db.Exec(`DELETE FROM ttl_cache WHERE expires_at_ms <= ?`, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("purge ttl cache: %w", err)
	}
	return nil
}

func trimSQL(stmt string) string {
	line := strings.TrimSpace(stmt)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func decodeVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

const entryColumns = `id, user_id, content, category, labels_json, keywords_json, importance, confidence, embedding_json, semantic_hash, created_at_ms, last_access_ms, access_count, is_active, superseded_by, metadata_json`

func (s *SQLiteStore) InsertEntry(ctx context.Context, entry MemoryEntry) (MemoryEntry, error) {
	if strings.TrimSpace(entry.ID) == "" {
		return MemoryEntry{}, fmt.Errorf("insert entry: empty id")
	}
	if strings.TrimSpace(entry.UserID) == "" {
		return MemoryEntry{}, fmt.Errorf("insert entry: empty user_id")
	}
	if entry.CreatedAtMS == 0 {
		entry.CreatedAtMS = nowMS()
	}
	if entry.LastAccessMS == 0 {
		entry.LastAccessMS = entry.CreatedAtMS
	}

	active := 0
	if entry.IsActive {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_entries(`+entryColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.UserID,
		entry.Content,
		string(entry.Category),
		encodeJSON(entry.Labels),
		encodeJSON(entry.Keywords),
		entry.Importance,
		entry.Confidence,
		encodeJSON(entry.Embedding),
		entry.SemanticHash,
		entry.CreatedAtMS,
		entry.LastAccessMS,
		entry.AccessCount,
		active,
		entry.SupersededBy,
		encodeJSON(entry.Metadata),
	)
	if err != nil {
		return MemoryEntry{}, fmt.Errorf("insert entry: %w", err)
	}
	return entry, nil
}

func (s *SQLiteStore) UpdateEntry(ctx context.Context, entry MemoryEntry) error {
	active := 0
	if entry.IsActive {
		active = 1
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE memory_entries
SET content = ?, category = ?, labels_json = ?, keywords_json = ?, importance = ?, confidence = ?,
	embedding_json = ?, semantic_hash = ?, last_access_ms = ?, access_count = ?, is_active = ?,
	superseded_by = ?, metadata_json = ?
WHERE id = ? AND user_id = ?`,
		entry.Content,
		string(entry.Category),
		encodeJSON(entry.Labels),
		encodeJSON(entry.Keywords),
		entry.Importance,
		entry.Confidence,
		encodeJSON(entry.Embedding),
		entry.SemanticHash,
		entry.LastAccessMS,
		entry.AccessCount,
		active,
		entry.SupersededBy,
		encodeJSON(entry.Metadata),
		entry.ID,
		entry.UserID,
	)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetEntry(ctx context.Context, userID, id string) (MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+entryColumns+`
FROM memory_entries
WHERE id = ? AND user_id = ?`, id, userID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryEntry{}, ErrNotFound
		}
		return MemoryEntry{}, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

func (s *SQLiteStore) ListActiveEntries(ctx context.Context, userID string, sinceMS int64, limit int) ([]MemoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+entryColumns+`
FROM memory_entries
WHERE user_id = ? AND is_active = 1 AND created_at_ms >= ?
ORDER BY created_at_ms DESC, id
LIMIT ?`, userID, sinceMS, limit)
	if err != nil {
		return nil, fmt.Errorf("list active entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLiteStore) FindBySemanticHash(ctx context.Context, userID, hash string) ([]MemoryEntry, error) {
	if strings.TrimSpace(hash) == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+entryColumns+`
FROM memory_entries
WHERE user_id = ? AND semantic_hash = ? AND is_active = 1
ORDER BY created_at_ms DESC, id`, userID, hash)
	if err != nil {
		return nil, fmt.Errorf("find by semantic hash: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLiteStore) SearchEntriesFTS(ctx context.Context, userID, query string, limit int) ([]MemoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.user_id, m.content, m.category, m.labels_json, m.keywords_json, m.importance, m.confidence,
	m.embedding_json, m.semantic_hash, m.created_at_ms, m.last_access_ms, m.access_count, m.is_active,
	m.superseded_by, m.metadata_json
FROM memory_entries_fts f
JOIN memory_entries m ON m.id = f.entry_id
WHERE f.content MATCH ?
AND m.user_id = ?
AND m.is_active = 1
ORDER BY bm25(memory_entries_fts), m.created_at_ms DESC
LIMIT ?`, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("search entries fts: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ftsMatchQuery builds an OR query of quoted tokens so raw user text
// with punctuation cannot break the FTS5 MATCH syntax.
func ftsMatchQuery(text string) string {
	seen := map[string]struct{}{}
	parts := []string{}
	for _, tok := range Tokenize(text) {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		parts = append(parts, `"`+tok+`"`)
		if len(parts) >= 12 {
			break
		}
	}
	return strings.Join(parts, " OR ")
}

func (s *SQLiteStore) DeactivateEntry(ctx context.Context, userID, id, supersededBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deactivate entry begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE memory_entries
SET is_active = 0, superseded_by = ?
WHERE id = ? AND user_id = ?`, supersededBy, id, userID)
	if err != nil {
		return fmt.Errorf("deactivate entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	// Facts are owned by the entry and leave with it.
	if _, err := tx.ExecContext(ctx, `DELETE FROM atomic_facts WHERE memory_entry_id = ?`, id); err != nil {
		return fmt.Errorf("deactivate entry facts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("deactivate entry commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchEntry(ctx context.Context, userID, id string, atMS int64) error {
	if atMS == 0 {
		atMS = nowMS()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE memory_entries
SET last_access_ms = ?, access_count = access_count + 1
WHERE id = ? AND user_id = ?`, atMS, id, userID)
	if err != nil {
		return fmt.Errorf("touch entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CountByCategory(ctx context.Context, userID string) ([]CategoryCount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT category, COUNT(*)
FROM memory_entries
WHERE user_id = ? AND is_active = 1
GROUP BY category
ORDER BY category`, userID)
	if err != nil {
		return nil, fmt.Errorf("count by category: %w", err)
	}
	defer rows.Close()

	out := []CategoryCount{}
	for rows.Next() {
		var c CategoryCount
		var category string
		if err := rows.Scan(&category, &c.Count); err != nil {
			return nil, fmt.Errorf("scan category count: %w", err)
		}
		c.Category = Category(category)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category counts: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) InsertFact(ctx context.Context, fact AtomicFact) error {
	if fact.CreatedAtMS == 0 {
		fact.CreatedAtMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO atomic_facts(id, memory_entry_id, content, fact_type, confidence, source_context, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		fact.ID, fact.MemoryEntryID, fact.Content, string(fact.FactType), fact.Confidence, fact.SourceContext, fact.CreatedAtMS)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListFacts(ctx context.Context, memoryID string) ([]AtomicFact, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, memory_entry_id, content, fact_type, confidence, source_context, created_at_ms
FROM atomic_facts
WHERE memory_entry_id = ?
ORDER BY created_at_ms, id`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	out := []AtomicFact{}
	for rows.Next() {
		var f AtomicFact
		var factType string
		if err := rows.Scan(&f.ID, &f.MemoryEntryID, &f.Content, &factType, &f.Confidence, &f.SourceContext, &f.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.FactType = FactType(factType)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteFactsForEntry(ctx context.Context, memoryID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM atomic_facts WHERE memory_entry_id = ?`, memoryID); err != nil {
		return fmt.Errorf("delete facts for entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertRelationship(ctx context.Context, rel MemoryRelationship) error {
	if rel.CreatedAtMS == 0 {
		rel.CreatedAtMS = nowMS()
	}
	active := 0
	if rel.IsActive {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_relationships(id, source_id, target_id, rel_type, strength, confidence, is_active, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source_id, target_id, rel_type) DO UPDATE SET
	strength = excluded.strength,
	confidence = excluded.confidence,
	is_active = excluded.is_active`,
		rel.ID, rel.SourceID, rel.TargetID, string(rel.Type), rel.Strength, rel.Confidence, active, rel.CreatedAtMS)
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRelationshipsFor(ctx context.Context, memoryID string) ([]MemoryRelationship, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source_id, target_id, rel_type, strength, confidence, is_active, created_at_ms
FROM memory_relationships
WHERE (source_id = ? OR target_id = ?) AND is_active = 1
ORDER BY created_at_ms DESC, id`, memoryID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("list relationships for entry: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

func (s *SQLiteStore) ListActiveRelationships(ctx context.Context, userID string, limit int) ([]MemoryRelationship, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.source_id, r.target_id, r.rel_type, r.strength, r.confidence, r.is_active, r.created_at_ms
FROM memory_relationships r
JOIN memory_entries src ON src.id = r.source_id
WHERE r.is_active = 1 AND src.user_id = ?
ORDER BY r.created_at_ms, r.id
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active relationships: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

func (s *SQLiteStore) DeactivateRelationship(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE memory_relationships SET is_active = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deactivate relationship: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendConsolidationLog(ctx context.Context, entry ConsolidationLogEntry) error {
	if entry.CreatedAtMS == 0 {
		entry.CreatedAtMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO consolidation_log(id, user_id, log_type, source_ids_json, result_id, confidence, reason, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Type, encodeJSON(entry.SourceIDs), entry.ResultID, entry.Confidence, entry.Reason, entry.CreatedAtMS)
	if err != nil {
		return fmt.Errorf("append consolidation log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListConsolidationLog(ctx context.Context, userID string, limit int) ([]ConsolidationLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, log_type, source_ids_json, result_id, confidence, reason, created_at_ms
FROM consolidation_log
WHERE user_id = ?
ORDER BY created_at_ms DESC, id
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list consolidation log: %w", err)
	}
	defer rows.Close()

	out := []ConsolidationLogEntry{}
	for rows.Next() {
		var e ConsolidationLogEntry
		var sourceIDs string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &sourceIDs, &e.ResultID, &e.Confidence, &e.Reason, &e.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan consolidation log: %w", err)
		}
		e.SourceIDs = decodeStrings(sourceIDs)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consolidation log: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendAccessLog(ctx context.Context, entry AccessLogEntry) error {
	if entry.AccessedAtMS == 0 {
		entry.AccessedAtMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO access_log(id, memory_id, access_type, relevance_score, accessed_at_ms)
VALUES(?, ?, ?, ?, ?)`,
		entry.ID, entry.MemoryID, entry.AccessType, entry.RelevanceScore, entry.AccessedAtMS)
	if err != nil {
		return fmt.Errorf("append access log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentAccesses(ctx context.Context, memoryIDs []string, sinceMS int64) (map[string]int, error) {
	if len(memoryIDs) == 0 {
		return map[string]int{}, nil
	}
	ids := uniqueStrings(memoryIDs)
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, sinceMS)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT memory_id, COUNT(*)
FROM access_log
WHERE memory_id IN (%s) AND accessed_at_ms >= ?
GROUP BY memory_id`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("recent accesses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int, len(ids))
	for rows.Next() {
		var id string
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("scan access count: %w", err)
		}
		out[id] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access counts: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertGraphMetrics(ctx context.Context, metrics GraphMetrics) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO graph_metrics(user_id, total_memories, total_relationships, contradiction_count, graph_density, computed_at_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	total_memories = excluded.total_memories,
	total_relationships = excluded.total_relationships,
	contradiction_count = excluded.contradiction_count,
	graph_density = excluded.graph_density,
	computed_at_ms = excluded.computed_at_ms`,
		metrics.UserID, metrics.TotalMemories, metrics.TotalRelationships, metrics.ContradictionCount, metrics.GraphDensity, metrics.ComputedAtMS)
	if err != nil {
		return fmt.Errorf("upsert graph metrics: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetGraphMetrics(ctx context.Context, userID string) (GraphMetrics, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, total_memories, total_relationships, contradiction_count, graph_density, computed_at_ms
FROM graph_metrics WHERE user_id = ?`, userID)
	var m GraphMetrics
	if err := row.Scan(&m.UserID, &m.TotalMemories, &m.TotalRelationships, &m.ContradictionCount, &m.GraphDensity, &m.ComputedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GraphMetrics{}, false, nil
		}
		return GraphMetrics{}, false, fmt.Errorf("get graph metrics: %w", err)
	}
	return m, true, nil
}

// Cache implementation over the ttl_cache table.

func (s *SQLiteStore) Get(ctx context.Context, key string, nowMS int64) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value_json, expires_at_ms FROM ttl_cache WHERE cache_key = ?`, key)
	var payload string
	var expires int64
	if err := row.Scan(&payload, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("cache get: %w", err)
	}
	if expires <= nowMS {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ttl_cache WHERE cache_key = ?`, key)
		return "", false, nil
	}
	return payload, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key, value string, expiresAtMS int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ttl_cache(cache_key, value_json, created_at_ms, expires_at_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(cache_key) DO UPDATE SET
	value_json = excluded.value_json,
	created_at_ms = excluded.created_at_ms,
	expires_at_ms = excluded.expires_at_ms`, key, value, nowMS(), expiresAtMS)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InvalidatePrefix(ctx context.Context, prefix string) error {
	if strings.TrimSpace(prefix) == "" {
		return nil
	}
	pattern := strings.ReplaceAll(strings.ReplaceAll(prefix, "%", `\%`), "_", `\_`) + "%"
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ttl_cache WHERE cache_key LIKE ? ESCAPE '\'`, pattern); err != nil {
		return fmt.Errorf("cache invalidate prefix: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (MemoryEntry, error) {
	var e MemoryEntry
	var category, labels, keywords, embedding, metadata string
	var active int
	if err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Content,
		&category,
		&labels,
		&keywords,
		&e.Importance,
		&e.Confidence,
		&embedding,
		&e.SemanticHash,
		&e.CreatedAtMS,
		&e.LastAccessMS,
		&e.AccessCount,
		&active,
		&e.SupersededBy,
		&metadata,
	); err != nil {
		return MemoryEntry{}, err
	}
	e.Category = Category(category)
	e.Labels = decodeStrings(labels)
	e.Keywords = decodeStrings(keywords)
	e.Embedding = decodeVector(embedding)
	e.IsActive = active != 0
	e.Metadata = decodeMap(metadata)
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]MemoryEntry, error) {
	out := []MemoryEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

func scanRelationships(rows *sql.Rows) ([]MemoryRelationship, error) {
	out := []MemoryRelationship{}
	for rows.Next() {
		var r MemoryRelationship
		var relType string
		var active int
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &relType, &r.Strength, &r.Confidence, &active, &r.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		r.Type = RelationshipType(relType)
		r.IsActive = active != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relationships: %w", err)
	}
	return out, nil
}

func uniqueStrings(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

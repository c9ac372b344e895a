package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coachkit/recall/pkg/logger"
)

const expansionCachePrefix = "expand:"

// QueryExpander generates related terms for a query via the
// classification capability, cached by query+context fingerprint.
// On any failure it falls back to the raw query unexpanded.
type QueryExpander struct {
	classifier Classifier
	cache      Cache
	ttl        time.Duration
}

func NewQueryExpander(classifier Classifier, cache Cache, ttl time.Duration) *QueryExpander {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &QueryExpander{classifier: classifier, cache: cache, ttl: ttl}
}

// Expand returns the query plus related terms. The original query is
// always first so degraded callers can use the head alone.
func (e *QueryExpander) Expand(ctx context.Context, query string, convCtx ConversationContext) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	base := []string{query}
	if e.classifier == nil {
		return base
	}

	key := e.cacheKey(query, convCtx)
	nowMS := time.Now().UnixMilli()
	if e.cache != nil {
		if raw, ok, err := e.cache.Get(ctx, key, nowMS); err == nil && ok {
			var cached []string
			if json.Unmarshal([]byte(raw), &cached) == nil && len(cached) > 0 {
				return cached
			}
		}
	}

	terms, err := e.classifier.ExpandQuery(ctx, query)
	if err != nil {
		logger.DebugCF("memory.expansion", "query expansion failed, using raw query", map[string]interface{}{
			"error": err.Error(),
		})
		return base
	}

	expanded := base
	seen := map[string]struct{}{strings.ToLower(query): {}}
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		lower := strings.ToLower(term)
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		expanded = append(expanded, term)
		if len(expanded) >= 8 {
			break
		}
	}

	if e.cache != nil {
		if raw, mErr := json.Marshal(expanded); mErr == nil {
			_ = e.cache.Put(ctx, key, string(raw), nowMS+e.ttl.Milliseconds())
		}
	}
	return expanded
}

func (e *QueryExpander) cacheKey(query string, convCtx ConversationContext) string {
	payload := fmt.Sprintf("%s|%s|%s|%s",
		strings.ToLower(query),
		convCtx.CoachingMode,
		convCtx.UserIntent,
		strings.ToLower(strings.Join(convCtx.RecentTopics, ",")),
	)
	h := sha1.Sum([]byte(payload))
	return expansionCachePrefix + hex.EncodeToString(h[:])
}

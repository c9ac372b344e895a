package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachkit/recall/pkg/memory"
)

const (
	defaultOpenAIAPIBase = "https://api.openai.com/v1"
	defaultChatModel     = "gpt-4o-mini"
)

// OpenAIClassifier calls an OpenAI-compatible chat completions API for
// classification, expansion, fact extraction and relationship
// detection. Every method returns ErrProviderUnavailable on transport
// failure so callers can degrade to heuristics.
type OpenAIClassifier struct {
	apiKey     string
	apiBase    string
	model      string
	httpClient *http.Client

	// Deterministic local rules back the structured fields the model
	// occasionally omits.
	fallback *HeuristicClassifier
}

func NewOpenAIClassifier(apiKey, apiBase, model, proxy string) *OpenAIClassifier {
	client := &http.Client{Timeout: 30 * time.Second}
	if proxy != "" {
		if proxyURL, err := url.Parse(proxy); err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}
	if apiBase == "" {
		apiBase = defaultOpenAIAPIBase
	}
	if model == "" {
		model = defaultChatModel
	}
	return &OpenAIClassifier{
		apiKey:     apiKey,
		apiBase:    strings.TrimRight(apiBase, "/"),
		model:      model,
		httpClient: client,
		fallback:   NewHeuristicClassifier(),
	}
}

func (c *OpenAIClassifier) Name() string { return "openai" }

func (c *OpenAIClassifier) Classify(ctx context.Context, text string, history []memory.Message) (memory.DetectionResult, error) {
	historyBlock := ""
	for _, m := range history {
		historyBlock += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
	}
	prompt := fmt.Sprintf(`You judge whether a coaching chat message states a durable fact about the user worth remembering.
Recent conversation:
%s
Message: %q
Respond with JSON only: {"worthy": bool, "category": "preferences"|"personal_context"|"instructions"|"food_diet"|"goals", "keywords": [string], "importance": 0..1, "confidence": 0..1}`, historyBlock, text)

	var out struct {
		Worthy     bool     `json:"worthy"`
		Category   string   `json:"category"`
		Keywords   []string `json:"keywords"`
		Importance float64  `json:"importance"`
		Confidence float64  `json:"confidence"`
	}
	if err := c.completeJSON(ctx, prompt, &out); err != nil {
		return memory.DetectionResult{}, err
	}
	category := memory.Category(out.Category)
	if !memory.ValidCategory(category) {
		category = memory.CategoryPersonalContext
	}
	keywords := out.Keywords
	if len(keywords) == 0 && out.Worthy {
		keywords = extractKeywords(text, 8)
	}
	return memory.DetectionResult{
		Worthy:     out.Worthy,
		Category:   category,
		Keywords:   keywords,
		Importance: clamp01(out.Importance),
		Confidence: clamp01(out.Confidence),
	}, nil
}

func (c *OpenAIClassifier) ExpandQuery(ctx context.Context, query string) ([]string, error) {
	prompt := fmt.Sprintf(`Expand this coaching memory search query with up to 6 related terms or phrases.
Query: %q
Respond with JSON only: {"terms": [string]}`, query)

	var out struct {
		Terms []string `json:"terms"`
	}
	if err := c.completeJSON(ctx, prompt, &out); err != nil {
		// Expansion is optional; local synonyms cover the common cases.
		return c.fallback.ExpandQuery(ctx, query)
	}
	return out.Terms, nil
}

func (c *OpenAIClassifier) ExtractFacts(ctx context.Context, content string, category memory.Category) ([]memory.AtomicFact, error) {
	prompt := fmt.Sprintf(`Decompose this user memory into atomic facts, each a single verifiable statement.
Memory (%s): %q
Respond with JSON only: {"facts": [{"content": string, "type": "preference"|"attribute"|"relationship"|"behavior"|"goal", "confidence": 0..1}]}`, category, content)

	var out struct {
		Facts []struct {
			Content    string  `json:"content"`
			Type       string  `json:"type"`
			Confidence float64 `json:"confidence"`
		} `json:"facts"`
	}
	if err := c.completeJSON(ctx, prompt, &out); err != nil {
		return nil, err
	}
	facts := make([]memory.AtomicFact, 0, len(out.Facts))
	for _, f := range out.Facts {
		content := strings.TrimSpace(f.Content)
		if content == "" {
			continue
		}
		factType := memory.FactType(f.Type)
		switch factType {
		case memory.FactPreference, memory.FactAttribute, memory.FactRelationship, memory.FactBehavior, memory.FactGoal:
		default:
			factType = memory.FactAttribute
		}
		facts = append(facts, memory.AtomicFact{
			ID:         "fact-" + uuid.NewString(),
			Content:    content,
			FactType:   factType,
			Confidence: clamp01(f.Confidence),
		})
	}
	return facts, nil
}

func (c *OpenAIClassifier) DetectRelationship(ctx context.Context, a, b memory.MemoryEntry) (memory.RelationshipType, float64, float64, error) {
	prompt := fmt.Sprintf(`Classify the relationship between two user memories.
A: %q
B: %q
Respond with JSON only: {"type": "contradicts"|"supports"|"elaborates"|"related"|"none", "strength": 0..1, "confidence": 0..1}`, a.Content, b.Content)

	var out struct {
		Type       string  `json:"type"`
		Strength   float64 `json:"strength"`
		Confidence float64 `json:"confidence"`
	}
	if err := c.completeJSON(ctx, prompt, &out); err != nil {
		return "", 0, 0, err
	}
	relType := memory.RelationshipType(out.Type)
	switch relType {
	case memory.RelContradicts, memory.RelSupports, memory.RelElaborates, memory.RelRelated:
		return relType, clamp01(out.Strength), clamp01(out.Confidence), nil
	default:
		return "", 0, 0, nil
	}
}

func (c *OpenAIClassifier) completeJSON(ctx context.Context, prompt string, out interface{}) error {
	requestBody := map[string]interface{}{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature":     0.0,
		"response_format": map[string]string{"type": "json_object"},
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", memory.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", memory.ErrProviderUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", memory.ErrProviderUnavailable, resp.StatusCode, truncate(string(body), 200))
	}

	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return fmt.Errorf("%w: empty response", memory.ErrProviderUnavailable)
	}
	content := stripCodeFence(apiResponse.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("parse model output: %w", err)
	}
	return nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

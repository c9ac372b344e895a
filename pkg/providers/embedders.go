package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coachkit/recall/pkg/memory"
)

const localEmbeddingModel = "recall-chargram-384-v1"

// LocalEmbedder hashes character trigrams and tokens into a fixed
// vector. No network dependency, deterministic, always available.
type LocalEmbedder struct {
	dims int
}

func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &LocalEmbedder{dims: dims}
}

func (e *LocalEmbedder) ModelID() string { return localEmbeddingModel }

func (e *LocalEmbedder) Dims() int { return e.dims }

func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec, nil
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		gram := window[i : i+3]
		h := fnv.New64a()
		_, _ = h.Write([]byte(gram))
		idx := int(h.Sum64() % uint64(e.dims))
		vec[idx] += 1
	}
	// Token hits weigh more than raw trigrams so whole words dominate.
	for _, token := range memory.Tokenize(normalized) {
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		idx := int(h.Sum64() % uint64(e.dims))
		vec[idx] += 1.25
	}
	memory.NormalizeVector(vec)
	return vec, nil
}

// OllamaEmbedder calls a local Ollama instance.
type OllamaEmbedder struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

func NewOllamaEmbedder(baseURL, model string, dims int) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if dims <= 0 {
		dims = 768
		if model == "all-minilm" {
			dims = 384
		}
	}
	return &OllamaEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OllamaEmbedder) ModelID() string { return "ollama/" + e.model }

func (e *OllamaEmbedder) Dims() int { return e.dims }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, _ := json.Marshal(map[string]string{"model": e.model, "prompt": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: ollama status %d: %s", memory.ErrProviderUnavailable, resp.StatusCode, truncate(string(b), 200))
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", memory.ErrProviderUnavailable)
	}
	return result.Embedding, nil
}

// OpenAIEmbedder calls any OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
}

func NewOpenAIEmbedder(baseURL, apiKey, model string, dims int) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = defaultOpenAIAPIBase
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OpenAIEmbedder) ModelID() string { return e.model }

func (e *OpenAIEmbedder) Dims() int { return e.dims }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, _ := json.Marshal(map[string]string{"input": text, "model": e.model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", memory.ErrProviderUnavailable, resp.StatusCode, truncate(string(b), 200))
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", memory.ErrProviderUnavailable)
	}
	return result.Data[0].Embedding, nil
}

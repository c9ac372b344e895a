package providers

import (
	"fmt"
	"strings"

	"github.com/coachkit/recall/pkg/config"
	"github.com/coachkit/recall/pkg/memory"
)

// NewClassifier builds the configured classifier variant. The variant
// set is closed and resolved exactly once, at startup.
func NewClassifier(cfg *config.Config) (memory.Classifier, error) {
	variant := strings.ToLower(strings.TrimSpace(cfg.Providers.Classifier.Variant))
	switch variant {
	case "", config.ClassifierHeuristic:
		return NewHeuristicClassifier(), nil
	case config.ClassifierOpenAI:
		apiKey := strings.TrimSpace(cfg.Providers.Classifier.APIKey)
		if apiKey == "" {
			return nil, fmt.Errorf("openai classifier requires an API key (set providers.classifier.api_key or RECALL_PROVIDERS_CLASSIFIER_API_KEY)")
		}
		return NewOpenAIClassifier(apiKey, cfg.Providers.Classifier.APIBase, cfg.Providers.Classifier.Model, cfg.Providers.Classifier.Proxy), nil
	case config.ClassifierNone:
		return NoneClassifier{}, nil
	default:
		return nil, fmt.Errorf("unsupported classifier variant %q", variant)
	}
}

// NewEmbedder builds the configured embedder variant.
func NewEmbedder(cfg *config.Config) (memory.Embedder, error) {
	variant := strings.ToLower(strings.TrimSpace(cfg.Providers.Embedder.Variant))
	switch variant {
	case "", config.EmbedderLocal:
		return NewLocalEmbedder(cfg.Providers.Embedder.Dims), nil
	case config.EmbedderOllama:
		return NewOllamaEmbedder(cfg.Providers.Embedder.APIBase, cfg.Providers.Embedder.Model, cfg.Providers.Embedder.Dims), nil
	case config.EmbedderOpenAI:
		apiKey := strings.TrimSpace(cfg.Providers.Embedder.APIKey)
		if apiKey == "" {
			return nil, fmt.Errorf("openai embedder requires an API key (set providers.embedder.api_key or RECALL_PROVIDERS_EMBEDDER_API_KEY)")
		}
		return NewOpenAIEmbedder(cfg.Providers.Embedder.APIBase, apiKey, cfg.Providers.Embedder.Model, cfg.Providers.Embedder.Dims), nil
	case config.EmbedderNone:
		return NoneEmbedder{}, nil
	default:
		return nil, fmt.Errorf("unsupported embedder variant %q", variant)
	}
}

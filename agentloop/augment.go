package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/martinemde/blenderagent/metrics"
)

// AugmentLimit is the number of hits folded into the prompt.
const AugmentLimit = 5

const (
	knowledgeHeader = "\n\n--- RELEVANT KNOWLEDGE (%s) ---\n"
	knowledgeFooter = "\n----------------------------------------\n"
)

// FormatKnowledge renders search hits as a knowledge block. It returns ""
// for no hits.
func FormatKnowledge(collection string, hits []ScoredPoint) string {
	if len(hits) == 0 {
		return ""
	}
	entries := make([]string, 0, len(hits))
	for _, hit := range hits {
		entries = append(entries, fmt.Sprintf("[%s (Confidence: %.2f)]\n%s", payloadSource(hit.Payload), hit.Score, payloadContent(hit.Payload)))
	}
	return fmt.Sprintf(knowledgeHeader, collection) + strings.Join(entries, "\n\n") + knowledgeFooter
}

func payloadContent(payload map[string]any) string {
	for _, key := range []string{"text", "content", "code"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(raw)
}

func payloadSource(payload map[string]any) string {
	if s, ok := payload["source"].(string); ok && s != "" {
		return s
	}
	return "Knowledge Base"
}

// semanticSearch embeds query and returns the formatted knowledge block.
func semanticSearch(ctx context.Context, embedder Embedder, kb KnowledgeBase, collection, query string, limit int) (string, error) {
	vector, err := embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}
	if len(vector) == 0 {
		return "", nil
	}
	hits, err := kb.Search(ctx, collection, vector, limit)
	if err != nil {
		return "", fmt.Errorf("search %s: %w", collection, err)
	}
	return FormatKnowledge(collection, hits), nil
}

// Augmenter appends relevant knowledge base entries to user text before it
// is sent to the model. It never fails the request.
type Augmenter struct {
	embedder Embedder
	kb       KnowledgeBase
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewAugmenter creates an Augmenter. embedder and kb may be nil when no
// knowledge base is configured.
func NewAugmenter(embedder Embedder, kb KnowledgeBase, logger *zap.Logger, m *metrics.Metrics) *Augmenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Augmenter{embedder: embedder, kb: kb, logger: logger.Named("augment"), metrics: m}
}

// Augment returns text with a knowledge block appended, or text unchanged
// when retrieval is disabled, fails or finds nothing.
func (a *Augmenter) Augment(ctx context.Context, text string, settings Settings) string {
	if a == nil || !settings.KnowledgeBase.Enabled || a.embedder == nil || a.kb == nil {
		a.record("disabled")
		return text
	}

	block, err := semanticSearch(ctx, a.embedder, a.kb, settings.KnowledgeBase.Collection, text, AugmentLimit)
	if err != nil {
		a.logger.Debug("knowledge augmentation failed", zap.String("collection", settings.KnowledgeBase.Collection), zap.Error(err))
		a.record("error")
		return text
	}
	if block == "" {
		a.record("miss")
		return text
	}
	a.record("hit")
	return text + "\n" + block
}

func (a *Augmenter) record(outcome string) {
	if a == nil {
		return
	}
	a.metrics.RecordAugmentation(outcome)
}

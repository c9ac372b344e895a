package memory

import (
	"context"
	"strings"

	"github.com/coachkit/recall/pkg/logger"
)

// Detector judges whether an incoming message is worth remembering.
// It never writes memories itself; worthy candidates are handed to the
// submit callback (the deduplication path).
type Detector struct {
	classifier Classifier
	history    ConversationHistory
	historyLen int
}

// NewDetector builds a detector over the classification capability.
// history may be nil when no conversation context is available.
func NewDetector(classifier Classifier, history ConversationHistory, historyLen int) *Detector {
	if historyLen <= 0 {
		historyLen = 6
	}
	return &Detector{classifier: classifier, history: history, historyLen: historyLen}
}

// Detect classifies message and returns the candidate entry when
// worthy. Provider failures are contained: any error from the
// capability is logged and treated as not worthy, because detection
// runs adjacent to the chat path and must never surface there.
func (d *Detector) Detect(ctx context.Context, userID, message, conversationID string) (MemoryEntry, bool) {
	message = strings.TrimSpace(message)
	if message == "" || d.classifier == nil {
		return MemoryEntry{}, false
	}

	var recent []Message
	if d.history != nil && conversationID != "" {
		msgs, err := d.history.Recent(ctx, conversationID, d.historyLen)
		if err != nil {
			logger.DebugCF("memory.detector", "conversation history unavailable", map[string]interface{}{
				"conversation_id": conversationID, "error": err.Error(),
			})
		} else {
			recent = msgs
		}
	}

	result, err := d.classifier.Classify(ctx, message, recent)
	if err != nil {
		logger.WarnCF("memory.detector", "classification failed, treating as not worthy", map[string]interface{}{
			"user_id": userID, "error": err.Error(),
		})
		return MemoryEntry{}, false
	}
	if !result.Worthy {
		return MemoryEntry{}, false
	}
	if !ValidateContent(message, result.Category) {
		logger.DebugCF("memory.detector", "worthy candidate rejected by validator", map[string]interface{}{
			"user_id": userID, "category": string(result.Category),
		})
		return MemoryEntry{}, false
	}

	return MemoryEntry{
		UserID:     userID,
		Content:    message,
		Category:   result.Category,
		Keywords:   result.Keywords,
		Importance: clamp01(result.Importance),
		Confidence: clamp01(result.Confidence),
		IsActive:   true,
		Metadata:   map[string]string{"conversation_id": conversationID, "source": "detection"},
	}, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package providers

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachkit/recall/pkg/memory"
)

func TestHeuristicClassifyPreference(t *testing.T) {
	c := NewHeuristicClassifier()
	result, err := c.Classify(context.Background(), "I prefer morning workouts", nil)
	require.NoError(t, err)
	require.True(t, result.Worthy)
	require.Equal(t, memory.CategoryPreferences, result.Category)
	require.Contains(t, result.Keywords, "morning")
	require.InDelta(t, 0.5, result.Importance, 0.2)
}

func TestHeuristicClassifyAllergy(t *testing.T) {
	c := NewHeuristicClassifier()
	result, err := c.Classify(context.Background(), "I'm allergic to peanuts", nil)
	require.NoError(t, err)
	require.True(t, result.Worthy)
	require.Equal(t, memory.CategoryFoodDiet, result.Category)
	require.Equal(t, 0.95, result.Importance)
	require.Equal(t, 0.9, result.Confidence)
}

func TestHeuristicClassifyRejectsQuestions(t *testing.T) {
	c := NewHeuristicClassifier()
	for _, text := range []string{
		"What should I eat for breakfast?",
		"how do i improve my squat",
	} {
		result, err := c.Classify(context.Background(), text, nil)
		require.NoError(t, err)
		require.False(t, result.Worthy, "question %q should not be worthy", text)
	}
}

func TestHeuristicClassifyRejectsChatter(t *testing.T) {
	c := NewHeuristicClassifier()
	result, err := c.Classify(context.Background(), "ok sounds good, thanks", nil)
	require.NoError(t, err)
	require.False(t, result.Worthy)

	result, err = c.Classify(context.Background(), "   ", nil)
	require.NoError(t, err)
	require.False(t, result.Worthy)
}

func TestHeuristicClassifyPersistCueOverridesQuestionGate(t *testing.T) {
	c := NewHeuristicClassifier()
	result, err := c.Classify(context.Background(), "Remember that I avoid gluten", nil)
	require.NoError(t, err)
	require.True(t, result.Worthy)
	require.Contains(t, result.Keywords, "gluten")
}

func TestHeuristicExpandQuery(t *testing.T) {
	c := NewHeuristicClassifier()
	terms, err := c.ExpandQuery(context.Background(), "breakfast workout")
	require.NoError(t, err)
	require.Contains(t, terms, "oatmeal")
	require.Contains(t, terms, "gym")

	terms, err = c.ExpandQuery(context.Background(), "xylophone")
	require.NoError(t, err)
	require.Empty(t, terms)
}

func TestHeuristicExtractFacts(t *testing.T) {
	c := NewHeuristicClassifier()
	content := "I run 5k every morning. I think maybe pasta tonight. My goal is a marathon by summer."
	facts, err := c.ExtractFacts(context.Background(), content, memory.CategoryGoals)
	require.NoError(t, err)
	require.Len(t, facts, 2)

	require.True(t, strings.HasPrefix(facts[0].ID, "fact-"))
	require.Equal(t, "I run 5k every morning", facts[0].Content)
	require.Equal(t, memory.FactBehavior, facts[0].FactType)
	require.Equal(t, memory.FactGoal, facts[1].FactType)
}

func TestHeuristicExtractFactsDeduplicates(t *testing.T) {
	c := NewHeuristicClassifier()
	facts, err := c.ExtractFacts(context.Background(), "I lift on tuesdays. I lift on tuesdays.", memory.CategoryPreferences)
	require.NoError(t, err)
	require.Len(t, facts, 1)
}

func TestHeuristicDetectRelationshipContradiction(t *testing.T) {
	c := NewHeuristicClassifier()
	a := memory.MemoryEntry{Content: "i drink coffee every morning", Category: memory.CategoryFoodDiet}
	b := memory.MemoryEntry{Content: "i don't drink coffee anymore", Category: memory.CategoryFoodDiet}
	relType, strength, confidence, err := c.DetectRelationship(context.Background(), a, b)
	require.NoError(t, err)
	require.Equal(t, memory.RelContradicts, relType)
	require.Greater(t, strength, 0.4)
	require.Equal(t, 0.65, confidence)
}

func TestHeuristicDetectRelationshipElaboration(t *testing.T) {
	c := NewHeuristicClassifier()
	a := memory.MemoryEntry{Content: "i run 5k every morning", Category: memory.CategoryGoals}
	b := memory.MemoryEntry{Content: "i run 5k", Category: memory.CategoryGoals}
	relType, _, _, err := c.DetectRelationship(context.Background(), a, b)
	require.NoError(t, err)
	require.Equal(t, memory.RelElaborates, relType)
}

func TestHeuristicDetectRelationshipUnrelated(t *testing.T) {
	c := NewHeuristicClassifier()
	a := memory.MemoryEntry{Content: "i like jazz records", Category: memory.CategoryPreferences}
	b := memory.MemoryEntry{Content: "my dog sleeps all day", Category: memory.CategoryPersonalContext}
	relType, _, _, err := c.DetectRelationship(context.Background(), a, b)
	require.NoError(t, err)
	require.Equal(t, memory.RelationshipType(""), relType)
}

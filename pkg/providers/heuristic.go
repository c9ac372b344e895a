package providers

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/coachkit/recall/pkg/memory"
)

var (
	prefRegex         = regexp.MustCompile(`(?i)\b(i (?:really )?(?:like|love|prefer|hate|dislike|enjoy|avoid)\b[^.!?\n]*)`)
	firstPersonRegex  = regexp.MustCompile(`(?i)\b(i (?:am|i'm|have|had|eat|drink|follow|train|run|lift|work|sleep|wake|live|weigh|aim|want|need|plan|track|skip|usually|always|never)\b[^.!?\n]{4,180})`)
	questionLeadRegex = regexp.MustCompile(`(?i)^\s*(?:what|why|how|when|where|who|can|could|would|do|does|did|is|are|am|should)\b`)
	persistCueRegex   = regexp.MustCompile(`(?i)\b(?:remember|note|save|keep in mind|don't forget|from now on|always|never|my goal|i'm allergic|i am allergic)\b`)
	hedgedLeadRegex   = regexp.MustCompile(`(?i)^i (?:think|guess|wonder|hope|suppose|feel like maybe)\b`)
	sentenceSplit     = regexp.MustCompile(`[.!?\n;]+`)
	negationRegex     = regexp.MustCompile(`(?i)\b(?:not|no longer|never|stopped|quit|don't|doesn't|can't|won't)\b`)
)

var categoryCues = map[memory.Category][]string{
	memory.CategoryFoodDiet: {
		"eat", "ate", "eating", "food", "meal", "breakfast", "lunch", "dinner", "snack",
		"drink", "drank", "diet", "vegetarian", "vegan", "allergic", "allergy", "gluten",
		"protein", "calorie", "calories", "fasting", "keto", "oatmeal", "smoothie",
	},
	memory.CategoryGoals: {
		"goal", "goals", "target", "aim", "aiming", "lose", "gain", "reach", "achieve",
		"marathon", "race", "by summer", "by next", "want to", "plan to", "training for",
	},
	memory.CategoryInstructions: {
		"always", "never", "don't", "please", "remind", "keep", "from now on", "stop suggesting",
		"call me", "use", "prefer you", "when you", "short answers", "metric", "imperial",
	},
	memory.CategoryPreferences: {
		"like", "love", "prefer", "hate", "dislike", "enjoy", "favorite", "favourite",
		"rather", "avoid", "into",
	},
}

var queryExpansions = map[string][]string{
	"breakfast":  {"morning meal", "oatmeal", "eggs"},
	"dinner":     {"evening meal", "supper"},
	"lunch":      {"midday meal"},
	"workout":    {"exercise", "training", "gym"},
	"exercise":   {"workout", "training"},
	"run":        {"running", "jog", "cardio"},
	"running":    {"run", "cardio"},
	"diet":       {"food", "nutrition", "eating"},
	"food":       {"diet", "meal", "eating"},
	"sleep":      {"rest", "bedtime", "wake"},
	"weight":     {"body weight", "lose weight", "gain"},
	"goal":       {"target", "objective", "plan"},
	"allergy":    {"allergic", "intolerance"},
	"allergic":   {"allergy", "intolerance"},
	"protein":    {"nutrition", "diet"},
	"stress":     {"anxiety", "pressure", "relax"},
	"motivation": {"motivated", "habit", "consistency"},
}

// HeuristicClassifier is the default rule-based provider. No network,
// no model: regex and keyword rules tuned for coaching conversations.
type HeuristicClassifier struct{}

func NewHeuristicClassifier() *HeuristicClassifier { return &HeuristicClassifier{} }

func (c *HeuristicClassifier) Name() string { return "heuristic" }

func (c *HeuristicClassifier) Classify(ctx context.Context, text string, history []memory.Message) (memory.DetectionResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return memory.DetectionResult{}, nil
	}

	// Questions are requests for information, not statements about the
	// user, unless an explicit persistence cue overrides.
	if isLikelyQuestion(text) && !persistCueRegex.MatchString(text) {
		return memory.DetectionResult{}, nil
	}

	statement := firstPersonStatement(text)
	if statement == "" {
		return memory.DetectionResult{}, nil
	}

	category := classifyCategory(statement)
	importance := 0.5
	confidence := 0.6
	lower := strings.ToLower(statement)
	if persistCueRegex.MatchString(statement) {
		importance += 0.2
		confidence += 0.15
	}
	if strings.Contains(lower, "allergic") || strings.Contains(lower, "allergy") {
		importance = 0.95
		confidence = 0.9
	}
	if category == memory.CategoryInstructions {
		importance += 0.1
	}

	return memory.DetectionResult{
		Worthy:     true,
		Category:   category,
		Keywords:   extractKeywords(statement, 8),
		Importance: clamp01(importance),
		Confidence: clamp01(confidence),
	}, nil
}

func (c *HeuristicClassifier) ExpandQuery(ctx context.Context, query string) ([]string, error) {
	terms := []string{}
	seen := map[string]struct{}{}
	add := func(t string) {
		t = strings.TrimSpace(strings.ToLower(t))
		if t == "" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	for _, tok := range memory.Tokenize(query) {
		for _, exp := range queryExpansions[tok] {
			add(exp)
		}
	}
	return terms, nil
}

func (c *HeuristicClassifier) ExtractFacts(ctx context.Context, content string, category memory.Category) ([]memory.AtomicFact, error) {
	facts := []memory.AtomicFact{}
	seen := map[string]struct{}{}
	for _, part := range sentenceSplit.Split(content, -1) {
		clause := strings.Trim(strings.TrimSpace(part), " .,!?:;\"'")
		if len(clause) < 8 {
			continue
		}
		lower := strings.ToLower(clause)
		if hedgedLeadRegex.MatchString(lower) {
			continue
		}
		if !strings.HasPrefix(lower, "i ") && !strings.HasPrefix(lower, "i'm") && !strings.HasPrefix(lower, "my ") {
			continue
		}
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		facts = append(facts, memory.AtomicFact{
			ID:         "fact-" + uuid.NewString(),
			Content:    clause,
			FactType:   factTypeFor(clause, category),
			Confidence: 0.7,
		})
		if len(facts) >= 10 {
			break
		}
	}
	return facts, nil
}

func (c *HeuristicClassifier) DetectRelationship(ctx context.Context, a, b memory.MemoryEntry) (memory.RelationshipType, float64, float64, error) {
	overlap := memory.SharedWordRatio(a.Content, b.Content)
	if overlap < 0.2 {
		return "", 0, 0, nil
	}

	aNeg := negationRegex.MatchString(a.Content)
	bNeg := negationRegex.MatchString(b.Content)
	if aNeg != bNeg && overlap >= 0.4 {
		// Same topic, opposite polarity.
		return memory.RelContradicts, overlap, 0.65, nil
	}
	if memory.IsWordSuperset(a.Content, b.Content) || memory.IsWordSuperset(b.Content, a.Content) {
		return memory.RelElaborates, overlap, 0.6, nil
	}
	if overlap >= 0.55 {
		return memory.RelSupports, overlap, 0.6, nil
	}
	if a.Category == b.Category && overlap >= 0.3 {
		return memory.RelRelated, overlap, 0.5, nil
	}
	return "", 0, 0, nil
}

func isLikelyQuestion(text string) bool {
	if strings.Contains(text, "?") {
		return true
	}
	return questionLeadRegex.MatchString(text)
}

// firstPersonStatement returns the first durable first-person clause,
// or "" when the message carries nothing memory-worthy.
func firstPersonStatement(text string) string {
	if m := prefRegex.FindString(text); m != "" {
		return strings.TrimSpace(m)
	}
	if m := firstPersonRegex.FindString(text); m != "" {
		return strings.TrimSpace(m)
	}
	if persistCueRegex.MatchString(text) {
		return strings.TrimSpace(text)
	}
	return ""
}

func classifyCategory(statement string) memory.Category {
	lower := " " + strings.ToLower(statement) + " "
	best := memory.CategoryPersonalContext
	bestScore := 0
	// Stable order so ties resolve the same way every run.
	for _, cat := range memory.Categories {
		cues, ok := categoryCues[cat]
		if !ok {
			continue
		}
		score := 0
		for _, cue := range cues {
			if strings.Contains(lower, cue) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = cat
		}
	}
	return best
}

func factTypeFor(clause string, category memory.Category) memory.FactType {
	lower := strings.ToLower(clause)
	switch {
	case strings.Contains(lower, "like") || strings.Contains(lower, "prefer") ||
		strings.Contains(lower, "love") || strings.Contains(lower, "hate"):
		return memory.FactPreference
	// Habit cues beat the category fallback: a routine stated inside a
	// goals memory is still a behavior.
	case strings.Contains(lower, "usually") || strings.Contains(lower, "every") ||
		strings.Contains(lower, "always") || strings.Contains(lower, "never"):
		return memory.FactBehavior
	case category == memory.CategoryGoals || strings.Contains(lower, "goal") ||
		strings.Contains(lower, "want to") || strings.Contains(lower, "aim"):
		return memory.FactGoal
	default:
		return memory.FactAttribute
	}
}

func extractKeywords(text string, max int) []string {
	counts := map[string]int{}
	order := []string{}
	for _, tok := range memory.Tokenize(text) {
		if len(tok) < 4 {
			continue
		}
		if _, ok := counts[tok]; !ok {
			order = append(order, tok)
		}
		counts[tok]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > max {
		order = order[:max]
	}
	return order
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

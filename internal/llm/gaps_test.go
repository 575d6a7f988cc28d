package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/gapanalyzer/internal/breaker"
	"github.com/hyperifyio/gapanalyzer/internal/extract"
	"github.com/hyperifyio/gapanalyzer/internal/limit"
)

// scriptedClient returns one canned reply or error per call, in order; the
// last entry repeats.
type scriptedClient struct {
	replies []string
	errs    []error
	calls   int
}

func (s *scriptedClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := s.calls
	s.calls++
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return openai.ChatCompletionResponse{}, s.errs[i]
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.replies[i]}},
		},
	}, nil
}

func newTestModel(client Client) (*GapModel, *[]time.Duration) {
	var slept []time.Duration
	m := &GapModel{
		Client:  client,
		Model:   "test-model",
		Limiter: limit.New(1000, time.Minute),
		Breaker: breaker.New(3, time.Minute),
		sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	return m, &slept
}

func TestGenerateInitialGaps_ParsesFencedArray(t *testing.T) {
	reply := "```json\n[{\"name\": \"Scalability unexplored\", \"description\": \"d\", \"category\": \"empirical\", \"reasoning\": \"r\", \"evidence\": \"e\"}]\n```"
	m, _ := newTestModel(&scriptedClient{replies: []string{reply}})

	gaps := m.GenerateInitialGaps(context.Background(), PaperData{Title: "T"}, SourceContent{})
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d", len(gaps))
	}
	if gaps[0].Name != "Scalability unexplored" || gaps[0].Category != "empirical" {
		t.Fatalf("unexpected gap: %+v", gaps[0])
	}
}

func TestGenerateInitialGaps_ExhaustionReturnsEmpty(t *testing.T) {
	upstream := errors.New("boom")
	m, slept := newTestModel(&scriptedClient{replies: []string{""}, errs: []error{upstream, upstream, upstream}})

	gaps := m.GenerateInitialGaps(context.Background(), PaperData{}, SourceContent{})
	if gaps != nil {
		t.Fatalf("expected nil gaps on exhaustion, got %v", gaps)
	}
	if len(*slept) != 2 {
		t.Fatalf("expected 2 backoff sleeps for 3 attempts, got %d", len(*slept))
	}
}

func TestGenerateInitialGaps_RateLimitUsesLongBackoff(t *testing.T) {
	rateErr := errors.New("status 429: quota exceeded")
	reply := `[{"name": "g", "description": "d", "category": "theoretical", "reasoning": "r", "evidence": "e"}]`
	m, slept := newTestModel(&scriptedClient{replies: []string{"", reply}, errs: []error{rateErr, nil}})
	m.RateLimitDelay = 30 * time.Second

	gaps := m.GenerateInitialGaps(context.Background(), PaperData{}, SourceContent{})
	if len(gaps) != 1 {
		t.Fatalf("expected recovery after rate limit, got %d gaps", len(gaps))
	}
	if len(*slept) != 1 || (*slept)[0] < 30*time.Second {
		t.Fatalf("expected a >=30s backoff after 429, got %v", *slept)
	}
}

func TestGenerateInitialGaps_BreakerOpenSkipsUpstream(t *testing.T) {
	client := &scriptedClient{replies: []string{"unused"}}
	m, _ := newTestModel(client)
	for i := 0; i < 3; i++ {
		m.Breaker.Failure()
	}

	gaps := m.GenerateInitialGaps(context.Background(), PaperData{}, SourceContent{})
	if gaps != nil {
		t.Fatalf("expected no gaps while breaker is open")
	}
	if client.calls != 0 {
		t.Fatalf("expected no upstream calls while breaker is open, got %d", client.calls)
	}
}

func TestGenerateSearchQuery_TrimsQuotes(t *testing.T) {
	m, _ := newTestModel(&scriptedClient{replies: []string{"\"protein folding models\"\n"}})
	q := m.GenerateSearchQuery(context.Background(), InitialGap{Name: "x"})
	if q != "protein folding models" {
		t.Fatalf("unexpected query: %q", q)
	}
}

func TestGenerateSearchQuery_FallbackOnError(t *testing.T) {
	m, _ := newTestModel(&scriptedClient{replies: []string{""}, errs: []error{errors.New("down")}})
	gap := InitialGap{Name: "Missing Longitudinal Data Analysis", Category: "empirical"}
	q := m.GenerateSearchQuery(context.Background(), gap)
	if q != "missing longitudinal data analysis" {
		t.Fatalf("expected first four lowercased words, got %q", q)
	}
}

func TestValidateGap_ParsesVerdict(t *testing.T) {
	reply := `{"is_valid": false, "confidence": 0.9, "reasoning": "fully addressed", "should_modify": false, "supporting_papers": [], "conflicting_papers": [{"title": "p", "reason": "solves it"}]}`
	m, _ := newTestModel(&scriptedClient{replies: []string{reply}})

	res := m.ValidateGap(context.Background(), InitialGap{Name: "g"}, []extract.Content{{Title: "p", Success: true}})
	if res.IsValid {
		t.Fatalf("expected invalid verdict")
	}
	if len(res.ConflictingPapers) != 1 {
		t.Fatalf("expected conflicting paper to survive decoding")
	}
}

func TestValidateGap_ErrorNeverInvalidates(t *testing.T) {
	upstream := errors.New("status 429: quota")
	m, _ := newTestModel(&scriptedClient{replies: []string{""}, errs: []error{upstream, upstream, upstream}})

	res := m.ValidateGap(context.Background(), InitialGap{Name: "g"}, nil)
	if !res.IsValid {
		t.Fatalf("errors must not mark a gap invalid")
	}
	if res.Confidence != 0.3 {
		t.Fatalf("expected low-confidence fallback, got %v", res.Confidence)
	}
}

func TestValidateGap_ClampsConfidence(t *testing.T) {
	reply := `{"is_valid": true, "confidence": 1.7, "reasoning": "r", "should_modify": false}`
	m, _ := newTestModel(&scriptedClient{replies: []string{reply}})
	res := m.ValidateGap(context.Background(), InitialGap{}, nil)
	if res.Confidence != 1 {
		t.Fatalf("expected confidence clamped to 1, got %v", res.Confidence)
	}
}

func TestExpandGapDetails_CoercesTopicShapes(t *testing.T) {
	reply := `{
  "potential_impact": "big",
  "research_hints": "hints",
  "implementation_suggestions": "steps",
  "risks_and_challenges": "risks",
  "required_resources": "gpu",
  "estimated_difficulty": "medium",
  "estimated_timeline": "6-12 months",
  "suggested_topics": [
    {"title": "t1", "description": "d1",
     "research_questions": "is this feasible?",
     "methodology_suggestions": ["simulation", "user study"],
     "expected_outcomes": ["a benchmark"],
     "relevance_score": 0.7}
  ]
}`
	m, _ := newTestModel(&scriptedClient{replies: []string{reply}})
	details := m.ExpandGapDetails(context.Background(), InitialGap{}, ValidationResult{Confidence: 0.8})

	if len(details.SuggestedTopics) != 1 {
		t.Fatalf("expected 1 topic, got %d", len(details.SuggestedTopics))
	}
	topic := details.SuggestedTopics[0]
	if len(topic.ResearchQuestions) != 1 || topic.ResearchQuestions[0] != "is this feasible?" {
		t.Fatalf("scalar research_questions not wrapped: %v", topic.ResearchQuestions)
	}
	if string(topic.MethodologySuggestions) != "simulation; user study" {
		t.Fatalf("list methodology_suggestions not joined: %q", topic.MethodologySuggestions)
	}
	if string(topic.ExpectedOutcomes) != "a benchmark" {
		t.Fatalf("unexpected expected_outcomes: %q", topic.ExpectedOutcomes)
	}
}

func TestExpandGapDetails_DegradedOnExhaustion(t *testing.T) {
	upstream := errors.New("down")
	m, _ := newTestModel(&scriptedClient{replies: []string{""}, errs: []error{upstream, upstream, upstream}})

	details := m.ExpandGapDetails(context.Background(), InitialGap{Name: "g"}, ValidationResult{})
	if details.PotentialImpact == "" || details.EstimatedDifficulty != "unknown" {
		t.Fatalf("expected placeholder enrichment, got %+v", details)
	}
	if details.SuggestedTopics == nil || len(details.SuggestedTopics) != 0 {
		t.Fatalf("expected empty topic list, got %v", details.SuggestedTopics)
	}
}

func TestBuildPaperContext_BoundsSections(t *testing.T) {
	content := SourceContent{}
	for i := 0; i < 15; i++ {
		content.Sections = append(content.Sections, SourceSection{
			Title:      "Section",
			Paragraphs: []string{"p1", "p2", "p3", "p4"},
		})
	}
	ctx := buildPaperContext(PaperData{Title: "T", Abstract: "A"}, content)
	// 10 sections max, 3 paragraphs each: "p4" never appears.
	if count := countOccurrences(ctx, "Section:"); count != 10 {
		t.Fatalf("expected 10 sections in context, got %d", count)
	}
	if countOccurrences(ctx, "p4") != 0 {
		t.Fatalf("expected paragraph cap of 3 to hold")
	}
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}

// Package llm implements the typed gap operations against an
// OpenAI-compatible text-generation endpoint: generate initial gaps, derive a
// search query, validate a gap against related literature, and expand a
// validated gap. Every operation is guarded by the shared rate limiter,
// circuit breaker, and bounded retry, and degrades per operation rather than
// propagating upstream failures into the pipeline.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/gapanalyzer/internal/breaker"
	"github.com/hyperifyio/gapanalyzer/internal/extract"
	"github.com/hyperifyio/gapanalyzer/internal/limit"
)

// Error is the typed failure surfaced when an operation exhausts its retries.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("llm %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// PaperData is the source paper's metadata as loaded from the store.
type PaperData struct {
	Title           string
	Abstract        string
	DOI             string
	PublicationDate string
}

// SourceSection is one extracted section of the source paper.
type SourceSection struct {
	Title      string
	Type       string
	Paragraphs []string
}

// SourceCaption is a figure or table caption from the source paper.
type SourceCaption struct {
	Label   string
	Caption string
}

// SourceContent is the persisted extraction of the source paper.
type SourceContent struct {
	Sections   []SourceSection
	Figures    []SourceCaption
	Tables     []SourceCaption
	Conclusion string
}

// InitialGap is a research gap as first emitted by the model.
type InitialGap struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Reasoning   string `json:"reasoning"`
	Evidence    string `json:"evidence"`
}

// PaperRef names a related paper together with the model's reason for citing it.
type PaperRef struct {
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// ValidationResult is the model's verdict on whether a gap remains open.
type ValidationResult struct {
	IsValid                bool       `json:"is_valid"`
	Confidence             float64    `json:"confidence"`
	Reasoning              string     `json:"reasoning"`
	ShouldModify           bool       `json:"should_modify"`
	ModificationSuggestion string     `json:"modification_suggestion,omitempty"`
	SupportingPapers       []PaperRef `json:"supporting_papers,omitempty"`
	ConflictingPapers      []PaperRef `json:"conflicting_papers,omitempty"`
}

// Topic is a suggested research topic attached to an expanded gap. The
// flexible field types absorb the shape drift the model exhibits: lists where
// strings were asked for, and vice versa.
type Topic struct {
	Title                  string       `json:"title"`
	Description            string       `json:"description"`
	ResearchQuestions      StringList   `json:"research_questions"`
	MethodologySuggestions JoinedString `json:"methodology_suggestions,omitempty"`
	ExpectedOutcomes       JoinedString `json:"expected_outcomes,omitempty"`
	RelevanceScore         float64      `json:"relevance_score"`
}

// ExpandedDetails carries the enrichment produced for a validated gap.
type ExpandedDetails struct {
	PotentialImpact           string              `json:"potential_impact"`
	ResearchHints             string              `json:"research_hints"`
	ImplementationSuggestions string              `json:"implementation_suggestions"`
	RisksAndChallenges        string              `json:"risks_and_challenges"`
	RequiredResources         string              `json:"required_resources"`
	EstimatedDifficulty       string              `json:"estimated_difficulty"`
	EstimatedTimeline         string              `json:"estimated_timeline"`
	EvidenceAnchors           []map[string]string `json:"evidence_anchors,omitempty"`
	SuggestedTopics           []Topic             `json:"suggested_topics"`
}

// JoinedString decodes either a JSON string or a JSON array of values; arrays
// are joined with "; ".
type JoinedString string

func (j *JoinedString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*j = JoinedString(s)
		return nil
	}
	var items []any
	if err := json.Unmarshal(data, &items); err == nil {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			parts = append(parts, fmt.Sprint(it))
		}
		*j = JoinedString(strings.Join(parts, "; "))
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v == nil {
		*j = ""
		return nil
	}
	*j = JoinedString(fmt.Sprint(v))
	return nil
}

// StringList decodes either a JSON array of strings or a lone scalar, which
// is wrapped into a singleton list.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var items []any
	if err := json.Unmarshal(data, &items); err == nil {
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = append(out, fmt.Sprint(it))
		}
		*l = out
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v == nil {
		*l = nil
		return nil
	}
	*l = []string{fmt.Sprint(v)}
	return nil
}

// GapModel runs the gap operations against a chat model.
type GapModel struct {
	Client  Client
	Model   string
	Limiter *limit.Limiter
	Breaker *breaker.Breaker

	// MaxAttempts per operation including the first. Minimum 1, default 3.
	MaxAttempts int
	// RateLimitDelay seeds the backoff after a recognized quota rejection.
	RateLimitDelay time.Duration
	// ErrorDelay seeds the backoff after other transient failures.
	ErrorDelay time.Duration

	// sleep is overridable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func (g *GapModel) attempts() int {
	if g.MaxAttempts < 1 {
		return 3
	}
	return g.MaxAttempts
}

func (g *GapModel) rateLimitDelay() time.Duration {
	if g.RateLimitDelay <= 0 {
		return 30 * time.Second
	}
	return g.RateLimitDelay
}

func (g *GapModel) errorDelay() time.Duration {
	if g.ErrorDelay <= 0 {
		return time.Second
	}
	return g.ErrorDelay
}

func (g *GapModel) doSleep(ctx context.Context, d time.Duration) error {
	if g.sleep != nil {
		return g.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffDelay is base·2ᵃᵗᵗᵉᵐᵖᵗ plus up to 1s of jitter, capped at 60s.
func (g *GapModel) backoffDelay(attempt int, base time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	d += time.Duration(rand.Float64() * float64(time.Second))
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

// isRateLimited recognizes HTTP 429 and provider quota markers in an error.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "429") || strings.Contains(s, "quota") || strings.Contains(s, "rate limit")
}

// complete issues one guarded chat completion and returns the raw content.
func (g *GapModel) complete(ctx context.Context, prompt string) (string, error) {
	if err := g.Breaker.Allow(); err != nil {
		return "", err
	}
	if err := g.Limiter.Acquire(ctx); err != nil {
		return "", err
	}
	resp, err := g.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.1,
		N:           1,
	})
	if err != nil {
		g.Breaker.Failure()
		return "", err
	}
	if len(resp.Choices) == 0 {
		g.Breaker.Failure()
		return "", errors.New("no choices from model")
	}
	g.Breaker.Success()
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// GenerateInitialGaps asks for 3–7 research gaps in the source paper. It
// never errors: breaker rejection or retry exhaustion yields an empty list,
// which the pipeline treats as "no gaps found".
func (g *GapModel) GenerateInitialGaps(ctx context.Context, paper PaperData, content SourceContent) []InitialGap {
	if err := g.Breaker.Allow(); err != nil {
		log.Warn().Msg("circuit breaker is open, skipping gap generation")
		return nil
	}
	prompt := buildGapPrompt(paper, content)

	for attempt := 0; attempt < g.attempts(); attempt++ {
		raw, err := g.complete(ctx, prompt)
		if err == nil {
			var gaps []InitialGap
			if perr := DecodeLoose(raw, &gaps); perr == nil {
				log.Info().Int("count", len(gaps)).Msg("generated initial gaps")
				return gaps
			}
			err = &Error{Op: "generate_initial_gaps", Err: errNoJSON}
			g.Breaker.Failure()
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Error().Err(err).Int("attempt", attempt+1).Msg("gap generation failed")
		if attempt == g.attempts()-1 {
			break
		}
		base := g.errorDelay()
		if isRateLimited(err) {
			base = g.rateLimitDelay()
		}
		if g.doSleep(ctx, g.backoffDelay(attempt, base)) != nil {
			return nil
		}
	}
	return nil
}

// GenerateSearchQuery produces 2–4 search terms for the gap. On any failure
// it falls back to the first four words of name + category, lowercased.
func (g *GapModel) GenerateSearchQuery(ctx context.Context, gap InitialGap) string {
	prompt := buildQueryPrompt(gap)

	var err error
	for attempt := 0; attempt < g.attempts(); attempt++ {
		var raw string
		raw, err = g.complete(ctx, prompt)
		if err == nil {
			query := strings.Trim(strings.TrimSpace(raw), `"`)
			if query != "" {
				log.Info().Str("query", query).Msg("generated search query")
				return query
			}
			err = errors.New("empty query from model")
		}
		if ctx.Err() != nil || attempt == g.attempts()-1 {
			break
		}
		base := g.errorDelay()
		if isRateLimited(err) {
			base = g.rateLimitDelay()
		}
		if g.doSleep(ctx, g.backoffDelay(attempt, base)) != nil {
			break
		}
	}
	log.Warn().Err(err).Msg("search query generation failed, using fallback")
	words := strings.Fields(strings.ToLower(gap.Name + " " + gap.Category))
	if len(words) > 4 {
		words = words[:4]
	}
	return strings.Join(words, " ")
}

// ValidateGap asks whether the gap remains open given the related papers.
// Errors never invalidate a gap: exhaustion returns is_valid=true with low
// confidence so upstream trouble cannot silently discard findings.
func (g *GapModel) ValidateGap(ctx context.Context, gap InitialGap, papers []extract.Content) ValidationResult {
	prompt := buildValidationPrompt(gap, papers)

	var lastErr error
	for attempt := 0; attempt < g.attempts(); attempt++ {
		raw, err := g.complete(ctx, prompt)
		if err == nil {
			var res ValidationResult
			if perr := DecodeLoose(raw, &res); perr == nil {
				res.Confidence = clamp01(res.Confidence)
				return res
			}
			err = &Error{Op: "validate_gap", Err: errNoJSON}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt == g.attempts()-1 {
			break
		}
		base := g.errorDelay()
		if isRateLimited(err) {
			base = g.rateLimitDelay()
		}
		if g.doSleep(ctx, g.backoffDelay(attempt, base)) != nil {
			break
		}
	}
	log.Warn().Err(lastErr).Str("gap", gap.Name).Msg("validation failed, assuming valid with low confidence")
	return ValidationResult{IsValid: true, Confidence: 0.3, Reasoning: "Could not validate due to error - assumed valid"}
}

// ExpandGapDetails produces the enrichment for a validated gap. Exhaustion
// returns a degraded object with placeholder strings and no topics; the gap
// still ships.
func (g *GapModel) ExpandGapDetails(ctx context.Context, gap InitialGap, validation ValidationResult) ExpandedDetails {
	prompt := buildExpandPrompt(gap, validation)

	var lastErr error
	for attempt := 0; attempt < g.attempts(); attempt++ {
		raw, err := g.complete(ctx, prompt)
		if err == nil {
			var details ExpandedDetails
			if perr := DecodeLoose(raw, &details); perr == nil {
				log.Info().Int("topics", len(details.SuggestedTopics)).Msg("expanded gap details")
				return details
			}
			err = &Error{Op: "expand_gap_details", Err: errNoJSON}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt == g.attempts()-1 {
			break
		}
		base := g.errorDelay()
		if isRateLimited(err) {
			base = g.rateLimitDelay()
		}
		if g.doSleep(ctx, g.backoffDelay(attempt, base)) != nil {
			break
		}
	}
	log.Warn().Err(lastErr).Str("gap", gap.Name).Msg("expansion failed, returning degraded details")
	const unavailable = "Unable to generate due to upstream error"
	return ExpandedDetails{
		PotentialImpact:           unavailable,
		ResearchHints:             unavailable,
		ImplementationSuggestions: unavailable,
		RisksAndChallenges:        unavailable,
		RequiredResources:         unavailable,
		EstimatedDifficulty:       "unknown",
		EstimatedTimeline:         "unknown",
		SuggestedTopics:           []Topic{},
	}
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

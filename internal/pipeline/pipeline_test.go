package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/hyperifyio/gapanalyzer/internal/extract"
	"github.com/hyperifyio/gapanalyzer/internal/llm"
	"github.com/hyperifyio/gapanalyzer/internal/search"
	"github.com/hyperifyio/gapanalyzer/internal/store"
)

type fakeModel struct {
	gaps        []llm.InitialGap
	verdicts    map[string]llm.ValidationResult
	expandPanic string // gap name whose expansion panics
	// expandDegraded makes every expansion return the exhaustion placeholders.
	expandDegraded bool
}

func (m *fakeModel) GenerateInitialGaps(ctx context.Context, paper llm.PaperData, content llm.SourceContent) []llm.InitialGap {
	return m.gaps
}

func (m *fakeModel) GenerateSearchQuery(ctx context.Context, gap llm.InitialGap) string {
	return strings.ToLower(gap.Name)
}

func (m *fakeModel) ValidateGap(ctx context.Context, gap llm.InitialGap, papers []extract.Content) llm.ValidationResult {
	if v, ok := m.verdicts[gap.Name]; ok {
		return v
	}
	return llm.ValidationResult{IsValid: true, Confidence: 0.9, Reasoning: "open"}
}

func (m *fakeModel) ExpandGapDetails(ctx context.Context, gap llm.InitialGap, validation llm.ValidationResult) llm.ExpandedDetails {
	if gap.Name == m.expandPanic {
		panic("expansion exploded")
	}
	if m.expandDegraded {
		const unavailable = "Unable to generate due to upstream error"
		return llm.ExpandedDetails{
			PotentialImpact:     unavailable,
			EstimatedDifficulty: "unknown",
			EstimatedTimeline:   "unknown",
			SuggestedTopics:     []llm.Topic{},
		}
	}
	return llm.ExpandedDetails{
		PotentialImpact:     "impact for " + gap.Name,
		EstimatedDifficulty: "medium",
		SuggestedTopics: []llm.Topic{
			{Title: "topic", ResearchQuestions: llm.StringList{"q"}, RelevanceScore: 0.5},
		},
	}
}

type fakeSearcher struct{ results []search.Result }

func (s *fakeSearcher) SearchPapers(ctx context.Context, query string, maxResults int) []search.Result {
	return s.results
}

type fakeExtractor struct{}

func (e *fakeExtractor) ExtractBatch(ctx context.Context, papers []search.Result) []extract.Content {
	out := make([]extract.Content, len(papers))
	for i, p := range papers {
		out[i] = extract.Content{Title: p.Title, Abstract: p.Abstract, Success: true}
	}
	return out
}

// fakeSession records the store interactions for one analysis.
type fakeSession struct {
	analysisID uuid.UUID
	upserts    int

	paperMissing bool
	upsertErr    error

	finalStatus string
	finalCounts store.Counts
	finalErrMsg string
}

func (s *fakeSession) UpsertAnalysis(ctx context.Context, req store.UpsertRequest) (uuid.UUID, error) {
	s.upserts++
	if s.upsertErr != nil {
		return uuid.Nil, s.upsertErr
	}
	if s.analysisID == uuid.Nil {
		s.analysisID = uuid.New()
	}
	return s.analysisID, nil
}

func (s *fakeSession) LoadPaper(ctx context.Context, paperID, extractionID uuid.UUID) (llm.PaperData, llm.SourceContent, error) {
	if s.paperMissing {
		return llm.PaperData{}, llm.SourceContent{}, store.ErrPaperNotFound
	}
	return llm.PaperData{Title: "Source paper", Abstract: "A"}, llm.SourceContent{}, nil
}

func (s *fakeSession) Finalize(ctx context.Context, id uuid.UUID, counts store.Counts, status string, errMsg string) error {
	s.finalStatus = status
	s.finalCounts = counts
	s.finalErrMsg = errMsg
	return nil
}

func newTestPipeline(model *fakeModel) (*Pipeline, *fakeSession) {
	p := &Pipeline{
		Model:     model,
		Search:    &fakeSearcher{results: []search.Result{{Title: "related", Abstract: "r"}}},
		Extractor: &fakeExtractor{},
	}
	return p, &fakeSession{}
}

func testRequest() Request {
	return Request{
		PaperID:           uuid.NewString(),
		PaperExtractionID: uuid.NewString(),
		CorrelationID:     "corr-1",
		RequestID:         "req-1",
	}
}

func gapsNamed(names ...string) []llm.InitialGap {
	out := make([]llm.InitialGap, 0, len(names))
	for _, n := range names {
		out = append(out, llm.InitialGap{Name: n, Description: "d", Category: "empirical"})
	}
	return out
}

func TestAnalyze_HappyPath(t *testing.T) {
	model := &fakeModel{gaps: gapsNamed("g1", "g2", "g3")}
	p, sess := newTestPipeline(model)

	resp, err := p.Analyze(context.Background(), testRequest(), sess)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", resp.Status)
	}
	if resp.TotalGaps != 3 || resp.ValidGaps != 3 || len(resp.Gaps) != 3 {
		t.Fatalf("unexpected counts: total=%d valid=%d gaps=%d", resp.TotalGaps, resp.ValidGaps, len(resp.Gaps))
	}
	for i, want := range []string{"g1", "g2", "g3"} {
		if resp.Gaps[i].Name != want {
			t.Fatalf("gap order not preserved: %v", resp.Gaps)
		}
		if resp.Gaps[i].ValidationStatus != store.ValidationValid {
			t.Fatalf("gap %d not VALID", i)
		}
	}
	if sess.finalStatus != store.StatusCompleted {
		t.Fatalf("analysis not finalized COMPLETED: %s", sess.finalStatus)
	}
	if sess.finalCounts != (store.Counts{Total: 3, Valid: 3}) {
		t.Fatalf("unexpected persisted counts: %+v", sess.finalCounts)
	}
	if resp.CompletedAt == nil {
		t.Fatalf("completedAt not set")
	}
	if resp.GapAnalysisID != sess.analysisID.String() {
		t.Fatalf("response does not echo the analysis id")
	}
}

func TestAnalyze_NoGapsCompletesWithZero(t *testing.T) {
	model := &fakeModel{}
	p, sess := newTestPipeline(model)

	resp, err := p.Analyze(context.Background(), testRequest(), sess)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != store.StatusCompleted || resp.TotalGaps != 0 || resp.ValidGaps != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Gaps == nil || len(resp.Gaps) != 0 {
		t.Fatalf("gaps must be an empty list, got %v", resp.Gaps)
	}
	if sess.finalStatus != store.StatusCompleted || sess.finalCounts != (store.Counts{}) {
		t.Fatalf("expected zero-count completion, got %s %+v", sess.finalStatus, sess.finalCounts)
	}
}

func TestAnalyze_PaperNotFound(t *testing.T) {
	model := &fakeModel{gaps: gapsNamed("g1")}
	p, sess := newTestPipeline(model)
	sess.paperMissing = true

	resp, err := p.Analyze(context.Background(), testRequest(), sess)
	if err == nil {
		t.Fatalf("expected error for missing paper")
	}
	if resp.Status != store.StatusFailed {
		t.Fatalf("expected FAILED, got %s", resp.Status)
	}
	if !strings.Contains(resp.Error, "paper not found") {
		t.Fatalf("unexpected error message: %q", resp.Error)
	}
	if sess.finalStatus != store.StatusFailed || sess.finalErrMsg == "" {
		t.Fatalf("analysis row not marked FAILED with message")
	}
}

func TestAnalyze_InvalidGapDropped(t *testing.T) {
	model := &fakeModel{
		gaps: gapsNamed("g1", "g2"),
		verdicts: map[string]llm.ValidationResult{
			"g2": {IsValid: false, Confidence: 0.9, Reasoning: "already solved"},
		},
	}
	p, sess := newTestPipeline(model)

	resp, _ := p.Analyze(context.Background(), testRequest(), sess)
	if resp.TotalGaps != 2 || resp.ValidGaps != 1 || len(resp.Gaps) != 1 {
		t.Fatalf("unexpected counts: %+v", resp)
	}
	if resp.Gaps[0].Name != "g1" {
		t.Fatalf("wrong surviving gap: %s", resp.Gaps[0].Name)
	}
	if sess.finalCounts != (store.Counts{Total: 2, Valid: 1, Invalid: 1}) {
		t.Fatalf("unexpected persisted counts: %+v", sess.finalCounts)
	}
}

func TestAnalyze_PerGapFailureContained(t *testing.T) {
	model := &fakeModel{gaps: gapsNamed("g1", "g2", "g3"), expandPanic: "g2"}
	p, sess := newTestPipeline(model)

	resp, err := p.Analyze(context.Background(), testRequest(), sess)
	if err != nil {
		t.Fatalf("a per-gap failure must not fail the analysis: %v", err)
	}
	if resp.Status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", resp.Status)
	}
	if resp.TotalGaps != 3 || resp.ValidGaps != 2 || len(resp.Gaps) != 2 {
		t.Fatalf("unexpected counts after contained failure: %+v", resp)
	}
	if resp.Gaps[0].Name != "g1" || resp.Gaps[1].Name != "g3" {
		t.Fatalf("surviving gaps wrong: %v", resp.Gaps)
	}
	if sess.finalCounts != (store.Counts{Total: 3, Valid: 2, Invalid: 1}) {
		t.Fatalf("unexpected persisted counts: %+v", sess.finalCounts)
	}
}

func TestAnalyze_NoRelatedPapersAssumesValid(t *testing.T) {
	model := &fakeModel{gaps: gapsNamed("g1")}
	p, sess := newTestPipeline(model)
	p.Search = &fakeSearcher{} // no results for any query

	resp, _ := p.Analyze(context.Background(), testRequest(), sess)
	if resp.ValidGaps != 1 {
		t.Fatalf("gap should be assumed valid without related papers: %+v", resp)
	}
}

func TestAnalyze_InvalidPaperIDFailsFast(t *testing.T) {
	model := &fakeModel{}
	p, sess := newTestPipeline(model)
	req := testRequest()
	req.PaperID = "not-a-uuid"

	resp, err := p.Analyze(context.Background(), req, sess)
	if err == nil || resp.Status != store.StatusFailed {
		t.Fatalf("expected fast failure for malformed paper id")
	}
	if sess.upserts != 0 {
		t.Fatalf("no row should be touched for malformed ids")
	}
}

func TestAnalyze_UpsertErrorFails(t *testing.T) {
	model := &fakeModel{gaps: gapsNamed("g1")}
	p, sess := newTestPipeline(model)
	sess.upsertErr = errors.New("connection refused")

	resp, err := p.Analyze(context.Background(), testRequest(), sess)
	if err == nil || resp.Status != store.StatusFailed {
		t.Fatalf("expected FAILED on upsert error")
	}
}

func TestAnalyze_DegradedExpansionStillShips(t *testing.T) {
	// An expansion that returns placeholders (as the llm package does on
	// exhaustion) must still produce a gap in the response.
	model := &fakeModel{gaps: gapsNamed("g1"), expandDegraded: true}
	p, sess := newTestPipeline(model)

	resp, _ := p.Analyze(context.Background(), testRequest(), sess)
	if len(resp.Gaps) != 1 {
		t.Fatalf("expected gap to ship")
	}
	g := resp.Gaps[0]
	if g.SuggestedTopics == nil {
		t.Fatalf("suggestedTopics must never be null")
	}
	if g.EvidenceAnchors == nil {
		t.Fatalf("evidenceAnchors must never be null")
	}
	if sess.finalStatus != store.StatusCompleted {
		t.Fatalf("analysis not finalized: %s", sess.finalStatus)
	}
}

func TestAnalyze_DefaultConfidenceApplied(t *testing.T) {
	model := &fakeModel{
		gaps: gapsNamed("g1"),
		verdicts: map[string]llm.ValidationResult{
			"g1": {IsValid: true, Confidence: 0},
		},
	}
	p, sess := newTestPipeline(model)
	resp, _ := p.Analyze(context.Background(), testRequest(), sess)
	if resp.Gaps[0].ConfidenceScore != 0.8 {
		t.Fatalf("expected default confidence 0.8, got %v", resp.Gaps[0].ConfidenceScore)
	}
}

// Package pipeline orchestrates one gap-analysis request end to end: upsert
// the analysis record, load the source paper, generate candidate gaps, then
// validate and expand each gap sequentially, finalize the summary, and build
// the response. Failures are contained per gap; only analysis-level failures
// mark the record FAILED.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/gapanalyzer/internal/extract"
	"github.com/hyperifyio/gapanalyzer/internal/llm"
	"github.com/hyperifyio/gapanalyzer/internal/search"
	"github.com/hyperifyio/gapanalyzer/internal/store"
)

// GapModel is the slice of the LLM client the pipeline drives.
type GapModel interface {
	GenerateInitialGaps(ctx context.Context, paper llm.PaperData, content llm.SourceContent) []llm.InitialGap
	GenerateSearchQuery(ctx context.Context, gap llm.InitialGap) string
	ValidateGap(ctx context.Context, gap llm.InitialGap, papers []extract.Content) llm.ValidationResult
	ExpandGapDetails(ctx context.Context, gap llm.InitialGap, validation llm.ValidationResult) llm.ExpandedDetails
}

// Searcher finds related papers for validation.
type Searcher interface {
	SearchPapers(ctx context.Context, query string, maxResults int) []search.Result
}

// Extractor pulls structured text from related papers.
type Extractor interface {
	ExtractBatch(ctx context.Context, papers []search.Result) []extract.Content
}

// Session is the per-message store scope the pipeline mutates through.
type Session interface {
	UpsertAnalysis(ctx context.Context, req store.UpsertRequest) (uuid.UUID, error)
	LoadPaper(ctx context.Context, paperID, extractionID uuid.UUID) (llm.PaperData, llm.SourceContent, error)
	Finalize(ctx context.Context, id uuid.UUID, counts store.Counts, status string, errMsg string) error
}

// Pipeline runs gap analyses. Gaps are processed strictly sequentially: the
// generation model's rate budget leaves no headroom for parallelism.
type Pipeline struct {
	Model     GapModel
	Search    Searcher
	Extractor Extractor

	// ValidationPapers caps the related papers fed to validation. Default 5.
	ValidationPapers int
}

func (p *Pipeline) validationPapers() int {
	if p.ValidationPapers <= 0 {
		return 5
	}
	return p.ValidationPapers
}

// Analyze processes one request against the given session and always returns
// a well-formed response; the error is non-nil only alongside a FAILED
// response, for the consumer's logging.
func (p *Pipeline) Analyze(ctx context.Context, req Request, sess Session) (Response, error) {
	log.Info().Str("paper", req.PaperID).Str("correlation", req.CorrelationID).Msg("starting gap analysis")

	paperID, err := uuid.Parse(req.PaperID)
	if err != nil {
		return failedResponse(req, "", fmt.Errorf("invalid paperId: %w", err)), err
	}
	extractionID, err := uuid.Parse(req.PaperExtractionID)
	if err != nil {
		return failedResponse(req, "", fmt.Errorf("invalid paperExtractionId: %w", err)), err
	}

	analysisID, err := sess.UpsertAnalysis(ctx, store.UpsertRequest{
		PaperID:           paperID,
		PaperExtractionID: extractionID,
		CorrelationID:     req.CorrelationID,
		RequestID:         req.RequestID,
		Config:            req.Config,
	})
	if err != nil {
		return failedResponse(req, "", err), err
	}
	log.Info().Stringer("analysis", analysisID).Msg("analysis record upserted")

	paper, content, err := sess.LoadPaper(ctx, paperID, extractionID)
	if err != nil {
		return p.fail(ctx, sess, req, analysisID, 0, err), err
	}

	initial := p.Model.GenerateInitialGaps(ctx, paper, content)
	if len(initial) == 0 {
		log.Warn().Msg("no research gaps identified")
		if err := sess.Finalize(ctx, analysisID, store.Counts{}, store.StatusCompleted, ""); err != nil {
			return p.fail(ctx, sess, req, analysisID, 0, err), err
		}
		now := time.Now().UTC()
		return Response{
			RequestID:     req.RequestID,
			CorrelationID: req.CorrelationID,
			Status:        store.StatusCompleted,
			Message:       "Analysis completed - no research gaps identified",
			GapAnalysisID: analysisID.String(),
			Gaps:          []GapDetail{},
			CompletedAt:   &now,
		}, nil
	}
	log.Info().Int("count", len(initial)).Msg("generated initial gaps")

	// One gap at a time; each failure is contained to its gap.
	accepted := make([]GapDetail, 0, len(initial))
	for i, gap := range initial {
		log.Info().Int("index", i+1).Int("total", len(initial)).Str("gap", gap.Name).Msg("processing gap")
		if ctx.Err() != nil {
			log.Warn().Msg("deadline reached, finishing with gaps accepted so far")
			break
		}
		detail, ok := p.processGap(ctx, analysisID, gap, i)
		if ok {
			accepted = append(accepted, detail)
		}
	}

	counts := store.Counts{
		Total:   len(initial),
		Valid:   len(accepted),
		Invalid: len(initial) - len(accepted),
	}
	fctx, fcancel := finalizeContext(ctx)
	defer fcancel()
	if err := sess.Finalize(fctx, analysisID, counts, store.StatusCompleted, ""); err != nil {
		return p.fail(ctx, sess, req, analysisID, counts.Total, err), err
	}

	now := time.Now().UTC()
	log.Info().Int("valid", counts.Valid).Int("total", counts.Total).Msg("gap analysis completed")
	return Response{
		RequestID:     req.RequestID,
		CorrelationID: req.CorrelationID,
		Status:        store.StatusCompleted,
		Message:       fmt.Sprintf("Successfully identified %d valid research gaps", counts.Valid),
		GapAnalysisID: analysisID.String(),
		TotalGaps:     counts.Total,
		ValidGaps:     counts.Valid,
		Gaps:          accepted,
		CompletedAt:   &now,
	}, nil
}

// processGap runs the validate → expand chain for one gap. Any failure drops
// the gap and lets the analysis continue.
func (p *Pipeline) processGap(ctx context.Context, analysisID uuid.UUID, gap llm.InitialGap, index int) (detail GapDetail, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("gap", gap.Name).Msg("gap processing panicked, dropping gap")
			ok = false
		}
	}()

	validation := p.validateGap(ctx, gap)
	log.Info().Bool("valid", validation.IsValid).Float64("confidence", validation.Confidence).Str("gap", gap.Name).Msg("validation completed")
	if !validation.IsValid {
		return GapDetail{}, false
	}

	details := p.Model.ExpandGapDetails(ctx, gap, validation)

	confidence := validation.Confidence
	if confidence == 0 {
		confidence = 0.8
	}
	return GapDetail{
		GapID:                     fmt.Sprintf("%s-%d-%s", analysisID, index, uuid.New()),
		Name:                      gap.Name,
		Description:               gap.Description,
		Category:                  gap.Category,
		ValidationStatus:          store.ValidationValid,
		ConfidenceScore:           confidence,
		PotentialImpact:           details.PotentialImpact,
		ResearchHints:             details.ResearchHints,
		ImplementationSuggestions: details.ImplementationSuggestions,
		RisksAndChallenges:        details.RisksAndChallenges,
		RequiredResources:         details.RequiredResources,
		EstimatedDifficulty:       details.EstimatedDifficulty,
		EstimatedTimeline:         details.EstimatedTimeline,
		EvidenceAnchors:           orEmptyAnchors(details.EvidenceAnchors),
		SupportingPapersCount:     len(validation.SupportingPapers),
		ConflictingPapersCount:    len(validation.ConflictingPapers),
		SuggestedTopics:           normalizeTopics(details.SuggestedTopics),
	}, true
}

// validateGap derives a query, gathers related literature, and asks the model
// for a verdict. No related papers means the gap is assumed open.
func (p *Pipeline) validateGap(ctx context.Context, gap llm.InitialGap) llm.ValidationResult {
	query := p.Model.GenerateSearchQuery(ctx, gap)
	papers := p.Search.SearchPapers(ctx, query, p.validationPapers())
	if len(papers) == 0 {
		log.Warn().Str("query", query).Msg("no related papers found, assuming gap is valid")
		return llm.ValidationResult{IsValid: true, Confidence: 0.5, Reasoning: "No related papers found"}
	}
	contents := p.Extractor.ExtractBatch(ctx, papers)
	return p.Model.ValidateGap(ctx, gap, contents)
}

// fail rolls the analysis over to FAILED, tolerating secondary store errors,
// and shapes the FAILED response.
func (p *Pipeline) fail(ctx context.Context, sess Session, req Request, analysisID uuid.UUID, total int, cause error) Response {
	log.Error().Err(cause).Stringer("analysis", analysisID).Msg("gap analysis failed")
	fctx, fcancel := finalizeContext(ctx)
	defer fcancel()
	if ferr := sess.Finalize(fctx, analysisID, store.Counts{Total: total}, store.StatusFailed, cause.Error()); ferr != nil {
		log.Error().Err(ferr).Msg("failed to mark analysis as failed")
	}
	return failedResponse(req, analysisID.String(), cause)
}

// finalizeContext gives terminal-state writes a short grace window even when
// the per-message deadline has already tripped.
func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func failedResponse(req Request, analysisID string, cause error) Response {
	msg := "Analysis failed"
	if cause != nil {
		msg = "Analysis failed: " + cause.Error()
	}
	return Response{
		RequestID:     req.RequestID,
		CorrelationID: req.CorrelationID,
		Status:        store.StatusFailed,
		Message:       msg,
		GapAnalysisID: analysisID,
		Gaps:          []GapDetail{},
		Error:         errString(cause),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// normalizeTopics coerces model-shaped topics into the wire shape.
func normalizeTopics(topics []llm.Topic) []Topic {
	out := make([]Topic, 0, len(topics))
	for _, t := range topics {
		out = append(out, Topic{
			Title:                  t.Title,
			Description:            t.Description,
			ResearchQuestions:      orEmptyStrings(t.ResearchQuestions),
			MethodologySuggestions: string(t.MethodologySuggestions),
			ExpectedOutcomes:       string(t.ExpectedOutcomes),
			RelevanceScore:         t.RelevanceScore,
		})
	}
	return out
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyAnchors(a []map[string]string) []map[string]string {
	if a == nil {
		return []map[string]string{}
	}
	return a
}

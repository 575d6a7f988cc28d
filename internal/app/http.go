package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/gapanalyzer/internal/store"
)

// Queries is the slice of the store the HTTP surface reads through; tests
// substitute a fake the same way the pipeline and consumer fake their store
// interfaces.
type Queries interface {
	Ping(ctx context.Context) error
	ListAnalyses(ctx context.Context, status string, limit, offset int) ([]store.Analysis, int, error)
	GetAnalysisWithGaps(ctx context.Context, id uuid.UUID) (*store.Analysis, []store.GapSummary, error)
	GetGapDetail(ctx context.Context, id uuid.UUID) (*store.Gap, error)
	GetStats(ctx context.Context, since time.Time) (store.Stats, error)
	ResetForRetry(ctx context.Context, id uuid.UUID) error
}

// routes builds the thin read-only HTTP surface: health, listings, stats,
// and the retry reset. Everything here is a trivial query against the store;
// the analysis work itself only ever arrives over the bus.
func (a *App) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", a.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Get("/health/detailed", a.handleDetailedHealth)
		r.Get("/gap-analyses", a.handleListAnalyses)
		r.Get("/gap-analyses/{id}", a.handleGetAnalysis)
		r.Get("/gaps/{id}", a.handleGetGap)
		r.Get("/stats", a.handleStats)
		r.Post("/gap-analyses/{id}/retry", a.handleRetry)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "gap-analyzer",
	})
}

func (a *App) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	type check struct {
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	}
	checks := map[string]check{}
	healthy := true

	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			checks["database"] = check{Status: "down", Message: err.Error()}
			healthy = false
		} else {
			checks["database"] = check{Status: "up"}
		}
	} else {
		checks["database"] = check{Status: "not_initialized"}
		healthy = false
	}

	if err := a.grobid.IsAlive(ctx); err != nil {
		checks["grobid"] = check{Status: "down", Message: err.Error()}
		healthy = false
	} else {
		checks["grobid"] = check{Status: "up"}
	}

	if a.consumer.Connected() {
		checks["rabbitmq"] = check{Status: "up"}
	} else {
		checks["rabbitmq"] = check{Status: "not_connected"}
		healthy = false
	}

	if a.cfg.LLMAPIKey != "" {
		checks["llm"] = check{Status: "configured", Message: a.cfg.LLMModel}
	} else {
		checks["llm"] = check{Status: "not_configured"}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"service":   "gap-analyzer",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// requireStore guards the data handlers when the worker runs in debug mode
// without a database.
func (a *App) requireStore(w http.ResponseWriter) bool {
	if a.db == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return false
	}
	return true
}

func (a *App) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	status := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	analyses, total, err := a.db.ListAnalyses(r.Context(), status, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("list analyses failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	items := make([]map[string]any, 0, len(analyses))
	for _, an := range analyses {
		items = append(items, analysisJSON(an))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    total,
		"limit":    limit,
		"offset":   offset,
		"analyses": items,
	})
}

func (a *App) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid analysis id")
		return
	}
	analysis, gaps, err := a.db.GetAnalysisWithGaps(r.Context(), id)
	if errors.Is(err, store.ErrAnalysisNotFound) {
		writeError(w, http.StatusNotFound, "gap analysis not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("get analysis failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	gapItems := make([]map[string]any, 0, len(gaps))
	for _, g := range gaps {
		gapItems = append(gapItems, map[string]any{
			"id":                g.ID.String(),
			"gap_id":            g.GapID,
			"name":              g.Name,
			"category":          g.Category,
			"validation_status": g.ValidationStatus,
			"confidence":        g.Confidence,
		})
	}
	body := analysisJSON(*analysis)
	body["gaps"] = gapItems
	writeJSON(w, http.StatusOK, body)
}

// handleGetGap returns one gap in full, enrichment and suggested topics
// included. The rows are written downstream; a gap that has not reached
// expansion yet simply has null enrichment fields.
func (a *App) handleGetGap(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid gap id")
		return
	}
	gap, err := a.db.GetGapDetail(r.Context(), id)
	if errors.Is(err, store.ErrGapNotFound) {
		writeError(w, http.StatusNotFound, "gap not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("get gap failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, gapJSON(gap))
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	stats, err := a.db.GetStats(r.Context(), since)
	if err != nil {
		log.Error().Err(err).Msg("stats query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"period_days":      days,
		"since":            since.Format(time.RFC3339),
		"total_analyses":   stats.TotalAnalyses,
		"recent_analyses":  stats.RecentAnalyses,
		"status_breakdown": stats.StatusBreakdown,
		"gap_statistics": map[string]any{
			"total_gaps_identified":        stats.TotalGaps,
			"total_valid_gaps":             stats.ValidGaps,
			"average_valid_gaps_per_paper": stats.AvgValidGaps,
		},
	})
}

// handleRetry resets a FAILED analysis to PENDING. It does not re-enqueue the
// request; the orchestrator owns re-publishing.
func (a *App) handleRetry(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid analysis id")
		return
	}
	analysis, _, err := a.db.GetAnalysisWithGaps(r.Context(), id)
	if errors.Is(err, store.ErrAnalysisNotFound) {
		writeError(w, http.StatusNotFound, "gap analysis not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("retry lookup failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if analysis.Status != store.StatusFailed {
		writeError(w, http.StatusBadRequest, "can only retry failed analyses")
		return
	}
	if err := a.db.ResetForRetry(r.Context(), id); err != nil {
		log.Error().Err(err).Msg("retry reset failed")
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":     "Gap analysis reset to PENDING; re-publishing is the orchestrator's responsibility",
		"analysis_id": id.String(),
	})
}

func gapJSON(g *store.Gap) map[string]any {
	body := map[string]any{
		"id":                         g.ID.String(),
		"gap_id":                     g.GapID,
		"order_index":                g.OrderIndex,
		"name":                       g.Name,
		"description":                g.Description,
		"category":                   g.Category,
		"validation_status":          g.ValidationStatus,
		"confidence":                 g.ValidationConfidence,
		"validation_reasoning":       g.ValidationReasoning,
		"potential_impact":           g.PotentialImpact,
		"research_hints":             g.ResearchHints,
		"implementation_suggestions": g.ImplementationSuggestions,
		"risks_and_challenges":       g.RisksAndChallenges,
		"required_resources":         g.RequiredResources,
		"estimated_difficulty":       g.EstimatedDifficulty,
		"estimated_timeline":         g.EstimatedTimeline,
		"papers_analyzed":            g.PapersAnalyzedCount,
		"evidence_anchors":           rawOrNull(g.EvidenceAnchors),
		"suggested_topics":           rawOrNull(g.SuggestedTopics),
	}
	body["created_at"] = nil
	if g.CreatedAt != nil {
		body["created_at"] = g.CreatedAt.UTC().Format(time.RFC3339)
	}
	body["validated_at"] = nil
	if g.ValidatedAt != nil {
		body["validated_at"] = g.ValidatedAt.UTC().Format(time.RFC3339)
	}
	return body
}

// rawOrNull keeps stored JSON verbatim in the response; a missing column
// renders as null rather than an empty string.
func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func analysisJSON(a store.Analysis) map[string]any {
	var started, completed, errMsg any
	if a.StartedAt != nil {
		started = a.StartedAt.UTC().Format(time.RFC3339)
	}
	if a.CompletedAt != nil {
		completed = a.CompletedAt.UTC().Format(time.RFC3339)
	}
	if a.ErrorMessage != nil {
		errMsg = *a.ErrorMessage
	}
	return map[string]any{
		"id":            a.ID.String(),
		"paper_id":      a.PaperID.String(),
		"status":        a.Status,
		"total_gaps":    a.TotalGapsIdentified,
		"valid_gaps":    a.ValidGapsCount,
		"started_at":    started,
		"completed_at":  completed,
		"error_message": errMsg,
	}
}

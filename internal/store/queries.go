package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// The queries below back the read-only HTTP surface; they run against the
// pool directly rather than a per-message session.

// ListAnalyses returns a page of analyses, newest first, optionally filtered
// by status, together with the total matching count.
func (s *Store) ListAnalyses(ctx context.Context, status string, limit, offset int) ([]Analysis, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	q := selectAnalysis
	countQ := `SELECT count(*) FROM gap_analyses`
	args := []any{limit, offset}
	if status != "" {
		q += ` WHERE status = $3`
		countQ += ` WHERE status = $1`
		args = append(args, status)
	}
	q += ` ORDER BY started_at DESC NULLS LAST LIMIT $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()
	var out []Analysis
	for rows.Next() {
		var a Analysis
		if err := rows.Scan(&a.ID, &a.PaperID, &a.PaperExtractionID, &a.CorrelationID, &a.RequestID,
			&a.Status, &a.StartedAt, &a.CompletedAt, &a.ErrorMessage,
			&a.TotalGapsIdentified, &a.ValidGapsCount, &a.InvalidGapsCount, &a.ModifiedGapsCount); err != nil {
			return nil, 0, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate analyses: %w", err)
	}

	var total int
	if status != "" {
		err = s.pool.QueryRow(ctx, countQ, status).Scan(&total)
	} else {
		err = s.pool.QueryRow(ctx, countQ).Scan(&total)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("count analyses: %w", err)
	}
	return out, total, nil
}

// GetAnalysisWithGaps loads an analysis and any detail rows already written
// downstream; an analysis with no gap rows yet is still returned.
func (s *Store) GetAnalysisWithGaps(ctx context.Context, id uuid.UUID) (*Analysis, []GapSummary, error) {
	a, err := scanAnalysis(s.pool.QueryRow(ctx, selectAnalysis+` WHERE id = $1`, id))
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, gap_id, COALESCE(name, ''), COALESCE(category, ''),
       COALESCE(validation_status, ''), validation_confidence
FROM research_gaps WHERE gap_analysis_id = $1 ORDER BY order_index`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("list gaps: %w", err)
	}
	defer rows.Close()
	var gaps []GapSummary
	for rows.Next() {
		var g GapSummary
		if err := rows.Scan(&g.ID, &g.GapID, &g.Name, &g.Category, &g.ValidationStatus, &g.Confidence); err != nil {
			return nil, nil, fmt.Errorf("scan gap: %w", err)
		}
		gaps = append(gaps, g)
	}
	return a, gaps, rows.Err()
}

// GetGapDetail loads one research_gaps row in full, enrichment and topic
// JSON included.
func (s *Store) GetGapDetail(ctx context.Context, id uuid.UUID) (*Gap, error) {
	var g Gap
	err := s.pool.QueryRow(ctx, `
SELECT id, gap_id, order_index,
       COALESCE(name, ''), COALESCE(description, ''), COALESCE(category, ''),
       COALESCE(validation_status, ''), validation_confidence, validation_reasoning,
       COALESCE(papers_analyzed_count, 0),
       potential_impact, research_hints, implementation_suggestions,
       risks_and_challenges, required_resources,
       estimated_difficulty, estimated_timeline,
       evidence_anchors, suggested_topics,
       created_at, validated_at
FROM research_gaps WHERE id = $1`, id).Scan(
		&g.ID, &g.GapID, &g.OrderIndex,
		&g.Name, &g.Description, &g.Category,
		&g.ValidationStatus, &g.ValidationConfidence, &g.ValidationReasoning,
		&g.PapersAnalyzedCount,
		&g.PotentialImpact, &g.ResearchHints, &g.ImplementationSuggestions,
		&g.RisksAndChallenges, &g.RequiredResources,
		&g.EstimatedDifficulty, &g.EstimatedTimeline,
		&g.EvidenceAnchors, &g.SuggestedTopics,
		&g.CreatedAt, &g.ValidatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrGapNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load gap: %w", err)
	}
	return &g, nil
}

// GetStats aggregates recent activity for the stats endpoint.
func (s *Store) GetStats(ctx context.Context, since time.Time) (Stats, error) {
	stats := Stats{StatusBreakdown: map[string]int{}}

	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM gap_analyses`).Scan(&stats.TotalAnalyses); err != nil {
		return stats, fmt.Errorf("count total: %w", err)
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM gap_analyses WHERE started_at >= $1`, since).Scan(&stats.RecentAnalyses); err != nil {
		return stats, fmt.Errorf("count recent: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM gap_analyses WHERE started_at >= $1 GROUP BY status`, since)
	if err != nil {
		return stats, fmt.Errorf("status breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan breakdown: %w", err)
		}
		stats.StatusBreakdown[status] = count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	err = s.pool.QueryRow(ctx, `
SELECT COALESCE(sum(total_gaps_identified), 0),
       COALESCE(sum(valid_gaps_count), 0),
       COALESCE(avg(valid_gaps_count), 0)
FROM gap_analyses WHERE status = $1`, StatusCompleted).
		Scan(&stats.TotalGaps, &stats.ValidGaps, &stats.AvgValidGaps)
	if err != nil {
		return stats, fmt.Errorf("gap aggregates: %w", err)
	}
	return stats, nil
}

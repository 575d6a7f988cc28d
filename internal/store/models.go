package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Analysis lifecycle states.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Per-gap validation states.
const (
	ValidationInitial    = "INITIAL"
	ValidationValidating = "VALIDATING"
	ValidationValid      = "VALID"
	ValidationInvalid    = "INVALID"
	ValidationModified   = "MODIFIED"
)

// UpsertRequest carries the fields written by the idempotent upsert.
type UpsertRequest struct {
	PaperID           uuid.UUID
	PaperExtractionID uuid.UUID
	CorrelationID     string
	RequestID         string
	Config            json.RawMessage
}

// Counts is the analysis summary written at finalize.
type Counts struct {
	Total    int
	Valid    int
	Invalid  int
	Modified int
}

// Analysis is one gap_analyses row.
type Analysis struct {
	ID                  uuid.UUID
	PaperID             uuid.UUID
	PaperExtractionID   uuid.UUID
	CorrelationID       string
	RequestID           string
	Status              string
	StartedAt           *time.Time
	CompletedAt         *time.Time
	ErrorMessage        *string
	TotalGapsIdentified int
	ValidGapsCount      int
	InvalidGapsCount    int
	ModifiedGapsCount   int
}

// GapSummary is the slice of a research_gaps row surfaced by the read-only
// HTTP listing; the rows themselves are written downstream.
type GapSummary struct {
	ID               uuid.UUID
	GapID            string
	Name             string
	Category         string
	ValidationStatus string
	Confidence       *float64
}

// Gap is a full research_gaps row, enrichment included. Most fields are
// nullable: the downstream writer fills them as validation and expansion
// complete.
type Gap struct {
	ID         uuid.UUID
	GapID      string
	OrderIndex *int

	Name        string
	Description string
	Category    string

	ValidationStatus     string
	ValidationConfidence *float64
	ValidationReasoning  *string
	PapersAnalyzedCount  int

	PotentialImpact           *string
	ResearchHints             *string
	ImplementationSuggestions *string
	RisksAndChallenges        *string
	RequiredResources         *string
	EstimatedDifficulty       *string
	EstimatedTimeline         *string

	EvidenceAnchors json.RawMessage
	SuggestedTopics json.RawMessage

	CreatedAt   *time.Time
	ValidatedAt *time.Time
}

// Stats aggregates analyses for the stats endpoint.
type Stats struct {
	TotalAnalyses   int
	RecentAnalyses  int
	StatusBreakdown map[string]int
	TotalGaps       int
	ValidGaps       int
	AvgValidGaps    float64
}

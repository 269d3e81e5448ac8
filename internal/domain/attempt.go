package domain

import "time"

// StageAttempt is one generation+validation cycle within a stage. Attempts are
// append-only: a new attempt is inserted for every cycle, never updated, so
// the audit trail survives crashes and queue redeliveries.
type StageAttempt struct {
	ID                string
	JobID             string
	Stage             Stage
	Index             int
	Temperature       float64
	TopP              float64
	TopK              int
	StrictDimension   bool
	OutputKey         string
	DimensionOK       bool
	DimensionMethod   string
	VerdictPass       bool
	VerdictConfidence float64
	VerdictProvider   string
	VerdictReasons    []string
	RetryGranted      bool
	RetryReason       string
	CreatedAt         time.Time
}

package domain

import "time"

// Stage identifies one generation+validation unit in the pipeline.
type Stage string

const (
	StageEnhance   Stage = "enhance"   // Stage 1A
	StageDeclutter Stage = "declutter" // Stage 1B
	StageStaging   Stage = "staging"   // Stage 2
)

// StageOrder lists the stages in execution order. Later stages baseline on
// the most recent successful output of earlier stages.
var StageOrder = []Stage{StageEnhance, StageDeclutter, StageStaging}

// StageSet records which stages a job requested.
type StageSet struct {
	Enhance   bool
	Declutter bool
	Staging   bool
}

// Has reports whether the set includes the given stage.
func (s StageSet) Has(stage Stage) bool {
	switch stage {
	case StageEnhance:
		return s.Enhance
	case StageDeclutter:
		return s.Declutter
	case StageStaging:
		return s.Staging
	}
	return false
}

// BillableImages returns how many image credits the set consumes. Enhance and
// declutter are bundled as one billable unit, staging is a second.
func (s StageSet) BillableImages() int {
	n := 0
	if s.Enhance || s.Declutter {
		n++
	}
	if s.Staging {
		n++
	}
	return n
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// StageState enumerates per-stage resolution states.
type StageState string

const (
	StageStateNotRequested StageState = "not_requested"
	StageStatePending      StageState = "pending"
	StageStatePassed       StageState = "passed"
	StageStateFailed       StageState = "failed"
	StageStateSkipped      StageState = "skipped"
)

// StageResult records the resolution of one stage of a job.
type StageResult struct {
	State     StageState
	OutputKey string
	OutputURL string
	Warnings  []string
	Reason    string
}

// Job is one enhancement request moving through the pipeline.
type Job struct {
	ID              string
	TenantID        string
	UserID          string
	Stages          StageSet
	Status          JobStatus
	CurrentStage    Stage
	CancelRequested bool
	SourceKey       string
	SourceMIME      string
	Results         map[Stage]StageResult
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Succeeded reports whether every requested stage reached passed. Stages that
// were not requested do not affect the outcome.
func (j *Job) Succeeded() bool {
	for _, stage := range StageOrder {
		if !j.Stages.Has(stage) {
			continue
		}
		res, ok := j.Results[stage]
		if !ok || res.State != StageStatePassed {
			return false
		}
	}
	return true
}

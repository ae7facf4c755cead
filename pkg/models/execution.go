package models

import "time"

type ExecutionStatus string

const (
	ActiveExecutionStatus    ExecutionStatus = "ACTIVE"
	CompletedExecutionStatus ExecutionStatus = "COMPLETED"
	CancelledExecutionStatus ExecutionStatus = "CANCELLED"
	FailedExecutionStatus    ExecutionStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
// ACTIVE is the only non-terminal execution status.
func (s ExecutionStatus) Terminal() bool {
	return s != ActiveExecutionStatus
}

// Execution is one run of a sequence against one triggering subject.
// At most one ACTIVE execution may exist per subject at any time.
type Execution struct {
	ID          int64           `json:"id" db:"id"`
	OrgID       int64           `json:"org_id" db:"org_id"`
	SubjectID   string          `json:"subject_id" db:"subject_id"` // Triggering subject (e.g., review request ID)
	SequenceID  int64           `json:"sequence_id" db:"sequence_id"`
	Status      ExecutionStatus `json:"status" db:"status"`
	CurrentStep int             `json:"current_step" db:"current_step"`
	StopReason  string          `json:"stop_reason,omitempty" db:"stop_reason"`
	StartedAt   time.Time       `json:"started_at" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	Steps       []StepExecution `json:"steps,omitempty"` // Populated at runtime
}

package models

import "time"

type StepStatus string

const (
	PendingStepStatus   StepStatus = "PENDING"
	ClaimedStepStatus   StepStatus = "CLAIMED" // Transient: held by a dispatcher between claim and outcome
	SentStepStatus      StepStatus = "SENT"
	DeliveredStepStatus StepStatus = "DELIVERED"
	FailedStepStatus    StepStatus = "FAILED"
	SkippedStepStatus   StepStatus = "SKIPPED"
)

// Terminal reports whether the step status counts toward execution completion.
func (s StepStatus) Terminal() bool {
	switch s {
	case SentStepStatus, DeliveredStepStatus, FailedStepStatus, SkippedStepStatus:
		return true
	}
	return false
}

// StepExecution is the scheduled send of one step within one execution.
// All step executions for an instance are created up front when the
// execution starts; ScheduledAt is immutable once set.
type StepExecution struct {
	ID          int64       `json:"id" db:"id"`
	ExecutionID int64       `json:"execution_id" db:"execution_id"`
	StepNumber  int         `json:"step_number" db:"step_number"`
	Channel     ChannelType `json:"channel" db:"channel"`
	Subject     string      `json:"subject,omitempty" db:"subject"` // Template text, copied from the step definition
	Body        string      `json:"body" db:"body"`                 // Template text, copied from the step definition
	Status      StepStatus  `json:"status" db:"status"`
	ScheduledAt time.Time   `json:"scheduled_at" db:"scheduled_at"`
	SentAt      *time.Time  `json:"sent_at,omitempty" db:"sent_at"`
	ErrorMsg    string      `json:"error,omitempty" db:"error_msg"`
	ClaimToken  *string     `json:"-" db:"claim_token"` // Fencing token stamped by the claiming poller
	ClaimedAt   *time.Time  `json:"-" db:"claimed_at"`
}

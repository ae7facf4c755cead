package storage

import (
	"time"

	"github.com/cadenceio/cadence/pkg/models"
)

// Store defines the persistence operations for the campaign engine.
// Every execution and step query is scoped by the owning organization so a
// single bad query can never cross tenants.
type Store interface {
	// Transaction lifecycle. Begin returns a Store bound to a transaction;
	// Commit/Rollback are errors on a non-transactional Store.
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Organization operations
	SaveOrganization(o models.Organization) (int64, error)
	ListOrganizations() ([]models.Organization, error)

	// Sequence operations
	SaveSequence(s models.Sequence) (int64, error)
	SaveStep(st models.Step) (int64, error)
	GetSequence(id int64) (models.Sequence, error)
	GetSequenceByName(orgID int64, name string) (models.Sequence, error)
	GetDefaultSequence(orgID int64) (models.Sequence, error)
	ListSequences(orgID int64) ([]models.Sequence, error)
	CountActiveSequences(orgID int64) (int, error)
	UpdateSequence(s models.Sequence) error
	DeleteSteps(sequenceID int64) error
	SetSequenceActive(id int64, active bool) error
	ClearDefaultSequence(orgID int64) error
	MarkDefaultSequence(id int64) error

	// Execution operations
	SaveExecution(e models.Execution) (int64, error)
	GetExecution(id int64) (models.Execution, error)
	GetActiveExecutionBySubject(orgID int64, subjectID string) (models.Execution, error)
	UpdateExecutionStatus(id int64, status models.ExecutionStatus, reason string) error
	// ReactivateExecution returns a terminal execution to ACTIVE and clears
	// its completion timestamp. Only the operator retry path uses this.
	ReactivateExecution(id int64) error
	UpdateExecutionCurrentStep(id int64, currentStep int) error
	ListExecutions(orgID, sequenceID int64, since time.Time) ([]models.Execution, error)
	FindStuckExecutions(olderThan time.Time) ([]models.Execution, error)

	// Step execution operations
	SaveStepExecution(se models.StepExecution) (int64, error)
	GetStepExecution(id int64) (models.StepExecution, error)
	ListStepExecutions(executionID int64) ([]models.StepExecution, error)
	// ClaimDueSteps atomically moves up to limit due PENDING steps of the
	// organization to CLAIMED, stamping the given token, so two concurrent
	// pollers never claim the same step.
	ClaimDueSteps(orgID int64, now time.Time, limit int, token string) ([]models.StepExecution, error)
	// UpdateStepStatus records a step outcome. A non-empty claimToken fences
	// the write: it only lands while that token still holds the claim, so a
	// dispatcher that outlived its claim cannot overwrite a re-claimed step.
	UpdateStepStatus(id int64, status models.StepStatus, errorMsg, claimToken string) error
	SkipPendingSteps(executionID int64) (int, error)
	// ReleaseExpiredClaims returns CLAIMED steps older than the cutoff to
	// PENDING. Recovers steps abandoned by a dispatcher that died mid-send.
	ReleaseExpiredClaims(olderThan time.Time) (int, error)
	// ListFailedSteps returns FAILED steps scoped like ListExecutions:
	// sequenceID 0 means all sequences, a zero since means all history.
	ListFailedSteps(orgID, sequenceID int64, since time.Time) ([]models.StepExecution, error)
	// ResetStepForRetry is the operator-invoked escape hatch for FAILED
	// steps. ScheduledAt is kept; the step becomes due on the next tick.
	ResetStepForRetry(id int64) error

	// Analytics aggregates
	CountExecutions(orgID, sequenceID int64, since time.Time) (total, completed int, err error)
	AvgCompletionSeconds(orgID, sequenceID int64, since time.Time) (float64, error)
	ChannelCounts(orgID int64, since time.Time) (map[models.ChannelType]models.ChannelStats, error)
}

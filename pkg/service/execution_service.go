package service

import (
	"time"

	"github.com/cadenceio/cadence/pkg/models"
	"github.com/cadenceio/cadence/pkg/storage"
	"github.com/pkg/errors"
)

// ExecutionService is the state machine for execution instances. ACTIVE is
// the only non-terminal state; completion is level-triggered, re-evaluated
// after every step outcome rather than off a "last step" flag.
type ExecutionService struct {
	store  storage.Store
	logger Logger
}

func NewExecutionService(store storage.Store, logger Logger) *ExecutionService {
	return &ExecutionService{store: store, logger: logger}
}

// errStartRace marks an insert that lost the one-active-per-subject race to
// a concurrent Start. Never escapes this package: Start resolves it to the
// winner's execution.
var errStartRace = errors.New("lost start race")

// Start creates an ACTIVE execution for the subject and eagerly schedules
// every active step at startedAt + delay, so the full schedule is durable
// before Start returns. Start is idempotent: if the subject already has an
// ACTIVE execution it is returned unchanged, unless override is set, in
// which case the existing execution is cancelled as superseded first.
func (s *ExecutionService) Start(orgID int64, subjectID string, sequenceID int64, override bool) (models.Execution, error) {
	exec, err := s.start(orgID, subjectID, sequenceID, override)
	if !errors.Is(err, errStartRace) {
		return exec, err
	}
	// A concurrent Start for the same subject inserted first. The existing
	// check inside the transaction cannot see that insert, so the unique
	// index is the arbiter; the winner's execution is the idempotent result.
	existing, err := s.store.GetActiveExecutionBySubject(orgID, subjectID)
	if err != nil {
		return models.Execution{}, err
	}
	existing.Steps, err = s.store.ListStepExecutions(existing.ID)
	if err != nil {
		return models.Execution{}, err
	}
	s.logger.Infof("Subject %s already has active execution %d, reusing", subjectID, existing.ID)
	return existing, nil
}

func (s *ExecutionService) start(orgID int64, subjectID string, sequenceID int64, override bool) (exec models.Execution, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return models.Execution{}, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	seq, err := txStore.GetSequence(sequenceID)
	if err != nil {
		return models.Execution{}, err
	}
	if seq.OrgID != orgID {
		return models.Execution{}, errors.Wrapf(models.ErrConflict, "sequence %d belongs to a different organization than subject %s", sequenceID, subjectID)
	}
	if !seq.Active {
		return models.Execution{}, errors.Wrapf(models.ErrConflict, "sequence %d is deactivated", sequenceID)
	}
	steps := seq.ActiveSteps()
	if len(steps) == 0 {
		return models.Execution{}, errors.Wrapf(models.ErrValidation, "sequence %d has no active steps", sequenceID)
	}

	existing, err := txStore.GetActiveExecutionBySubject(orgID, subjectID)
	if err == nil {
		if !override {
			// At-least-once trigger tolerance: the same event may fire twice.
			s.logger.Infof("Subject %s already has active execution %d, reusing", subjectID, existing.ID)
			existing.Steps, err = txStore.ListStepExecutions(existing.ID)
			return existing, err
		}
		if err = s.terminate(txStore, existing, models.CancelledExecutionStatus, "superseded by new start"); err != nil {
			return models.Execution{}, err
		}
		s.logger.Infof("Superseded execution %d for subject %s", existing.ID, subjectID)
	} else if !errors.Is(err, models.ErrNotFound) {
		return models.Execution{}, err
	}

	startedAt := time.Now()
	exec = models.Execution{
		OrgID:      orgID,
		SubjectID:  subjectID,
		SequenceID: sequenceID,
		Status:     models.ActiveExecutionStatus,
		StartedAt:  startedAt,
	}
	exec.ID, err = txStore.SaveExecution(exec)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			err = errors.Wrapf(errStartRace, "subject %s", subjectID)
		}
		return models.Execution{}, err
	}

	for _, st := range steps {
		se := models.StepExecution{
			ExecutionID: exec.ID,
			StepNumber:  st.StepNumber,
			Channel:     st.Channel,
			Subject:     st.Subject,
			Body:        st.Body,
			Status:      models.PendingStepStatus,
			ScheduledAt: startedAt.Add(st.Delay()),
		}
		se.ID, err = txStore.SaveStepExecution(se)
		if err != nil {
			return models.Execution{}, err
		}
		exec.Steps = append(exec.Steps, se)
	}
	s.logger.Infof("Started execution %d for subject %s (sequence %d, %d steps)", exec.ID, subjectID, sequenceID, len(steps))
	return exec, nil
}

// Advance records step progress after a successful send and re-evaluates
// completion. Called by the dispatcher, never by the poller directly.
func (s *ExecutionService) Advance(stepExecutionID int64) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	se, err := txStore.GetStepExecution(stepExecutionID)
	if err != nil {
		return err
	}
	exec, err := txStore.GetExecution(se.ExecutionID)
	if errors.Is(err, models.ErrNotFound) {
		return errors.Wrapf(models.ErrConsistency, "step execution %d references missing execution %d", stepExecutionID, se.ExecutionID)
	}
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	if se.StepNumber > exec.CurrentStep {
		if err = txStore.UpdateExecutionCurrentStep(exec.ID, se.StepNumber); err != nil {
			return err
		}
	}
	_, err = s.evaluateCompletion(txStore, exec.ID)
	return err
}

// EvaluateCompletion re-checks whether every step of the execution reached a
// terminal status and marks the execution COMPLETED if so. Failed steps count
// as terminal: partial failure does not block completion.
func (s *ExecutionService) EvaluateCompletion(executionID int64) (completed bool, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return s.evaluateCompletion(txStore, executionID)
}

func (s *ExecutionService) evaluateCompletion(txStore storage.Store, executionID int64) (bool, error) {
	exec, err := txStore.GetExecution(executionID)
	if err != nil {
		return false, err
	}
	if exec.Status.Terminal() {
		return true, nil
	}
	steps, err := txStore.ListStepExecutions(executionID)
	if err != nil {
		return false, err
	}
	for _, se := range steps {
		if !se.Status.Terminal() {
			return false, nil
		}
	}
	if err := txStore.UpdateExecutionStatus(executionID, models.CompletedExecutionStatus, ""); err != nil {
		return false, err
	}
	s.logger.Infof("Execution %d completed (%d steps terminal)", executionID, len(steps))
	return true, nil
}

// Stop marks the execution COMPLETED because the goal was reached externally,
// skipping every remaining pending step. Idempotent: stopping an already
// terminal execution is a no-op.
func (s *ExecutionService) Stop(executionID int64, reason string) error {
	return s.finish(executionID, models.CompletedExecutionStatus, reason)
}

// Cancel is the operator-invoked counterpart of Stop: same skip-remaining
// mechanics, CANCELLED terminal status for analytics differentiation.
func (s *ExecutionService) Cancel(executionID int64, reason string) error {
	return s.finish(executionID, models.CancelledExecutionStatus, reason)
}

// Fail marks the execution FAILED. Used by operators for executions that are
// beyond repair; the engine itself never auto-fails an instance.
func (s *ExecutionService) Fail(executionID int64, reason string) error {
	return s.finish(executionID, models.FailedExecutionStatus, reason)
}

func (s *ExecutionService) finish(executionID int64, status models.ExecutionStatus, reason string) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	exec, err := txStore.GetExecution(executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	return s.terminate(txStore, exec, status, reason)
}

func (s *ExecutionService) terminate(txStore storage.Store, exec models.Execution, status models.ExecutionStatus, reason string) error {
	skipped, err := txStore.SkipPendingSteps(exec.ID)
	if err != nil {
		return err
	}
	if err := txStore.UpdateExecutionStatus(exec.ID, status, reason); err != nil {
		return err
	}
	s.logger.Infof("Execution %d -> %s (%s), %d steps skipped", exec.ID, status, reason, skipped)
	return nil
}

// RetryStep is the operator-invoked retry for a FAILED step: the step returns
// to PENDING with its original scheduled time and the execution, if it had
// already completed around the failure, becomes ACTIVE again.
func (s *ExecutionService) RetryStep(orgID, stepExecutionID int64) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	se, err := txStore.GetStepExecution(stepExecutionID)
	if err != nil {
		return err
	}
	exec, err := txStore.GetExecution(se.ExecutionID)
	if errors.Is(err, models.ErrNotFound) {
		return errors.Wrapf(models.ErrConsistency, "step execution %d references missing execution %d", stepExecutionID, se.ExecutionID)
	}
	if err != nil {
		return err
	}
	if exec.OrgID != orgID {
		return errors.Wrapf(models.ErrConflict, "step execution %d does not belong to org %d", stepExecutionID, orgID)
	}
	if err = txStore.ResetStepForRetry(stepExecutionID); err != nil {
		return err
	}
	if exec.Status == models.CompletedExecutionStatus {
		if err = txStore.ReactivateExecution(exec.ID); err != nil {
			return err
		}
	}
	s.logger.Infof("Step execution %d reset for retry (execution %d)", stepExecutionID, exec.ID)
	return nil
}

// ListExecutions returns an organization's executions, optionally narrowed to
// one sequence (sequenceID 0 means all) and a start-time lower bound.
func (s *ExecutionService) ListExecutions(orgID, sequenceID int64, since time.Time) ([]models.Execution, error) {
	return s.store.ListExecutions(orgID, sequenceID, since)
}

// GetExecution fetches an execution with its step executions, org-scoped.
func (s *ExecutionService) GetExecution(orgID, executionID int64) (models.Execution, error) {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return models.Execution{}, err
	}
	if exec.OrgID != orgID {
		return models.Execution{}, errors.Wrapf(models.ErrNotFound, "execution %d", executionID)
	}
	exec.Steps, err = s.store.ListStepExecutions(executionID)
	if err != nil {
		return models.Execution{}, err
	}
	return exec, nil
}

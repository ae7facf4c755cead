package service_test

import (
	"sync"
	"testing"
	"time"

	"github.com/cadenceio/cadence/pkg/models"
	"github.com/cadenceio/cadence/pkg/service"
	"github.com/cadenceio/cadence/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type executionFixture struct {
	store      storage.Store
	sequences  *service.SequenceService
	executions *service.ExecutionService
	orgID      int64
	seqID      int64
}

func newExecutionFixture(t *testing.T, steps ...models.Step) *executionFixture {
	t.Helper()
	if len(steps) == 0 {
		steps = []models.Step{smsStep(1, 0, "hello {{customer_name}}"), emailStep(2, 24, "hi", "body")}
	}
	store := storage.NewMockStore()
	f := &executionFixture{
		store:      store,
		sequences:  service.NewSequenceService(store, logger{}),
		executions: service.NewExecutionService(store, logger{}),
		orgID:      newOrg(t, store),
	}
	var err error
	f.seqID, err = f.sequences.CreateSequence(f.orgID, models.Sequence{Name: "campaign", Steps: steps})
	require.NoError(t, err)
	return f
}

func TestExecutionService_Start(t *testing.T) {
	t.Run("SchedulesAllStepsEagerly", func(t *testing.T) {
		f := newExecutionFixture(t)
		before := time.Now()
		exec, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)

		assert.Equal(t, models.ActiveExecutionStatus, exec.Status)
		require.Len(t, exec.Steps, 2)
		for _, se := range exec.Steps {
			assert.Equal(t, models.PendingStepStatus, se.Status)
		}
		// Step 1 due immediately, step 2 a day later.
		assert.WithinDuration(t, before, exec.Steps[0].ScheduledAt, time.Second)
		assert.WithinDuration(t, before.Add(24*time.Hour), exec.Steps[1].ScheduledAt, time.Second)
	})

	t.Run("IdempotentWithoutOverride", func(t *testing.T) {
		f := newExecutionFixture(t)
		first, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)
		second, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Len(t, second.Steps, 2)
	})

	t.Run("ConcurrentStartsShareOneExecution", func(t *testing.T) {
		f := newExecutionFixture(t)

		const starters = 16
		results := make([]models.Execution, starters)
		errs := make([]error, starters)
		var wg sync.WaitGroup
		for i := 0; i < starters; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = f.executions.Start(f.orgID, "cust-1", f.seqID, false)
			}(i)
		}
		wg.Wait()

		// Every racer gets the same execution back, whether it won the
		// insert or lost to the unique index.
		for i := 0; i < starters; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, results[0].ID, results[i].ID)
		}

		execs, err := f.executions.ListExecutions(f.orgID, f.seqID, time.Time{})
		require.NoError(t, err)
		require.Len(t, execs, 1)
		assert.Equal(t, models.ActiveExecutionStatus, execs[0].Status)

		steps, err := f.store.ListStepExecutions(results[0].ID)
		require.NoError(t, err)
		assert.Len(t, steps, 2)
	})

	t.Run("OverrideSupersedesActive", func(t *testing.T) {
		f := newExecutionFixture(t)
		first, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)
		second, err := f.executions.Start(f.orgID, "cust-1", f.seqID, true)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)

		old, err := f.executions.GetExecution(f.orgID, first.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CancelledExecutionStatus, old.Status)
		for _, se := range old.Steps {
			assert.Equal(t, models.SkippedStepStatus, se.Status)
		}
		assert.Equal(t, models.ActiveExecutionStatus, second.Status)
	})

	t.Run("InactiveSequenceRejected", func(t *testing.T) {
		f := newExecutionFixture(t)
		_, err := f.sequences.CreateSequence(f.orgID, models.Sequence{Name: "other", Steps: []models.Step{smsStep(1, 0, "hi")}})
		require.NoError(t, err)
		require.NoError(t, f.sequences.DeactivateSequence(f.seqID, f.orgID))

		_, err = f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		assert.True(t, errors.Is(err, models.ErrConflict))
	})

	t.Run("WrongOrgRejected", func(t *testing.T) {
		f := newExecutionFixture(t)
		otherOrg := newOrg(t, f.store)
		_, err := f.executions.Start(otherOrg, "cust-1", f.seqID, false)
		assert.True(t, errors.Is(err, models.ErrConflict))
	})

	t.Run("SequenceWithOnlyInactiveSteps", func(t *testing.T) {
		f := newExecutionFixture(t)
		inactive := smsStep(1, 0, "hi")
		inactive.Active = false
		seqID, err := f.sequences.CreateSequence(f.orgID, models.Sequence{Name: "dormant", Steps: []models.Step{inactive}})
		require.NoError(t, err)
		_, err = f.executions.Start(f.orgID, "cust-2", seqID, false)
		assert.True(t, errors.Is(err, models.ErrValidation))
	})
}

func TestExecutionService_Completion(t *testing.T) {
	t.Run("CompletesWhenAllStepsTerminal", func(t *testing.T) {
		f := newExecutionFixture(t)
		exec, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)

		require.NoError(t, f.store.UpdateStepStatus(exec.Steps[0].ID, models.SentStepStatus, "", ""))
		completed, err := f.executions.EvaluateCompletion(exec.ID)
		require.NoError(t, err)
		assert.False(t, completed)

		require.NoError(t, f.store.UpdateStepStatus(exec.Steps[1].ID, models.FailedStepStatus, "bounce", ""))
		completed, err = f.executions.EvaluateCompletion(exec.ID)
		require.NoError(t, err)
		assert.True(t, completed)

		final, err := f.executions.GetExecution(f.orgID, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedExecutionStatus, final.Status)
		assert.NotNil(t, final.CompletedAt)
	})

	t.Run("AdvanceTracksHighestStep", func(t *testing.T) {
		f := newExecutionFixture(t)
		exec, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)

		require.NoError(t, f.store.UpdateStepStatus(exec.Steps[1].ID, models.SentStepStatus, "", ""))
		require.NoError(t, f.executions.Advance(exec.Steps[1].ID))
		require.NoError(t, f.store.UpdateStepStatus(exec.Steps[0].ID, models.SentStepStatus, "", ""))
		require.NoError(t, f.executions.Advance(exec.Steps[0].ID))

		final, err := f.executions.GetExecution(f.orgID, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, final.CurrentStep)
		assert.Equal(t, models.CompletedExecutionStatus, final.Status)
	})
}

func TestExecutionService_StopAndCancel(t *testing.T) {
	t.Run("StopSkipsPendingAndCompletes", func(t *testing.T) {
		f := newExecutionFixture(t)
		exec, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)
		require.NoError(t, f.store.UpdateStepStatus(exec.Steps[0].ID, models.SentStepStatus, "", ""))

		require.NoError(t, f.executions.Stop(exec.ID, "review left"))
		final, err := f.executions.GetExecution(f.orgID, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedExecutionStatus, final.Status)
		assert.Equal(t, "review left", final.StopReason)
		assert.Equal(t, models.SentStepStatus, final.Steps[0].Status)
		assert.Equal(t, models.SkippedStepStatus, final.Steps[1].Status)
	})

	t.Run("StopIsIdempotent", func(t *testing.T) {
		f := newExecutionFixture(t)
		exec, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)
		require.NoError(t, f.executions.Stop(exec.ID, "first"))
		require.NoError(t, f.executions.Stop(exec.ID, "second"))

		final, err := f.executions.GetExecution(f.orgID, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, "first", final.StopReason)
	})

	t.Run("CancelMarksCancelled", func(t *testing.T) {
		f := newExecutionFixture(t)
		exec, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)
		require.NoError(t, f.executions.Cancel(exec.ID, "operator request"))

		final, err := f.executions.GetExecution(f.orgID, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CancelledExecutionStatus, final.Status)
	})

	t.Run("SubjectCanStartAgainAfterStop", func(t *testing.T) {
		f := newExecutionFixture(t)
		first, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)
		require.NoError(t, f.executions.Stop(first.ID, "done"))

		second, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
	})
}

func TestExecutionService_RetryStep(t *testing.T) {
	t.Run("ResetsFailedStepAndReactivates", func(t *testing.T) {
		f := newExecutionFixture(t)
		exec, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)

		require.NoError(t, f.store.UpdateStepStatus(exec.Steps[0].ID, models.SentStepStatus, "", ""))
		require.NoError(t, f.store.UpdateStepStatus(exec.Steps[1].ID, models.FailedStepStatus, "bounce", ""))
		completed, err := f.executions.EvaluateCompletion(exec.ID)
		require.NoError(t, err)
		require.True(t, completed)

		require.NoError(t, f.executions.RetryStep(f.orgID, exec.Steps[1].ID))
		final, err := f.executions.GetExecution(f.orgID, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ActiveExecutionStatus, final.Status)
		assert.Equal(t, models.PendingStepStatus, final.Steps[1].Status)
		assert.Empty(t, final.Steps[1].ErrorMsg)
	})

	t.Run("OnlyFailedStepsRetryable", func(t *testing.T) {
		f := newExecutionFixture(t)
		exec, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)
		err = f.executions.RetryStep(f.orgID, exec.Steps[0].ID)
		assert.True(t, errors.Is(err, models.ErrConflict))
	})

	t.Run("WrongOrgRejected", func(t *testing.T) {
		f := newExecutionFixture(t)
		otherOrg := newOrg(t, f.store)
		exec, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)
		require.NoError(t, f.store.UpdateStepStatus(exec.Steps[0].ID, models.FailedStepStatus, "x", ""))
		err = f.executions.RetryStep(otherOrg, exec.Steps[0].ID)
		assert.True(t, errors.Is(err, models.ErrConflict))
	})
}

package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cadenceio/cadence/pkg/models"
	"github.com/cadenceio/cadence/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSms records every send, safe for concurrent workers.
type countingSms struct {
	mu    sync.Mutex
	total int
}

func (s *countingSms) SendSms(ctx context.Context, contact service.Contact, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	return "ok", nil
}

func (s *countingSms) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// slowSms holds each send long enough to observe overlapping dispatches.
type slowSms struct {
	mu        sync.Mutex
	active    int
	maxActive int
	total     int
}

func (s *slowSms) SendSms(ctx context.Context, contact service.Contact, body string) (string, error) {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	s.mu.Lock()
	s.active--
	s.total++
	s.mu.Unlock()
	return "ok", nil
}

func (s *slowSms) counts() (total, maxActive int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.maxActive
}

func TestPoller_RunOnce(t *testing.T) {
	t.Run("DispatchesDueStepsOnly", func(t *testing.T) {
		f := newDispatchFixture(t)
		_, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)

		poller := service.NewPoller(context.Background(), f.store, f.dispatcher, logger{}, service.PollerConfig{})
		dispatched, err := poller.RunOnce(context.Background())
		require.NoError(t, err)
		// Step 1 is due now, step 2 not for another day.
		assert.Equal(t, 1, dispatched)
		assert.Len(t, f.sms.bodies, 1)

		// Nothing left to claim on the next pass.
		dispatched, err = poller.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, dispatched)
	})

	t.Run("ClaimedStepsNotReclaimed", func(t *testing.T) {
		f := newDispatchFixture(t)
		exec, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)

		claimed, err := f.store.ClaimDueSteps(f.orgID, time.Now(), 10, "token-a")
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, exec.Steps[0].ID, claimed[0].ID)

		// A second scanner with its own token sees nothing.
		again, err := f.store.ClaimDueSteps(f.orgID, time.Now(), 10, "token-b")
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("ConcurrentScannersPartitionDueSteps", func(t *testing.T) {
		f := newDispatchFixture(t,
			smsStep(1, 0, "a"), smsStep(2, 0, "b"), smsStep(3, 0, "c"),
			smsStep(4, 0, "d"), smsStep(5, 0, "e"), smsStep(6, 0, "f"))
		_, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)

		claims := make([][]models.StepExecution, 2)
		var wg sync.WaitGroup
		for i, token := range []string{"token-a", "token-b"} {
			wg.Add(1)
			go func(i int, token string) {
				defer wg.Done()
				claimed, err := f.store.ClaimDueSteps(f.orgID, time.Now(), 10, token)
				assert.NoError(t, err)
				claims[i] = claimed
			}(i, token)
		}
		wg.Wait()

		// The due set splits between the scanners with no overlap.
		seen := make(map[int64]bool)
		for _, claimed := range claims {
			for _, se := range claimed {
				assert.False(t, seen[se.ID], "step execution %d claimed twice", se.ID)
				seen[se.ID] = true
			}
		}
		assert.Len(t, seen, 6)
	})

	t.Run("StaleClaimCannotOverwriteReclaimedStep", func(t *testing.T) {
		f := newDispatchFixture(t)
		_, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)

		claimed, err := f.store.ClaimDueSteps(f.orgID, time.Now(), 10, "token-a")
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		// The claim expires and a second scanner picks the step up.
		released, err := f.store.ReleaseExpiredClaims(time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, released)
		reclaimed, err := f.store.ClaimDueSteps(f.orgID, time.Now(), 10, "token-b")
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)

		// The first dispatcher finishes late; its write must not land.
		err = f.store.UpdateStepStatus(claimed[0].ID, models.SentStepStatus, "", "token-a")
		assert.True(t, errors.Is(err, models.ErrConflict))

		se, err := f.store.GetStepExecution(claimed[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.ClaimedStepStatus, se.Status)
		require.NotNil(t, se.ClaimToken)
		assert.Equal(t, "token-b", *se.ClaimToken)
	})

	t.Run("ExpiredClaimsReleasedBeforeScan", func(t *testing.T) {
		f := newDispatchFixture(t)
		_, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)

		// Simulate a worker that died holding a claim.
		claimed, err := f.store.ClaimDueSteps(f.orgID, time.Now(), 10, "dead-worker")
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		poller := service.NewPoller(context.Background(), f.store, f.dispatcher, logger{},
			service.PollerConfig{ClaimTTL: time.Nanosecond})
		time.Sleep(time.Millisecond)
		dispatched, err := poller.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, dispatched)
	})

	t.Run("BatchSizeRespected", func(t *testing.T) {
		f := newDispatchFixture(t)
		for _, subject := range []string{"a", "b", "c"} {
			_, err := f.executions.Start(f.orgID, subject, f.seqID, false)
			require.NoError(t, err)
		}
		poller := service.NewPoller(context.Background(), f.store, f.dispatcher, logger{},
			service.PollerConfig{BatchSize: 2})
		dispatched, err := poller.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, dispatched)

		dispatched, err = poller.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, dispatched)
	})
}

func TestPoller_TickAndWorkers(t *testing.T) {
	t.Run("TickDispatchesThroughWorkerPool", func(t *testing.T) {
		f := newExecutionFixture(t, smsStep(1, 0, "hi"))
		sms := &countingSms{}
		dispatcher := service.NewDispatcher(f.store, f.executions,
			&stubResolver{contact: service.Contact{Phone: "+15550100"}}, sms, &captureEmail{}, logger{})

		subjects := []string{"a", "b", "c", "d", "e"}
		for _, subject := range subjects {
			_, err := f.executions.Start(f.orgID, subject, f.seqID, false)
			require.NoError(t, err)
		}

		poller := service.NewPoller(context.Background(), f.store, dispatcher, logger{},
			service.PollerConfig{Interval: time.Hour, Workers: 3})
		poller.Start()
		poller.Tick()

		// Workers drain asynchronously.
		deadline := time.After(5 * time.Second)
		for sms.count() < len(subjects) {
			select {
			case <-deadline:
				t.Fatalf("only %d of %d steps dispatched before timeout", sms.count(), len(subjects))
			case <-time.After(10 * time.Millisecond):
			}
		}
		poller.Stop()
		assert.Equal(t, len(subjects), sms.count())
	})

	t.Run("SameExecutionStepsDispatchOneAtATime", func(t *testing.T) {
		f := newExecutionFixture(t, smsStep(1, 0, "a"), smsStep(2, 0, "b"))
		sms := &slowSms{}
		dispatcher := service.NewDispatcher(f.store, f.executions,
			&stubResolver{contact: service.Contact{Phone: "+15550100"}}, sms, &captureEmail{}, logger{})
		_, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)

		// Two workers, two due steps of one execution: the second step waits
		// for the first instead of dispatching alongside it.
		poller := service.NewPoller(context.Background(), f.store, dispatcher, logger{},
			service.PollerConfig{Interval: time.Hour, Workers: 2})
		poller.Start()
		poller.Tick()

		deadline := time.After(5 * time.Second)
		for {
			total, _ := sms.counts()
			if total == 2 {
				break
			}
			select {
			case <-deadline:
				t.Fatalf("only %d of 2 steps dispatched before timeout", total)
			case <-time.After(10 * time.Millisecond):
			}
		}
		poller.Stop()
		_, maxActive := sms.counts()
		assert.Equal(t, 1, maxActive)
	})

	t.Run("StopWaitsForWorkers", func(t *testing.T) {
		f := newExecutionFixture(t, smsStep(1, 0, "hi"))
		dispatcher := service.NewDispatcher(f.store, f.executions,
			&stubResolver{contact: service.Contact{Phone: "+15550100"}}, &countingSms{}, &captureEmail{}, logger{})
		poller := service.NewPoller(context.Background(), f.store, dispatcher, logger{},
			service.PollerConfig{Interval: time.Hour})
		poller.Start()
		done := make(chan struct{})
		go func() {
			poller.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("poller did not stop")
		}
	})

	t.Run("StuckExecutionsSurfaced", func(t *testing.T) {
		f := newExecutionFixture(t, smsStep(1, 0, "hi"))
		exec, err := f.executions.Start(f.orgID, "cust-1", f.seqID, false)
		require.NoError(t, err)

		stuck, err := f.store.FindStuckExecutions(time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, exec.ID, stuck[0].ID)

		// Terminal executions are never reported as stuck.
		require.NoError(t, f.executions.Cancel(exec.ID, "operator"))
		stuck, err = f.store.FindStuckExecutions(time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, stuck)
	})
}

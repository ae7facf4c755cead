package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/cadenceio/cadence/pkg/models"
	"github.com/cadenceio/cadence/pkg/service"
	"github.com/cadenceio/cadence/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyticsService_EmptyInput(t *testing.T) {
	store := storage.NewMockStore()
	orgID, err := store.SaveOrganization(models.Organization{Name: "Fresh Org"})
	require.NoError(t, err)
	analytics := service.NewAnalyticsService(store)

	rate, err := analytics.CompletionRate(orgID, 0, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, rate)

	avg, err := analytics.AvgCompletionTime(orgID, 0, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, avg)

	perf, err := analytics.ChannelPerformance(orgID, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, perf)

	report, err := analytics.SequenceReport(orgID, 0, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, report.Total)
	assert.Zero(t, report.CompletionRate)
	assert.Zero(t, report.FailedSteps)
}

func TestAnalyticsService_Aggregates(t *testing.T) {
	f := newDispatchFixture(t, smsStep(1, 0, "hi"), emailStep(2, 0, "s", "b"))
	analytics := service.NewAnalyticsService(f.store)
	ctx := context.Background()

	// One fully completed execution.
	done, err := f.executions.Start(f.orgID, "cust-done", f.seqID, false)
	require.NoError(t, err)
	require.True(t, f.dispatcher.Dispatch(ctx, done.Steps[0]))
	require.True(t, f.dispatcher.Dispatch(ctx, done.Steps[1]))

	// One execution with a failed email.
	f.email.err = assert.AnError
	partial, err := f.executions.Start(f.orgID, "cust-partial", f.seqID, false)
	require.NoError(t, err)
	require.True(t, f.dispatcher.Dispatch(ctx, partial.Steps[0]))
	require.False(t, f.dispatcher.Dispatch(ctx, partial.Steps[1]))

	// One still running.
	_, err = f.executions.Start(f.orgID, "cust-open", f.seqID, false)
	require.NoError(t, err)

	t.Run("CompletionRate", func(t *testing.T) {
		rate, err := analytics.CompletionRate(f.orgID, f.seqID, time.Time{})
		require.NoError(t, err)
		// Failed steps are terminal, so the partial execution completed too.
		assert.InDelta(t, 2.0/3.0, rate, 0.001)
	})

	t.Run("ChannelPerformance", func(t *testing.T) {
		perf, err := analytics.ChannelPerformance(f.orgID, time.Time{})
		require.NoError(t, err)

		sms := perf[models.SmsChannel]
		assert.Equal(t, 2, sms.Sent)
		assert.Zero(t, sms.Failed)
		assert.InDelta(t, 1.0, sms.DeliveryRate, 0.001)

		email := perf[models.EmailChannel]
		assert.Equal(t, 1, email.Sent)
		assert.Equal(t, 1, email.Failed)
		assert.InDelta(t, 0.5, email.DeliveryRate, 0.001)
		assert.InDelta(t, 0.5, email.FailureRate, 0.001)
	})

	t.Run("SequenceReport", func(t *testing.T) {
		report, err := analytics.SequenceReport(f.orgID, f.seqID, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 3, report.Total)
		assert.Equal(t, 2, report.Completed)
		assert.Equal(t, 1, report.FailedSteps)
	})

	t.Run("SinceFilterExcludesOldExecutions", func(t *testing.T) {
		rate, err := analytics.CompletionRate(f.orgID, f.seqID, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, rate)
	})

	t.Run("FailedStepsScopedToSequenceAndWindow", func(t *testing.T) {
		// A second sequence with its own failed email must not leak into the
		// first sequence's report.
		otherSeq, err := f.sequences.CreateSequence(f.orgID, models.Sequence{
			Name:  "other",
			Steps: []models.Step{emailStep(1, 0, "s", "b")},
		})
		require.NoError(t, err)
		other, err := f.executions.Start(f.orgID, "cust-other", otherSeq, false)
		require.NoError(t, err)
		require.False(t, f.dispatcher.Dispatch(ctx, other.Steps[0]))

		report, err := analytics.SequenceReport(f.orgID, f.seqID, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.FailedSteps)

		report, err = analytics.SequenceReport(f.orgID, otherSeq, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.FailedSteps)

		report, err = analytics.SequenceReport(f.orgID, f.seqID, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, report.FailedSteps)
	})
}

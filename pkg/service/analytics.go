package service

import (
	"time"

	"github.com/cadenceio/cadence/pkg/models"
	"github.com/cadenceio/cadence/pkg/storage"
)

// ChannelPerformance is a channel's outcome counts plus derived rates.
type ChannelPerformance struct {
	models.ChannelStats
	DeliveryRate float64 `json:"delivery_rate"`
	FailureRate  float64 `json:"failure_rate"`
}

// SequenceReport summarizes one sequence's executions over a time window.
type SequenceReport struct {
	Total             int           `json:"total"`
	Completed         int           `json:"completed"`
	CompletionRate    float64       `json:"completion_rate"`
	AvgCompletionTime time.Duration `json:"avg_completion_time"`
	FailedSteps       int           `json:"failed_steps"`
}

// AnalyticsService derives read-only reporting from persisted executions.
// Every aggregation degrades to zero values on empty input: reporting is
// routinely called for brand-new organizations with no history.
type AnalyticsService struct {
	store storage.Store
}

func NewAnalyticsService(store storage.Store) *AnalyticsService {
	return &AnalyticsService{store: store}
}

// CompletionRate is completed / total for the sequence since the given time.
// A sequenceID of 0 covers all sequences of the organization; a zero since
// covers all history.
func (a *AnalyticsService) CompletionRate(orgID, sequenceID int64, since time.Time) (float64, error) {
	total, completed, err := a.store.CountExecutions(orgID, sequenceID, since)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return float64(completed) / float64(total), nil
}

// AvgCompletionTime is the mean completedAt - startedAt over completed
// executions.
func (a *AnalyticsService) AvgCompletionTime(orgID, sequenceID int64, since time.Time) (time.Duration, error) {
	seconds, err := a.store.AvgCompletionSeconds(orgID, sequenceID, since)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// ChannelPerformance aggregates step outcomes per channel with derived rates.
func (a *AnalyticsService) ChannelPerformance(orgID int64, since time.Time) (map[models.ChannelType]ChannelPerformance, error) {
	counts, err := a.store.ChannelCounts(orgID, since)
	if err != nil {
		return nil, err
	}
	perf := make(map[models.ChannelType]ChannelPerformance, len(counts))
	for channel, stats := range counts {
		p := ChannelPerformance{ChannelStats: stats}
		if total := stats.Total(); total > 0 {
			p.DeliveryRate = float64(stats.Sent+stats.Delivered) / float64(total)
			p.FailureRate = float64(stats.Failed) / float64(total)
		}
		perf[channel] = p
	}
	return perf, nil
}

// SequenceReport combines the aggregates into one reporting payload.
func (a *AnalyticsService) SequenceReport(orgID, sequenceID int64, since time.Time) (SequenceReport, error) {
	total, completed, err := a.store.CountExecutions(orgID, sequenceID, since)
	if err != nil {
		return SequenceReport{}, err
	}
	report := SequenceReport{Total: total, Completed: completed}
	if total > 0 {
		report.CompletionRate = float64(completed) / float64(total)
	}
	report.AvgCompletionTime, err = a.AvgCompletionTime(orgID, sequenceID, since)
	if err != nil {
		return SequenceReport{}, err
	}
	failed, err := a.store.ListFailedSteps(orgID, sequenceID, since)
	if err != nil {
		return SequenceReport{}, err
	}
	report.FailedSteps = len(failed)
	return report, nil
}

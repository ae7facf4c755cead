package storage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cadenceio/cadence/pkg/models"
	"github.com/pkg/errors"
)

// mockStore implements Store with in-memory storage. It is not transactional:
// Begin returns the store itself and Commit/Rollback are no-ops. The mutex is
// required because the poller exercises the store from multiple workers.
type mockStore struct {
	mu             sync.Mutex
	orgs           []models.Organization
	sequences      []models.Sequence
	steps          []models.Step
	executions     []models.Execution
	stepExecutions []models.StepExecution
	nextOrgID      int64
	nextSeqID      int64
	nextStepID     int64
	nextExecID     int64
	nextStepExecID int64
}

// NewMockStore returns an empty in-memory Store for tests and examples.
func NewMockStore() Store {
	return &mockStore{}
}

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveOrganization(o models.Organization) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOrgID++
	o.ID = m.nextOrgID
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	m.orgs = append(m.orgs, o)
	return o.ID, nil
}

func (m *mockStore) ListOrganizations() ([]models.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Organization, len(m.orgs))
	copy(out, m.orgs)
	return out, nil
}

func (m *mockStore) SaveSequence(s models.Sequence) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeqID++
	s.ID = m.nextSeqID
	m.sequences = append(m.sequences, s)
	return s.ID, nil
}

func (m *mockStore) SaveStep(st models.Step) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.steps {
		if existing.SequenceID == st.SequenceID && existing.StepNumber == st.StepNumber {
			return 0, errors.New("step number already exists in sequence")
		}
	}
	m.nextStepID++
	st.ID = m.nextStepID
	m.steps = append(m.steps, st)
	return st.ID, nil
}

func (m *mockStore) sequenceSteps(sequenceID int64) []models.Step {
	var out []models.Step
	for _, st := range m.steps {
		if st.SequenceID == sequenceID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

func (m *mockStore) GetSequence(id int64) (models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sequences {
		if s.ID == id {
			s.Steps = m.sequenceSteps(id)
			return s, nil
		}
	}
	return models.Sequence{}, errors.Wrapf(models.ErrNotFound, "sequence %d", id)
}

func (m *mockStore) GetSequenceByName(orgID int64, name string) (models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sequences {
		if s.OrgID == orgID && strings.EqualFold(s.Name, name) {
			s.Steps = m.sequenceSteps(s.ID)
			return s, nil
		}
	}
	return models.Sequence{}, errors.Wrapf(models.ErrNotFound, "sequence %q for org %d", name, orgID)
}

func (m *mockStore) GetDefaultSequence(orgID int64) (models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sequences {
		if s.OrgID == orgID && s.IsDefault && s.Active {
			s.Steps = m.sequenceSteps(s.ID)
			return s, nil
		}
	}
	return models.Sequence{}, errors.Wrapf(models.ErrNotFound, "default sequence for org %d", orgID)
}

func (m *mockStore) ListSequences(orgID int64) ([]models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Sequence
	for _, s := range m.sequences {
		if s.OrgID == orgID {
			s.Steps = m.sequenceSteps(s.ID)
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockStore) CountActiveSequences(orgID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.sequences {
		if s.OrgID == orgID && s.Active {
			count++
		}
	}
	return count, nil
}

func (m *mockStore) UpdateSequence(s models.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sequences {
		if m.sequences[i].ID == s.ID {
			// Mirrors the SQL column list: the default flag and created_at
			// are never touched by an update.
			m.sequences[i].Name = s.Name
			m.sequences[i].Active = s.Active
			m.sequences[i].StopRule = s.StopRule
			m.sequences[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return errors.Wrapf(models.ErrNotFound, "sequence %d", s.ID)
}

func (m *mockStore) DeleteSteps(sequenceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.steps[:0]
	for _, st := range m.steps {
		if st.SequenceID != sequenceID {
			kept = append(kept, st)
		}
	}
	m.steps = kept
	return nil
}

func (m *mockStore) SetSequenceActive(id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sequences {
		if m.sequences[i].ID == id {
			m.sequences[i].Active = active
			m.sequences[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return errors.Wrapf(models.ErrNotFound, "sequence %d", id)
}

func (m *mockStore) ClearDefaultSequence(orgID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sequences {
		if m.sequences[i].OrgID == orgID {
			m.sequences[i].IsDefault = false
		}
	}
	return nil
}

func (m *mockStore) MarkDefaultSequence(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sequences {
		if m.sequences[i].ID == id {
			m.sequences[i].IsDefault = true
			return nil
		}
	}
	return errors.Wrapf(models.ErrNotFound, "sequence %d", id)
}

func (m *mockStore) SaveExecution(e models.Execution) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Status == models.ActiveExecutionStatus {
		for _, existing := range m.executions {
			if existing.OrgID == e.OrgID && existing.SubjectID == e.SubjectID && existing.Status == models.ActiveExecutionStatus {
				return 0, errors.Wrapf(models.ErrConflict, "subject %s already has an active execution", e.SubjectID)
			}
		}
	}
	m.nextExecID++
	e.ID = m.nextExecID
	m.executions = append(m.executions, e)
	return e.ID, nil
}

func (m *mockStore) GetExecution(id int64) (models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.ID == id {
			return e, nil
		}
	}
	return models.Execution{}, errors.Wrapf(models.ErrNotFound, "execution %d", id)
}

func (m *mockStore) GetActiveExecutionBySubject(orgID int64, subjectID string) (models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.OrgID == orgID && e.SubjectID == subjectID && e.Status == models.ActiveExecutionStatus {
			return e, nil
		}
	}
	return models.Execution{}, errors.Wrapf(models.ErrNotFound, "active execution for subject %s", subjectID)
}

func (m *mockStore) UpdateExecutionStatus(id int64, status models.ExecutionStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.executions {
		if m.executions[i].ID == id {
			m.executions[i].Status = status
			if reason != "" {
				m.executions[i].StopReason = reason
			}
			if status.Terminal() && m.executions[i].CompletedAt == nil {
				now := time.Now()
				m.executions[i].CompletedAt = &now
			}
			return nil
		}
	}
	return errors.Wrapf(models.ErrNotFound, "execution %d", id)
}

func (m *mockStore) ReactivateExecution(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.executions {
		if m.executions[i].ID == id {
			m.executions[i].Status = models.ActiveExecutionStatus
			m.executions[i].CompletedAt = nil
			return nil
		}
	}
	return errors.Wrapf(models.ErrNotFound, "execution %d", id)
}

func (m *mockStore) UpdateExecutionCurrentStep(id int64, currentStep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.executions {
		if m.executions[i].ID == id {
			m.executions[i].CurrentStep = currentStep
			return nil
		}
	}
	return errors.Wrapf(models.ErrNotFound, "execution %d", id)
}

func (m *mockStore) ListExecutions(orgID, sequenceID int64, since time.Time) ([]models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Execution
	for _, e := range m.executions {
		if e.OrgID != orgID {
			continue
		}
		if sequenceID != 0 && e.SequenceID != sequenceID {
			continue
		}
		if !since.IsZero() && e.StartedAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockStore) FindStuckExecutions(olderThan time.Time) ([]models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Execution
	for _, e := range m.executions {
		if e.Status != models.ActiveExecutionStatus {
			continue
		}
		for _, se := range m.stepExecutions {
			if se.ExecutionID != e.ID {
				continue
			}
			overdue := se.ScheduledAt.Before(olderThan)
			if overdue && (se.Status == models.PendingStepStatus || se.Status == models.ClaimedStepStatus) {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func (m *mockStore) SaveStepExecution(se models.StepExecution) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.stepExecutions {
		if existing.ExecutionID == se.ExecutionID && existing.StepNumber == se.StepNumber {
			return 0, errors.New("step execution already exists")
		}
	}
	m.nextStepExecID++
	se.ID = m.nextStepExecID
	m.stepExecutions = append(m.stepExecutions, se)
	return se.ID, nil
}

func (m *mockStore) GetStepExecution(id int64) (models.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, se := range m.stepExecutions {
		if se.ID == id {
			return se, nil
		}
	}
	return models.StepExecution{}, errors.Wrapf(models.ErrNotFound, "step execution %d", id)
}

func (m *mockStore) ListStepExecutions(executionID int64) ([]models.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StepExecution
	for _, se := range m.stepExecutions {
		if se.ExecutionID == executionID {
			out = append(out, se)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

func (m *mockStore) ClaimDueSteps(orgID int64, now time.Time, limit int, token string) ([]models.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	execOrg := make(map[int64]int64, len(m.executions))
	for _, e := range m.executions {
		execOrg[e.ID] = e.OrgID
	}

	var due []int
	for i, se := range m.stepExecutions {
		if execOrg[se.ExecutionID] != orgID {
			continue
		}
		if se.Status == models.PendingStepStatus && !se.ScheduledAt.After(now) {
			due = append(due, i)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return m.stepExecutions[due[i]].ScheduledAt.Before(m.stepExecutions[due[j]].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]models.StepExecution, 0, len(due))
	claimedAt := time.Now()
	for _, i := range due {
		m.stepExecutions[i].Status = models.ClaimedStepStatus
		m.stepExecutions[i].ClaimToken = &token
		m.stepExecutions[i].ClaimedAt = &claimedAt
		claimed = append(claimed, m.stepExecutions[i])
	}
	return claimed, nil
}

func (m *mockStore) UpdateStepStatus(id int64, status models.StepStatus, errorMsg, claimToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.stepExecutions {
		if m.stepExecutions[i].ID != id {
			continue
		}
		if claimToken != "" {
			if m.stepExecutions[i].ClaimToken == nil || *m.stepExecutions[i].ClaimToken != claimToken {
				return errors.Wrapf(models.ErrConflict, "step execution %d claim token is no longer current", id)
			}
		}
		m.stepExecutions[i].Status = status
		m.stepExecutions[i].ErrorMsg = errorMsg
		if status == models.SentStepStatus || status == models.DeliveredStepStatus {
			now := time.Now()
			m.stepExecutions[i].SentAt = &now
		}
		return nil
	}
	return errors.Wrapf(models.ErrNotFound, "step execution %d", id)
}

func (m *mockStore) SkipPendingSteps(executionID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	skipped := 0
	for i := range m.stepExecutions {
		if m.stepExecutions[i].ExecutionID == executionID && m.stepExecutions[i].Status == models.PendingStepStatus {
			m.stepExecutions[i].Status = models.SkippedStepStatus
			skipped++
		}
	}
	return skipped, nil
}

func (m *mockStore) ReleaseExpiredClaims(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for i := range m.stepExecutions {
		se := &m.stepExecutions[i]
		if se.Status == models.ClaimedStepStatus && se.ClaimedAt != nil && se.ClaimedAt.Before(olderThan) {
			se.Status = models.PendingStepStatus
			se.ClaimToken = nil
			se.ClaimedAt = nil
			released++
		}
	}
	return released, nil
}

func (m *mockStore) ListFailedSteps(orgID, sequenceID int64, since time.Time) ([]models.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	execs := make(map[int64]models.Execution, len(m.executions))
	for _, e := range m.executions {
		execs[e.ID] = e
	}
	var out []models.StepExecution
	for _, se := range m.stepExecutions {
		if se.Status != models.FailedStepStatus {
			continue
		}
		e, ok := execs[se.ExecutionID]
		if !ok || e.OrgID != orgID {
			continue
		}
		if sequenceID != 0 && e.SequenceID != sequenceID {
			continue
		}
		if !since.IsZero() && e.StartedAt.Before(since) {
			continue
		}
		out = append(out, se)
	}
	return out, nil
}

func (m *mockStore) ResetStepForRetry(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.stepExecutions {
		if m.stepExecutions[i].ID == id {
			if m.stepExecutions[i].Status != models.FailedStepStatus {
				return errors.Wrapf(models.ErrConflict, "step execution %d is not FAILED", id)
			}
			m.stepExecutions[i].Status = models.PendingStepStatus
			m.stepExecutions[i].ErrorMsg = ""
			m.stepExecutions[i].ClaimToken = nil
			m.stepExecutions[i].ClaimedAt = nil
			return nil
		}
	}
	return errors.Wrapf(models.ErrNotFound, "step execution %d", id)
}

func (m *mockStore) CountExecutions(orgID, sequenceID int64, since time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total, completed := 0, 0
	for _, e := range m.executions {
		if e.OrgID != orgID {
			continue
		}
		if sequenceID != 0 && e.SequenceID != sequenceID {
			continue
		}
		if !since.IsZero() && e.StartedAt.Before(since) {
			continue
		}
		total++
		if e.Status == models.CompletedExecutionStatus {
			completed++
		}
	}
	return total, completed, nil
}

func (m *mockStore) AvgCompletionSeconds(orgID, sequenceID int64, since time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	count := 0
	for _, e := range m.executions {
		if e.OrgID != orgID || e.Status != models.CompletedExecutionStatus || e.CompletedAt == nil {
			continue
		}
		if sequenceID != 0 && e.SequenceID != sequenceID {
			continue
		}
		if !since.IsZero() && e.StartedAt.Before(since) {
			continue
		}
		sum += e.CompletedAt.Sub(e.StartedAt).Seconds()
		count++
	}
	if count == 0 {
		return 0, nil
	}
	return sum / float64(count), nil
}

func (m *mockStore) ChannelCounts(orgID int64, since time.Time) (map[models.ChannelType]models.ChannelStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	execOK := make(map[int64]bool, len(m.executions))
	for _, e := range m.executions {
		if e.OrgID == orgID && (since.IsZero() || !e.StartedAt.Before(since)) {
			execOK[e.ID] = true
		}
	}
	counts := make(map[models.ChannelType]models.ChannelStats)
	for _, se := range m.stepExecutions {
		if !execOK[se.ExecutionID] {
			continue
		}
		stats := counts[se.Channel]
		switch se.Status {
		case models.SentStepStatus:
			stats.Sent++
		case models.DeliveredStepStatus:
			stats.Delivered++
		case models.FailedStepStatus:
			stats.Failed++
		case models.SkippedStepStatus:
			stats.Skipped++
		}
		counts[se.Channel] = stats
	}
	return counts, nil
}

package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cadenceio/cadence/pkg/models"
	"github.com/cadenceio/cadence/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// isUniqueViolation reports whether err is a Postgres unique_violation so
// callers can translate constraint races into the conflict taxonomy.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func (s *PostgresStore) SaveOrganization(o models.Organization) (int64, error) {
	var id int64
	err := s.db.QueryRowx("INSERT INTO organizations (name) VALUES ($1) RETURNING id", o.Name).Scan(&id)
	if isUniqueViolation(err) {
		return 0, errors.Wrapf(models.ErrConflict, "organization %q already exists", o.Name)
	}
	if err != nil {
		return 0, fmt.Errorf("save organization: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListOrganizations() ([]models.Organization, error) {
	orgs := []models.Organization{}
	err := s.db.Select(&orgs, "SELECT * FROM organizations ORDER BY id")
	if err != nil {
		return nil, err
	}
	return orgs, nil
}

func (s *PostgresStore) SaveSequence(seq models.Sequence) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO sequences (org_id, name, active, is_default, stop_rule, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		seq.OrgID, seq.Name, seq.Active, seq.IsDefault, seq.StopRule, seq.CreatedAt, seq.UpdatedAt).Scan(&id)
	if isUniqueViolation(err) {
		return 0, errors.Wrapf(models.ErrConflict, "sequence %q already exists for org %d", seq.Name, seq.OrgID)
	}
	if err != nil {
		return 0, fmt.Errorf("save sequence: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) SaveStep(st models.Step) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO steps (sequence_id, step_number, delay_hours, channel, subject, body, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		st.SequenceID, st.StepNumber, st.DelayHours, st.Channel, st.Subject, st.Body, st.Active).Scan(&id)
	if isUniqueViolation(err) {
		return 0, errors.Wrapf(models.ErrConflict, "step %d already exists in sequence %d", st.StepNumber, st.SequenceID)
	}
	if err != nil {
		return 0, fmt.Errorf("save step: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) getSequence(query string, args ...interface{}) (models.Sequence, error) {
	var seq models.Sequence
	err := s.db.Get(&seq, query, args...)
	if err == sql.ErrNoRows {
		return models.Sequence{}, models.ErrNotFound
	}
	if err != nil {
		return models.Sequence{}, err
	}
	err = s.db.Select(&seq.Steps, "SELECT * FROM steps WHERE sequence_id = $1 ORDER BY step_number", seq.ID)
	if err != nil {
		return models.Sequence{}, fmt.Errorf("get sequence %d steps: %w", seq.ID, err)
	}
	return seq, nil
}

func (s *PostgresStore) GetSequence(id int64) (models.Sequence, error) {
	return s.getSequence("SELECT * FROM sequences WHERE id = $1", id)
}

func (s *PostgresStore) GetSequenceByName(orgID int64, name string) (models.Sequence, error) {
	return s.getSequence("SELECT * FROM sequences WHERE org_id = $1 AND LOWER(name) = LOWER($2)", orgID, name)
}

func (s *PostgresStore) GetDefaultSequence(orgID int64) (models.Sequence, error) {
	return s.getSequence("SELECT * FROM sequences WHERE org_id = $1 AND is_default AND active", orgID)
}

func (s *PostgresStore) ListSequences(orgID int64) ([]models.Sequence, error) {
	seqs := []models.Sequence{}
	err := s.db.Select(&seqs, "SELECT * FROM sequences WHERE org_id = $1 ORDER BY created_at", orgID)
	if err != nil {
		return nil, err
	}
	for i := range seqs {
		err = s.db.Select(&seqs[i].Steps, "SELECT * FROM steps WHERE sequence_id = $1 ORDER BY step_number", seqs[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return seqs, nil
}

func (s *PostgresStore) CountActiveSequences(orgID int64) (int, error) {
	var count int
	err := s.db.Get(&count, "SELECT COUNT(*) FROM sequences WHERE org_id = $1 AND active", orgID)
	return count, err
}

func (s *PostgresStore) UpdateSequence(seq models.Sequence) error {
	res, err := s.db.Exec(`
		UPDATE sequences SET name = $1, active = $2, stop_rule = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4`,
		seq.Name, seq.Active, seq.StopRule, seq.ID)
	if isUniqueViolation(err) {
		return errors.Wrapf(models.ErrConflict, "sequence %q already exists for org %d", seq.Name, seq.OrgID)
	}
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res, "sequence", seq.ID)
}

func (s *PostgresStore) DeleteSteps(sequenceID int64) error {
	_, err := s.db.Exec("DELETE FROM steps WHERE sequence_id = $1", sequenceID)
	return err
}

func (s *PostgresStore) SetSequenceActive(id int64, active bool) error {
	res, err := s.db.Exec("UPDATE sequences SET active = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", active, id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res, "sequence", id)
}

func (s *PostgresStore) ClearDefaultSequence(orgID int64) error {
	_, err := s.db.Exec("UPDATE sequences SET is_default = FALSE WHERE org_id = $1 AND is_default", orgID)
	return err
}

func (s *PostgresStore) MarkDefaultSequence(id int64) error {
	res, err := s.db.Exec("UPDATE sequences SET is_default = TRUE, updated_at = CURRENT_TIMESTAMP WHERE id = $1", id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res, "sequence", id)
}

func (s *PostgresStore) SaveExecution(e models.Execution) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO executions (org_id, subject_id, sequence_id, status, current_step, started_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.OrgID, e.SubjectID, e.SequenceID, e.Status, e.CurrentStep, e.StartedAt).Scan(&id)
	if isUniqueViolation(err) {
		return 0, errors.Wrapf(models.ErrConflict, "subject %s already has an active execution", e.SubjectID)
	}
	if err != nil {
		return 0, fmt.Errorf("save execution: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetExecution(id int64) (models.Execution, error) {
	var e models.Execution
	err := s.db.Get(&e, "SELECT * FROM executions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Execution{}, models.ErrNotFound
	}
	if err != nil {
		return models.Execution{}, err
	}
	return e, nil
}

func (s *PostgresStore) GetActiveExecutionBySubject(orgID int64, subjectID string) (models.Execution, error) {
	var e models.Execution
	err := s.db.Get(&e, "SELECT * FROM executions WHERE org_id = $1 AND subject_id = $2 AND status = 'ACTIVE'", orgID, subjectID)
	if err == sql.ErrNoRows {
		return models.Execution{}, models.ErrNotFound
	}
	if err != nil {
		return models.Execution{}, err
	}
	return e, nil
}

func (s *PostgresStore) UpdateExecutionStatus(id int64, status models.ExecutionStatus, reason string) error {
	res, err := s.db.Exec(`
		UPDATE executions
		SET status = $1,
		stop_reason = CASE WHEN $2 <> '' THEN $2 ELSE stop_reason END,
		completed_at = CASE WHEN $3 <> 'ACTIVE' AND completed_at IS NULL THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = $4`,
		// same status bound twice: parameters inside CASE are typed separately
		status, reason, status, id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res, "execution", id)
}

func (s *PostgresStore) ReactivateExecution(id int64) error {
	res, err := s.db.Exec("UPDATE executions SET status = 'ACTIVE', completed_at = NULL WHERE id = $1", id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res, "execution", id)
}

func (s *PostgresStore) UpdateExecutionCurrentStep(id int64, currentStep int) error {
	res, err := s.db.Exec("UPDATE executions SET current_step = $1 WHERE id = $2", currentStep, id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res, "execution", id)
}

func (s *PostgresStore) ListExecutions(orgID, sequenceID int64, since time.Time) ([]models.Execution, error) {
	execs := []models.Execution{}
	err := s.db.Select(&execs, `
		SELECT * FROM executions
		WHERE org_id = $1
		AND ($2 = 0 OR sequence_id = $2)
		AND ($3::timestamptz IS NULL OR started_at >= $3)
		ORDER BY started_at DESC`,
		orgID, sequenceID, nullTime(since))
	if err != nil {
		return nil, err
	}
	return execs, nil
}

func (s *PostgresStore) FindStuckExecutions(olderThan time.Time) ([]models.Execution, error) {
	execs := []models.Execution{}
	err := s.db.Select(&execs, `
		SELECT DISTINCT e.* FROM executions e
		JOIN step_executions se ON se.execution_id = e.id
		WHERE e.status = 'ACTIVE'
		AND se.status IN ('PENDING', 'CLAIMED')
		AND se.scheduled_at < $1`,
		olderThan)
	if err != nil {
		return nil, err
	}
	return execs, nil
}

func (s *PostgresStore) SaveStepExecution(se models.StepExecution) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO step_executions (execution_id, step_number, channel, subject, body, status, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		se.ExecutionID, se.StepNumber, se.Channel, se.Subject, se.Body, se.Status, se.ScheduledAt).Scan(&id)
	if isUniqueViolation(err) {
		return 0, errors.Wrapf(models.ErrConflict, "step %d already scheduled for execution %d", se.StepNumber, se.ExecutionID)
	}
	if err != nil {
		return 0, fmt.Errorf("save step execution: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetStepExecution(id int64) (models.StepExecution, error) {
	var se models.StepExecution
	err := s.db.Get(&se, "SELECT * FROM step_executions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.StepExecution{}, models.ErrNotFound
	}
	if err != nil {
		return models.StepExecution{}, err
	}
	return se, nil
}

func (s *PostgresStore) ListStepExecutions(executionID int64) ([]models.StepExecution, error) {
	steps := []models.StepExecution{}
	err := s.db.Select(&steps, "SELECT * FROM step_executions WHERE execution_id = $1 ORDER BY step_number", executionID)
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// ClaimDueSteps is the concurrent-claim barrier: the inner SELECT takes row
// locks with SKIP LOCKED so two pollers racing on the same due set partition
// it between them instead of blocking or double-claiming.
func (s *PostgresStore) ClaimDueSteps(orgID int64, now time.Time, limit int, token string) ([]models.StepExecution, error) {
	claimed := []models.StepExecution{}
	err := s.db.Select(&claimed, `
		UPDATE step_executions
		SET status = 'CLAIMED', claim_token = $1, claimed_at = CURRENT_TIMESTAMP
		WHERE id IN (
			SELECT se.id FROM step_executions se
			JOIN executions e ON e.id = se.execution_id
			WHERE e.org_id = $2
			AND se.status = 'PENDING'
			AND se.scheduled_at <= $3
			ORDER BY se.scheduled_at
			LIMIT $4
			FOR UPDATE OF se SKIP LOCKED
		)
		RETURNING *`,
		token, orgID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due steps for org %d: %w", orgID, err)
	}
	return claimed, nil
}

func (s *PostgresStore) UpdateStepStatus(id int64, status models.StepStatus, errorMsg, claimToken string) error {
	res, err := s.db.Exec(`
		UPDATE step_executions
		SET status = $1,
		error_msg = $2,
		sent_at = CASE WHEN $3 IN ('SENT', 'DELIVERED') THEN CURRENT_TIMESTAMP ELSE sent_at END
		WHERE id = $4
		AND ($5 = '' OR claim_token = $5)`,
		status, errorMsg, status, id, claimToken)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetStepExecution(id); getErr != nil {
			return getErr
		}
		// The row exists, so the fencing token lost: the claim expired and
		// someone else re-claimed the step.
		return errors.Wrapf(models.ErrConflict, "step execution %d claim token is no longer current", id)
	}
	return nil
}

func (s *PostgresStore) SkipPendingSteps(executionID int64) (int, error) {
	res, err := s.db.Exec(
		"UPDATE step_executions SET status = 'SKIPPED' WHERE execution_id = $1 AND status = 'PENDING'",
		executionID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) ReleaseExpiredClaims(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(`
		UPDATE step_executions
		SET status = 'PENDING', claim_token = NULL, claimed_at = NULL
		WHERE status = 'CLAIMED' AND claimed_at < $1`,
		olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) ListFailedSteps(orgID, sequenceID int64, since time.Time) ([]models.StepExecution, error) {
	steps := []models.StepExecution{}
	err := s.db.Select(&steps, `
		SELECT se.* FROM step_executions se
		JOIN executions e ON e.id = se.execution_id
		WHERE e.org_id = $1 AND se.status = 'FAILED'
		AND ($2 = 0 OR e.sequence_id = $2)
		AND ($3::timestamptz IS NULL OR e.started_at >= $3)
		ORDER BY se.scheduled_at`,
		orgID, sequenceID, nullTime(since))
	if err != nil {
		return nil, err
	}
	return steps, nil
}

func (s *PostgresStore) ResetStepForRetry(id int64) error {
	res, err := s.db.Exec(`
		UPDATE step_executions
		SET status = 'PENDING', error_msg = '', claim_token = NULL, claimed_at = NULL
		WHERE id = $1 AND status = 'FAILED'`,
		id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetStepExecution(id); getErr != nil {
			return getErr
		}
		return errors.Wrapf(models.ErrConflict, "step execution %d is not FAILED", id)
	}
	return nil
}

func (s *PostgresStore) CountExecutions(orgID, sequenceID int64, since time.Time) (int, int, error) {
	var counts struct {
		Total     int `db:"total"`
		Completed int `db:"completed"`
	}
	err := s.db.Get(&counts, `
		SELECT COUNT(*) AS total,
		COUNT(*) FILTER (WHERE status = 'COMPLETED') AS completed
		FROM executions
		WHERE org_id = $1
		AND ($2 = 0 OR sequence_id = $2)
		AND ($3::timestamptz IS NULL OR started_at >= $3)`,
		orgID, sequenceID, nullTime(since))
	if err != nil {
		return 0, 0, err
	}
	return counts.Total, counts.Completed, nil
}

func (s *PostgresStore) AvgCompletionSeconds(orgID, sequenceID int64, since time.Time) (float64, error) {
	var avg float64
	err := s.db.Get(&avg, `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM completed_at - started_at)), 0)
		FROM executions
		WHERE org_id = $1
		AND status = 'COMPLETED'
		AND completed_at IS NOT NULL
		AND ($2 = 0 OR sequence_id = $2)
		AND ($3::timestamptz IS NULL OR started_at >= $3)`,
		orgID, sequenceID, nullTime(since))
	return avg, err
}

func (s *PostgresStore) ChannelCounts(orgID int64, since time.Time) (map[models.ChannelType]models.ChannelStats, error) {
	rows := []struct {
		Channel   models.ChannelType `db:"channel"`
		Sent      int                `db:"sent"`
		Delivered int                `db:"delivered"`
		Failed    int                `db:"failed"`
		Skipped   int                `db:"skipped"`
	}{}
	err := s.db.Select(&rows, `
		SELECT se.channel,
		COUNT(*) FILTER (WHERE se.status = 'SENT') AS sent,
		COUNT(*) FILTER (WHERE se.status = 'DELIVERED') AS delivered,
		COUNT(*) FILTER (WHERE se.status = 'FAILED') AS failed,
		COUNT(*) FILTER (WHERE se.status = 'SKIPPED') AS skipped
		FROM step_executions se
		JOIN executions e ON e.id = se.execution_id
		WHERE e.org_id = $1
		AND ($2::timestamptz IS NULL OR e.started_at >= $2)
		GROUP BY se.channel`,
		orgID, nullTime(since))
	if err != nil {
		return nil, err
	}
	counts := make(map[models.ChannelType]models.ChannelStats, len(rows))
	for _, r := range rows {
		counts[r.Channel] = models.ChannelStats{Sent: r.Sent, Delivered: r.Delivered, Failed: r.Failed, Skipped: r.Skipped}
	}
	return counts, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func noRowsAsNotFound(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(models.ErrNotFound, "%s %d", kind, id)
	}
	return nil
}

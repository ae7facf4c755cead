package service

import (
	"time"

	"github.com/cadenceio/cadence/pkg/models"
	"github.com/cadenceio/cadence/pkg/storage"
	"github.com/pkg/errors"
)

const maxSequenceNameLen = 100

// defaultSequenceName is the name of the lazily materialized built-in
// sequence.
const defaultSequenceName = "Default Follow-Up"

// SequenceService manages sequence definitions: the org-scoped templates of
// timed steps that executions are started from.
type SequenceService struct {
	store  storage.Store
	logger Logger
}

func NewSequenceService(store storage.Store, logger Logger) *SequenceService {
	return &SequenceService{store: store, logger: logger}
}

// builtinDefaultSteps is the sequence materialized for organizations that
// never configured automation: one immediate SMS, then emails at 1, 5 and 14
// days out.
func builtinDefaultSteps() []models.Step {
	return []models.Step{
		{
			StepNumber: 1,
			DelayHours: 0,
			Channel:    models.SmsChannel,
			Body:       "Hi {{customer_name}}! Thanks for choosing {{business_name}}. We'd love to hear about your experience: {{review_link}}",
			Active:     true,
		},
		{
			StepNumber: 2,
			DelayHours: 24,
			Channel:    models.EmailChannel,
			Subject:    "How was your experience with {{business_name}}?",
			Body:       "Hi {{customer_name}},\n\nThanks again for your visit. It would mean a lot if you could leave us a quick review: {{review_link}}\n\n{{business_name}}",
			Active:     true,
		},
		{
			StepNumber: 3,
			DelayHours: 120,
			Channel:    models.EmailChannel,
			Subject:    "A quick favor, {{customer_name}}?",
			Body:       "Hi {{customer_name}},\n\nJust checking in - if you have a minute, we'd really appreciate your feedback: {{review_link}}\n\n{{business_name}}",
			Active:     true,
		},
		{
			StepNumber: 4,
			DelayHours: 336,
			Channel:    models.EmailPlainChannel,
			Subject:    "Last note from {{business_name}}",
			Body:       "Hi {{customer_name}}, this is our last note - we'd still love your feedback if you have a moment: {{review_link}}",
			Active:     true,
		},
	}
}

func validateSequence(seq models.Sequence) error {
	if seq.Name == "" {
		return errors.Wrap(models.ErrValidation, "sequence name cannot be empty")
	}
	if len(seq.Name) > maxSequenceNameLen {
		return errors.Wrapf(models.ErrValidation, "sequence name too long (max %d characters)", maxSequenceNameLen)
	}
	if len(seq.Steps) == 0 {
		return errors.Wrap(models.ErrValidation, "sequence must have at least one step")
	}
	lastNumber := 0
	for _, st := range seq.Steps {
		if st.StepNumber <= lastNumber {
			return errors.Wrapf(models.ErrValidation, "step numbers must be unique and strictly increasing, got %d after %d", st.StepNumber, lastNumber)
		}
		lastNumber = st.StepNumber
		if st.DelayHours < 0 {
			return errors.Wrapf(models.ErrValidation, "step %d has negative delay", st.StepNumber)
		}
		switch st.Channel {
		case models.SmsChannel:
		case models.EmailChannel, models.EmailPlainChannel:
			if st.Subject == "" {
				return errors.Wrapf(models.ErrValidation, "email step %d requires a subject", st.StepNumber)
			}
		default:
			return errors.Wrapf(models.ErrValidation, "step %d has unknown channel %q", st.StepNumber, st.Channel)
		}
		if st.Body == "" {
			return errors.Wrapf(models.ErrValidation, "step %d has empty body", st.StepNumber)
		}
	}
	return nil
}

// CreateSequence validates and persists a sequence with its steps.
// Name uniqueness is enforced per organization.
func (s *SequenceService) CreateSequence(orgID int64, seq models.Sequence) (id int64, err error) {
	seq.OrgID = orgID
	if err := validateSequence(seq); err != nil {
		return 0, err
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return 0, err
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

	if _, getErr := txStore.GetSequenceByName(orgID, seq.Name); getErr == nil {
		return 0, errors.Wrapf(models.ErrValidation, "sequence name %q already in use", seq.Name)
	} else if !errors.Is(getErr, models.ErrNotFound) {
		return 0, getErr
	}

	if seq.IsDefault {
		if err = txStore.ClearDefaultSequence(orgID); err != nil {
			return 0, err
		}
	}

	seq.Active = true
	seq.CreatedAt = time.Now()
	seq.UpdatedAt = seq.CreatedAt
	steps := seq.Steps
	seq.Steps = nil
	id, err = txStore.SaveSequence(seq)
	if err != nil {
		return 0, err
	}
	for _, st := range steps {
		st.SequenceID = id
		if _, err = txStore.SaveStep(st); err != nil {
			return 0, err
		}
	}
	s.logger.Infof("Created sequence '%s' (ID %d) with %d steps for org %d", seq.Name, id, len(steps), orgID)
	return id, nil
}

// GetDefaultSequence returns the organization's default sequence, lazily
// materializing the built-in one if none exists. It never reports "no
// sequence" for an organization that is about to start a campaign.
func (s *SequenceService) GetDefaultSequence(orgID int64) (seq models.Sequence, err error) {
	seq, err = s.store.GetDefaultSequence(orgID)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.Sequence{}, err
	}

	id, err := s.CreateSequence(orgID, models.Sequence{
		Name:      defaultSequenceName,
		IsDefault: true,
		Steps:     builtinDefaultSteps(),
	})
	if err != nil {
		// A concurrent caller may have materialized it first; the partial
		// unique index guarantees at most one winner.
		if seq, getErr := s.store.GetDefaultSequence(orgID); getErr == nil {
			return seq, nil
		}
		// The built-in name can also be held by a sequence that was later
		// un-defaulted. Promote it instead of failing the lookup.
		if errors.Is(err, models.ErrValidation) {
			return s.promoteNamedDefault(orgID)
		}
		return models.Sequence{}, err
	}
	s.logger.Infof("Materialized built-in default sequence %d for org %d", id, orgID)
	return s.store.GetSequence(id)
}

// promoteNamedDefault makes the organization's existing sequence named like
// the built-in one the default, reactivating it first if needed.
func (s *SequenceService) promoteNamedDefault(orgID int64) (models.Sequence, error) {
	existing, err := s.store.GetSequenceByName(orgID, defaultSequenceName)
	if err != nil {
		return models.Sequence{}, err
	}
	if !existing.Active {
		if err := s.store.SetSequenceActive(existing.ID, true); err != nil {
			return models.Sequence{}, err
		}
	}
	if err := s.SetDefault(existing.ID, orgID); err != nil {
		return models.Sequence{}, err
	}
	s.logger.Infof("Promoted sequence %d to default for org %d", existing.ID, orgID)
	return s.store.GetSequence(existing.ID)
}

// SetDefault atomically makes the given sequence the organization's default;
// all other defaults are unset in the same transaction.
func (s *SequenceService) SetDefault(sequenceID, orgID int64) (err error) {
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

	seq, err := txStore.GetSequence(sequenceID)
	if err != nil {
		return err
	}
	if seq.OrgID != orgID {
		return errors.Wrapf(models.ErrConflict, "sequence %d does not belong to org %d", sequenceID, orgID)
	}
	if !seq.Active {
		return errors.Wrapf(models.ErrConflict, "sequence %d is deactivated", sequenceID)
	}
	if err = txStore.ClearDefaultSequence(orgID); err != nil {
		return err
	}
	if err = txStore.MarkDefaultSequence(sequenceID); err != nil {
		return err
	}
	s.logger.Infof("Sequence %d is now the default for org %d", sequenceID, orgID)
	return nil
}

// UpdateSequence replaces a sequence's metadata and, when seq.Steps is
// non-empty, its step definitions. Running executions are unaffected: their
// step executions carry copies of the templates taken at start time.
func (s *SequenceService) UpdateSequence(orgID int64, seq models.Sequence) (err error) {
	if err := validateSequence(seq); err != nil {
		return err
	}

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

	existing, err := txStore.GetSequence(seq.ID)
	if err != nil {
		return err
	}
	if existing.OrgID != orgID {
		return errors.Wrapf(models.ErrConflict, "sequence %d does not belong to org %d", seq.ID, orgID)
	}
	if other, getErr := txStore.GetSequenceByName(orgID, seq.Name); getErr == nil && other.ID != seq.ID {
		return errors.Wrapf(models.ErrValidation, "sequence name %q already in use", seq.Name)
	} else if getErr != nil && !errors.Is(getErr, models.ErrNotFound) {
		return getErr
	}

	steps := seq.Steps
	seq.OrgID = orgID
	seq.Active = existing.Active
	if err = txStore.UpdateSequence(seq); err != nil {
		return err
	}
	if err = txStore.DeleteSteps(seq.ID); err != nil {
		return err
	}
	for _, st := range steps {
		st.SequenceID = seq.ID
		if _, err = txStore.SaveStep(st); err != nil {
			return err
		}
	}
	s.logger.Infof("Updated sequence %d for org %d (%d steps)", seq.ID, orgID, len(steps))
	return nil
}

// DeactivateSequence soft-deletes a sequence. The last active sequence of an
// organization cannot be deactivated.
func (s *SequenceService) DeactivateSequence(sequenceID, orgID int64) (err error) {
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

	seq, err := txStore.GetSequence(sequenceID)
	if err != nil {
		return err
	}
	if seq.OrgID != orgID {
		return errors.Wrapf(models.ErrConflict, "sequence %d does not belong to org %d", sequenceID, orgID)
	}
	count, err := txStore.CountActiveSequences(orgID)
	if err != nil {
		return err
	}
	if seq.Active && count <= 1 {
		return errors.Wrapf(models.ErrConflict, "cannot deactivate the only sequence of org %d", orgID)
	}
	// Drop the default flag too, otherwise lazy materialization would collide
	// with the inactive default on the partial unique index.
	if seq.IsDefault {
		if err = txStore.ClearDefaultSequence(orgID); err != nil {
			return err
		}
	}
	if err = txStore.SetSequenceActive(sequenceID, false); err != nil {
		return err
	}
	s.logger.Infof("Deactivated sequence %d for org %d", sequenceID, orgID)
	return nil
}

// GetSequence fetches a sequence with its steps, scoped to the organization.
func (s *SequenceService) GetSequence(sequenceID, orgID int64) (models.Sequence, error) {
	seq, err := s.store.GetSequence(sequenceID)
	if err != nil {
		return models.Sequence{}, err
	}
	if seq.OrgID != orgID {
		return models.Sequence{}, errors.Wrapf(models.ErrNotFound, "sequence %d", sequenceID)
	}
	return seq, nil
}

func (s *SequenceService) ListSequences(orgID int64) ([]models.Sequence, error) {
	return s.store.ListSequences(orgID)
}

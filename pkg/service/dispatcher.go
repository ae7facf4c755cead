package service

import (
	"context"

	"github.com/cadenceio/cadence/pkg/models"
	"github.com/cadenceio/cadence/pkg/storage"
	"github.com/pkg/errors"
)

// Dispatcher routes one claimed step execution to its delivery channel and
// records the outcome. It re-checks the stop condition immediately before
// every send: a step that was due yesterday must not fire if the subject
// reached the goal an hour ago.
type Dispatcher struct {
	store      storage.Store
	executions *ExecutionService
	resolver   ContactResolver
	sms        SmsSender
	email      EmailSender
	renderer   Renderer
	rules      *StopRuleEvaluator
	logger     Logger
}

func NewDispatcher(
	store storage.Store,
	executions *ExecutionService,
	resolver ContactResolver,
	sms SmsSender,
	email EmailSender,
	logger Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		executions: executions,
		resolver:   resolver,
		sms:        sms,
		email:      email,
		renderer:   LenientRenderer{},
		rules:      NewStopRuleEvaluator(),
		logger:     logger,
	}
}

// SetRenderer swaps the template renderer. The replacement must keep the
// lenient contract.
func (d *Dispatcher) SetRenderer(r Renderer) {
	d.renderer = r
}

// stepClaimToken is the fencing token for outcome writes: while the claim
// holds, outcome updates carry it so a dispatcher that outlived its claim
// cannot overwrite a re-claimed step.
func stepClaimToken(se models.StepExecution) string {
	if se.ClaimToken == nil {
		return ""
	}
	return *se.ClaimToken
}

// Dispatch sends one claimed step and returns true if the send succeeded.
// A send failure marks only this step FAILED and never stops the execution:
// one bad phone number must not cancel the rest of a multi-channel sequence.
func (d *Dispatcher) Dispatch(ctx context.Context, se models.StepExecution) bool {
	exec, err := d.store.GetExecution(se.ExecutionID)
	if errors.Is(err, models.ErrNotFound) {
		// Orphaned step execution. Log and park the item; never retried.
		d.logger.Errorf("Consistency error: step execution %d references missing execution %d", se.ID, se.ExecutionID)
		if updateErr := d.store.UpdateStepStatus(se.ID, models.SkippedStepStatus, "parent execution missing", stepClaimToken(se)); updateErr != nil {
			d.logger.Errorf("Failed to park orphaned step execution %d: %v", se.ID, updateErr)
		}
		return false
	}
	if err != nil {
		d.logger.Errorf("Failed to load execution %d for step execution %d: %v", se.ExecutionID, se.ID, err)
		return false
	}

	if exec.Status.Terminal() {
		if updateErr := d.store.UpdateStepStatus(se.ID, models.SkippedStepStatus, "", stepClaimToken(se)); updateErr != nil {
			d.logger.Errorf("Failed to skip step execution %d: %v", se.ID, updateErr)
		}
		return false
	}

	contact, err := d.resolver.Resolve(ctx, exec.OrgID, exec.SubjectID)
	if err != nil {
		d.recordFailure(se, errors.Wrapf(models.ErrDispatch, "resolve contact for subject %s: %v", exec.SubjectID, err))
		return false
	}

	if d.stopConditionMet(exec, contact) {
		if updateErr := d.store.UpdateStepStatus(se.ID, models.SkippedStepStatus, "", stepClaimToken(se)); updateErr != nil {
			d.logger.Errorf("Failed to skip step execution %d: %v", se.ID, updateErr)
		}
		if stopErr := d.executions.Stop(exec.ID, "goal reached"); stopErr != nil {
			d.logger.Errorf("Failed to stop execution %d: %v", exec.ID, stopErr)
		}
		d.logger.Infof("Skipped step execution %d: stop condition met for subject %s", se.ID, exec.SubjectID)
		return false
	}

	body := d.renderer.Render(se.Body, contact.Attributes)
	var sendErr error
	switch se.Channel {
	case models.SmsChannel:
		if contact.Phone == "" {
			sendErr = errors.Wrapf(models.ErrDispatch, "subject %s has no phone number", exec.SubjectID)
			break
		}
		var providerID string
		providerID, sendErr = d.sms.SendSms(ctx, contact, body)
		if sendErr == nil {
			d.logger.Infof("Sent SMS step %d of execution %d (provider message %s)", se.StepNumber, exec.ID, providerID)
		}
	case models.EmailChannel, models.EmailPlainChannel:
		if contact.Email == "" {
			sendErr = errors.Wrapf(models.ErrDispatch, "subject %s has no email address", exec.SubjectID)
			break
		}
		subject := d.renderer.Render(se.Subject, contact.Attributes)
		sendErr = d.email.SendEmail(ctx, contact, subject, body, se.Channel)
		if sendErr == nil {
			d.logger.Infof("Sent email step %d of execution %d", se.StepNumber, exec.ID)
		}
	default:
		sendErr = errors.Wrapf(models.ErrDispatch, "unknown channel %q", se.Channel)
	}

	if sendErr != nil {
		d.recordFailure(se, sendErr)
		return false
	}

	if err := d.store.UpdateStepStatus(se.ID, models.SentStepStatus, "", stepClaimToken(se)); err != nil {
		d.logger.Errorf("Failed to mark step execution %d as sent: %v", se.ID, err)
		return false
	}
	if err := d.executions.Advance(se.ID); err != nil {
		d.logger.Errorf("Failed to advance execution %d after step %d: %v", exec.ID, se.StepNumber, err)
	}
	return true
}

// stopConditionMet combines the resolver's external flag with the sequence's
// optional stop-rule expression. Rule evaluation errors never block dispatch.
func (d *Dispatcher) stopConditionMet(exec models.Execution, contact Contact) bool {
	if contact.GoalReached {
		return true
	}
	seq, err := d.store.GetSequence(exec.SequenceID)
	if err != nil {
		d.logger.Errorf("Failed to load sequence %d for stop-rule check: %v", exec.SequenceID, err)
		return false
	}
	if seq.StopRule == "" {
		return false
	}
	env := contact.Attributes
	if env == nil {
		env = map[string]interface{}{}
	}
	met, err := d.rules.Evaluate(seq.StopRule, env)
	if err != nil {
		d.logger.Errorf("Stop rule of sequence %d failed to evaluate: %v", exec.SequenceID, err)
		return false
	}
	return met
}

// recordFailure marks the step FAILED and re-evaluates completion: a failed
// step still counts as terminal, so an execution whose last outstanding step
// just failed completes with a nonzero failed-step count.
func (d *Dispatcher) recordFailure(se models.StepExecution, sendErr error) {
	d.logger.Errorf("Dispatch of step execution %d failed: %v", se.ID, sendErr)
	if err := d.store.UpdateStepStatus(se.ID, models.FailedStepStatus, sendErr.Error(), stepClaimToken(se)); err != nil {
		d.logger.Errorf("Failed to mark step execution %d as failed: %v", se.ID, err)
		return
	}
	if _, err := d.executions.EvaluateCompletion(se.ExecutionID); err != nil {
		d.logger.Errorf("Failed to evaluate completion of execution %d: %v", se.ExecutionID, err)
	}
}

package service

import (
	"context"

	"github.com/cadenceio/cadence/pkg/models"
)

// Contact is the current delivery state of a triggering subject, resolved at
// dispatch time rather than cached at schedule time: both the contact details
// and the stop condition can change mid-sequence.
type Contact struct {
	Name        string
	Email       string
	Phone       string
	Attributes  map[string]interface{} // Template variables and stop-rule environment
	GoalReached bool                   // External stop condition, e.g. review already left
}

// ContactResolver looks up a subject's contact details and stop flag.
type ContactResolver interface {
	Resolve(ctx context.Context, orgID int64, subjectID string) (Contact, error)
}

// SmsSender delivers SMS steps. Retries, if any, are the sender's concern.
type SmsSender interface {
	SendSms(ctx context.Context, contact Contact, body string) (providerMessageID string, err error)
}

// EmailSender delivers email steps; kind selects the professional or plain
// template style.
type EmailSender interface {
	SendEmail(ctx context.Context, contact Contact, subject, body string, kind models.ChannelType) error
}

// Renderer substitutes variables into a message template. Must be lenient:
// unknown variables stay as literal placeholder text, never an error.
type Renderer interface {
	Render(template string, vars map[string]interface{}) string
}

// NoopResolver returns an empty contact for every subject. Stands in until a
// real CRM integration is plugged in; dispatches through it fail with missing
// contact details rather than silently sending nowhere.
type NoopResolver struct{}

func (NoopResolver) Resolve(ctx context.Context, orgID int64, subjectID string) (Contact, error) {
	return Contact{}, nil
}

// LogSmsSender logs instead of sending. Used by the CLI and local runs.
type LogSmsSender struct {
	Logger Logger
}

func (s LogSmsSender) SendSms(ctx context.Context, contact Contact, body string) (string, error) {
	s.Logger.Infof("SMS to %s: %s", contact.Phone, body)
	return "log-only", nil
}

// LogEmailSender logs instead of sending.
type LogEmailSender struct {
	Logger Logger
}

func (s LogEmailSender) SendEmail(ctx context.Context, contact Contact, subject, body string, kind models.ChannelType) error {
	s.Logger.Infof("Email (%s) to %s: %s | %s", kind, contact.Email, subject, body)
	return nil
}

package models

import "time"

type ChannelType string

const (
	SmsChannel        ChannelType = "SMS"
	EmailChannel      ChannelType = "EMAIL"
	EmailPlainChannel ChannelType = "EMAIL_PLAIN"
)

// IsEmail reports whether the channel delivers through an email sender.
func (c ChannelType) IsEmail() bool {
	return c == EmailChannel || c == EmailPlainChannel
}

// Sequence is an organization-scoped template of timed messaging steps.
type Sequence struct {
	ID        int64     `json:"id" db:"id"`                 // Unique identifier (PostgreSQL auto-increment)
	OrgID     int64     `json:"org_id" db:"org_id"`         // Owning organization
	Name      string    `json:"name" db:"name"`             // Unique per organization
	Active    bool      `json:"active" db:"active"`         // Soft-delete flag
	IsDefault bool      `json:"is_default" db:"is_default"` // At most one default per organization
	StopRule  string    `json:"stop_rule,omitempty" db:"stop_rule"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	Steps     []Step    `json:"steps,omitempty"` // Ordered by step number (populated at runtime)
}

// ActiveSteps returns the steps that are eligible for scheduling.
func (s Sequence) ActiveSteps() []Step {
	var active []Step
	for _, step := range s.Steps {
		if step.Active {
			active = append(active, step)
		}
	}
	return active
}

// Step is one timed message within a sequence. Delay is measured from
// execution start, not from the previous step.
type Step struct {
	ID         int64       `json:"id" db:"id"`
	SequenceID int64       `json:"sequence_id" db:"sequence_id"` // Foreign key to Sequence
	StepNumber int         `json:"step_number" db:"step_number"` // Ordering key, unique within a sequence
	DelayHours int         `json:"delay_hours" db:"delay_hours"`
	Channel    ChannelType `json:"channel" db:"channel"`
	Subject    string      `json:"subject,omitempty" db:"subject"` // Required for email channels
	Body       string      `json:"body" db:"body"`
	Active     bool        `json:"active" db:"active"`
}

// Delay returns the step's offset from execution start.
func (s Step) Delay() time.Duration {
	return time.Duration(s.DelayHours) * time.Hour
}

// Organization is the tenant boundary every sequence and execution hangs off.
type Organization struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

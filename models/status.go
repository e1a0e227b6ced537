package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ContactSequenceStatus states
const (
	StatusPending   = "pending"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusReplied   = "replied"
	StatusBounced   = "bounced"
	StatusCompleted = "completed"
	StatusPaused    = "paused"
	StatusFailed    = "failed"
)

// legalTransitions is the edge set of the per-contact state machine.
// Anything not listed is rejected by Transition.
var legalTransitions = map[string][]string{
	StatusPending: {StatusSending, StatusPaused, StatusReplied, StatusBounced, StatusFailed},
	StatusSending: {StatusSent, StatusPending, StatusFailed, StatusCompleted},
	StatusSent:    {StatusPending, StatusCompleted, StatusReplied, StatusBounced},
	StatusReplied: {StatusPending, StatusCompleted, StatusPaused},
	StatusBounced: {StatusPending, StatusCompleted, StatusPaused},
	StatusPaused:  {StatusPending},
}

// ErrIllegalTransition is returned when a status change violates the
// state machine.
type ErrIllegalTransition struct {
	From, To string
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

// ContactSequenceStatus is the per-(contact, sequence) state machine row.
// At most one row exists per pair; the sequence worker and reply detector
// are its only writers.
type ContactSequenceStatus struct {
	gorm.Model
	TeamID     uint `gorm:"not null;index" json:"team_id"`
	ContactID  uint `gorm:"not null;index;uniqueIndex:idx_contact_sequence" json:"contact_id"`
	SequenceID uint `gorm:"not null;index;uniqueIndex:idx_contact_sequence" json:"sequence_id"`

	CurrentStep int    `gorm:"default:1" json:"current_step"` // 1-based step order
	Status      string `gorm:"default:'pending';index" json:"status"`

	// Next dispatch instant, UTC
	ScheduledAt   *time.Time `gorm:"index" json:"scheduled_at"`
	SentAt        *time.Time `json:"sent_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at"`
	RepliedAt     *time.Time `json:"replied_at"`
	BouncedAt     *time.Time `json:"bounced_at"`

	AttemptCount int `gorm:"default:0" json:"attempt_count"`

	// Relations
	Sequence Sequence `json:"-"`
	Contact  Contact  `json:"-"`
}

// Transition moves the row to a new status, rejecting illegal edges
func (s *ContactSequenceStatus) Transition(to string) error {
	for _, next := range legalTransitions[s.Status] {
		if next == to {
			s.Status = to
			return nil
		}
	}
	return &ErrIllegalTransition{From: s.Status, To: to}
}

// AdvanceTo moves the row to the next step, pending at the given instant
func (s *ContactSequenceStatus) AdvanceTo(step int, at time.Time) error {
	if err := s.Transition(StatusPending); err != nil {
		return err
	}
	s.CurrentStep = step
	s.ScheduledAt = &at
	return nil
}

// Complete marks the enrollment finished; no further steps will dispatch
func (s *ContactSequenceStatus) Complete() error {
	if err := s.Transition(StatusCompleted); err != nil {
		return err
	}
	s.ScheduledAt = nil
	return nil
}

// Terminal reports whether the row can never dispatch again
func (s *ContactSequenceStatus) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// Delivery log entry types
const (
	LogTypeSent   = "sent"
	LogTypeReply  = "reply"
	LogTypeBounce = "bounce"
)

// DeliveryLog is the append-only record of one outbound attempt or one
// inbound reply/bounce event. MessageID holds the transport identifier:
// for sent entries the outbound Message-ID, for reply/bounce entries the
// inbound message id (the idempotency key for reprocessing).
type DeliveryLog struct {
	gorm.Model
	StatusID uint   `gorm:"not null;index" json:"status_id"`
	Type     string `gorm:"not null;index" json:"type"` // sent, reply, bounce

	StepOrder int    `json:"step_order"`
	MessageID string `gorm:"index" json:"message_id"`
	Error     string `gorm:"type:text" json:"error"`

	// Relations
	ContactSequenceStatus ContactSequenceStatus `gorm:"foreignKey:StatusID" json:"-"`
}

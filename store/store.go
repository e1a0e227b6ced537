package store

import (
	"context"
	"errors"
	"time"

	"mailcadence/models"
)

// ErrNotFound is returned when a lookup matches no record
var ErrNotFound = errors.New("record not found")

// ErrStale is returned when a guarded write loses to a concurrent
// writer: the row no longer holds the status the caller read.
var ErrStale = errors.New("row changed concurrently")

// Store is the state-store contract the sequence worker, reply detector
// and enroller consume. Implementations must make ClaimStatus and
// ReserveSenderQuota atomic: both are the correctness-critical
// synchronization between overlapping worker passes.
type Store interface {
	// DueStatuses lists pending rows whose scheduled_at has passed and
	// whose sequence is active with a dispatchable sender. teamID 0 means
	// no team scoping. Sequence (with steps and sender) and Contact are
	// loaded on each row.
	DueStatuses(ctx context.Context, now time.Time, limit int, teamID uint) ([]models.ContactSequenceStatus, error)

	// ClaimStatus performs the compare-and-set pending -> sending on one
	// row, conditioned on scheduled_at <= now. Exactly one concurrent
	// caller wins; the rest observe false with no error.
	ClaimStatus(ctx context.Context, statusID uint, now time.Time) (bool, error)

	// SaveStatus persists a row the caller has already transitioned,
	// guarded by the status the caller read: a concurrent writer that
	// moved the row first wins and the save returns ErrStale.
	SaveStatus(ctx context.Context, st *models.ContactSequenceStatus, expected string) error

	// AppendLog inserts one append-only delivery log entry.
	AppendLog(ctx context.Context, entry *models.DeliveryLog) error

	// RecordInboundEvent persists one reply/bounce atomically: the log
	// entry and the guarded status save commit together or not at all.
	RecordInboundEvent(ctx context.Context, st *models.ContactSequenceStatus, expected string, entry *models.DeliveryLog) error

	// ReserveSenderQuota consumes one unit of the sender's current-period
	// quota, returning false when the quota is exhausted.
	ReserveSenderQuota(ctx context.Context, senderID uint) (bool, error)

	// ResetDailyQuotas zeroes every sender's current-period counter. Runs
	// at the quota window boundary.
	ResetDailyQuotas(ctx context.Context) (int64, error)

	// PollableSenders lists senders eligible for inbound polling.
	PollableSenders(ctx context.Context) ([]models.Sender, error)

	// ContactByEmail finds a contact by address within one team.
	ContactByEmail(ctx context.Context, teamID uint, email string) (*models.Contact, error)

	// ActiveStatusesForContact lists the contact's unfinished enrollments,
	// most recently touched first, optionally restricted to sequence ids.
	ActiveStatusesForContact(ctx context.Context, contactID uint, sequenceIDs []uint) ([]models.ContactSequenceStatus, error)

	// StatusBySentMessageID resolves an outbound transport id back to the
	// status row whose dispatch produced it. contactID 0 searches across
	// all contacts (bounce notifications arrive from the MTA, not the
	// contact).
	StatusBySentMessageID(ctx context.Context, contactID uint, messageIDs []string) (*models.ContactSequenceStatus, error)

	// InboundLogExists reports whether an inbound message id was already
	// recorded against a status row (the detector's idempotency check).
	InboundLogExists(ctx context.Context, statusID uint, messageID string) (bool, error)

	// SequenceByID loads a sequence with its steps, scoped to a team.
	SequenceByID(ctx context.Context, teamID, sequenceID uint) (*models.Sequence, error)

	// ContactByID loads one contact scoped to a team.
	ContactByID(ctx context.Context, teamID, contactID uint) (*models.Contact, error)

	// StatusExists reports whether an enrollment row already exists for
	// the (contact, sequence) pair.
	StatusExists(ctx context.Context, contactID, sequenceID uint) (bool, error)

	// CreateStatus inserts a new enrollment row.
	CreateStatus(ctx context.Context, st *models.ContactSequenceStatus) error
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"

	"mailcadence/models"
	"mailcadence/store"
	"mailcadence/utils"
)

// Enrollment error codes, machine readable so callers can map them to
// their own status scheme.
const (
	EnrollCodeSequenceNotFound = "sequence_not_found"
	EnrollCodeSequenceDraft    = "sequence_draft"
	EnrollCodeSequencePaused   = "sequence_paused"
	EnrollCodeInvalid          = "invalid"
)

// EnrollmentError fails an enrollment call as a whole
type EnrollmentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *EnrollmentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// EnrollResult reports how many contacts were enrolled vs skipped
type EnrollResult struct {
	Enrolled int `json:"enrolled"`
	Skipped  int `json:"skipped"`
}

// Enroller creates step-1 enrollment rows for contacts on a sequence
type Enroller struct {
	Store            store.Store
	Logger           *logrus.Logger
	FallbackTimezone string

	// Now is swappable for tests; defaults to time.Now
	Now func() time.Time
}

func NewEnroller(st store.Store, logger *logrus.Logger, fallbackTZ string) *Enroller {
	return &Enroller{Store: st, Logger: logger, FallbackTimezone: fallbackTZ}
}

// EnrollContacts enrolls each contact id into the sequence at step 1,
// skipping contacts already enrolled. The sequence must be active; a
// draft or paused sequence fails the whole call with a typed error.
// scheduleOverride, when non-nil, replaces the sequence's own cadence
// for the step-1 scheduling only.
func (e *Enroller) EnrollContacts(ctx context.Context, teamID, sequenceID uint, contactIDs []uint, scheduleOverride *models.ScheduleConfig) (*EnrollResult, error) {
	if len(contactIDs) == 0 {
		return nil, &EnrollmentError{Code: EnrollCodeInvalid, Message: "no contacts given"}
	}

	seq, err := e.Store.SequenceByID(ctx, teamID, sequenceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &EnrollmentError{Code: EnrollCodeSequenceNotFound, Message: "sequence does not exist"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence: %w", err)
	}

	switch seq.Status {
	case models.SequenceStatusActive:
	case models.SequenceStatusDraft:
		return nil, &EnrollmentError{Code: EnrollCodeSequenceDraft, Message: "sequence is still a draft"}
	case models.SequenceStatusPaused:
		return nil, &EnrollmentError{Code: EnrollCodeSequencePaused, Message: "sequence is paused"}
	default:
		return nil, &EnrollmentError{Code: EnrollCodeInvalid, Message: "sequence is not enrollable"}
	}
	if len(seq.Steps) == 0 {
		return nil, &EnrollmentError{Code: EnrollCodeInvalid, Message: "sequence has no steps"}
	}

	schedule := seq.Schedule
	if scheduleOverride != nil {
		schedule = *scheduleOverride
	}
	if schedule.Mode != models.ScheduleModeImmediate && len(schedule.SendDays) == 0 {
		// Unspecified in product terms; we treat it as unrestricted.
		e.Logger.WithField("sequence_id", seq.ID).Warn("schedule has no send days configured, treating as unrestricted")
	}

	now := e.now()
	result := &EnrollResult{}

	for _, contactID := range contactIDs {
		contact, err := e.Store.ContactByID(ctx, teamID, contactID)
		if errors.Is(err, store.ErrNotFound) {
			result.Skipped++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load contact %d: %w", contactID, err)
		}
		if !contact.Contactable() || checkmail.ValidateFormat(contact.Email) != nil {
			result.Skipped++
			continue
		}

		exists, err := e.Store.StatusExists(ctx, contact.ID, seq.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check enrollment for contact %d: %w", contactID, err)
		}
		if exists {
			result.Skipped++
			continue
		}

		at, err := utils.ComputeScheduledUTC(now, 0, contact.Timezone, e.FallbackTimezone, schedule, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to schedule contact %d: %w", contactID, err)
		}

		st := &models.ContactSequenceStatus{
			TeamID:      teamID,
			ContactID:   contact.ID,
			SequenceID:  seq.ID,
			CurrentStep: 1,
			Status:      models.StatusPending,
			ScheduledAt: &at,
		}
		if err := e.Store.CreateStatus(ctx, st); err != nil {
			return nil, fmt.Errorf("failed to enroll contact %d: %w", contactID, err)
		}
		result.Enrolled++
	}

	e.Logger.WithFields(logrus.Fields{
		"sequence_id": seq.ID,
		"enrolled":    result.Enrolled,
		"skipped":     result.Skipped,
	}).Info("enrollment completed")

	return result, nil
}

func (e *Enroller) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

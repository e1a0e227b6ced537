package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailcadence/models"
)

func newEnrollFixture() (*fakeStore, *Enroller) {
	fs := newFakeStore()
	seq := testSequence()
	fs.sequences[seq.ID] = &seq

	ada := testContact()
	fs.contacts[ada.ID] = &ada

	bob := models.Contact{TeamID: 1, Email: "bob@beta.test", FirstName: "Bob"}
	bob.ID = 6
	fs.contacts[bob.ID] = &bob

	e := NewEnroller(fs, testLogger(), "UTC")
	e.Now = func() time.Time { return testNow }
	return fs, e
}

func TestEnrollContactsCreatesStepOneRows(t *testing.T) {
	fs, e := newEnrollFixture()

	result, err := e.EnrollContacts(context.Background(), 1, 3, []uint{5, 6}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, result.Enrolled)
	require.Zero(t, result.Skipped)

	for _, st := range fs.statuses {
		require.Equal(t, uint(1), st.TeamID)
		require.Equal(t, uint(3), st.SequenceID)
		require.Equal(t, 1, st.CurrentStep)
		require.Equal(t, models.StatusPending, st.Status)
		require.NotNil(t, st.ScheduledAt)
		require.WithinDuration(t, testNow, *st.ScheduledAt, 0)
	}
}

func TestEnrollContactsSkipsExisting(t *testing.T) {
	fs, e := newEnrollFixture()
	fs.addStatus(testEnrollment(1, testNow))

	result, err := e.EnrollContacts(context.Background(), 1, 3, []uint{5, 6}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.Enrolled)
	require.Equal(t, 1, result.Skipped)
}

func TestEnrollContactsSkipsBadContacts(t *testing.T) {
	fs, e := newEnrollFixture()

	unsub := models.Contact{TeamID: 1, Email: "gone@x.test", IsUnsubscribed: true}
	unsub.ID = 20
	fs.contacts[unsub.ID] = &unsub

	malformed := models.Contact{TeamID: 1, Email: "not-an-email"}
	malformed.ID = 21
	fs.contacts[malformed.ID] = &malformed

	result, err := e.EnrollContacts(context.Background(), 1, 3, []uint{20, 21, 99, 6}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.Enrolled)
	require.Equal(t, 3, result.Skipped)
}

func TestEnrollContactsTypedErrors(t *testing.T) {
	fs, e := newEnrollFixture()

	_, err := e.EnrollContacts(context.Background(), 1, 99, []uint{5}, nil)
	requireEnrollCode(t, err, EnrollCodeSequenceNotFound)

	fs.sequences[3].Status = models.SequenceStatusDraft
	_, err = e.EnrollContacts(context.Background(), 1, 3, []uint{5}, nil)
	requireEnrollCode(t, err, EnrollCodeSequenceDraft)

	fs.sequences[3].Status = models.SequenceStatusPaused
	_, err = e.EnrollContacts(context.Background(), 1, 3, []uint{5}, nil)
	requireEnrollCode(t, err, EnrollCodeSequencePaused)

	fs.sequences[3].Status = models.SequenceStatusActive
	_, err = e.EnrollContacts(context.Background(), 1, 3, nil, nil)
	requireEnrollCode(t, err, EnrollCodeInvalid)

	fs.sequences[3].Steps = nil
	_, err = e.EnrollContacts(context.Background(), 1, 3, []uint{5}, nil)
	requireEnrollCode(t, err, EnrollCodeInvalid)
}

func TestEnrollContactsTeamScoped(t *testing.T) {
	_, e := newEnrollFixture()

	_, err := e.EnrollContacts(context.Background(), 2, 3, []uint{5}, nil)
	requireEnrollCode(t, err, EnrollCodeSequenceNotFound)
}

func TestEnrollContactsScheduleOverride(t *testing.T) {
	fs, e := newEnrollFixture()

	// 10:00 UTC is past the 09:00 slot, so the override pushes the
	// first step to 09:00 the next day.
	override := &models.ScheduleConfig{Mode: models.ScheduleModeFixed, SendTime: "09:00"}
	result, err := e.EnrollContacts(context.Background(), 1, 3, []uint{6}, override)
	require.NoError(t, err)
	require.Equal(t, 1, result.Enrolled)

	for _, st := range fs.statuses {
		require.WithinDuration(t, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC), *st.ScheduledAt, 0)
	}
}

func requireEnrollCode(t *testing.T, err error, code string) {
	t.Helper()
	var enrollErr *EnrollmentError
	require.ErrorAs(t, err, &enrollErr)
	require.Equal(t, code, enrollErr.Code)
}

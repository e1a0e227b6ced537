package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailcadence/models"
)

// June 2025: the 8th is a Sunday, the 9th a Monday, the 10th a Tuesday.

func TestComputeScheduledUTCImmediateUnrestricted(t *testing.T) {
	now := time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)

	got, err := ComputeScheduledUTC(now, 5, "", "UTC", models.ScheduleConfig{
		Mode: models.ScheduleModeImmediate,
	}, nil)
	require.NoError(t, err)
	require.WithinDuration(t, now.Add(5*time.Hour), got, 0)
}

func TestComputeScheduledUTCDefaultsToImmediate(t *testing.T) {
	now := time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)

	got, err := ComputeScheduledUTC(now, 0, "", "UTC", models.ScheduleConfig{}, nil)
	require.NoError(t, err)
	require.WithinDuration(t, now, got, 0)
}

func TestComputeScheduledUTCFixedRollsToAllowedDay(t *testing.T) {
	// Sunday 22:00 UTC is Sunday 18:00 in New York; the 09:30 slot has
	// passed and Sunday is not a send day, so the send lands Monday
	// 09:30 EDT, which is 13:30 UTC.
	now := time.Date(2025, 6, 8, 22, 0, 0, 0, time.UTC)

	got, err := ComputeScheduledUTC(now, 0, "", "UTC", models.ScheduleConfig{
		Mode:     models.ScheduleModeFixed,
		Timezone: "America/New_York",
		SendDays: []string{"mon", "wed"},
		SendTime: "09:30",
	}, nil)
	require.NoError(t, err)
	require.WithinDuration(t, time.Date(2025, 6, 9, 13, 30, 0, 0, time.UTC), got, 0)
}

func TestComputeScheduledUTCFixedSameDayBeforeSlot(t *testing.T) {
	// Monday 04:00 EDT, slot at 09:30 the same day.
	now := time.Date(2025, 6, 9, 8, 0, 0, 0, time.UTC)

	got, err := ComputeScheduledUTC(now, 0, "", "UTC", models.ScheduleConfig{
		Mode:     models.ScheduleModeFixed,
		Timezone: "America/New_York",
		SendTime: "09:30",
	}, nil)
	require.NoError(t, err)
	require.WithinDuration(t, time.Date(2025, 6, 9, 13, 30, 0, 0, time.UTC), got, 0)
}

func TestComputeScheduledUTCFixedRespectsContactTimezone(t *testing.T) {
	// 00:30 UTC is 09:30 in Tokyo, past the 09:00 slot, so the send
	// rolls to 09:00 JST the next day.
	now := time.Date(2025, 6, 9, 0, 30, 0, 0, time.UTC)

	got, err := ComputeScheduledUTC(now, 0, "Asia/Tokyo", "UTC", models.ScheduleConfig{
		Mode:                   models.ScheduleModeFixed,
		RespectContactTimezone: true,
		SendTime:               "09:00",
	}, nil)
	require.NoError(t, err)
	require.WithinDuration(t, time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC), got, 0)
}

func TestComputeScheduledUTCFixedEmptySendDaysUnrestricted(t *testing.T) {
	// Saturday with no send day restriction schedules on Saturday.
	now := time.Date(2025, 6, 7, 8, 0, 0, 0, time.UTC)

	got, err := ComputeScheduledUTC(now, 0, "", "UTC", models.ScheduleConfig{
		Mode:     models.ScheduleModeFixed,
		SendTime: "12:00",
	}, nil)
	require.NoError(t, err)
	require.WithinDuration(t, time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC), got, 0)
}

func TestComputeScheduledUTCWindowRollsToAllowedDayStart(t *testing.T) {
	// Monday 14:00 EDT, Tuesday-only schedule: the send snaps to the
	// start of Tuesday's window, 09:00 EDT = 13:00 UTC.
	now := time.Date(2025, 6, 9, 18, 0, 0, 0, time.UTC)

	got, err := ComputeScheduledUTC(now, 0, "", "UTC", models.ScheduleConfig{
		Mode:        models.ScheduleModeWindow,
		Timezone:    "America/New_York",
		SendDays:    []string{"tue"},
		SendWindows: []models.SendWindow{{Start: "09:00", End: "17:00"}},
	}, nil)
	require.NoError(t, err)
	require.WithinDuration(t, time.Date(2025, 6, 10, 13, 0, 0, 0, time.UTC), got, 0)
}

func TestComputeScheduledUTCWindowZeroRNGLandsOnStart(t *testing.T) {
	// Tuesday 04:00 EDT with rng() = 0 must reproduce the window start
	// deterministically.
	now := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

	got, err := ComputeScheduledUTC(now, 0, "", "UTC", models.ScheduleConfig{
		Mode:        models.ScheduleModeWindow,
		Timezone:    "America/New_York",
		SendWindows: []models.SendWindow{{Start: "09:30", End: "17:00"}},
	}, func() float64 { return 0 })
	require.NoError(t, err)
	require.WithinDuration(t, time.Date(2025, 6, 10, 13, 30, 0, 0, time.UTC), got, 0)
}

func TestComputeScheduledUTCImmediateInsideWindowStands(t *testing.T) {
	// Tuesday 11:00 EDT is inside the window, so the candidate instant
	// is kept untouched.
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)

	got, err := ComputeScheduledUTC(now, 0, "", "UTC", models.ScheduleConfig{
		Mode:        models.ScheduleModeImmediate,
		Timezone:    "America/New_York",
		SendWindows: []models.SendWindow{{Start: "09:00", End: "17:00"}},
	}, nil)
	require.NoError(t, err)
	require.WithinDuration(t, now, got, 0)
}

func TestComputeScheduledUTCWeekdayAlwaysAllowed(t *testing.T) {
	sc := models.ScheduleConfig{
		Mode:     models.ScheduleModeImmediate,
		SendDays: []string{"tue", "thu"},
	}
	base := time.Date(2025, 6, 8, 3, 0, 0, 0, time.UTC)

	for hours := 0; hours < 24*7; hours += 5 {
		got, err := ComputeScheduledUTC(base, hours, "", "UTC", sc, nil)
		require.NoError(t, err)
		wd := got.UTC().Weekday()
		require.True(t, wd == time.Tuesday || wd == time.Thursday,
			"offset %dh landed on %s", hours, wd)
	}
}

func TestComputeScheduledUTCWindowSamplingContained(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	sc := models.ScheduleConfig{
		Mode:        models.ScheduleModeWindow,
		Timezone:    "America/New_York",
		SendDays:    []string{"mon", "tue", "wed", "thu", "fri"},
		SendWindows: []models.SendWindow{{Start: "09:00", End: "17:00"}},
	}

	for _, r := range []float64{0, 0.25, 0.5, 0.9, 0.999} {
		for hours := 0; hours < 48; hours += 7 {
			now := time.Date(2025, 6, 9, 2, 0, 0, 0, time.UTC).Add(time.Duration(hours) * time.Hour)
			got, err := ComputeScheduledUTC(now, 0, "", "UTC", sc, func() float64 { return r })
			require.NoError(t, err)

			local := got.In(ny)
			mins := local.Hour()*60 + local.Minute()
			require.GreaterOrEqual(t, mins, 9*60, "rng=%v now=%v", r, now)
			require.Less(t, mins, 17*60, "rng=%v now=%v", r, now)
			require.True(t, sc.DayAllowed(local.Weekday()))
		}
	}
}

func TestComputeScheduledUTCErrors(t *testing.T) {
	now := time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)

	_, err := ComputeScheduledUTC(now, 0, "", "UTC", models.ScheduleConfig{
		Mode: models.ScheduleModeWindow,
	}, nil)
	require.Error(t, err)

	_, err = ComputeScheduledUTC(now, 0, "", "UTC", models.ScheduleConfig{
		Mode:     models.ScheduleModeFixed,
		Timezone: "Not/AZone",
		SendTime: "09:00",
	}, nil)
	require.Error(t, err)

	_, err = ComputeScheduledUTC(now, 0, "", "UTC", models.ScheduleConfig{
		Mode:     models.ScheduleModeFixed,
		SendTime: "25:99",
	}, nil)
	require.Error(t, err)

	_, err = ComputeScheduledUTC(now, 0, "", "UTC", models.ScheduleConfig{
		Mode: "hourly",
	}, nil)
	require.Error(t, err)
}

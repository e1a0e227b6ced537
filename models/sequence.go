package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Sequence lifecycle statuses
const (
	SequenceStatusDraft  = "draft"
	SequenceStatusActive = "active"
	SequenceStatusPaused = "paused"
)

// Stop conditions for a sequence
const (
	StopOnReply = "on_reply"
	StopNever   = "never"
)

// Schedule modes
const (
	ScheduleModeImmediate = "immediate"
	ScheduleModeFixed     = "fixed"
	ScheduleModeWindow    = "window"
)

// Sequence represents a multi-step automated email campaign
type Sequence struct {
	gorm.Model
	TeamID   uint `gorm:"not null;index" json:"team_id"`
	SenderID uint `gorm:"not null;index" json:"sender_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft'" json:"status"` // draft, active, paused

	// Halting behavior
	StopCondition string `gorm:"default:'on_reply'" json:"stop_condition"` // on_reply, never
	StopOnBounce  bool   `gorm:"default:true" json:"stop_on_bounce"`

	// Minimum hours between two sends to the same contact
	MinIntervalHours int `gorm:"default:0" json:"min_interval_hours"`

	// Cadence policy stored alongside the sequence
	Schedule ScheduleConfig `gorm:"type:jsonb;serializer:json" json:"schedule"`

	// Relations
	Steps  []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
	Sender Sender         `json:"-"`
}

// IsActive reports whether the sequence may dispatch mail
func (s *Sequence) IsActive() bool {
	return s.Status == SequenceStatusActive && s.DeletedAt.Time.IsZero()
}

// StepByOrder returns the step at the given 1-based order, or nil
func (s *Sequence) StepByOrder(order int) *SequenceStep {
	for i := range s.Steps {
		if s.Steps[i].StepOrder == order {
			return &s.Steps[i]
		}
	}
	return nil
}

// LastStepOrder returns the highest step order in the sequence
func (s *Sequence) LastStepOrder() int {
	max := 0
	for i := range s.Steps {
		if s.Steps[i].StepOrder > max {
			max = s.Steps[i].StepOrder
		}
	}
	return max
}

// SequenceStep represents one templated message within a sequence
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index;uniqueIndex:idx_sequence_step_order" json:"sequence_id"`

	StepOrder int `gorm:"not null;uniqueIndex:idx_sequence_step_order" json:"step_order"` // 1-based

	SubjectTemplate string `gorm:"not null" json:"subject_template"`
	BodyTemplate    string `gorm:"type:text;not null" json:"body_template"`

	// Hours to wait after the previous step was sent
	DelayHours int `gorm:"not null" json:"delay_hours"`

	SkipIfReplied bool `gorm:"default:false" json:"skip_if_replied"`
	SkipIfBounced bool `gorm:"default:true" json:"skip_if_bounced"`

	// Optional delay override once the contact has replied
	DelayIfRepliedHours *int `json:"delay_if_replied_hours"`
}

// EffectiveDelay returns the delay to apply given whether the contact replied
func (st *SequenceStep) EffectiveDelay(replied bool) int {
	if replied && st.DelayIfRepliedHours != nil {
		return *st.DelayIfRepliedHours
	}
	return st.DelayHours
}

// SendWindow is a local-time interval during which dispatch is allowed
type SendWindow struct {
	Start string `json:"start"` // HH:MM
	End   string `json:"end"`   // HH:MM
}

// ScheduleConfig is the cadence policy attached to a sequence
type ScheduleConfig struct {
	Mode                   string       `json:"mode"` // immediate, fixed, window
	RespectContactTimezone bool         `json:"respect_contact_timezone"`
	Timezone               string       `json:"timezone"`  // explicit override, optional
	SendDays               []string     `json:"send_days"` // mon..sun, empty = unrestricted
	SendTime               string       `json:"send_time"` // HH:MM, fixed mode
	SendWindows            []SendWindow `json:"send_windows"`
}

var weekdayCodes = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// AllowedWeekdays resolves SendDays into time.Weekday values, dropping
// unknown codes. An empty result means every day is allowed.
func (sc *ScheduleConfig) AllowedWeekdays() map[time.Weekday]bool {
	days := make(map[time.Weekday]bool, len(sc.SendDays))
	for _, code := range sc.SendDays {
		if wd, ok := weekdayCodes[strings.ToLower(strings.TrimSpace(code))]; ok {
			days[wd] = true
		}
	}
	return days
}

// DayAllowed reports whether dispatch may happen on the given weekday
func (sc *ScheduleConfig) DayAllowed(wd time.Weekday) bool {
	days := sc.AllowedWeekdays()
	if len(days) == 0 {
		return true
	}
	return days[wd]
}

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"mailcadence/models"
	"mailcadence/store"
	"mailcadence/utils"
)

const (
	// DefaultBatchLimit bounds a pass when the caller gives no limit
	DefaultBatchLimit = 50
	// MaxBatchLimit caps the limit a caller may request
	MaxBatchLimit = 500
	// DefaultMaxAttempts is the retry ceiling per step dispatch
	DefaultMaxAttempts = 3

	retryBaseInterval = 15 * time.Minute
)

// SequenceWorker runs bounded dispatch passes over due enrollment rows.
// Overlapping passes are safe: the store's CAS claim is the only
// synchronization, so any number of instances may run concurrently.
type SequenceWorker struct {
	Store            store.Store
	Mailer           utils.Mailer
	Limiter          *rate.Limiter
	Logger           *logrus.Logger
	FallbackTimezone string
	MaxAttempts      int

	// Now is swappable for tests; defaults to time.Now
	Now func() time.Time
}

func NewSequenceWorker(st store.Store, mailer utils.Mailer, logger *logrus.Logger, fallbackTZ string) *SequenceWorker {
	return &SequenceWorker{
		Store:            st,
		Mailer:           mailer,
		Logger:           logger,
		FallbackTimezone: fallbackTZ,
		MaxAttempts:      DefaultMaxAttempts,
	}
}

// RunOptions bounds one worker pass
type RunOptions struct {
	Limit  int  `json:"limit"`
	TeamID uint `json:"team_id"`
}

// RunResult is the metrics summary of one pass
type RunResult struct {
	Processed   int `json:"processed"`
	Sent        int `json:"sent"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
	Rescheduled int `json:"rescheduled"`
}

// Run executes one dispatch pass. Per-row errors are isolated: a bad row
// is logged and counted but never aborts the batch.
func (w *SequenceWorker) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	if limit > MaxBatchLimit {
		limit = MaxBatchLimit
	}

	now := w.now()
	statuses, err := w.Store.DueStatuses(ctx, now, limit, opts.TeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list due statuses: %w", err)
	}

	result := &RunResult{}
	exhaustedSenders := make(map[uint]bool)

	for i := range statuses {
		st := &statuses[i]
		if exhaustedSenders[st.Sequence.SenderID] {
			continue
		}
		if err := w.processRow(ctx, st, now, result, exhaustedSenders); err != nil {
			result.Failed++
			sentry.CaptureException(err)
			w.Logger.WithError(err).WithFields(logrus.Fields{
				"status_id":   st.ID,
				"sequence_id": st.SequenceID,
				"contact_id":  st.ContactID,
			}).Error("sequence row processing failed")
			w.releaseRow(ctx, st, now)
		}
	}

	w.Logger.WithFields(logrus.Fields{
		"processed":   result.Processed,
		"sent":        result.Sent,
		"skipped":     result.Skipped,
		"failed":      result.Failed,
		"rescheduled": result.Rescheduled,
	}).Info("sequence worker pass completed")

	return result, nil
}

// Start drives periodic passes until the context is cancelled. interval
// zero disables the loop (external cron triggers only).
func (w *SequenceWorker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	w.Logger.Info("sequence worker loop started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("sequence worker loop shutting down")
			return
		case <-ticker.C:
			if _, err := w.Run(ctx, RunOptions{}); err != nil {
				w.Logger.WithError(err).Error("sequence worker pass failed")
			}
		}
	}
}

// StartQuotaReset zeroes sender daily counters at each quota window
// boundary until the context is cancelled.
func (w *SequenceWorker) StartQuotaReset(ctx context.Context) {
	for {
		next := nextQuotaWindow(w.now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		n, err := w.Store.ResetDailyQuotas(ctx)
		if err != nil {
			w.Logger.WithError(err).Error("daily quota reset failed")
			continue
		}
		w.Logger.WithField("senders", n).Info("daily sender quotas reset")
	}
}

func (w *SequenceWorker) processRow(ctx context.Context, st *models.ContactSequenceStatus, now time.Time, result *RunResult, exhausted map[uint]bool) error {
	claimed, err := w.Store.ClaimStatus(ctx, st.ID, now)
	if err != nil {
		return fmt.Errorf("claim failed: %w", err)
	}
	if !claimed {
		// Another worker instance won the row; not an error.
		return nil
	}
	if err := st.Transition(models.StatusSending); err != nil {
		return err
	}
	st.LastAttemptAt = &now
	result.Processed++

	seq := &st.Sequence
	step := seq.StepByOrder(st.CurrentStep)
	if step == nil {
		// Step was deleted under the enrollment; nothing left to send.
		if err := st.Complete(); err != nil {
			return err
		}
		return w.Store.SaveStatus(ctx, st, models.StatusSending)
	}

	if !st.Contact.Contactable() {
		result.Skipped++
		if err := st.Complete(); err != nil {
			return err
		}
		return w.Store.SaveStatus(ctx, st, models.StatusSending)
	}

	// Skip policy: a recorded reply/bounce on a prior step suppresses
	// this step entirely.
	replied := st.RepliedAt != nil
	bounced := st.BouncedAt != nil
	if (step.SkipIfReplied && replied) || (step.SkipIfBounced && bounced) {
		result.Skipped++
		StepsSkipped.Inc()
		return w.advance(ctx, st, seq, now, replied)
	}

	// Quota gate: an exhausted sender parks the row at the next quota
	// window and ends its processing for this pass.
	ok, err := w.Store.ReserveSenderQuota(ctx, seq.SenderID)
	if err != nil {
		return fmt.Errorf("quota reservation failed: %w", err)
	}
	if !ok {
		exhausted[seq.SenderID] = true
		result.Rescheduled++
		next := nextQuotaWindow(now)
		if err := st.Transition(models.StatusPending); err != nil {
			return err
		}
		st.ScheduledAt = &next
		w.Logger.WithFields(logrus.Fields{
			"sender_id":   seq.SenderID,
			"rescheduled": next,
			"sequence_id": seq.ID,
		}).Warn("sender quota exhausted")
		return w.Store.SaveStatus(ctx, st, models.StatusSending)
	}

	subject, err := utils.RenderTemplate(step.SubjectTemplate, &st.Contact)
	if err != nil {
		return w.recordFailure(ctx, st, step, "", fmt.Errorf("subject render: %w", err), true, now, result)
	}
	body, err := utils.RenderTemplate(step.BodyTemplate, &st.Contact)
	if err != nil {
		return w.recordFailure(ctx, st, step, "", fmt.Errorf("body render: %w", err), true, now, result)
	}

	if w.Limiter != nil {
		if err := w.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	sendRes, err := w.Mailer.Send(ctx, &seq.Sender, st.Contact.Email, subject, body)
	if err != nil {
		messageID := ""
		if sendRes != nil {
			messageID = sendRes.MessageID
		}
		return w.recordFailure(ctx, st, step, messageID, err, utils.IsPermanentSendError(err), now, result)
	}

	if err := w.Store.AppendLog(ctx, &models.DeliveryLog{
		StatusID:  st.ID,
		Type:      models.LogTypeSent,
		StepOrder: step.StepOrder,
		MessageID: sendRes.MessageID,
	}); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}

	EmailsSent.Inc()
	result.Sent++
	st.SentAt = &now
	st.AttemptCount = 0
	if err := st.Transition(models.StatusSent); err != nil {
		return err
	}
	return w.advance(ctx, st, seq, now, replied)
}

// advance moves the row to the next step as pending, or completes the
// enrollment when the current step was the last one.
func (w *SequenceWorker) advance(ctx context.Context, st *models.ContactSequenceStatus, seq *models.Sequence, now time.Time, replied bool) error {
	nextOrder := st.CurrentStep + 1
	nextStep := seq.StepByOrder(nextOrder)
	if nextStep == nil {
		if err := st.Complete(); err != nil {
			return err
		}
		return w.Store.SaveStatus(ctx, st, models.StatusSending)
	}

	delay := nextStep.EffectiveDelay(replied)
	if delay < seq.MinIntervalHours {
		delay = seq.MinIntervalHours
	}
	at, err := utils.ComputeScheduledUTC(now, delay, st.Contact.Timezone, w.FallbackTimezone, seq.Schedule, nil)
	if err != nil {
		return fmt.Errorf("failed to schedule step %d: %w", nextOrder, err)
	}
	if err := st.AdvanceTo(nextOrder, at); err != nil {
		return err
	}
	return w.Store.SaveStatus(ctx, st, models.StatusSending)
}

// recordFailure logs the attempt, then either parks the row for a
// bounded retry or marks it failed for good.
func (w *SequenceWorker) recordFailure(ctx context.Context, st *models.ContactSequenceStatus, step *models.SequenceStep, messageID string, sendErr error, permanent bool, now time.Time, result *RunResult) error {
	st.AttemptCount++
	EmailFailures.Inc()

	if err := w.Store.AppendLog(ctx, &models.DeliveryLog{
		StatusID:  st.ID,
		Type:      models.LogTypeSent,
		StepOrder: step.StepOrder,
		MessageID: messageID,
		Error:     sendErr.Error(),
	}); err != nil {
		return fmt.Errorf("failed to record failed delivery: %w", err)
	}

	maxAttempts := w.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if permanent || st.AttemptCount >= maxAttempts {
		result.Failed++
		if err := st.Transition(models.StatusFailed); err != nil {
			return err
		}
		st.ScheduledAt = nil
		w.Logger.WithError(sendErr).WithField("status_id", st.ID).Warn("dispatch permanently failed")
		return w.Store.SaveStatus(ctx, st, models.StatusSending)
	}

	result.Rescheduled++
	retryAt := now.Add(retryBaseInterval << (st.AttemptCount - 1))
	if err := st.Transition(models.StatusPending); err != nil {
		return err
	}
	st.ScheduledAt = &retryAt
	w.Logger.WithError(sendErr).WithFields(logrus.Fields{
		"status_id": st.ID,
		"attempt":   st.AttemptCount,
		"retry_at":  retryAt,
	}).Warn("dispatch failed, retry scheduled")
	return w.Store.SaveStatus(ctx, st, models.StatusSending)
}

// releaseRow returns a claimed row to the queue after a processing
// error. Without this a failed save would leave the row in sending,
// which DueStatuses never selects again.
func (w *SequenceWorker) releaseRow(ctx context.Context, st *models.ContactSequenceStatus, now time.Time) {
	if st.Status == models.StatusSending || st.Status == models.StatusSent {
		maxAttempts := w.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = DefaultMaxAttempts
		}
		st.AttemptCount++
		if st.AttemptCount >= maxAttempts {
			if err := st.Transition(models.StatusFailed); err != nil {
				return
			}
			st.ScheduledAt = nil
		} else {
			if err := st.Transition(models.StatusPending); err != nil {
				return
			}
			retryAt := now.Add(retryBaseInterval << (st.AttemptCount - 1))
			st.ScheduledAt = &retryAt
		}
	}
	if err := w.Store.SaveStatus(ctx, st, models.StatusSending); err != nil {
		w.Logger.WithError(err).WithField("status_id", st.ID).Error("failed to release claimed row")
	}
}

func (w *SequenceWorker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// nextQuotaWindow is the instant the sender's daily counters reset
func nextQuotaWindow(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

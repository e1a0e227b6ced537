package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mailcadence/models"
	"mailcadence/store"
	"mailcadence/utils"
)

// ReplyDetector polls each eligible sender's inbox, matches inbound
// messages back to outstanding deliveries, and advances the per-contact
// state machine on a match.
type ReplyDetector struct {
	Store  store.Store
	Dial   utils.InboundDialer
	Logger *logrus.Logger

	// Now is swappable for tests; defaults to time.Now
	Now func() time.Time
}

func NewReplyDetector(st store.Store, dial utils.InboundDialer, logger *logrus.Logger) *ReplyDetector {
	return &ReplyDetector{Store: st, Dial: dial, Logger: logger}
}

// DetectOptions bounds one detection pass
type DetectOptions struct {
	MessageLimit int    `json:"message_limit"`
	SequenceIDs  []uint `json:"sequence_ids"`
}

// SenderReport is the per-mailbox outcome of one pass
type SenderReport struct {
	Sender  string `json:"sender"`
	Fetched int    `json:"fetched"`
	Matched int    `json:"matched"`
	Ignored int    `json:"ignored"`
	Errors  int    `json:"errors"`
}

// DetectResult aggregates a detection pass across all polled senders
type DetectResult struct {
	Senders []SenderReport `json:"senders"`
	Fetched int            `json:"fetched"`
	Matched int            `json:"matched"`
	Ignored int            `json:"ignored"`
	Errors  int            `json:"errors"`
}

// Run executes one detection pass. A failure on one sender never aborts
// processing of the others.
func (d *ReplyDetector) Run(ctx context.Context, opts DetectOptions) (*DetectResult, error) {
	senders, err := d.Store.PollableSenders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pollable senders: %w", err)
	}

	result := &DetectResult{}
	for i := range senders {
		report := d.pollSender(ctx, &senders[i], opts)
		result.Senders = append(result.Senders, report)
		result.Fetched += report.Fetched
		result.Matched += report.Matched
		result.Ignored += report.Ignored
		result.Errors += report.Errors
	}

	d.Logger.WithFields(logrus.Fields{
		"senders": len(senders),
		"fetched": result.Fetched,
		"matched": result.Matched,
		"ignored": result.Ignored,
		"errors":  result.Errors,
	}).Info("reply detection pass completed")

	return result, nil
}

// Start drives periodic passes until the context is cancelled
func (d *ReplyDetector) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.Logger.Info("reply detector loop started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Logger.Info("reply detector loop shutting down")
			return
		case <-ticker.C:
			if _, err := d.Run(ctx, DetectOptions{}); err != nil {
				d.Logger.WithError(err).Error("reply detection pass failed")
			}
		}
	}
}

func (d *ReplyDetector) pollSender(ctx context.Context, sender *models.Sender, opts DetectOptions) SenderReport {
	report := SenderReport{Sender: sender.FromEmail}
	log := d.Logger.WithField("sender", sender.FromEmail)

	cl := d.Dial(sender)
	if err := cl.Connect(ctx); err != nil {
		report.Errors++
		log.WithError(err).Error("inbound connect failed")
		return report
	}
	// Release the connection unconditionally before the next sender.
	defer cl.Close()

	msgs, err := cl.Messages(ctx, opts.MessageLimit)
	if err != nil {
		report.Errors++
		log.WithError(err).Error("inbound fetch failed")
		return report
	}

	for msg := range msgs {
		report.Fetched++
		matched, err := d.processMessage(ctx, sender, &msg, opts.SequenceIDs)
		switch {
		case err != nil:
			// Leave the message unprocessed so the next pass replays it;
			// the idempotency check makes the replay safe.
			report.Errors++
			log.WithError(err).WithField("message_id", msg.MessageID).Error("inbound message processing failed")
			continue
		case matched:
			report.Matched++
		default:
			report.Ignored++
			InboundIgnored.Inc()
		}

		// Processed regardless of match outcome so the message is never
		// re-evaluated on a later poll.
		if err := cl.MarkProcessed(ctx, msg.InternalID); err != nil {
			report.Errors++
			log.WithError(err).WithField("uid", msg.InternalID).Error("failed to mark message processed")
		}
	}

	if err := cl.Err(); err != nil {
		report.Errors++
		log.WithError(err).Error("inbound stream ended with error")
	}
	return report
}

// processMessage correlates one inbound message and records the event.
// It returns (false, nil) for messages that match no contact or
// delivery: those are ignored, not errors.
func (d *ReplyDetector) processMessage(ctx context.Context, sender *models.Sender, msg *utils.InboundMessage, sequenceIDs []uint) (bool, error) {
	if msg.FromAddress == "" {
		return false, nil
	}
	// No Message-ID means no idempotency key; a replay of such a
	// message could never be deduplicated, so it is not acted on.
	if msg.MessageID == "" {
		return false, nil
	}

	eventType := classifyInbound(msg)

	// Bounce notifications arrive from the MTA, never from the contact,
	// so they can only be correlated through transport headers.
	var contact *models.Contact
	if eventType == models.LogTypeReply {
		var err error
		contact, err = d.Store.ContactByEmail(ctx, sender.TeamID, msg.FromAddress)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}

	st, err := d.correlate(ctx, contact, msg, sequenceIDs)
	if err != nil {
		return false, err
	}
	if st == nil {
		return false, nil
	}

	// Idempotency: the same inbound message must never produce a second
	// log entry or a second transition.
	exists, err := d.Store.InboundLogExists(ctx, st.ID, msg.MessageID)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	prev := st.Status
	now := d.now()
	if eventType == models.LogTypeBounce {
		st.BouncedAt = &now
		if st.Sequence.StopOnBounce {
			if err := st.Transition(models.StatusBounced); err != nil {
				return false, err
			}
			st.ScheduledAt = nil
		}
	} else {
		st.RepliedAt = &now
		if st.Sequence.StopCondition == models.StopOnReply {
			if err := st.Transition(models.StatusReplied); err != nil {
				return false, err
			}
			st.ScheduledAt = nil
		}
	}

	// The log entry and the status write commit together: a half-applied
	// event could otherwise lose the halt forever once the message is
	// flagged processed.
	entry := &models.DeliveryLog{
		StatusID:  st.ID,
		Type:      eventType,
		StepOrder: st.CurrentStep,
		MessageID: msg.MessageID,
	}
	if err := d.Store.RecordInboundEvent(ctx, st, prev, entry); err != nil {
		return false, fmt.Errorf("failed to record inbound event: %w", err)
	}

	if eventType == models.LogTypeBounce {
		BouncesDetected.Inc()
	} else {
		RepliesDetected.Inc()
	}
	return true, nil
}

// correlate resolves an inbound message to one enrollment row, trying
// matchers in priority order: transport headers first, then the
// contact's most recently touched active enrollment. A nil contact
// restricts correlation to the header matcher.
func (d *ReplyDetector) correlate(ctx context.Context, contact *models.Contact, msg *utils.InboundMessage, sequenceIDs []uint) (*models.ContactSequenceStatus, error) {
	if refs := msg.ReferenceIDs(); len(refs) > 0 {
		var contactID uint
		if contact != nil {
			contactID = contact.ID
		}
		st, err := d.Store.StatusBySentMessageID(ctx, contactID, refs)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if contact == nil {
		return nil, nil
	}

	statuses, err := d.Store.ActiveStatusesForContact(ctx, contact.ID, sequenceIDs)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	return &statuses[0], nil
}

func (d *ReplyDetector) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

var bounceSubjectMarkers = []string{
	"undeliver",
	"delivery status notification",
	"delivery failure",
	"returned mail",
	"mail delivery failed",
}

var bounceSenderMarkers = []string{
	"mailer-daemon@",
	"postmaster@",
}

// classifyInbound decides whether a matched message is a genuine reply
// or a bounce notification from the receiving MTA
func classifyInbound(msg *utils.InboundMessage) string {
	from := strings.ToLower(msg.FromAddress)
	for _, marker := range bounceSenderMarkers {
		if strings.HasPrefix(from, marker) {
			return models.LogTypeBounce
		}
	}
	subject := strings.ToLower(msg.Subject)
	for _, marker := range bounceSubjectMarkers {
		if strings.Contains(subject, marker) {
			return models.LogTypeBounce
		}
	}
	return models.LogTypeReply
}

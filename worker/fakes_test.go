package worker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mailcadence/models"
	"mailcadence/store"
	"mailcadence/utils"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeStore is an in-memory Store for worker tests. Rows are stored
// canonically; reads hand out copies the way a database driver would.
type fakeStore struct {
	mu sync.Mutex

	statuses  map[uint]*models.ContactSequenceStatus
	contacts  map[uint]*models.Contact
	sequences map[uint]*models.Sequence
	senders   []models.Sender
	logs      []models.DeliveryLog
	quota     map[uint]int // sender id -> sends remaining

	// One-shot failure injection, consumed by the next matching call.
	failSaveOnce   error
	failAppendOnce error
	failRecordOnce error

	// Invoked once before the next idempotency lookup, to interleave a
	// concurrent writer between a read and the following write.
	onInboundCheck func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses:  make(map[uint]*models.ContactSequenceStatus),
		contacts:  make(map[uint]*models.Contact),
		sequences: make(map[uint]*models.Sequence),
		quota:     make(map[uint]int),
	}
}

func (f *fakeStore) addStatus(st *models.ContactSequenceStatus) {
	f.statuses[st.ID] = st
}

func (f *fakeStore) status(id uint) *models.ContactSequenceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func (f *fakeStore) logsOfType(typ string) []models.DeliveryLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DeliveryLog
	for _, l := range f.logs {
		if l.Type == typ {
			out = append(out, l)
		}
	}
	return out
}

func (f *fakeStore) DueStatuses(ctx context.Context, now time.Time, limit int, teamID uint) ([]models.ContactSequenceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due []models.ContactSequenceStatus
	for _, st := range f.statuses {
		if st.Status != models.StatusPending || st.ScheduledAt == nil || st.ScheduledAt.After(now) {
			continue
		}
		if teamID != 0 && st.TeamID != teamID {
			continue
		}
		due = append(due, *st)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(*due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (f *fakeStore) ClaimStatus(ctx context.Context, statusID uint, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.statuses[statusID]
	if !ok || st.Status != models.StatusPending || st.ScheduledAt == nil || st.ScheduledAt.After(now) {
		return false, nil
	}
	st.Status = models.StatusSending
	st.LastAttemptAt = &now
	return true, nil
}

func (f *fakeStore) SaveStatus(ctx context.Context, st *models.ContactSequenceStatus, expected string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaveOnce != nil {
		err := f.failSaveOnce
		f.failSaveOnce = nil
		return err
	}
	return f.saveGuardedLocked(st, expected)
}

func (f *fakeStore) saveGuardedLocked(st *models.ContactSequenceStatus, expected string) error {
	cur, ok := f.statuses[st.ID]
	if !ok || cur.Status != expected {
		return store.ErrStale
	}
	cp := *st
	cp.UpdatedAt = time.Now()
	f.statuses[st.ID] = &cp
	return nil
}

func (f *fakeStore) AppendLog(ctx context.Context, entry *models.DeliveryLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppendOnce != nil {
		err := f.failAppendOnce
		f.failAppendOnce = nil
		return err
	}
	f.appendLogLocked(entry)
	return nil
}

func (f *fakeStore) appendLogLocked(entry *models.DeliveryLog) {
	entry.ID = uint(len(f.logs) + 1)
	entry.CreatedAt = time.Now()
	f.logs = append(f.logs, *entry)
}

func (f *fakeStore) RecordInboundEvent(ctx context.Context, st *models.ContactSequenceStatus, expected string, entry *models.DeliveryLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRecordOnce != nil {
		err := f.failRecordOnce
		f.failRecordOnce = nil
		return err
	}
	if err := f.saveGuardedLocked(st, expected); err != nil {
		return err
	}
	f.appendLogLocked(entry)
	return nil
}

func (f *fakeStore) ReserveSenderQuota(ctx context.Context, senderID uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quota[senderID] <= 0 {
		return false, nil
	}
	f.quota[senderID]--
	return true, nil
}

func (f *fakeStore) ResetDailyQuotas(ctx context.Context) (int64, error) {
	return 0, nil
}

func (f *fakeStore) PollableSenders(ctx context.Context) ([]models.Sender, error) {
	return f.senders, nil
}

func (f *fakeStore) ContactByEmail(ctx context.Context, teamID uint, email string) (*models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contacts {
		if c.TeamID == teamID && strings.EqualFold(c.Email, email) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ActiveStatusesForContact(ctx context.Context, contactID uint, sequenceIDs []uint) ([]models.ContactSequenceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.ContactSequenceStatus
	for _, st := range f.statuses {
		if st.ContactID != contactID || st.Status == models.StatusCompleted || st.Status == models.StatusFailed {
			continue
		}
		if len(sequenceIDs) > 0 {
			found := false
			for _, id := range sequenceIDs {
				if st.SequenceID == id {
					found = true
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (f *fakeStore) StatusBySentMessageID(ctx context.Context, contactID uint, messageIDs []string) (*models.ContactSequenceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, l := range f.logs {
		if l.Type != models.LogTypeSent {
			continue
		}
		for _, id := range messageIDs {
			if l.MessageID != id {
				continue
			}
			st, ok := f.statuses[l.StatusID]
			if !ok {
				continue
			}
			if contactID != 0 && st.ContactID != contactID {
				continue
			}
			cp := *st
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) InboundLogExists(ctx context.Context, statusID uint, messageID string) (bool, error) {
	if f.onInboundCheck != nil {
		hook := f.onInboundCheck
		f.onInboundCheck = nil
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.logs {
		if l.StatusID == statusID && l.MessageID == messageID &&
			(l.Type == models.LogTypeReply || l.Type == models.LogTypeBounce) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) SequenceByID(ctx context.Context, teamID, sequenceID uint) (*models.Sequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.sequences[sequenceID]
	if !ok || seq.TeamID != teamID {
		return nil, store.ErrNotFound
	}
	cp := *seq
	return &cp, nil
}

func (f *fakeStore) ContactByID(ctx context.Context, teamID, contactID uint) (*models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[contactID]
	if !ok || c.TeamID != teamID {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) StatusExists(ctx context.Context, contactID, sequenceID uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.statuses {
		if st.ContactID == contactID && st.SequenceID == sequenceID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CreateStatus(ctx context.Context, st *models.ContactSequenceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st.ID = uint(len(f.statuses) + 1)
	cp := *st
	f.statuses[st.ID] = &cp
	return nil
}

// fakeMailer records dispatches and fails on demand
type fakeMailer struct {
	mu    sync.Mutex
	sends []fakeSend
	err   error
}

type fakeSend struct {
	To      string
	Subject string
	Body    string
}

func (m *fakeMailer) Send(ctx context.Context, sender *models.Sender, to, subject, body string) (*utils.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.sends = append(m.sends, fakeSend{To: to, Subject: subject, Body: body})
	return &utils.SendResult{
		MessageID: fmt.Sprintf("<out-%d@test>", len(m.sends)),
		Accepted:  []string{to},
	}, nil
}

func (m *fakeMailer) sent() []fakeSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fakeSend(nil), m.sends...)
}

// fakeInbound replays a fixed batch of messages as one polling pass
type fakeInbound struct {
	msgs       []utils.InboundMessage
	connectErr error
	streamErr  error

	connected bool
	closed    bool
	processed []uint32
}

func (f *fakeInbound) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeInbound) Messages(ctx context.Context, limit int) (<-chan utils.InboundMessage, error) {
	msgs := f.msgs
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make(chan utils.InboundMessage, len(msgs))
	for _, m := range msgs {
		out <- m
	}
	close(out)
	return out, nil
}

func (f *fakeInbound) Err() error { return f.streamErr }

func (f *fakeInbound) MarkProcessed(ctx context.Context, internalID uint32) error {
	f.processed = append(f.processed, internalID)
	return nil
}

func (f *fakeInbound) Close() error {
	f.closed = true
	return nil
}

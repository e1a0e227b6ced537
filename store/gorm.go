package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"mailcadence/models"
)

// GormStore is the postgres-backed Store used in production
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) DueStatuses(ctx context.Context, now time.Time, limit int, teamID uint) ([]models.ContactSequenceStatus, error) {
	q := s.db.WithContext(ctx).
		Joins("JOIN sequences ON sequences.id = contact_sequence_statuses.sequence_id AND sequences.deleted_at IS NULL").
		Joins("JOIN senders ON senders.id = sequences.sender_id").
		Where("contact_sequence_statuses.status = ?", models.StatusPending).
		Where("contact_sequence_statuses.scheduled_at <= ?", now).
		Where("sequences.status = ?", models.SequenceStatusActive).
		Where("senders.status IN ?", []string{models.SenderStatusActive, models.SenderStatusVerified}).
		Preload("Sequence.Steps").
		Preload("Sequence.Sender").
		Preload("Contact").
		Order("contact_sequence_statuses.scheduled_at").
		Limit(limit)

	if teamID != 0 {
		q = q.Where("contact_sequence_statuses.team_id = ?", teamID)
	}

	var statuses []models.ContactSequenceStatus
	if err := q.Find(&statuses).Error; err != nil {
		return nil, err
	}
	return statuses, nil
}

func (s *GormStore) ClaimStatus(ctx context.Context, statusID uint, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.ContactSequenceStatus{}).
		Where("id = ? AND status = ? AND scheduled_at <= ?", statusID, models.StatusPending, now).
		Updates(map[string]interface{}{
			"status":          models.StatusSending,
			"last_attempt_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) SaveStatus(ctx context.Context, st *models.ContactSequenceStatus, expected string) error {
	return saveStatusGuarded(s.db.WithContext(ctx), st, expected)
}

// saveStatusGuarded writes the full row conditioned on the status the
// caller read, so a concurrent writer cannot be silently clobbered.
func saveStatusGuarded(tx *gorm.DB, st *models.ContactSequenceStatus, expected string) error {
	res := tx.Model(&models.ContactSequenceStatus{}).
		Where("id = ? AND status = ?", st.ID, expected).
		Select("*").
		Omit("id", "created_at").
		Updates(st)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

func (s *GormStore) AppendLog(ctx context.Context, entry *models.DeliveryLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormStore) RecordInboundEvent(ctx context.Context, st *models.ContactSequenceStatus, expected string, entry *models.DeliveryLog) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := saveStatusGuarded(tx, st, expected); err != nil {
			return err
		}
		return tx.Create(entry).Error
	})
}

func (s *GormStore) ReserveSenderQuota(ctx context.Context, senderID uint) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Sender{}).
		Where("id = ? AND sent_today < daily_limit", senderID).
		Updates(map[string]interface{}{
			"sent_today": gorm.Expr("sent_today + ?", 1),
			"total_sent": gorm.Expr("total_sent + ?", 1),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ResetDailyQuotas(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Sender{}).
		Where("sent_today > 0").
		Update("sent_today", 0)
	return res.RowsAffected, res.Error
}

func (s *GormStore) PollableSenders(ctx context.Context) ([]models.Sender, error) {
	var senders []models.Sender
	err := s.db.WithContext(ctx).
		Where("status = ?", models.SenderStatusActive).
		Where("imap_host <> '' AND imap_username <> ''").
		Find(&senders).Error
	if err != nil {
		return nil, err
	}
	return senders, nil
}

func (s *GormStore) ContactByEmail(ctx context.Context, teamID uint, email string) (*models.Contact, error) {
	var contact models.Contact
	err := s.db.WithContext(ctx).
		Where("team_id = ? AND LOWER(email) = ?", teamID, strings.ToLower(email)).
		First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

func (s *GormStore) ActiveStatusesForContact(ctx context.Context, contactID uint, sequenceIDs []uint) ([]models.ContactSequenceStatus, error) {
	q := s.db.WithContext(ctx).
		Where("contact_id = ?", contactID).
		Where("status NOT IN ?", []string{models.StatusCompleted, models.StatusFailed}).
		Preload("Sequence").
		Order("updated_at DESC")
	if len(sequenceIDs) > 0 {
		q = q.Where("sequence_id IN ?", sequenceIDs)
	}

	var statuses []models.ContactSequenceStatus
	if err := q.Find(&statuses).Error; err != nil {
		return nil, err
	}
	return statuses, nil
}

func (s *GormStore) StatusBySentMessageID(ctx context.Context, contactID uint, messageIDs []string) (*models.ContactSequenceStatus, error) {
	if len(messageIDs) == 0 {
		return nil, ErrNotFound
	}

	q := s.db.WithContext(ctx).
		Joins("JOIN contact_sequence_statuses ON contact_sequence_statuses.id = delivery_logs.status_id").
		Where("delivery_logs.type = ?", models.LogTypeSent).
		Where("delivery_logs.message_id IN ?", messageIDs).
		Order("delivery_logs.created_at DESC")
	if contactID != 0 {
		q = q.Where("contact_sequence_statuses.contact_id = ?", contactID)
	}

	var entry models.DeliveryLog
	err := q.First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var status models.ContactSequenceStatus
	if err := s.db.WithContext(ctx).Preload("Sequence").First(&status, entry.StatusID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &status, nil
}

func (s *GormStore) InboundLogExists(ctx context.Context, statusID uint, messageID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.DeliveryLog{}).
		Where("status_id = ? AND message_id = ?", statusID, messageID).
		Where("type IN ?", []string{models.LogTypeReply, models.LogTypeBounce}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) SequenceByID(ctx context.Context, teamID, sequenceID uint) (*models.Sequence, error) {
	var sequence models.Sequence
	err := s.db.WithContext(ctx).
		Where("id = ? AND team_id = ?", sequenceID, teamID).
		Preload("Steps").
		First(&sequence).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sequence, nil
}

func (s *GormStore) ContactByID(ctx context.Context, teamID, contactID uint) (*models.Contact, error) {
	var contact models.Contact
	err := s.db.WithContext(ctx).
		Where("id = ? AND team_id = ?", contactID, teamID).
		First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

func (s *GormStore) StatusExists(ctx context.Context, contactID, sequenceID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.ContactSequenceStatus{}).
		Where("contact_id = ? AND sequence_id = ?", contactID, sequenceID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) CreateStatus(ctx context.Context, st *models.ContactSequenceStatus) error {
	return s.db.WithContext(ctx).Create(st).Error
}

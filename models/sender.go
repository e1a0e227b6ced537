package models

import (
	"time"

	"gorm.io/gorm"
)

// Sender statuses
const (
	SenderStatusActive   = "active"
	SenderStatusVerified = "verified"
	SenderStatusDisabled = "disabled"
)

// Sender represents email sending and receiving credentials
type Sender struct {
	gorm.Model
	TeamID uint `gorm:"not null;index" json:"team_id"`

	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	Status string `gorm:"default:'active'" json:"status"` // active, verified, disabled

	// ========= SMTP Configuration =========
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `gorm:"not null" json:"-"`          // Encrypted in application layer
	Encryption   string `gorm:"not null" json:"encryption"` // SSL, TLS, STARTTLS

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Usage Metrics =========
	DailyLimit int `gorm:"default:500" json:"daily_limit"`
	SentToday  int `gorm:"default:0" json:"sent_today"`
	TotalSent  int `gorm:"default:0" json:"total_sent"`

	LastTestedAt *time.Time `json:"last_tested_at"`
	LastError    *string    `json:"last_error"`
}

// Dispatchable reports whether the sender may be used for outbound mail
func (s *Sender) Dispatchable() bool {
	return s.Status == SenderStatusActive || s.Status == SenderStatusVerified
}

// Pollable reports whether the sender's inbox can be polled for replies
func (s *Sender) Pollable() bool {
	return s.Status == SenderStatusActive && s.IMAPHost != "" && s.IMAPUsername != ""
}

// QuotaRemaining returns the number of sends left in the current period
func (s *Sender) QuotaRemaining() int {
	remaining := s.DailyLimit - s.SentToday
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Sanitize strips credentials before the sender leaves the service
func (s *Sender) Sanitize() {
	s.SMTPPassword = ""
	s.IMAPPassword = ""
}

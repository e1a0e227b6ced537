package models

import (
	"strings"

	"gorm.io/gorm"
)

// Team scopes contacts, senders and sequences to one workspace
type Team struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
}

// Contact represents a single outreach target
type Contact struct {
	gorm.Model
	TeamID uint `gorm:"not null;index" json:"team_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`

	// IANA timezone name; empty means "use the workspace fallback"
	Timezone string `json:"timezone"`

	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`
}

// FullName joins the display name fields for template rendering
func (c *Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Contactable reports whether the contact may receive outreach at all
func (c *Contact) Contactable() bool {
	return !c.IsUnsubscribed && !c.IsDoNotContact
}

package models

import (
	"gorm.io/gorm"
)

// Channel is one tunable lineup entry: a streaming-site page captured and
// republished as a tuner channel.
type Channel struct {
	BaseModel

	// Number is the channel number advertised to DVR clients.
	Number int `gorm:"not null;uniqueIndex" json:"number"`

	// Name is the display name shown in the lineup.
	Name string `gorm:"not null;size:255" json:"name"`

	// CaptureURL is the streaming-site page the capture renders.
	CaptureURL string `gorm:"not null;size:4096" json:"capture_url"`

	// Profile selects the capture site profile, when the site needs one.
	Profile string `gorm:"size:255" json:"profile,omitempty"`

	// Enabled channels appear in the lineup; disabled ones are retained
	// but not advertised.
	Enabled *bool `gorm:"default:true" json:"enabled"`

	// Logo is an optional channel logo URL.
	Logo string `gorm:"size:2048" json:"logo,omitempty"`
}

// TableName returns the table name for Channel.
func (Channel) TableName() string {
	return "channels"
}

// IsEnabled reports whether the channel is advertised, defaulting to true.
func (c *Channel) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Validate performs basic validation on the channel.
func (c *Channel) Validate() error {
	if c.Name == "" {
		return ErrNameRequired
	}
	if c.CaptureURL == "" {
		return ErrCaptureURLRequired
	}
	if c.Number <= 0 {
		return ErrNumberRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the channel and generates its
// ULID.
func (c *Channel) BeforeCreate(tx *gorm.DB) error {
	if err := c.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return c.Validate()
}

// BeforeUpdate is a GORM hook that validates the channel before update.
func (c *Channel) BeforeUpdate(_ *gorm.DB) error {
	return c.Validate()
}

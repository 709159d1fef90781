// Package repository provides data access for prismcast models.
package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/kineticman/prismcast/internal/models"
)

// ErrChannelNotFound is returned when a channel lookup matches nothing.
var ErrChannelNotFound = errors.New("channel not found")

// ChannelRepository provides channel persistence.
type ChannelRepository struct {
	db *gorm.DB
}

// NewChannelRepository creates a channel repository.
func NewChannelRepository(db *gorm.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// Create inserts a channel.
func (r *ChannelRepository) Create(ctx context.Context, channel *models.Channel) error {
	if err := r.db.WithContext(ctx).Create(channel).Error; err != nil {
		return fmt.Errorf("creating channel: %w", err)
	}
	return nil
}

// GetByID fetches a channel by primary key.
func (r *ChannelRepository) GetByID(ctx context.Context, id models.ULID) (*models.Channel, error) {
	var channel models.Channel
	err := r.db.WithContext(ctx).First(&channel, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching channel: %w", err)
	}
	return &channel, nil
}

// GetByNumber fetches a channel by its lineup number.
func (r *ChannelRepository) GetByNumber(ctx context.Context, number int) (*models.Channel, error) {
	var channel models.Channel
	err := r.db.WithContext(ctx).First(&channel, "number = ?", number).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching channel by number: %w", err)
	}
	return &channel, nil
}

// ListEnabled returns the advertised lineup ordered by channel number.
func (r *ChannelRepository) ListEnabled(ctx context.Context) ([]models.Channel, error) {
	var channels []models.Channel
	err := r.db.WithContext(ctx).
		Where("enabled IS NULL OR enabled = ?", true).
		Order("number").
		Find(&channels).Error
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	return channels, nil
}

// List returns every channel ordered by number.
func (r *ChannelRepository) List(ctx context.Context) ([]models.Channel, error) {
	var channels []models.Channel
	if err := r.db.WithContext(ctx).Order("number").Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	return channels, nil
}

// Update saves channel changes.
func (r *ChannelRepository) Update(ctx context.Context, channel *models.Channel) error {
	if err := r.db.WithContext(ctx).Save(channel).Error; err != nil {
		return fmt.Errorf("updating channel: %w", err)
	}
	return nil
}

// Delete removes a channel.
func (r *ChannelRepository) Delete(ctx context.Context, id models.ULID) error {
	result := r.db.WithContext(ctx).Delete(&models.Channel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting channel: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// UpsertByNumber inserts the channel or updates the existing row carrying
// the same number. Used by lineup seeding.
func (r *ChannelRepository) UpsertByNumber(ctx context.Context, channel *models.Channel) error {
	existing, err := r.GetByNumber(ctx, channel.Number)
	if errors.Is(err, ErrChannelNotFound) {
		return r.Create(ctx, channel)
	}
	if err != nil {
		return err
	}

	existing.Name = channel.Name
	existing.CaptureURL = channel.CaptureURL
	existing.Profile = channel.Profile
	existing.Enabled = channel.Enabled
	existing.Logo = channel.Logo
	return r.Update(ctx, existing)
}

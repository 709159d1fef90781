package repository

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kineticman/prismcast/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Channel{}))
	return db
}

func testChannel(number int, name string) *models.Channel {
	return &models.Channel{
		Number:     number,
		Name:       name,
		CaptureURL: "https://stream.example.com/" + name,
	}
}

func TestChannelRepository_CreateAndGet(t *testing.T) {
	repo := NewChannelRepository(testDB(t))
	ctx := context.Background()

	channel := testChannel(2, "news")
	require.NoError(t, repo.Create(ctx, channel))
	assert.False(t, channel.ID.IsZero())

	byID, err := repo.GetByID(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, "news", byID.Name)

	byNumber, err := repo.GetByNumber(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, channel.ID, byNumber.ID)
}

func TestChannelRepository_NotFound(t *testing.T) {
	repo := NewChannelRepository(testDB(t))
	ctx := context.Background()

	_, err := repo.GetByNumber(ctx, 42)
	assert.ErrorIs(t, err, ErrChannelNotFound)

	_, err = repo.GetByID(ctx, models.NewULID())
	assert.ErrorIs(t, err, ErrChannelNotFound)

	err = repo.Delete(ctx, models.NewULID())
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestChannelRepository_ListEnabled(t *testing.T) {
	repo := NewChannelRepository(testDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testChannel(5, "five")))
	require.NoError(t, repo.Create(ctx, testChannel(2, "two")))

	disabled := testChannel(9, "nine")
	off := false
	disabled.Enabled = &off
	require.NoError(t, repo.Create(ctx, disabled))

	channels, err := repo.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	// Ordered by number.
	assert.Equal(t, 2, channels[0].Number)
	assert.Equal(t, 5, channels[1].Number)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestChannelRepository_Update(t *testing.T) {
	repo := NewChannelRepository(testDB(t))
	ctx := context.Background()

	channel := testChannel(3, "old-name")
	require.NoError(t, repo.Create(ctx, channel))

	channel.Name = "new-name"
	require.NoError(t, repo.Update(ctx, channel))

	fetched, err := repo.GetByID(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-name", fetched.Name)
}

func TestChannelRepository_UpsertByNumber(t *testing.T) {
	repo := NewChannelRepository(testDB(t))
	ctx := context.Background()

	require.NoError(t, repo.UpsertByNumber(ctx, testChannel(7, "first")))

	replacement := testChannel(7, "second")
	require.NoError(t, repo.UpsertByNumber(ctx, replacement))

	channels, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "second", channels[0].Name)
}

func TestChannelRepository_Delete(t *testing.T) {
	repo := NewChannelRepository(testDB(t))
	ctx := context.Background()

	channel := testChannel(4, "gone")
	require.NoError(t, repo.Create(ctx, channel))
	require.NoError(t, repo.Delete(ctx, channel.ID))

	_, err := repo.GetByID(ctx, channel.ID)
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

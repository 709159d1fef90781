package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validChannel() Channel {
	return Channel{
		Number:     2,
		Name:       "News 24",
		CaptureURL: "https://stream.example.com/news24",
	}
}

func TestChannel_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Channel)
		wantErr error
	}{
		{"valid", func(*Channel) {}, nil},
		{"missing name", func(c *Channel) { c.Name = "" }, ErrNameRequired},
		{"missing capture url", func(c *Channel) { c.CaptureURL = "" }, ErrCaptureURLRequired},
		{"zero number", func(c *Channel) { c.Number = 0 }, ErrNumberRequired},
		{"negative number", func(c *Channel) { c.Number = -3 }, ErrNumberRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validChannel()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestChannel_IsEnabled(t *testing.T) {
	c := validChannel()
	assert.True(t, c.IsEnabled(), "nil Enabled defaults to true")

	enabled := false
	c.Enabled = &enabled
	assert.False(t, c.IsEnabled())
}

func TestULID_RoundTrip(t *testing.T) {
	id := NewULID()
	assert.False(t, id.IsZero())

	parsed, err := ParseULID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestULID_ParseInvalid(t *testing.T) {
	_, err := ParseULID("not-a-ulid")
	assert.Error(t, err)
}

func TestULID_ScanValue(t *testing.T) {
	id := NewULID()

	value, err := id.Value()
	require.NoError(t, err)

	var scanned ULID
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, id, scanned)

	var fromNil ULID
	require.NoError(t, fromNil.Scan(nil))
	assert.True(t, fromNil.IsZero())
}

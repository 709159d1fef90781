package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Empty(t *testing.T) {
	s := NewStore()

	_, err := s.Segment(0)
	assert.ErrorIs(t, err, ErrSegmentNotFound)

	_, _, err = s.Init()
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = s.Playlist()
	assert.ErrorIs(t, err, ErrNotReady)

	assert.Zero(t, s.SegmentCount())
}

func TestStore_PublishAndFetch(t *testing.T) {
	s := NewStore()

	s.PublishInit(1, []byte("init-bytes"))
	version, init, err := s.Init()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, []byte("init-bytes"), init)

	s.PublishSegment(0, []byte("segment-zero"), "#EXTM3U\nsegment0.m4s\n", 0)

	data, err := s.Segment(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("segment-zero"), data)

	playlist, err := s.Playlist()
	require.NoError(t, err)
	assert.Contains(t, playlist, "segment0.m4s")
}

func TestStore_Eviction(t *testing.T) {
	s := NewStore()

	for i := uint64(0); i < 8; i++ {
		evictBelow := uint64(0)
		if i >= 5 {
			evictBelow = i - 4
		}
		s.PublishSegment(i, []byte{byte(i)}, "playlist", evictBelow)
	}

	// Window of 5: indices 3..7 remain.
	_, err := s.Segment(2)
	assert.ErrorIs(t, err, ErrSegmentNotFound)
	for i := uint64(3); i < 8; i++ {
		_, err := s.Segment(i)
		assert.NoError(t, err, "segment %d", i)
	}
	assert.Equal(t, 5, s.SegmentCount())
}

func TestStore_PlaylistSegmentsAlwaysFetchable(t *testing.T) {
	// A playlist revision is published together with its segment, so under
	// concurrent publishing a reader that sees a playlist never finds the
	// store empty.
	s := NewStore()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < 200; i++ {
			evictBelow := uint64(0)
			if i >= 5 {
				evictBelow = i - 4
			}
			playlist := ""
			for j := evictBelow; j <= i; j++ {
				playlist += "segment" + string(rune('0'+j%10)) + "\n"
			}
			s.PublishSegment(i, []byte("data"), playlist, evictBelow)
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
		if _, err := s.Playlist(); err == nil {
			assert.Positive(t, s.SegmentCount())
		}
	}
}

func TestStore_WaitForPlaylist(t *testing.T) {
	s := NewStore()

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.PublishSegment(0, []byte("x"), "#EXTM3U\n", 0)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.WaitForPlaylist(ctx))
}

func TestStore_WaitForPlaylistTimeout(t *testing.T) {
	s := NewStore()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitForPlaylist(ctx), context.DeadlineExceeded)
}

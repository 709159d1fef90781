package stream

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingReader blocks until its context ends, simulating a live capture
// that produces nothing further.
type blockingReader struct {
	ctx context.Context
}

func (r *blockingReader) Read([]byte) (int, error) {
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func (r *blockingReader) Close() error { return nil }

// scriptedSource returns one payload per Open call; once the payloads are
// used up, each Open returns a reader that blocks until its context ends.
type scriptedSource struct {
	mu       sync.Mutex
	payloads [][]byte
	opens    int
}

// payloadReader drains the payload, then fails with io.ErrUnexpectedEOF,
// standing in for a capture process that died.
type payloadReader struct {
	io.Reader
	ctx context.Context
}

func (r *payloadReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if err == io.EOF && n == 0 {
		return 0, io.ErrUnexpectedEOF // capture died
	}
	return n, err
}

func (r *payloadReader) Close() error { return nil }

func (s *scriptedSource) Open(ctx context.Context) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opens >= len(s.payloads) {
		return &blockingReader{ctx: ctx}, nil
	}
	payload := s.payloads[s.opens]
	s.opens++
	return &payloadReader{Reader: bytes.NewReader(payload), ctx: ctx}, nil
}

func (s *scriptedSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func testSupervisorConfig() SupervisorConfig {
	cfg := DefaultSupervisorConfig()
	cfg.TargetSegmentDuration = 2 * time.Second
	cfg.MaxSegments = 10
	cfg.RestartDelay = 10 * time.Millisecond
	cfg.StartTimeout = time.Second
	cfg.SweepInterval = time.Hour // tests trigger sweeps directly
	return cfg
}

func blockingFactory(ChannelSpec) (Source, error) {
	return &scriptedSource{}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSupervisor_AcquireReusesStream(t *testing.T) {
	s := NewSupervisor(testSupervisorConfig(), blockingFactory)
	defer s.Shutdown()

	channel := ChannelSpec{ID: "ch1", Name: "One", CaptureURL: "https://example.com/1"}

	st1, err := s.Acquire(channel)
	require.NoError(t, err)
	st2, err := s.Acquire(channel)
	require.NoError(t, err)

	assert.Same(t, st1, st2)
	assert.Equal(t, 1, s.ActiveStreams())
}

func TestSupervisor_TunerLimit(t *testing.T) {
	cfg := testSupervisorConfig()
	cfg.MaxStreams = 1
	s := NewSupervisor(cfg, blockingFactory)
	defer s.Shutdown()

	_, err := s.Acquire(ChannelSpec{ID: "ch1"})
	require.NoError(t, err)

	_, err = s.Acquire(ChannelSpec{ID: "ch2"})
	assert.ErrorIs(t, err, ErrTunerLimit)
}

func TestSupervisor_HandoffContinuity(t *testing.T) {
	// Two capture runs of the same channel: the second must continue the
	// first's segment indices, init version, and decode timestamps.
	init := append(makeFtyp(), makeMoov(90000)...)
	run1 := concat(init, makeFragment(0, 90000), makeFragment(0, 90000))
	run2 := concat(init, makeFragment(0, 90000), makeFragment(0, 90000))

	source := &scriptedSource{payloads: [][]byte{run1, run2}}
	s := NewSupervisor(testSupervisorConfig(), func(ChannelSpec) (Source, error) {
		return source, nil
	})
	defer s.Shutdown()

	st, err := s.Acquire(ChannelSpec{ID: "ch1", Name: "One"})
	require.NoError(t, err)

	// Run 1 emits segment 0 (fast path) and flushes segment 1 on capture
	// death; run 2 emits segment 2, then dies too and flushes segment 3 in a
	// second handoff; the third capture blocks.
	waitFor(t, func() bool {
		_, err := st.Store().Segment(2)
		return err == nil
	})

	version, _, err := st.Store().Init()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version, "identical init must not bump the version")

	playlist, err := st.Store().Playlist()
	require.NoError(t, err)
	assert.NotContains(t, playlist, "#EXT-X-DISCONTINUITY")
	assert.Contains(t, playlist, "segment0.m4s")
	assert.Contains(t, playlist, "segment1.m4s")
	assert.Contains(t, playlist, "segment2.m4s")

	// Timestamps carried across the handoff: run 1 produced 2 fragments
	// of 90000 units, so run 2's first fragment decodes at 180000.
	seg2, err := st.Store().Segment(2)
	require.NoError(t, err)
	tfdt, ok := firstTfdt(seg2)
	require.True(t, ok)
	assert.Equal(t, uint64(2*90000), tfdt)

	waitFor(t, func() bool { return st.Stats().Handoffs >= 1 })
	assert.GreaterOrEqual(t, source.openCount(), 2)
}

func TestSupervisor_IdleSweep(t *testing.T) {
	clock := newFakeClock()
	cfg := testSupervisorConfig()
	cfg.IdleTimeout = time.Minute
	cfg.Clock = clock.Now

	s := NewSupervisor(cfg, blockingFactory)
	defer s.Shutdown()

	_, err := s.Acquire(ChannelSpec{ID: "ch1"})
	require.NoError(t, err)
	require.Equal(t, 1, s.ActiveStreams())

	// Not yet idle.
	s.sweep()
	assert.Equal(t, 1, s.ActiveStreams())

	clock.Advance(2 * time.Minute)
	s.sweep()
	assert.Equal(t, 0, s.ActiveStreams())
}

func TestSupervisor_AcquireRefreshesIdleClock(t *testing.T) {
	clock := newFakeClock()
	cfg := testSupervisorConfig()
	cfg.IdleTimeout = time.Minute
	cfg.Clock = clock.Now

	s := NewSupervisor(cfg, blockingFactory)
	defer s.Shutdown()

	channel := ChannelSpec{ID: "ch1"}
	_, err := s.Acquire(channel)
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	_, err = s.Acquire(channel) // refresh
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	s.sweep()
	assert.Equal(t, 1, s.ActiveStreams(), "refreshed stream must survive the sweep")
}

func TestSupervisor_Shutdown(t *testing.T) {
	s := NewSupervisor(testSupervisorConfig(), blockingFactory)

	_, err := s.Acquire(ChannelSpec{ID: "ch1"})
	require.NoError(t, err)

	s.Shutdown()

	_, err = s.Acquire(ChannelSpec{ID: "ch2"})
	assert.ErrorIs(t, err, ErrSupervisorClosed)
	assert.Equal(t, 0, s.ActiveStreams())
}

func TestSupervisor_Stats(t *testing.T) {
	s := NewSupervisor(testSupervisorConfig(), blockingFactory)
	defer s.Shutdown()

	_, err := s.Acquire(ChannelSpec{ID: "ch1", Name: "One"})
	require.NoError(t, err)

	stats := s.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "ch1", stats[0].ChannelID)
	assert.Equal(t, "One", stats[0].ChannelName)
	assert.Equal(t, "awaiting_init", stats[0].Pipeline.State)
	assert.NotEmpty(t, stats[0].SessionID)
}

package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Supervisor errors.
var (
	ErrSupervisorClosed = errors.New("supervisor closed")
	ErrTunerLimit       = errors.New("all tuners in use")
)

// ChannelSpec identifies a tunable channel to the supervisor.
type ChannelSpec struct {
	ID         string
	Name       string
	CaptureURL string
}

// Source provides the capture byte stream for one channel. Implementations
// live outside this package; the command-based capture source is the
// production one.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// SourceFactory builds a Source for a channel.
type SourceFactory func(channel ChannelSpec) (Source, error)

// SupervisorConfig configures stream supervision.
type SupervisorConfig struct {
	// TargetSegmentDuration, MaxSegments, and KeyframeDiagnostics are
	// passed through to every pipeline.
	TargetSegmentDuration time.Duration
	MaxSegments           int
	KeyframeDiagnostics   bool

	// MaxStreams bounds concurrent streams (the advertised tuner count).
	// Zero means unlimited.
	MaxStreams int

	// IdleTimeout tears down streams that have had no client requests.
	IdleTimeout time.Duration

	// StartTimeout bounds how long a capture may run without producing a
	// moov before it is restarted.
	StartTimeout time.Duration

	// RestartDelay is the pause between a capture failure and the next
	// attempt.
	RestartDelay time.Duration

	// SweepInterval is how often idle streams are collected.
	SweepInterval time.Duration

	// Logger for structured logging.
	Logger *slog.Logger

	// Clock overrides time.Now; tests inject a fake.
	Clock func() time.Time
}

// DefaultSupervisorConfig returns production defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		TargetSegmentDuration: 4 * time.Second,
		MaxSegments:           10,
		MaxStreams:            4,
		IdleTimeout:           2 * time.Minute,
		StartTimeout:          30 * time.Second,
		RestartDelay:          2 * time.Second,
		SweepInterval:         15 * time.Second,
	}
}

// Supervisor owns the per-channel streams: tune-on-first-request, capture
// restart with pipeline handoff, idle teardown, and health reporting.
type Supervisor struct {
	cfg     SupervisorConfig
	factory SourceFactory
	logger  *slog.Logger
	clock   func() time.Time

	mu      sync.Mutex
	streams map[string]*Stream
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor and starts its idle sweep.
func NewSupervisor(cfg SupervisorConfig, factory SourceFactory) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:     cfg,
		factory: factory,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		streams: make(map[string]*Stream),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.wg.Add(1)
	go s.sweepLoop()

	return s
}

// Acquire returns the stream for a channel, tuning it on first request.
// Every call refreshes the stream's idle clock.
func (s *Supervisor) Acquire(channel ChannelSpec) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSupervisorClosed
	}

	if st, ok := s.streams[channel.ID]; ok {
		st.touch()
		return st, nil
	}

	if s.cfg.MaxStreams > 0 && len(s.streams) >= s.cfg.MaxStreams {
		return nil, ErrTunerLimit
	}

	source, err := s.factory(channel)
	if err != nil {
		return nil, err
	}

	st := newStream(channel, source, s.cfg, s.logger, s.clock)
	s.streams[channel.ID] = st

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		st.run(s.ctx)
	}()

	s.logger.Info("stream tuned",
		slog.String("channel_id", channel.ID),
		slog.String("channel_name", channel.Name),
	)

	return st, nil
}

// Get returns an active stream without tuning.
func (s *Supervisor) Get(channelID string) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[channelID]
	return st, ok
}

// ActiveStreams returns the number of tuned streams.
func (s *Supervisor) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Stats returns a health snapshot of every active stream.
func (s *Supervisor) Stats() []StreamStats {
	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	stats := make([]StreamStats, 0, len(streams))
	for _, st := range streams {
		stats = append(stats, st.Stats())
	}
	return stats
}

// Shutdown stops every stream and waits for their pumps to exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = make(map[string]*Stream)
	s.mu.Unlock()

	s.cancel()
	for _, st := range streams {
		st.stop(true)
	}
	s.wg.Wait()
}

// sweepLoop collects idle streams.
func (s *Supervisor) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Supervisor) sweep() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}

	now := s.clock()

	s.mu.Lock()
	var idle []*Stream
	for id, st := range s.streams {
		if now.Sub(st.lastAccessTime()) > s.cfg.IdleTimeout {
			idle = append(idle, st)
			delete(s.streams, id)
		}
	}
	s.mu.Unlock()

	for _, st := range idle {
		s.logger.Info("tearing down idle stream",
			slog.String("channel_id", st.Channel.ID),
		)
		st.stop(false)
	}
}

// StreamStats is a health snapshot of one supervised stream.
type StreamStats struct {
	SessionID   string        `json:"session_id"`
	ChannelID   string        `json:"channel_id"`
	ChannelName string        `json:"channel_name"`
	StartedAt   time.Time     `json:"started_at"`
	LastAccess  time.Time     `json:"last_access"`
	Handoffs    uint64        `json:"handoffs"`
	Segments    int           `json:"segments"`
	Pipeline    PipelineStats `json:"pipeline"`
}

// Stream is one supervised channel capture: a capture source pumped into the
// current pipeline, with handoff on capture restart. The segment store is
// shared across handoffs so clients observe one continuous playlist.
type Stream struct {
	Channel   ChannelSpec
	SessionID uuid.UUID

	cfg    SupervisorConfig
	logger *slog.Logger
	clock  func() time.Time
	source Source
	store  *Store

	mu         sync.Mutex
	pipeline   *Pipeline
	lastAccess time.Time
	startedAt  time.Time
	handoffs   uint64
	stopping   bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newStream(channel ChannelSpec, source Source, cfg SupervisorConfig, logger *slog.Logger, clock func() time.Time) *Stream {
	now := clock()
	st := &Stream{
		Channel:    channel,
		SessionID:  uuid.New(),
		cfg:        cfg,
		logger:     logger.With(slog.String("channel_id", channel.ID)),
		clock:      clock,
		source:     source,
		store:      NewStore(),
		lastAccess: now,
		startedAt:  now,
	}
	st.pipeline = st.newPipeline(PipelineConfig{})
	return st
}

// newPipeline builds a pipeline bound to the stream's shared store. seed
// carries the handoff values; the zero value means a fresh start.
func (st *Stream) newPipeline(seed PipelineConfig) *Pipeline {
	seed.TargetSegmentDuration = st.cfg.TargetSegmentDuration
	seed.MaxSegments = st.cfg.MaxSegments
	seed.KeyframeDiagnostics = st.cfg.KeyframeDiagnostics
	seed.Store = st.store
	seed.Logger = st.logger
	seed.Clock = st.clock
	return NewPipeline(seed)
}

// Store returns the stream's segment store.
func (st *Stream) Store() *Store {
	return st.store
}

// touch refreshes the idle clock.
func (st *Stream) touch() {
	st.mu.Lock()
	st.lastAccess = st.clock()
	st.mu.Unlock()
}

func (st *Stream) lastAccessTime() time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastAccess
}

// Stats returns the stream's health snapshot.
func (st *Stream) Stats() StreamStats {
	st.mu.Lock()
	pipeline := st.pipeline
	stats := StreamStats{
		SessionID:   st.SessionID.String(),
		ChannelID:   st.Channel.ID,
		ChannelName: st.Channel.Name,
		StartedAt:   st.startedAt,
		LastAccess:  st.lastAccess,
		Handoffs:    st.handoffs,
	}
	st.mu.Unlock()

	stats.Pipeline = pipeline.Stats()
	stats.Segments = st.store.SegmentCount()
	return stats
}

// run is the stream's pump loop: open the capture, copy bytes into the
// pipeline, and on capture failure hand the timeline off to a replacement
// pipeline so indices, init versions, and decode timestamps stay monotonic.
func (st *Stream) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	defer close(done)

	st.mu.Lock()
	st.cancel = cancel
	st.done = done
	st.mu.Unlock()

	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			select {
			case <-ctx.Done():
				return
			case <-time.After(st.cfg.RestartDelay):
			}
		}
		first = false

		rc, err := st.source.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			st.logger.Warn("capture open failed",
				slog.String("error", err.Error()),
			)
			continue
		}

		st.pump(ctx, rc)
		_ = rc.Close()

		if ctx.Err() != nil {
			return
		}

		st.handoff()
	}
}

// pump copies the capture byte stream into the current pipeline. A watchdog
// aborts captures that never produce a moov within the start timeout.
func (st *Stream) pump(ctx context.Context, rc io.ReadCloser) {
	st.mu.Lock()
	pipeline := st.pipeline
	st.mu.Unlock()

	pumpDone := make(chan struct{})
	defer close(pumpDone)

	if st.cfg.StartTimeout > 0 {
		go func() {
			timer := time.NewTimer(st.cfg.StartTimeout)
			defer timer.Stop()
			select {
			case <-pumpDone:
			case <-ctx.Done():
				_ = rc.Close()
			case <-timer.C:
				if pipeline.State() == StateAwaitingInit {
					st.logger.Warn("capture produced no init within start timeout, restarting")
					_ = rc.Close()
				}
			}
		}()
	}

	if _, err := io.Copy(pipeline, rc); err != nil && ctx.Err() == nil {
		st.logger.Warn("capture stream ended",
			slog.String("error", err.Error()),
		)
	}
}

// handoff replaces the current pipeline with a successor seeded from its
// snapshot. The buffered tail is flushed first so segment indices stay
// strictly increasing, then the successor starts with a pending
// discontinuity that a byte-identical init will suppress.
func (st *Stream) handoff() {
	st.mu.Lock()
	old := st.pipeline
	st.mu.Unlock()

	old.MarkDiscontinuity()
	snap := old.Snapshot()
	old.Stop()

	next := st.newPipeline(PipelineConfig{
		InitialTrackTimestamps: snap.TrackTimestamps,
		StartingSegmentIndex:   snap.NextSegmentIndex,
		StartingInitVersion:    snap.InitVersion,
		PreviousInit:           snap.InitSegment,
		PendingDiscontinuity:   true,
		SegmentDurations:       snap.SegmentDurations,
		DiscontinuityIndices:   snap.DiscontinuityIndices,
	})

	st.mu.Lock()
	st.pipeline = next
	st.handoffs++
	handoffs := st.handoffs
	st.mu.Unlock()

	st.logger.Info("pipeline handoff",
		slog.Uint64("handoffs", handoffs),
		slog.Uint64("next_segment_index", snap.NextSegmentIndex),
		slog.Uint64("init_version", snap.InitVersion),
	)
}

// stop tears the stream down. When drain is true the current pipeline
// flushes its buffered tail before stopping.
func (st *Stream) stop(drain bool) {
	st.mu.Lock()
	if st.stopping {
		st.mu.Unlock()
		return
	}
	st.stopping = true
	cancel := st.cancel
	done := st.done
	pipeline := st.pipeline
	st.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	if drain {
		pipeline.Finish()
	} else {
		pipeline.Stop()
	}
}

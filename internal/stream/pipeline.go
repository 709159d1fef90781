package stream

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kineticman/prismcast/internal/mp4"
)

// PipelineState is the segmenter's lifecycle state.
type PipelineState int

const (
	// StateAwaitingInit means the moov has not arrived yet.
	StateAwaitingInit PipelineState = iota
	// StateRunning means the init segment is published and fragments are
	// being segmented.
	StateRunning
	// StateStopped is terminal; further input is discarded.
	StateStopped
)

// String returns the state name for logs and status payloads.
func (s PipelineState) String() string {
	switch s {
	case StateAwaitingInit:
		return "awaiting_init"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Duration-anomaly clamp bounds: a fragment duration more than clampFactor
// above or below the track's anchored baseline is treated as bogus and the
// baseline is substituted.
const clampFactor = 20

// minSegmentSeconds floors EXTINF so a zero-duration window entry can never
// stall players.
const minSegmentSeconds = 0.1

// PipelineConfig configures one re-segmentation pipeline instance.
type PipelineConfig struct {
	// TargetSegmentDuration is the wall-clock cut interval.
	TargetSegmentDuration time.Duration

	// MaxSegments is the sliding playlist window size.
	MaxSegments int

	// KeyframeDiagnostics enables per-fragment sync-sample inspection.
	KeyframeDiagnostics bool

	// Store receives published init/segment/playlist data. When nil a
	// fresh store is created; supervision passes the stream's shared
	// store so segments survive pipeline handoffs.
	Store *Store

	// Handoff seeds carried over from a predecessor pipeline.
	InitialTrackTimestamps map[uint32]uint64
	StartingSegmentIndex   uint64
	StartingInitVersion    uint64
	PreviousInit           []byte
	PendingDiscontinuity   bool
	SegmentDurations       map[uint64]float64
	DiscontinuityIndices   []uint64

	// Logger for structured logging.
	Logger *slog.Logger

	// OnError is invoked at most once, on an unrecoverable stream-level
	// parse error. The pipeline is stopped before the call.
	OnError func(error)

	// OnStop is invoked exactly once when the pipeline stops.
	OnStop func()

	// Clock overrides time.Now for the cut policy. Tests inject a fake.
	Clock func() time.Time
}

// DefaultPipelineConfig returns a config with production defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		TargetSegmentDuration: 4 * time.Second,
		MaxSegments:           10,
	}
}

// PipelineStats is a read-only health view of one pipeline.
type PipelineStats struct {
	State            string                 `json:"state"`
	SegmentsEmitted  uint64                 `json:"segments_emitted"`
	NextSegmentIndex uint64                 `json:"next_segment_index"`
	InitVersion      uint64                 `json:"init_version"`
	BytesIngested    uint64                 `json:"bytes_ingested"`
	RewriteFaults    uint64                 `json:"rewrite_faults"`
	ClampCorrections uint64                 `json:"clamp_corrections"`
	Keyframes        *KeyframeStatsSnapshot `json:"keyframes,omitempty"`
}

// Snapshot captures the state supervision carries across a handoff.
type Snapshot struct {
	InitSegment          []byte
	InitVersion          uint64
	NextSegmentIndex     uint64
	TrackTimestamps      map[uint32]uint64
	SegmentDurations     map[uint64]float64
	DiscontinuityIndices []uint64
}

// Pipeline ingests a continuous fMP4 byte stream and republishes it as HLS
// media segments with monotonic decode timestamps. All mutations happen on
// the ingest path; observers read through the Store or via Snapshot/Stats.
type Pipeline struct {
	cfg    PipelineConfig
	logger *slog.Logger
	clock  func() time.Time
	store  *Store
	parser *mp4.Parser

	mu    sync.Mutex
	state PipelineState

	// Init handling
	ftyp        []byte
	initBytes   []byte
	initVersion uint64

	// Track metadata from the moov
	timescales   map[uint32]uint32
	trexDefaults map[uint32]mp4.TrackDefaults

	// Timestamp rewriting
	counters  map[uint32]uint64
	baselines map[uint32]uint64

	// Current segment accumulation
	buffer           bytes.Buffer
	fragmentsBuffered int
	accumulated      map[uint32]uint64
	segmentStart     time.Time
	firstMoofChecked bool

	// Window bookkeeping
	nextIndex            uint64
	durations            map[uint64]float64
	discontinuities      map[uint64]struct{}
	pendingDiscontinuity bool

	// Health counters
	segmentsEmitted uint64
	bytesIngested   uint64
	rewriteFaults   uint64
	clampCount      uint64
	keyframes       *KeyframeStats

	errorReported bool
}

// NewPipeline creates a pipeline. Supervision seeds the handoff fields; a
// fresh start leaves them zero.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.TargetSegmentDuration <= 0 {
		cfg.TargetSegmentDuration = 4 * time.Second
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Store == nil {
		cfg.Store = NewStore()
	}

	p := &Pipeline{
		cfg:                  cfg,
		logger:               cfg.Logger,
		clock:                cfg.Clock,
		store:                cfg.Store,
		timescales:           make(map[uint32]uint32),
		trexDefaults:         make(map[uint32]mp4.TrackDefaults),
		counters:             make(map[uint32]uint64),
		baselines:            make(map[uint32]uint64),
		accumulated:          make(map[uint32]uint64),
		nextIndex:            cfg.StartingSegmentIndex,
		initVersion:          cfg.StartingInitVersion,
		durations:            make(map[uint64]float64),
		discontinuities:      make(map[uint64]struct{}),
		pendingDiscontinuity: cfg.PendingDiscontinuity,
	}

	for trackID, ts := range cfg.InitialTrackTimestamps {
		p.counters[trackID] = ts
	}
	for index, dur := range cfg.SegmentDurations {
		p.durations[index] = dur
	}
	for _, index := range cfg.DiscontinuityIndices {
		p.discontinuities[index] = struct{}{}
	}

	if cfg.KeyframeDiagnostics {
		p.keyframes = newKeyframeStats(cfg.Clock)
	}

	p.parser = mp4.NewParser(p.handleBox)
	return p
}

// Store returns the pipeline's segment store.
func (p *Pipeline) Store() *Store {
	return p.store
}

// Write ingests a chunk of the capture byte stream. It implements io.Writer
// so a pump can io.Copy into the pipeline. Input after Stop is discarded. A
// stream-level parse error stops the pipeline and reports through OnError
// exactly once.
func (p *Pipeline) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateStopped {
		return len(data), nil
	}

	p.bytesIngested += uint64(len(data))

	if err := p.parser.Push(data); err != nil {
		p.failLocked(fmt.Errorf("parsing fMP4 stream: %w", err))
		return len(data), err
	}

	return len(data), nil
}

// handleBox dispatches one complete top-level box. Called by the parser with
// p.mu held (Push runs under Write's lock).
func (p *Pipeline) handleBox(boxType string, data []byte) error {
	switch p.state {
	case StateAwaitingInit:
		p.handleInitBox(boxType, data)
	case StateRunning:
		p.handleMediaBox(boxType, data)
	case StateStopped:
		// Discard.
	}
	return nil
}

// handleInitBox accumulates ftyp and moov.
func (p *Pipeline) handleInitBox(boxType string, data []byte) {
	switch boxType {
	case mp4.BoxTypeFTYP:
		p.ftyp = data
	case mp4.BoxTypeMOOV:
		p.publishInit(data)
		p.state = StateRunning
		p.segmentStart = p.clock()
	default:
		// Pre-init boxes other than ftyp carry nothing the init needs.
		p.logger.Debug("ignoring box before init", slog.String("box", boxType))
	}
}

// publishInit assembles ftyp||moov, versions it, and publishes it. A
// byte-identical init across a handoff keeps the previous version and
// suppresses the pending discontinuity: the decoder parameters did not
// change, so clients need neither a re-fetch nor a decoder flush.
func (p *Pipeline) publishInit(moov []byte) {
	init := make([]byte, 0, len(p.ftyp)+len(moov))
	init = append(init, p.ftyp...)
	init = append(init, moov...)

	p.timescales = mp4.ParseTrackTimescales(moov)
	p.trexDefaults = mp4.ParseTrackDefaults(moov)

	switch {
	case p.cfg.PreviousInit != nil && bytes.Equal(p.cfg.PreviousInit, init):
		p.pendingDiscontinuity = false
	case p.initBytes != nil && bytes.Equal(p.initBytes, init):
		// Re-emitted identical header; nothing changed for clients.
	default:
		p.initVersion++
	}
	p.initBytes = init

	p.store.PublishInit(p.initVersion, init)

	p.logger.Info("init segment published",
		slog.Uint64("init_version", p.initVersion),
		slog.Int("init_bytes", len(init)),
		slog.Int("tracks", len(p.timescales)),
	)
}

// handleMediaBox applies the segment-cut policy and accumulates fragment
// bytes.
func (p *Pipeline) handleMediaBox(boxType string, data []byte) {
	switch boxType {
	case mp4.BoxTypeMOOF:
		// Cut before appending so segments begin on fragment boundaries.
		if p.shouldCut() {
			p.emitSegment()
		}
		p.rewriteFragment(data)
		p.buffer.Write(data)
		p.fragmentsBuffered++
	case mp4.BoxTypeMDAT:
		p.buffer.Write(data)
	case mp4.BoxTypeMOOV:
		// A mid-stream moov means the source re-emitted its header. The init
		// is re-published; its version bumps only if the bytes changed.
		p.logger.Warn("moov received mid-stream, re-publishing init")
		p.publishInit(data)
	default:
		// styp, sidx and friends are appended to the current buffer; if the
		// next moof cuts, they end the segment being emitted.
		p.buffer.Write(data)
	}
}

// shouldCut implements the cut policy: never cut an empty buffer; cut at
// the first complete fragment pair until the first segment exists; after
// that cut once the wall-clock target has elapsed.
func (p *Pipeline) shouldCut() bool {
	if p.fragmentsBuffered == 0 || p.buffer.Len() == 0 {
		return false
	}
	if p.segmentsEmitted == 0 {
		return true
	}
	return p.clock().Sub(p.segmentStart) >= p.cfg.TargetSegmentDuration
}

// rewriteFragment rewrites the moof's decode timestamps and records the
// duration advance, applying the sanity clamp against each track's anchored
// baseline. A rewrite failure is a per-fragment fault: the moof passes
// through with its source timestamps and no counter moves.
func (p *Pipeline) rewriteFragment(moof []byte) {
	segmentLeading := !p.firstMoofChecked
	p.firstMoofChecked = true

	if p.keyframes != nil {
		p.keyframes.RecordMoof(mp4.FragmentKeyframeStatus(moof, p.trexDefaults), segmentLeading)
	}

	durations, err := mp4.RewriteFragmentTimestamps(moof, p.counters, p.trexDefaults)
	if err != nil {
		p.rewriteFaults++
		p.logger.Debug("fragment rewrite failed, passing through",
			slog.String("error", err.Error()),
		)
		return
	}

	for trackID, duration := range durations {
		p.accumulated[trackID] += p.clampDuration(trackID, duration)
	}
}

// clampDuration anchors the first nonzero duration per track as its
// baseline, then rejects advances outside [baseline/20, baseline*20] by
// reverting the counter and substituting the baseline. The subtraction
// cannot wrap: the rewriter advanced the counter by duration just prior.
func (p *Pipeline) clampDuration(trackID uint32, duration uint64) uint64 {
	baseline, anchored := p.baselines[trackID]
	if !anchored {
		if duration > 0 {
			p.baselines[trackID] = duration
		}
		return duration
	}

	if duration > baseline*clampFactor || duration < baseline/clampFactor {
		p.counters[trackID] = p.counters[trackID] - duration + baseline
		p.clampCount++
		p.logger.Debug("fragment duration outside sane bounds, clamped to baseline",
			slog.Uint64("track_id", uint64(trackID)),
			slog.Uint64("duration", duration),
			slog.Uint64("baseline", baseline),
		)
		return baseline
	}

	return duration
}

// emitSegment publishes the buffered fragments as one media segment and
// regenerates the playlist.
func (p *Pipeline) emitSegment() {
	index := p.nextIndex

	if p.pendingDiscontinuity {
		p.discontinuities[index] = struct{}{}
		p.pendingDiscontinuity = false
	}

	p.durations[index] = p.segmentMediaDuration()

	data := make([]byte, p.buffer.Len())
	copy(data, p.buffer.Bytes())

	p.nextIndex++
	p.segmentsEmitted++

	evictBelow := uint64(0)
	if p.nextIndex > uint64(p.cfg.MaxSegments) {
		evictBelow = p.nextIndex - uint64(p.cfg.MaxSegments)
	}
	for i := range p.durations {
		if i < evictBelow {
			delete(p.durations, i)
		}
	}
	for i := range p.discontinuities {
		if i < evictBelow {
			delete(p.discontinuities, i)
		}
	}

	p.store.PublishSegment(index, data, p.renderPlaylistLocked(evictBelow), evictBelow)

	p.logger.Debug("segment emitted",
		slog.Uint64("index", index),
		slog.Int("bytes", len(data)),
		slog.Float64("duration_s", p.durations[index]),
	)

	// Reset per-segment counters.
	p.buffer.Reset()
	p.fragmentsBuffered = 0
	p.accumulated = make(map[uint32]uint64)
	p.firstMoofChecked = false
	p.segmentStart = p.clock()
}

// segmentMediaDuration derives EXTINF for the buffered segment: the maximum
// per-track media time, falling back to wall clock when no track produced a
// timed duration, floored at minSegmentSeconds.
func (p *Pipeline) segmentMediaDuration() float64 {
	var media float64
	for trackID, units := range p.accumulated {
		timescale, ok := p.timescales[trackID]
		if !ok || timescale == 0 || units == 0 {
			continue
		}
		if d := float64(units) / float64(timescale); d > media {
			media = d
		}
	}

	if media == 0 {
		media = p.clock().Sub(p.segmentStart).Seconds()
	}
	if media < minSegmentSeconds {
		media = minSegmentSeconds
	}
	return media
}

// renderPlaylistLocked builds the playlist for the current window. Callers
// hold p.mu.
func (p *Pipeline) renderPlaylistLocked(evictBelow uint64) string {
	var segments []playlistSegment
	for i := evictBelow; i < p.nextIndex; i++ {
		duration, ok := p.durations[i]
		if !ok {
			continue // index predates this stream (partial handoff seed)
		}
		_, discontinuity := p.discontinuities[i]
		segments = append(segments, playlistSegment{
			Index:         i,
			Duration:      duration,
			Discontinuity: discontinuity,
		})
	}

	return renderPlaylist(int(p.cfg.TargetSegmentDuration/time.Second), p.initVersion, segments)
}

// MarkDiscontinuity is invoked by supervision after a disruptive recovery.
// Whatever is buffered is emitted immediately as a short segment, and the
// next emitted segment is flagged as a discontinuity.
func (p *Pipeline) MarkDiscontinuity() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateStopped {
		return
	}
	if p.buffer.Len() > 0 {
		p.emitSegment()
	}
	p.pendingDiscontinuity = true
}

// Finish flushes the end-of-stream remainder: any buffered fragments are
// emitted as a final short segment, then the pipeline stops.
func (p *Pipeline) Finish() {
	p.mu.Lock()
	if p.state == StateRunning && p.buffer.Len() > 0 {
		p.emitSegment()
	}
	p.stopLocked()
	p.mu.Unlock()
}

// Stop terminates the pipeline without flushing the fragment buffer.
// Idempotent; in-flight input after stop is dropped.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopLocked()
	p.mu.Unlock()
}

func (p *Pipeline) stopLocked() {
	if p.state == StateStopped {
		return
	}
	p.state = StateStopped
	p.parser.Flush()
	if p.cfg.OnStop != nil {
		p.cfg.OnStop()
	}
}

// failLocked stops the pipeline and reports a stream-level error exactly
// once. Callers hold p.mu.
func (p *Pipeline) failLocked(err error) {
	p.logger.Error("pipeline failed", slog.String("error", err.Error()))
	p.stopLocked()
	if !p.errorReported && p.cfg.OnError != nil {
		p.errorReported = true
		p.cfg.OnError(err)
	}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Snapshot returns the values supervision seeds into a successor pipeline.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		InitVersion:      p.initVersion,
		NextSegmentIndex: p.nextIndex,
		TrackTimestamps:  make(map[uint32]uint64, len(p.counters)),
		SegmentDurations: make(map[uint64]float64, len(p.durations)),
	}
	if p.initBytes != nil {
		snap.InitSegment = append([]byte{}, p.initBytes...)
	}
	for trackID, ts := range p.counters {
		snap.TrackTimestamps[trackID] = ts
	}
	for index, dur := range p.durations {
		snap.SegmentDurations[index] = dur
	}
	for index := range p.discontinuities {
		snap.DiscontinuityIndices = append(snap.DiscontinuityIndices, index)
	}
	return snap
}

// Stats returns the pipeline's health counters.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PipelineStats{
		State:            p.state.String(),
		SegmentsEmitted:  p.segmentsEmitted,
		NextSegmentIndex: p.nextIndex,
		InitVersion:      p.initVersion,
		BytesIngested:    p.bytesIngested,
		RewriteFaults:    p.rewriteFaults,
		ClampCorrections: p.clampCount,
	}
	if p.keyframes != nil {
		snap := p.keyframes.Snapshot()
		stats.Keyframes = &snap
	}
	return stats
}

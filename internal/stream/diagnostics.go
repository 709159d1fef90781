package stream

import (
	"sync"
	"time"

	"github.com/kineticman/prismcast/internal/mp4"
)

// KeyframeStats accumulates rolling keyframe cadence statistics. It is
// observational only and never influences the segment cut policy.
type KeyframeStats struct {
	mu    sync.Mutex
	clock func() time.Time

	keyframeCount      uint64
	nonKeyframeCount   uint64
	indeterminateCount uint64

	segmentsWithoutLeadingKeyframe uint64

	lastKeyframeAt time.Time
	minInterval    time.Duration
	maxInterval    time.Duration
	intervalSum    time.Duration
	intervalCount  uint64
}

// KeyframeStatsSnapshot is a read-only view of the rolling counters.
type KeyframeStatsSnapshot struct {
	KeyframeCount                  uint64 `json:"keyframe_count"`
	NonKeyframeCount               uint64 `json:"non_keyframe_count"`
	IndeterminateCount             uint64 `json:"indeterminate_count"`
	SegmentsWithoutLeadingKeyframe uint64 `json:"segments_without_leading_keyframe"`
	MinIntervalMs                  int64  `json:"min_interval_ms"`
	MaxIntervalMs                  int64  `json:"max_interval_ms"`
	AvgIntervalMs                  int64  `json:"avg_interval_ms"`
}

func newKeyframeStats(clock func() time.Time) *KeyframeStats {
	return &KeyframeStats{clock: clock}
}

// RecordMoof records one fragment's keyframe status. segmentLeading marks
// the first fragment of a new media segment.
func (k *KeyframeStats) RecordMoof(status mp4.KeyframeStatus, segmentLeading bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch status {
	case mp4.KeyframeSync:
		k.keyframeCount++
		now := k.clock()
		if !k.lastKeyframeAt.IsZero() {
			interval := now.Sub(k.lastKeyframeAt)
			if k.intervalCount == 0 || interval < k.minInterval {
				k.minInterval = interval
			}
			if interval > k.maxInterval {
				k.maxInterval = interval
			}
			k.intervalSum += interval
			k.intervalCount++
		}
		k.lastKeyframeAt = now
	case mp4.KeyframeNonSync:
		k.nonKeyframeCount++
	default:
		k.indeterminateCount++
	}

	if segmentLeading && status == mp4.KeyframeNonSync {
		k.segmentsWithoutLeadingKeyframe++
	}
}

// Snapshot returns a copy of the current counters.
func (k *KeyframeStats) Snapshot() KeyframeStatsSnapshot {
	k.mu.Lock()
	defer k.mu.Unlock()

	snap := KeyframeStatsSnapshot{
		KeyframeCount:                  k.keyframeCount,
		NonKeyframeCount:               k.nonKeyframeCount,
		IndeterminateCount:             k.indeterminateCount,
		SegmentsWithoutLeadingKeyframe: k.segmentsWithoutLeadingKeyframe,
	}
	if k.intervalCount > 0 {
		snap.MinIntervalMs = k.minInterval.Milliseconds()
		snap.MaxIntervalMs = k.maxInterval.Milliseconds()
		snap.AvgIntervalMs = (k.intervalSum / time.Duration(k.intervalCount)).Milliseconds()
	}
	return snap
}

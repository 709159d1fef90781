package mp4

import "encoding/binary"

// KeyframeStatus classifies the first sample of a movie fragment.
type KeyframeStatus int

const (
	// KeyframeIndeterminate means no sample flags were resolvable.
	KeyframeIndeterminate KeyframeStatus = iota
	// KeyframeSync means the fragment opens on a sync sample.
	KeyframeSync
	// KeyframeNonSync means the fragment opens mid-GOP.
	KeyframeNonSync
)

// String returns the status as a short diagnostic label.
func (s KeyframeStatus) String() string {
	switch s {
	case KeyframeSync:
		return "keyframe"
	case KeyframeNonSync:
		return "non-keyframe"
	default:
		return "indeterminate"
	}
}

// sample_flags bit layout (ISO/IEC 14496-12 §8.8.3.1).
const (
	sampleIsNonSyncSample = 0x00010000
	sampleDependsOnShift  = 24
	sampleDependsOnMask   = 0x3
)

// isSyncSampleFlags reports whether sample_flags describe a sync sample. A
// sample is sync when sample_is_non_sync_sample is clear and
// sample_depends_on is not 1 (depends-on-others). A depends_on of 2
// (independent) or 0 (unknown) both qualify, matching the decode-time
// semantics players apply.
func isSyncSampleFlags(flags uint32) bool {
	if flags&sampleIsNonSyncSample != 0 {
		return false
	}
	return (flags>>sampleDependsOnShift)&sampleDependsOnMask != 1
}

// FragmentKeyframeStatus inspects the first traf of a moof and reports
// whether its first sample is a sync sample. Flag resolution order: the
// trun's first-sample-flags, then per-sample flags, then the tfhd default,
// then the trex default. With none present the result is indeterminate.
func FragmentKeyframeStatus(moof []byte, trexDefaults map[uint32]TrackDefaults) KeyframeStatus {
	status := KeyframeIndeterminate

	_ = forEachChild(moof, func(boxType string, box []byte) error {
		if boxType != BoxTypeTRAF {
			return nil
		}
		status = trafKeyframeStatus(box, trexDefaults)
		return errStopWalk // first traf decides the moof's status
	})

	return status
}

func trafKeyframeStatus(traf []byte, trexDefaults map[uint32]TrackDefaults) KeyframeStatus {
	tfhd, err := parseTfhd(traf)
	if err != nil {
		return KeyframeIndeterminate
	}

	trun := findChild(traf, BoxTypeTRUN)
	if trun != nil {
		if flags, ok := trunFirstSampleFlags(trun); ok {
			return statusFromFlags(flags)
		}
	}

	if tfhd.hasDefaultFlags {
		return statusFromFlags(tfhd.defaultFlags)
	}
	if defaults, ok := trexDefaults[tfhd.trackID]; ok {
		return statusFromFlags(defaults.SampleFlags)
	}
	return KeyframeIndeterminate
}

func statusFromFlags(flags uint32) KeyframeStatus {
	if isSyncSampleFlags(flags) {
		return KeyframeSync
	}
	return KeyframeNonSync
}

// trunFirstSampleFlags extracts the sample flags governing the trun's first
// sample, from first-sample-flags when present, otherwise from the first
// per-sample flags entry.
func trunFirstSampleFlags(trun []byte) (uint32, bool) {
	if len(trun) < 16 {
		return 0, false
	}

	flags := binary.BigEndian.Uint32(trun[8:12]) & 0xFFFFFF
	sampleCount := binary.BigEndian.Uint32(trun[12:16])

	cursor := 16
	if flags&trunDataOffsetPresent != 0 {
		cursor += 4
	}

	if flags&trunFirstSampleFlagsPresent != 0 {
		if len(trun) < cursor+4 {
			return 0, false
		}
		return binary.BigEndian.Uint32(trun[cursor : cursor+4]), true
	}

	if flags&trunSampleFlagsPresent != 0 && sampleCount > 0 {
		// Skip to the first sample's flags field.
		if flags&trunSampleDurationPresent != 0 {
			cursor += 4
		}
		if flags&trunSampleSizePresent != 0 {
			cursor += 4
		}
		if len(trun) < cursor+4 {
			return 0, false
		}
		return binary.BigEndian.Uint32(trun[cursor : cursor+4]), true
	}

	return 0, false
}

package mp4

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Rewriter errors. Any of these leaves the moof byte-for-byte untouched.
var (
	ErrMissingTfhd = errors.New("traf missing tfhd")
	ErrMissingTfdt = errors.New("traf missing tfdt")
)

// tfhd flag bits (ISO/IEC 14496-12 §8.8.7).
const (
	tfhdBaseDataOffsetPresent        = 0x000001
	tfhdSampleDescriptionIdxPresent  = 0x000002
	tfhdDefaultSampleDurationPresent = 0x000008
	tfhdDefaultSampleSizePresent     = 0x000010
	tfhdDefaultSampleFlagsPresent    = 0x000020
)

// trun flag bits (ISO/IEC 14496-12 §8.8.8).
const (
	trunDataOffsetPresent       = 0x000001
	trunFirstSampleFlagsPresent = 0x000004
	trunSampleDurationPresent   = 0x000100
	trunSampleSizePresent       = 0x000200
	trunSampleFlagsPresent      = 0x000400
	trunSampleCompOffsetPresent = 0x000800
)

// tfhdInfo holds the fields of a parsed track fragment header.
type tfhdInfo struct {
	trackID            uint32
	defaultDuration    uint32
	defaultFlags       uint32
	hasDefaultDuration bool
	hasDefaultFlags    bool
}

// tfdtPatch records a planned in-place rewrite of one tfdt box. The slice
// aliases the moof buffer, so writing through it mutates the fragment.
type tfdtPatch struct {
	tfdt  []byte
	value uint64
}

func (p tfdtPatch) apply() {
	// tfdt: version(1) flags(3) baseMediaDecodeTime(4 or 8)
	if p.tfdt[8] == 1 {
		binary.BigEndian.PutUint64(p.tfdt[12:20], p.value)
	} else {
		binary.BigEndian.PutUint32(p.tfdt[12:16], uint32(p.value))
	}
}

// RewriteFragmentTimestamps overwrites tfdt.baseMediaDecodeTime in every traf
// of the moof with the current counter value for that traf's track, then
// advances the counter by the traf's total sample duration computed from its
// trun boxes. The moof is modified in place; no box sizes change.
//
// trexDefaults supplies per-track fallback sample durations for truns that
// carry neither per-sample durations nor a tfhd default.
//
// The returned map holds each rewritten track's duration advance in track
// timescale units. On error no counter is advanced and the moof is left
// byte-for-byte untouched.
func RewriteFragmentTimestamps(moof []byte, counters map[uint32]uint64, trexDefaults map[uint32]TrackDefaults) (map[uint32]uint64, error) {
	// Plan first, patch after: a malformed traf must not leave the moof
	// half-rewritten.
	var patches []tfdtPatch
	durations := make(map[uint32]uint64)
	planned := make(map[uint32]uint64)

	err := forEachChild(moof, func(boxType string, box []byte) error {
		if boxType != BoxTypeTRAF {
			return nil
		}

		tfhd, err := parseTfhd(box)
		if err != nil {
			return err
		}

		tfdt := findChild(box, BoxTypeTFDT)
		if tfdt == nil {
			return ErrMissingTfdt
		}
		if err := validateTfdt(tfdt); err != nil {
			return err
		}

		defaultDur := tfhd.defaultDuration
		if !tfhd.hasDefaultDuration {
			defaultDur = trexDefaults[tfhd.trackID].SampleDuration
		}

		duration, err := trafSampleDuration(box, defaultDur)
		if err != nil {
			return err
		}

		next, ok := planned[tfhd.trackID]
		if !ok {
			next = counters[tfhd.trackID]
		}
		patches = append(patches, tfdtPatch{tfdt: tfdt, value: next})
		planned[tfhd.trackID] = next + duration
		durations[tfhd.trackID] += duration
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, p := range patches {
		p.apply()
	}
	for trackID, next := range planned {
		counters[trackID] = next
	}

	return durations, nil
}

// parseTfhd locates and decodes the traf's track fragment header.
func parseTfhd(traf []byte) (tfhdInfo, error) {
	tfhd := findChild(traf, BoxTypeTFHD)
	if tfhd == nil {
		return tfhdInfo{}, ErrMissingTfhd
	}
	if len(tfhd) < 16 {
		return tfhdInfo{}, fmt.Errorf("%w: tfhd", ErrTruncatedBox)
	}

	flags := binary.BigEndian.Uint32(tfhd[8:12]) & 0xFFFFFF
	info := tfhdInfo{
		trackID: binary.BigEndian.Uint32(tfhd[12:16]),
	}

	cursor := 16
	if flags&tfhdBaseDataOffsetPresent != 0 {
		cursor += 8
	}
	if flags&tfhdSampleDescriptionIdxPresent != 0 {
		cursor += 4
	}
	if flags&tfhdDefaultSampleDurationPresent != 0 {
		if len(tfhd) < cursor+4 {
			return tfhdInfo{}, fmt.Errorf("%w: tfhd default_sample_duration", ErrTruncatedBox)
		}
		info.defaultDuration = binary.BigEndian.Uint32(tfhd[cursor : cursor+4])
		info.hasDefaultDuration = true
		cursor += 4
	}
	if flags&tfhdDefaultSampleSizePresent != 0 {
		cursor += 4
	}
	if flags&tfhdDefaultSampleFlagsPresent != 0 {
		if len(tfhd) < cursor+4 {
			return tfhdInfo{}, fmt.Errorf("%w: tfhd default_sample_flags", ErrTruncatedBox)
		}
		info.defaultFlags = binary.BigEndian.Uint32(tfhd[cursor : cursor+4])
		info.hasDefaultFlags = true
	}

	return info, nil
}

// validateTfdt checks the tfdt is long enough for its declared version.
func validateTfdt(tfdt []byte) error {
	if len(tfdt) < 12 {
		return fmt.Errorf("%w: tfdt", ErrTruncatedBox)
	}
	switch tfdt[8] {
	case 0:
		if len(tfdt) < 16 {
			return fmt.Errorf("%w: tfdt v0", ErrTruncatedBox)
		}
	case 1:
		if len(tfdt) < 20 {
			return fmt.Errorf("%w: tfdt v1", ErrTruncatedBox)
		}
	default:
		return fmt.Errorf("%w: tfdt version %d", ErrInvalidBoxHeader, tfdt[8])
	}
	return nil
}

// trafSampleDuration sums sample durations across all trun boxes in the traf.
// When a trun omits per-sample durations the default applies to each sample.
func trafSampleDuration(traf []byte, defaultDur uint32) (uint64, error) {
	var total uint64

	err := forEachChild(traf, func(boxType string, box []byte) error {
		if boxType != BoxTypeTRUN {
			return nil
		}
		dur, err := trunDuration(box, defaultDur)
		if err != nil {
			return err
		}
		total += dur
		return nil
	})
	if err != nil {
		return 0, err
	}

	return total, nil
}

// trunDuration computes the total sample duration of one trun box.
func trunDuration(trun []byte, defaultDur uint32) (uint64, error) {
	if len(trun) < 16 {
		return 0, fmt.Errorf("%w: trun", ErrTruncatedBox)
	}

	flags := binary.BigEndian.Uint32(trun[8:12]) & 0xFFFFFF
	sampleCount := binary.BigEndian.Uint32(trun[12:16])

	if flags&trunSampleDurationPresent == 0 {
		return uint64(sampleCount) * uint64(defaultDur), nil
	}

	cursor := 16
	if flags&trunDataOffsetPresent != 0 {
		cursor += 4
	}
	if flags&trunFirstSampleFlagsPresent != 0 {
		cursor += 4
	}

	entrySize := 4 // sample_duration
	if flags&trunSampleSizePresent != 0 {
		entrySize += 4
	}
	if flags&trunSampleFlagsPresent != 0 {
		entrySize += 4
	}
	if flags&trunSampleCompOffsetPresent != 0 {
		entrySize += 4
	}

	var total uint64
	for i := uint32(0); i < sampleCount; i++ {
		if len(trun) < cursor+4 {
			return 0, fmt.Errorf("%w: trun sample %d", ErrTruncatedBox, i)
		}
		total += uint64(binary.BigEndian.Uint32(trun[cursor : cursor+4]))
		cursor += entrySize
	}

	return total, nil
}

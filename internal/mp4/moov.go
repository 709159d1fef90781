package mp4

import "encoding/binary"

// TrackDefaults carries the fragment defaults declared in a track's trex box.
type TrackDefaults struct {
	SampleDuration uint32
	SampleFlags    uint32
}

// ParseTrackTimescales extracts per-track timescales from a moov box by
// walking moov → trak → (tkhd.track_ID, mdia → mdhd.timescale). Malformed
// tracks are skipped, so the result may be partial or empty; callers must
// tolerate missing entries.
func ParseTrackTimescales(moov []byte) map[uint32]uint32 {
	timescales := make(map[uint32]uint32)

	_ = forEachChild(moov, func(boxType string, box []byte) error {
		if boxType != BoxTypeTRAK {
			return nil
		}

		trackID, okID := trakTrackID(box)
		timescale, okTS := trakTimescale(box)
		if okID && okTS {
			timescales[trackID] = timescale
		}
		return nil
	})

	return timescales
}

// ParseTrackDefaults extracts per-track fragment defaults from moov → mvex →
// trex boxes. Returns an empty map when the moov carries no mvex.
func ParseTrackDefaults(moov []byte) map[uint32]TrackDefaults {
	defaults := make(map[uint32]TrackDefaults)

	mvex := findChild(moov, BoxTypeMVEX)
	if mvex == nil {
		return defaults
	}

	_ = forEachChild(mvex, func(boxType string, box []byte) error {
		if boxType != BoxTypeTREX {
			return nil
		}
		// trex: version+flags(4) track_ID(4) default_sample_description_index(4)
		// default_sample_duration(4) default_sample_size(4) default_sample_flags(4)
		if len(box) < 32 {
			return nil
		}
		trackID := binary.BigEndian.Uint32(box[12:16])
		defaults[trackID] = TrackDefaults{
			SampleDuration: binary.BigEndian.Uint32(box[20:24]),
			SampleFlags:    binary.BigEndian.Uint32(box[28:32]),
		}
		return nil
	})

	return defaults
}

// trakTrackID extracts track_ID from the trak's tkhd box.
func trakTrackID(trak []byte) (uint32, bool) {
	tkhd := findChild(trak, BoxTypeTKHD)
	if tkhd == nil || len(tkhd) < 12 {
		return 0, false
	}

	// tkhd: version(1) flags(3) creation(4/8) modification(4/8) track_ID(4)
	switch tkhd[8] {
	case 0:
		if len(tkhd) < 24 {
			return 0, false
		}
		return binary.BigEndian.Uint32(tkhd[20:24]), true
	case 1:
		if len(tkhd) < 32 {
			return 0, false
		}
		return binary.BigEndian.Uint32(tkhd[28:32]), true
	default:
		return 0, false
	}
}

// trakTimescale extracts the timescale from the trak's mdia → mdhd box.
func trakTimescale(trak []byte) (uint32, bool) {
	mdia := findChild(trak, BoxTypeMDIA)
	if mdia == nil {
		return 0, false
	}
	mdhd := findChild(mdia, BoxTypeMDHD)
	if mdhd == nil || len(mdhd) < 12 {
		return 0, false
	}

	// mdhd: version(1) flags(3) creation(4/8) modification(4/8) timescale(4)
	switch mdhd[8] {
	case 0:
		if len(mdhd) < 24 {
			return 0, false
		}
		return binary.BigEndian.Uint32(mdhd[20:24]), true
	case 1:
		if len(mdhd) < 32 {
			return 0, false
		}
		return binary.BigEndian.Uint32(mdhd[28:32]), true
	default:
		return 0, false
	}
}

package mp4

import "encoding/binary"

// Box fixture helpers shared by the package tests.

func makeBox(boxType string, content []byte) []byte {
	size := uint32(8 + len(content))
	box := make([]byte, size)
	binary.BigEndian.PutUint32(box[0:4], size)
	copy(box[4:8], boxType)
	copy(box[8:], content)
	return box
}

func makeExtendedBox(boxType string, content []byte) []byte {
	size := uint64(16 + len(content))
	box := make([]byte, size)
	binary.BigEndian.PutUint32(box[0:4], 1) // extended size marker
	copy(box[4:8], boxType)
	binary.BigEndian.PutUint64(box[8:16], size)
	copy(box[16:], content)
	return box
}

func makeFtyp() []byte {
	content := make([]byte, 8)
	copy(content[0:4], "isom")
	return makeBox("ftyp", content)
}

func makeTkhd(trackID uint32) []byte {
	content := make([]byte, 16) // version(1)+flags(3)+creation(4)+modification(4)+track_ID(4)
	binary.BigEndian.PutUint32(content[12:16], trackID)
	return makeBox("tkhd", content)
}

func makeMdhd(timescale uint32) []byte {
	content := make([]byte, 16) // version(1)+flags(3)+creation(4)+modification(4)+timescale(4)
	binary.BigEndian.PutUint32(content[12:16], timescale)
	return makeBox("mdhd", content)
}

func makeMdhdV1(timescale uint32) []byte {
	content := make([]byte, 24) // version(1)+flags(3)+creation(8)+modification(8)+timescale(4)
	content[0] = 1
	binary.BigEndian.PutUint32(content[20:24], timescale)
	return makeBox("mdhd", content)
}

func makeTrak(trackID, timescale uint32) []byte {
	mdia := makeBox("mdia", makeMdhd(timescale))
	return makeBox("trak", append(makeTkhd(trackID), mdia...))
}

func makeTrex(trackID, defaultDuration, defaultFlags uint32) []byte {
	content := make([]byte, 24)
	binary.BigEndian.PutUint32(content[4:8], trackID)
	binary.BigEndian.PutUint32(content[8:12], 1) // default_sample_description_index
	binary.BigEndian.PutUint32(content[12:16], defaultDuration)
	binary.BigEndian.PutUint32(content[20:24], defaultFlags)
	return makeBox("trex", content)
}

func makeMoov(children ...[]byte) []byte {
	var content []byte
	for _, c := range children {
		content = append(content, c...)
	}
	return makeBox("moov", content)
}

func makeMfhd(seq uint32) []byte {
	content := make([]byte, 8)
	binary.BigEndian.PutUint32(content[4:8], seq)
	return makeBox("mfhd", content)
}

// makeTfhd builds a tfhd carrying only track_ID.
func makeTfhd(trackID uint32) []byte {
	content := make([]byte, 8)
	binary.BigEndian.PutUint32(content[4:8], trackID)
	return makeBox("tfhd", content)
}

// makeTfhdDefaults builds a tfhd with default_sample_duration and
// default_sample_flags present.
func makeTfhdDefaults(trackID, defaultDuration, defaultFlags uint32) []byte {
	content := make([]byte, 16)
	binary.BigEndian.PutUint32(content[0:4], tfhdDefaultSampleDurationPresent|tfhdDefaultSampleFlagsPresent)
	binary.BigEndian.PutUint32(content[4:8], trackID)
	binary.BigEndian.PutUint32(content[8:12], defaultDuration)
	binary.BigEndian.PutUint32(content[12:16], defaultFlags)
	return makeBox("tfhd", content)
}

func makeTfdt(version byte, decodeTime uint64) []byte {
	if version == 1 {
		content := make([]byte, 12)
		content[0] = 1
		binary.BigEndian.PutUint64(content[4:12], decodeTime)
		return makeBox("tfdt", content)
	}
	content := make([]byte, 8)
	binary.BigEndian.PutUint32(content[4:8], uint32(decodeTime))
	return makeBox("tfdt", content)
}

// makeTrunDurations builds a trun with per-sample durations only.
func makeTrunDurations(durations []uint32) []byte {
	content := make([]byte, 8+4*len(durations))
	binary.BigEndian.PutUint32(content[0:4], trunSampleDurationPresent)
	binary.BigEndian.PutUint32(content[4:8], uint32(len(durations)))
	for i, d := range durations {
		binary.BigEndian.PutUint32(content[8+4*i:12+4*i], d)
	}
	return makeBox("trun", content)
}

// makeTrunCount builds a trun declaring sampleCount samples with no
// per-sample fields.
func makeTrunCount(sampleCount uint32) []byte {
	content := make([]byte, 8)
	binary.BigEndian.PutUint32(content[4:8], sampleCount)
	return makeBox("trun", content)
}

// makeTrunFirstFlags builds a trun with first-sample-flags present.
func makeTrunFirstFlags(firstFlags, sampleCount uint32) []byte {
	content := make([]byte, 12)
	binary.BigEndian.PutUint32(content[0:4], trunFirstSampleFlagsPresent)
	binary.BigEndian.PutUint32(content[4:8], sampleCount)
	binary.BigEndian.PutUint32(content[8:12], firstFlags)
	return makeBox("trun", content)
}

// makeTrunSampleFlags builds a trun with per-sample durations and flags.
func makeTrunSampleFlags(durations, sampleFlags []uint32) []byte {
	content := make([]byte, 8+8*len(durations))
	binary.BigEndian.PutUint32(content[0:4], trunSampleDurationPresent|trunSampleFlagsPresent)
	binary.BigEndian.PutUint32(content[4:8], uint32(len(durations)))
	for i := range durations {
		binary.BigEndian.PutUint32(content[8+8*i:12+8*i], durations[i])
		binary.BigEndian.PutUint32(content[12+8*i:16+8*i], sampleFlags[i])
	}
	return makeBox("trun", content)
}

func makeTraf(children ...[]byte) []byte {
	var content []byte
	for _, c := range children {
		content = append(content, c...)
	}
	return makeBox("traf", content)
}

func makeMoof(trafs ...[]byte) []byte {
	content := makeMfhd(1)
	for _, t := range trafs {
		content = append(content, t...)
	}
	return makeBox("moof", content)
}

func makeMdat(data []byte) []byte {
	return makeBox("mdat", data)
}

package stream

import (
	"encoding/binary"
	"sync"
	"time"
)

// Box fixture helpers for pipeline tests, in the same shape the capture
// emits: ftyp || moov || (moof || mdat)*.

func makeBox(boxType string, content []byte) []byte {
	size := uint32(8 + len(content))
	box := make([]byte, size)
	binary.BigEndian.PutUint32(box[0:4], size)
	copy(box[4:8], boxType)
	copy(box[8:], content)
	return box
}

func makeFtyp() []byte {
	content := make([]byte, 8)
	copy(content[0:4], "isom")
	return makeBox("ftyp", content)
}

func makeTkhd(trackID uint32) []byte {
	content := make([]byte, 16)
	binary.BigEndian.PutUint32(content[12:16], trackID)
	return makeBox("tkhd", content)
}

func makeMdhd(timescale uint32) []byte {
	content := make([]byte, 16)
	binary.BigEndian.PutUint32(content[12:16], timescale)
	return makeBox("mdhd", content)
}

func makeTrak(trackID, timescale uint32) []byte {
	mdia := makeBox("mdia", makeMdhd(timescale))
	return makeBox("trak", append(makeTkhd(trackID), mdia...))
}

// makeMoov builds a moov with one video track (track_ID=1) at the given
// timescale.
func makeMoov(timescale uint32) []byte {
	return makeBox("moov", makeTrak(1, timescale))
}

func makeMfhd(seq uint32) []byte {
	content := make([]byte, 8)
	binary.BigEndian.PutUint32(content[4:8], seq)
	return makeBox("mfhd", content)
}

func makeTfhd(trackID uint32) []byte {
	content := make([]byte, 8)
	binary.BigEndian.PutUint32(content[4:8], trackID)
	return makeBox("tfhd", content)
}

func makeTfdt(decodeTime uint64) []byte {
	content := make([]byte, 12)
	content[0] = 1 // version 1, 64-bit decode time
	binary.BigEndian.PutUint64(content[4:12], decodeTime)
	return makeBox("tfdt", content)
}

func makeTrun(durations []uint32) []byte {
	content := make([]byte, 8+4*len(durations))
	binary.BigEndian.PutUint32(content[0:4], 0x000100) // sample-duration-present
	binary.BigEndian.PutUint32(content[4:8], uint32(len(durations)))
	for i, d := range durations {
		binary.BigEndian.PutUint32(content[8+4*i:12+4*i], d)
	}
	return makeBox("trun", content)
}

// makeMoof builds a single-traf moof for track 1 whose trun sums to
// durationUnits, with a placeholder source tfdt.
func makeMoof(sourceTfdt, durationUnits uint64) []byte {
	traf := makeBox("traf", concat(
		makeTfhd(1),
		makeTfdt(sourceTfdt),
		makeTrun([]uint32{uint32(durationUnits)}),
	))
	return makeBox("moof", append(makeMfhd(1), traf...))
}

// makeMoofNoTfhd builds a malformed moof whose traf lacks a tfhd.
func makeMoofNoTfhd(sourceTfdt uint64) []byte {
	traf := makeBox("traf", concat(
		makeTfdt(sourceTfdt),
		makeTrun([]uint32{90000}),
	))
	return makeBox("moof", append(makeMfhd(1), traf...))
}

func makeMdat(payload string) []byte {
	return makeBox("mdat", []byte(payload))
}

// makeFragment is a moof+mdat pair producing durationUnits of track-1 media.
func makeFragment(sourceTfdt, durationUnits uint64) []byte {
	return append(makeMoof(sourceTfdt, durationUnits), makeMdat("frame data")...)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// walkBoxes iterates top-level boxes in data.
func walkBoxes(data []byte, fn func(boxType string, box []byte)) {
	offset := 0
	for offset+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		if size < 8 || offset+size > len(data) {
			return
		}
		fn(string(data[offset+4:offset+8]), data[offset:offset+size])
		offset += size
	}
}

// findBox descends nested containers by box type.
func findBox(box []byte, path ...string) []byte {
	current := box
	for _, want := range path {
		var found []byte
		walkBoxes(current[8:], func(boxType string, child []byte) {
			if boxType == want && found == nil {
				found = child
			}
		})
		if found == nil {
			return nil
		}
		current = found
	}
	return current
}

// firstTfdt returns the decode time of the first moof in a segment.
func firstTfdt(segment []byte) (uint64, bool) {
	var value uint64
	found := false
	walkBoxes(segment, func(boxType string, box []byte) {
		if boxType != "moof" || found {
			return
		}
		tfdt := findBox(box, "traf", "tfdt")
		if tfdt == nil {
			return
		}
		if tfdt[8] == 1 {
			value = binary.BigEndian.Uint64(tfdt[12:20])
		} else {
			value = uint64(binary.BigEndian.Uint32(tfdt[12:16]))
		}
		found = true
	})
	return value, found
}

// countMoofs counts moof boxes in a segment.
func countMoofs(segment []byte) int {
	count := 0
	walkBoxes(segment, func(boxType string, _ []byte) {
		if boxType == "moof" {
			count++
		}
	})
	return count
}

// fakeClock is a manually advanced clock for cut-policy tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Package mp4 provides incremental ISO BMFF (MP4) box parsing and the
// fragment-level inspection and rewriting used by the re-segmentation
// pipeline. Only the boxes the pipeline cares about are understood; anything
// else is passed through opaquely.
package mp4

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Box types relevant to fMP4 re-segmentation.
const (
	BoxTypeFTYP = "ftyp" // File type
	BoxTypeMOOV = "moov" // Movie (init metadata)
	BoxTypeMOOF = "moof" // Movie fragment
	BoxTypeMDAT = "mdat" // Media data
	BoxTypeSTYP = "styp" // Segment type
	BoxTypeSIDX = "sidx" // Segment index
	BoxTypeMVEX = "mvex" // Movie extends
	BoxTypeTREX = "trex" // Track extends (fragment defaults)
	BoxTypeTRAK = "trak" // Track
	BoxTypeTKHD = "tkhd" // Track header
	BoxTypeMDIA = "mdia" // Media
	BoxTypeMDHD = "mdhd" // Media header (timescale)
	BoxTypeTRAF = "traf" // Track fragment
	BoxTypeTFHD = "tfhd" // Track fragment header
	BoxTypeTFDT = "tfdt" // Track fragment decode time
	BoxTypeTRUN = "trun" // Track fragment run
)

// Parsing errors.
var (
	ErrInvalidBoxHeader = errors.New("invalid MP4 box header")
	ErrUnexpectedEOF    = errors.New("unexpected end of data")
	ErrUnboundedBox     = errors.New("box extends to end of stream")
	ErrTruncatedBox     = errors.New("truncated box")
)

// BoxHeader represents an MP4 box header.
type BoxHeader struct {
	Size     uint64 // Total size including header
	Type     string // 4-character box type
	Extended bool   // True if using 64-bit size
}

// peekBoxHeader reads a box header without consuming data.
func peekBoxHeader(data []byte) (BoxHeader, error) {
	if len(data) < 8 {
		return BoxHeader{}, ErrUnexpectedEOF
	}

	size := binary.BigEndian.Uint32(data[0:4])
	header := BoxHeader{
		Size: uint64(size),
		Type: string(data[4:8]),
	}

	switch size {
	case 1:
		// Extended 64-bit size follows the type field.
		if len(data) < 16 {
			return BoxHeader{}, ErrUnexpectedEOF
		}
		header.Size = binary.BigEndian.Uint64(data[8:16])
		header.Extended = true
		if header.Size < 16 {
			return BoxHeader{}, fmt.Errorf("%w: extended size %d below header length", ErrInvalidBoxHeader, header.Size)
		}
	case 0:
		// A size of zero means "to end of file". Capture streams are
		// unbounded, so such a box can never complete.
		return BoxHeader{}, ErrUnboundedBox
	default:
		if header.Size < 8 {
			return BoxHeader{}, fmt.Errorf("%w: size %d below header length", ErrInvalidBoxHeader, header.Size)
		}
	}

	return header, nil
}

// Parser is an incremental top-level box extractor. Bytes are pushed in
// arbitrary chunks (TCP framing gives no box alignment); every complete
// top-level box is delivered to the callback. Nested boxes are not parsed
// here.
type Parser struct {
	buf   bytes.Buffer
	onBox func(boxType string, data []byte) error
	err   error
}

// NewParser creates a parser delivering complete boxes to onBox. The data
// slice handed to the callback includes the box header and is owned by the
// callback.
func NewParser(onBox func(boxType string, data []byte) error) *Parser {
	return &Parser{onBox: onBox}
}

// Push appends bytes to the accumulator and delivers any boxes that are now
// complete. A header-level parse error is sticky: the stream cannot be
// resynchronized, and every subsequent Push returns the same error.
func (p *Parser) Push(data []byte) error {
	if p.err != nil {
		return p.err
	}

	p.buf.Write(data)

	for {
		if p.buf.Len() < 8 {
			return nil
		}

		header, err := peekBoxHeader(p.buf.Bytes())
		if err != nil {
			if errors.Is(err, ErrUnexpectedEOF) {
				// Extended-size header still arriving.
				return nil
			}
			p.err = err
			return err
		}

		if uint64(p.buf.Len()) < header.Size {
			return nil // Wait for more data
		}

		box := make([]byte, header.Size)
		if _, err := io.ReadFull(&p.buf, box); err != nil {
			p.err = err
			return err
		}

		if err := p.onBox(header.Type, box); err != nil {
			p.err = err
			return err
		}
	}
}

// Flush discards any residual partial box.
func (p *Parser) Flush() {
	p.buf.Reset()
}

// Buffered returns the number of bytes awaiting a complete box.
func (p *Parser) Buffered() int {
	return p.buf.Len()
}

// forEachChild walks the direct children of a container box. data is the full
// container including its 8-byte header. The walk stops early when fn returns
// a non-nil error, which is propagated. A malformed child header terminates
// the walk with an error.
func forEachChild(data []byte, fn func(boxType string, box []byte) error) error {
	if len(data) < 8 {
		return ErrTruncatedBox
	}

	offset := 8
	for offset < len(data) {
		header, err := peekBoxHeader(data[offset:])
		if err != nil {
			return err
		}

		end := offset + int(header.Size)
		if end > len(data) {
			return fmt.Errorf("%w: child %q overruns parent", ErrTruncatedBox, header.Type)
		}

		if err := fn(header.Type, data[offset:end]); err != nil {
			return err
		}

		offset = end
	}

	return nil
}

// findChild returns the first direct child of the given type, or nil.
func findChild(data []byte, boxType string) []byte {
	var found []byte
	_ = forEachChild(data, func(t string, box []byte) error {
		if t == boxType && found == nil {
			found = box
			return errStopWalk
		}
		return nil
	})
	return found
}

// errStopWalk is a sentinel used to terminate forEachChild early.
var errStopWalk = errors.New("stop walk")

// Package fragment implements the USB HID fragmentation codec: splitting an
// arbitrary-length frame (up to MaxFrameSize bytes) into 64-byte HID report
// payloads and reassembling them on the other side.
//
// Each report's 64-byte data payload (the HID report ID itself is a separate
// leading byte handled by the transport, not by this package) is laid out
// as: byte 0 = header (bit 7 = LAST, bit 6 = FIRST, bits 5..0 = payload
// length), bytes 1..1+LEN = payload.
//
// The cursor that tracks progress through a frame is an explicit value
// passed by the caller, not function-static state: sharing one fragmenter
// across devices via a package-level cursor would corrupt interleaved
// transfers.
package fragment

import "errors"

const (
	// ReportSize is the size of one HID report's data payload (excluding
	// the report-ID byte itself).
	ReportSize = 64

	// headerSize is the one header byte at the front of each report.
	headerSize = 1

	// MaxPayload is the largest payload a single report can carry.
	MaxPayload = ReportSize - headerSize

	// MaxFrameSize is the largest frame the protocol allows (3 full
	// fragments of MaxPayload bytes each).
	MaxFrameSize = MaxPayload * 3
)

const (
	flagFirst byte = 0x40
	flagLast  byte = 0x80
	lenMask   byte = 0x3F
)

var (
	// ErrFrameTooLong is returned by NextFragment when the input exceeds
	// MaxFrameSize.
	ErrFrameTooLong = errors.New("fragment: frame exceeds maximum size")

	// ErrShortReport is returned by Assemble when a report is too small to
	// contain its header plus declared payload length.
	ErrShortReport = errors.New("fragment: report shorter than its declared length")

	// ErrFirstOffsetMismatch is returned by Assemble when the FIRST bit and
	// the cursor offset disagree (FIRST set with offset != 0, or FIRST
	// clear with offset == 0).
	ErrFirstOffsetMismatch = errors.New("fragment: FIRST flag disagrees with cursor offset")

	// ErrBufferTooSmall is returned by Assemble when the destination
	// buffer cannot hold the reassembled frame so far.
	ErrBufferTooSmall = errors.New("fragment: destination buffer too small")
)

// Cursor tracks progress through one direction (send or receive) of one
// frame. The zero value is ready to use at the start of a new frame.
type Cursor struct {
	offset int
}

// Reset returns the cursor to its initial state, discarding any in-progress
// fragmentation. Used by error-recovery paths that abandon a partial frame.
func (c *Cursor) Reset() { c.offset = 0 }

// NextFragment emits the next report's data payload for input, advancing
// cur. FIRST is set iff cur is at offset 0; LAST is set iff the remaining
// bytes fit in one report, in which case cur is reset to 0 for the next
// frame. more is false exactly when LAST was set.
func NextFragment(input []byte, cur *Cursor) (report [ReportSize]byte, more bool, err error) {
	if len(input) > MaxFrameSize {
		return report, false, ErrFrameTooLong
	}
	if cur.offset > len(input) {
		return report, false, ErrFirstOffsetMismatch
	}

	remaining := input[cur.offset:]
	n := len(remaining)
	if n > MaxPayload {
		n = MaxPayload
	}
	last := n == len(remaining)
	first := cur.offset == 0

	header := byte(n) & lenMask
	if first {
		header |= flagFirst
	}
	if last {
		header |= flagLast
	}
	report[0] = header
	copy(report[1:1+n], remaining[:n])

	cur.offset += n
	if last {
		cur.offset = 0
		return report, false, nil
	}
	return report, true, nil
}

// Assemble appends one report's payload into buf at cur's offset. When the
// report carries LAST, done is true, total is the reassembled frame length,
// and cur is reset to 0 ready for the next frame.
func Assemble(report []byte, buf []byte, cur *Cursor) (done bool, total int, err error) {
	if len(report) < headerSize {
		return false, 0, ErrShortReport
	}
	header := report[0]
	first := header&flagFirst != 0
	last := header&flagLast != 0
	n := int(header & lenMask)

	if first != (cur.offset == 0) {
		return false, 0, ErrFirstOffsetMismatch
	}
	if len(report) < headerSize+n {
		return false, 0, ErrShortReport
	}
	if cur.offset+n > len(buf) {
		return false, 0, ErrBufferTooSmall
	}

	copy(buf[cur.offset:cur.offset+n], report[headerSize:headerSize+n])
	cur.offset += n

	if !last {
		return false, 0, nil
	}
	total = cur.offset
	cur.offset = 0
	return true, total, nil
}

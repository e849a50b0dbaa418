package protocol

import (
	"errors"
	"fmt"

	uuid "github.com/satori/go.uuid"
)

// Header formats, selected by bits 6-5 of the first byte of a new message.
const (
	HeaderGeneral  = 0b00
	HeaderExt13    = 0b01
	HeaderExt16    = 0b10
	HeaderReserved = 0b11
)

const (
	maskContinuation = 0x80
	maskHeader       = 0x60
	maskLength       = 0x1f

	generalHeaderSize = 1
	ext13HeaderSize   = 2
	ext16HeaderSize   = 3

	// Largest payload each header format can declare.
	MaxGeneralLength = 1<<5 - 1
	MaxExt13Length   = 1<<13 - 1
	MaxExt16Length   = 1<<16 - 1
)

var (
	// ErrReservedHeader is returned for a new-message frame using header code 11.
	ErrReservedHeader = errors.New("protocol: reserved header")
	// ErrEmptyFrame is returned for a zero-length frame.
	ErrEmptyFrame = errors.New("protocol: empty frame")
	// ErrShortHeader is returned when a frame ends inside its header.
	ErrShortHeader = errors.New("protocol: frame shorter than header")
	// ErrOrphanContinuation is returned for a continuation frame that arrives
	// while no message is pending.
	ErrOrphanContinuation = errors.New("protocol: continuation without pending message")
)

// Assembler reassembles messages split with the length-prefixed header
// scheme. Any error clears the pending state.
type Assembler struct {
	char      uuid.UUID
	buf       []byte
	remaining int
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

var _ Processor = (*Assembler)(nil)

// Process consumes one frame.
func (a *Assembler) Process(char uuid.UUID, frame []byte) error {
	if len(frame) == 0 {
		a.Clear()
		return ErrEmptyFrame
	}
	a.char = char

	if frame[0]&maskContinuation != 0 {
		if a.remaining == 0 {
			a.Clear()
			return ErrOrphanContinuation
		}
		a.appendBounded(frame[1:])
		return nil
	}

	length, header, err := decodeHeader(frame)
	if err != nil {
		a.Clear()
		return err
	}
	a.buf = make([]byte, 0, length)
	a.remaining = length
	a.appendBounded(frame[header:])
	return nil
}

// appendBounded keeps at most remaining bytes of p. Bytes past the declared
// length are discarded, never carried into a following message.
func (a *Assembler) appendBounded(p []byte) {
	if len(p) >= a.remaining {
		a.buf = append(a.buf, p[:a.remaining]...)
		a.remaining = 0
		return
	}
	a.buf = append(a.buf, p...)
	a.remaining -= len(p)
}

// decodeHeader returns the declared message length and the header size.
func decodeHeader(frame []byte) (length, size int, err error) {
	switch (frame[0] & maskHeader) >> 5 {
	case HeaderGeneral:
		return int(frame[0] & maskLength), generalHeaderSize, nil
	case HeaderExt13:
		if len(frame) < ext13HeaderSize {
			return 0, 0, ErrShortHeader
		}
		return int(frame[0]&maskLength)<<8 | int(frame[1]), ext13HeaderSize, nil
	case HeaderExt16:
		if len(frame) < ext16HeaderSize {
			return 0, 0, ErrShortHeader
		}
		return int(frame[1])<<8 | int(frame[2]), ext16HeaderSize, nil
	default:
		return 0, 0, fmt.Errorf("%w: 0x%02x", ErrReservedHeader, frame[0])
	}
}

// Complete reports whether the declared length has been reached.
func (a *Assembler) Complete() bool { return a.remaining == 0 }

// Remaining returns how many payload bytes are still expected.
func (a *Assembler) Remaining() int { return a.remaining }

// Message returns a copy of the buffered message.
func (a *Assembler) Message() Message {
	data := make([]byte, len(a.buf))
	copy(data, a.buf)
	msg := Message{
		Characteristic: a.char,
		ID:             -1,
		Status:         -1,
		Data:           data,
		MissingData:    !a.Complete(),
	}
	if len(data) >= 2 {
		msg.ID = int(data[0])
		msg.Status = int(data[1])
	}
	return msg
}

// Clear drops the pending message.
func (a *Assembler) Clear() {
	a.buf = nil
	a.remaining = 0
	a.char = uuid.Nil
}

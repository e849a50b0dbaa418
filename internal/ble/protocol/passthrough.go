package protocol

import (
	uuid "github.com/satori/go.uuid"
)

// Passthrough treats every frame as a complete message. It is used for
// devices that never fragment.
type Passthrough struct {
	char   uuid.UUID
	packet []byte
}

// NewPassthrough returns an empty Passthrough processor.
func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

var _ Processor = (*Passthrough)(nil)

func (p *Passthrough) Process(char uuid.UUID, frame []byte) error {
	p.char = char
	p.packet = append([]byte(nil), frame...)
	return nil
}

// Complete reports whether a non-empty frame is buffered.
func (p *Passthrough) Complete() bool { return len(p.packet) > 0 }

func (p *Passthrough) Message() Message {
	return Message{
		Characteristic: p.char,
		ID:             -1,
		Status:         -1,
		Data:           append([]byte(nil), p.packet...),
		MissingData:    !p.Complete(),
	}
}

func (p *Passthrough) Clear() {
	p.char = uuid.Nil
	p.packet = nil
}

// Package protocol implements the framing used for messages exchanged over
// BLE characteristics: the length-prefixed fragmentation scheme, its
// pass-through variant for devices that never fragment, and the CCCD values
// used to enable notifications and indications.
package protocol

import (
	uuid "github.com/satori/go.uuid"
)

// Message is one logical inbound message.
type Message struct {
	// Characteristic is the characteristic that delivered the last frame.
	Characteristic uuid.UUID
	// ID and Status are the first two payload bytes of a fragmented message,
	// or -1 when the payload is too short to carry them.
	ID     int
	Status int
	// Data is the full reassembled payload, ID and Status bytes included.
	Data []byte
	// MissingData is set when the declared length has not been reached yet.
	MissingData bool
}

// Processor turns inbound frames into messages. Implementations are not
// safe for concurrent use; the owner serializes calls.
type Processor interface {
	// Process consumes one frame received on characteristic char.
	Process(char uuid.UUID, frame []byte) error
	// Complete reports whether a whole message is buffered.
	Complete() bool
	// Message returns the buffered message, complete or not.
	Message() Message
	// Clear drops any buffered state.
	Clear()
}

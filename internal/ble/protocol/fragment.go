package protocol

import "fmt"

// DefaultFrameSize is the usable payload of one frame at the default ATT
// MTU of 23 bytes (3 bytes of ATT overhead).
const DefaultFrameSize = 20

// Fragment splits payload into frames of at most frameSize bytes using the
// smallest header format that can declare its length. The first frame
// carries the header; the rest are continuation frames prefixed with 0x80.
// Feeding the frames in order to an Assembler yields payload back.
func Fragment(payload []byte, frameSize int) ([][]byte, error) {
	if len(payload) > MaxExt16Length {
		return nil, fmt.Errorf("protocol: payload of %d bytes exceeds %d", len(payload), MaxExt16Length)
	}
	header := encodeHeader(len(payload))
	if frameSize <= len(header) {
		return nil, fmt.Errorf("protocol: frame size %d cannot carry a %d byte header", frameSize, len(header))
	}

	first := frameSize - len(header)
	if first > len(payload) {
		first = len(payload)
	}
	frames := [][]byte{append(header, payload[:first]...)}
	payload = payload[first:]

	// Continuation frames give up one byte to the 0x80 marker.
	step := frameSize - 1
	for len(payload) > 0 {
		n := step
		if n > len(payload) {
			n = len(payload)
		}
		frame := make([]byte, 0, n+1)
		frame = append(frame, maskContinuation)
		frame = append(frame, payload[:n]...)
		frames = append(frames, frame)
		payload = payload[n:]
	}
	return frames, nil
}

// encodeHeader returns the shortest header declaring length.
func encodeHeader(length int) []byte {
	switch {
	case length <= MaxGeneralLength:
		return []byte{byte(length)}
	case length <= MaxExt13Length:
		return []byte{HeaderExt13<<5 | byte(length>>8), byte(length)}
	default:
		return []byte{HeaderExt16 << 5, byte(length >> 8), byte(length)}
	}
}

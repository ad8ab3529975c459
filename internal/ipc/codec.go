package ipc

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
)

// MaxFrameSize bounds one datagram. Introspection replies are the largest
// frames.
const MaxFrameSize = 256 * 1024

// Encode validates msg and renders it as one frame.
func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	data, err := sonic.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %s: %v", errdefs.ErrChannel, msg.Type, err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %s frame of %d bytes exceeds %d", errdefs.ErrChannel, msg.Type, len(data), MaxFrameSize)
	}
	return data, nil
}

// Decode parses and validates one frame.
func Decode(data []byte) (Message, error) {
	var msg Message
	if len(data) == 0 {
		return msg, fmt.Errorf("%w: empty frame", errdefs.ErrChannel)
	}
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: decoding frame: %v", errdefs.ErrChannel, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

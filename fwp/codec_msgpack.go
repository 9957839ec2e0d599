package fwp

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec is the compact FWP wire format, negotiated by clients
// streaming high-frequency progress (many dispensers reporting per
// job). Msgpack frames travel as binary WebSocket messages.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(frame *Frame) ([]byte, error) {
	return msgpack.Marshal(frame)
}

func (c *MsgpackCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if !f.Type.Valid() {
		return nil, fmt.Errorf("fwp: unknown frame type %q", f.Type)
	}
	return &f, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }

func (c *MsgpackCodec) Binary() bool { return true }

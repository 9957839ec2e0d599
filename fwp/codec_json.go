package fwp

import (
	"encoding/json"
	"fmt"
)

// JSONCodec is the default FWP wire format. JSON frames travel as text
// WebSocket messages so they stay inspectable in browser dev tools and
// proxy logs.
type JSONCodec struct{}

func (c *JSONCodec) Encode(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func (c *JSONCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if !f.Type.Valid() {
		return nil, fmt.Errorf("fwp: unknown frame type %q", f.Type)
	}
	return &f, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }

func (c *JSONCodec) Binary() bool { return false }

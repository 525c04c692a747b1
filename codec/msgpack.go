package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/flowbridge/outcome"
)

// Msgpack is the compact binary codec. Outcome data stays raw JSON inside
// the MessagePack document.
type Msgpack struct{}

func (Msgpack) Encode(o *outcome.Outcome) ([]byte, error) {
	data, err := msgpack.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("flowbridge/codec: msgpack encode: %w", err)
	}
	return data, nil
}

func (Msgpack) Decode(data []byte) (*outcome.Outcome, error) {
	var o outcome.Outcome
	if err := msgpack.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("flowbridge/codec: msgpack decode: %w", err)
	}
	return &o, nil
}

func (Msgpack) Name() string { return NameMsgpack }

package codec

import (
	"encoding/json"
	"fmt"

	"github.com/xraph/flowbridge/outcome"
)

// JSON stores outcomes in the same shape the bridge returns to jobs.
type JSON struct{}

func (JSON) Encode(o *outcome.Outcome) ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("flowbridge/codec: json encode: %w", err)
	}
	return data, nil
}

func (JSON) Decode(data []byte) (*outcome.Outcome, error) {
	var o outcome.Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("flowbridge/codec: json decode: %w", err)
	}
	return &o, nil
}

func (JSON) Name() string { return NameJSON }

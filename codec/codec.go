// Package codec encodes workflow outcomes for byte-oriented correlation
// backends.
package codec

import (
	"fmt"

	"github.com/xraph/flowbridge/outcome"
)

// Codec turns outcomes into bytes and back.
type Codec interface {
	Encode(o *outcome.Outcome) ([]byte, error)
	Decode(data []byte) (*outcome.Outcome, error)

	// Name identifies the codec in configuration ("json", "msgpack").
	Name() string
}

// Codec names accepted by Get.
const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// Default is the codec used when none is configured.
func Default() Codec { return Msgpack{} }

// Get returns the codec called name. An empty name selects Default.
func Get(name string) (Codec, error) {
	switch name {
	case "":
		return Default(), nil
	case NameMsgpack:
		return Msgpack{}, nil
	case NameJSON:
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("flowbridge/codec: unknown codec %q", name)
	}
}

package event

import (
	"encoding/json"
	"time"

	"github.com/xraph/flowbridge/id"
)

// Event is a named signal published to the bus. A workflow suspended in
// WaitForEvent resumes when an unacknowledged event with its name arrives.
type Event struct {
	ID        id.EventID      `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Acked     bool            `json:"acked"`
	CreatedAt time.Time       `json:"created_at"`
}

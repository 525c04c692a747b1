package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/flowbridge/id"
)

// DefaultKeepAlive is how often an idle SSE connection gets a comment line.
const DefaultKeepAlive = 15 * time.Second

// SSEHandler serves broker topics as text/event-stream. The plain handler
// reads topics from repeated ?topic= query parameters; ServeTopics lets
// other handlers pick topics from the route.
type SSEHandler struct {
	broker    *Broker
	keepAlive time.Duration
	logger    *slog.Logger
}

// SSEOption configures an SSEHandler.
type SSEOption func(*SSEHandler)

// WithKeepAlive sets the idle comment interval. Zero disables it.
func WithKeepAlive(d time.Duration) SSEOption {
	return func(h *SSEHandler) { h.keepAlive = d }
}

// NewSSEHandler returns a handler streaming from b.
func NewSSEHandler(b *Broker, opts ...SSEOption) *SSEHandler {
	h := &SSEHandler{broker: b, keepAlive: DefaultKeepAlive, logger: b.logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		http.Error(w, "at least one topic parameter is required", http.StatusBadRequest)
		return
	}
	h.ServeTopics(w, r, topics...)
}

// ServeTopics streams events on topics until the client goes away or the
// broker shuts down. Each event is written as
//
//	id: <n>
//	event: <type>
//	data: <json envelope>
//
// and grants the subscriber one more credit once flushed.
func (h *SSEHandler) ServeTopics(w http.ResponseWriter, r *http.Request, topics ...string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	subID := id.NewSubscriberID().String()
	sub, err := h.broker.Subscribe(subID, topics)
	switch {
	case errors.Is(err, ErrBrokerClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer h.broker.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var tick <-chan time.Time
	if h.keepAlive > 0 {
		t := time.NewTicker(h.keepAlive)
		defer t.Stop()
		tick = t.C
	}

	for seq := 1; ; {
		select {
		case <-r.Context().Done():
			return
		case <-tick:
			if _, err = fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-sub.C():
			if !open {
				return
			}
			if err = writeEvent(w, seq, evt); err != nil {
				h.logger.Debug("sse client gone",
					slog.String("subscriber", subID),
					slog.String("error", err.Error()),
				)
				return
			}
			flusher.Flush()
			sub.AddCredits(1)
			seq++
		}
	}
}

func writeEvent(w http.ResponseWriter, seq int, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, evt.Type, body)
	return err
}

package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xraph/flowbridge/outcome"
)

// readEvent reads one SSE frame, skipping keep-alive comments.
func readEvent(t *testing.T, r *bufio.Reader) map[string]string {
	t.Helper()
	frame := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if len(frame) > 0 {
				return frame
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		k, v, _ := strings.Cut(line, ": ")
		frame[k] = v
	}
}

func TestSSEStreamsTopic(t *testing.T) {
	b := NewBroker(testLogger())
	srv := httptest.NewServer(NewSSEHandler(b, WithKeepAlive(0)))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?topic=job:job_1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if b.SubscriberCount(JobTopic("job_1")) != 1 {
		t.Fatalf("subscribers = %d, want 1", b.SubscriberCount(JobTopic("job_1")))
	}

	now := time.Now().UTC()
	_ = b.OnOutcomeRecorded(ctx, "job_1", outcome.Completed("wfrun_1", json.RawMessage(`{"ok":true}`), now, now))

	frame := readEvent(t, bufio.NewReader(resp.Body))
	if frame["event"] != string(EventOutcomeRecorded) || frame["id"] != "1" {
		t.Errorf("frame = %v", frame)
	}
	var evt Event
	if err = json.Unmarshal([]byte(frame["data"]), &evt); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if evt.Topic != JobTopic("job_1") {
		t.Errorf("topic = %q", evt.Topic)
	}
}

func TestSSERejectsBadTopics(t *testing.T) {
	b := NewBroker(testLogger())
	h := NewSSEHandler(b)

	for _, target := range []string{"/", "/?topic=nope"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestSSEEndsOnShutdown(t *testing.T) {
	b := NewBroker(testLogger())
	srv := httptest.NewServer(NewSSEHandler(b, WithKeepAlive(0)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?topic=firehose")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	_ = b.OnShutdown(context.Background())

	done := make(chan error, 1)
	go func() {
		_, readErr := bufio.NewReader(resp.Body).ReadString('\n')
		done <- readErr
	}()
	select {
	case readErr := <-done:
		if readErr == nil {
			t.Error("expected end of stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after shutdown")
	}
}

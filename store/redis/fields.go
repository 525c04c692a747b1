package redis

import (
	"strconv"
	"time"

	"github.com/xraph/flowbridge/id"
)

// Hash fields hold times as RFC 3339 strings; "" stands for an unset
// optional time.

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s) //nolint:errcheck // trusted store data
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	return &t
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s) //nolint:errcheck // trusted store data
	return n
}

// parseID returns id.Nil for an empty or malformed value.
func parseID(s string) id.ID {
	if s == "" {
		return id.Nil
	}
	v, err := id.Parse(s)
	if err != nil {
		return id.Nil
	}
	return v
}

// score orders members of a time-indexed sorted set.
func score(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMilli())
}

package persistence

import (
	"encoding/json"
	"time"
)

// Payload, address and item columns are stored as JSON text so the audit
// trail stays readable from a SQL shell.

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON[T any](s string) (T, error) {
	var v T
	if s == "" || s == "null" {
		return v, nil
	}
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Timestamps are stored as unix nanoseconds; 0 means unset.

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

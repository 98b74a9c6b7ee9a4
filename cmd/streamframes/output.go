package main

import (
	"encoding/json"
	"io"
	"time"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// parseTimeFlag accepts RFC3339 or unix seconds. Empty is the zero time.
func parseTimeFlag(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	var sec int64
	if err := json.Unmarshal([]byte(raw), &sec); err != nil {
		return time.Time{}, &time.ParseError{Layout: time.RFC3339, Value: raw, Message: ": want RFC3339 or unix seconds"}
	}
	return time.Unix(sec, 0).UTC(), nil
}

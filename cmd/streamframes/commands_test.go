package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"streamframes/internal/stream"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	t.Parallel()
	root := newRootCommand()
	want := []string{"run", "task", "cleanup", "backfill", "retry", "frames", "ingest"}
	for _, name := range want {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("command %q missing", name)
		}
	}
	for _, sub := range []string{"start", "stop", "status", "list"} {
		if c, _, err := root.Find([]string{"task", sub}); err != nil || c.Name() != sub {
			t.Errorf("task %q missing", sub)
		}
	}
	if f := root.PersistentFlags().Lookup("config"); f == nil || f.DefValue != "./config.json" {
		t.Fatal("config flag missing")
	}
}

func TestIngest(t *testing.T) {
	t.Parallel()
	mem := stream.NewMemory("s")
	in := strings.NewReader(`{"time": "2024-01-01T00:00:05Z", "value": 2}
{"time": "2024-01-01T00:00:01Z", "value": 1}
`)
	n, err := ingest(context.Background(), mem, in)
	if err != nil || n != 2 {
		t.Fatalf("n = %d, err = %v", n, err)
	}
	earliest, ok, err := mem.EarliestTime(context.Background())
	if err != nil || !ok || !earliest.Equal(time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)) {
		t.Fatalf("earliest = %v ok=%v err=%v", earliest, ok, err)
	}

	bad := strings.NewReader(`{"time": "2024-01-01T00:00:09Z", "value": 3}
{"value": 4}
`)
	n, err = ingest(context.Background(), mem, bad)
	if err == nil || !strings.Contains(err.Error(), "record 2") || n != 1 {
		t.Fatalf("n = %d, err = %v", n, err)
	}
}

func TestParseTimeFlag(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "", want: time.Time{}},
		{in: "1700000000", want: time.Unix(1_700_000_000, 0).UTC()},
		{in: "2024-01-01T00:00:00+02:00", want: time.Date(2023, 12, 31, 22, 0, 0, 0, time.UTC)},
		{in: "yesterday", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTimeFlag(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskLifecycleCommands(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "storage": {"driver": "sqlite", "path": %q},
  "scheduler": {"enabled": false},
  "streams": {"s": {"driver": "sqlite", "path": %q}},
  "tasks": {"a": {"name": "Event count", "calculator": "count", "stream": "s", "duration": "10s"}}
}`, filepath.Join(dir, "frames.db"), filepath.Join(dir, "stream.db"))
	cfgPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	records := filepath.Join(dir, "records.jsonl")
	if err := os.WriteFile(records, []byte(`{"time": "2024-01-01T00:00:00Z", "value": 1}
{"time": "2024-01-01T00:00:30Z", "value": 1}
`), 0o600); err != nil {
		t.Fatalf("write records: %v", err)
	}

	out, err := execute(t, "--config", cfgPath, "ingest", "s", "-f", records)
	if err != nil || !strings.Contains(out, "2 records appended") {
		t.Fatalf("ingest: %q, %v", out, err)
	}

	out, err = execute(t, "--config", cfgPath, "task", "start", "a")
	if err != nil || strings.TrimSpace(out) != "a: scheduled" {
		t.Fatalf("start: %q, %v", out, err)
	}
	out, err = execute(t, "--config", cfgPath, "task", "list")
	if err != nil || !strings.Contains(out, "scheduled") || !strings.Contains(out, "count") {
		t.Fatalf("list: %q, %v", out, err)
	}
	out, err = execute(t, "--config", cfgPath, "task", "stop", "a")
	if err != nil || strings.TrimSpace(out) != "a: cancelled" {
		t.Fatalf("stop: %q, %v", out, err)
	}

	if _, err := execute(t, "--config", cfgPath, "task", "start", "nope"); err == nil {
		t.Fatal("unknown task accepted")
	}

	out, err = execute(t, "--config", cfgPath, "cleanup", "--dry-run")
	if err != nil || !strings.Contains(out, `"dry_run": true`) {
		t.Fatalf("cleanup: %q, %v", out, err)
	}
}

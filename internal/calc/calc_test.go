package calc

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"streamframes/internal/stream"
	"streamframes/internal/window"
)

func recsAt(vals map[int64]float64, order ...int64) []stream.Record {
	out := make([]stream.Record, 0, len(order))
	for _, s := range order {
		out = append(out, stream.Record{Time: time.Unix(s, 0).UTC(), Value: vals[s]})
	}
	return out
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()
	r := Default()
	if !r.Has("count") || !r.Has("stats") {
		t.Fatalf("builtins missing: %v", r.Names())
	}
	if _, err := r.Resolve("nope", nil); !errors.Is(err, ErrUnknownCalculator) {
		t.Fatalf("err = %v, want ErrUnknownCalculator", err)
	}
	if _, err := r.Resolve("stats", json.RawMessage(`{"bogus":1}`)); err == nil {
		t.Fatal("expected unknown option to be rejected")
	}
	if _, err := r.Resolve("stats", json.RawMessage(`{"min_records":-1}`)); err == nil {
		t.Fatal("expected negative min_records to be rejected")
	}
}

func TestRegistryReplaceTakesEffect(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	mk := func(v int) Factory {
		return func(json.RawMessage) (Calculator, error) {
			return Func(func(context.Context, window.Window, []stream.Record) (Result, error) {
				return Result{Payload: v}, nil
			}), nil
		}
	}
	if err := r.Register("x", mk(1)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("x", mk(2)); err != nil {
		t.Fatal(err)
	}
	c, err := r.Resolve("x", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, _ := c.Compute(context.Background(), window.New(time.Unix(0, 0), time.Second), nil)
	if res.Payload != 2 {
		t.Fatalf("payload = %v, want 2", res.Payload)
	}
	if err := r.Register(" ", mk(3)); err == nil {
		t.Fatal("expected empty name to be rejected")
	}
}

func TestCountCalculator(t *testing.T) {
	t.Parallel()
	c, err := Default().Resolve("count", nil)
	if err != nil {
		t.Fatal(err)
	}
	w := window.New(time.Unix(2, 0), 15*time.Second)

	res, err := c.Compute(context.Background(), w, recsAt(nil, 2, 9, 14))
	if err != nil {
		t.Fatal(err)
	}
	cr := res.Payload.(CountResult)
	if cr.Count != 3 || res.MissingData {
		t.Fatalf("count = %d missing = %v", cr.Count, res.MissingData)
	}
	if !cr.First.Equal(time.Unix(2, 0)) || !cr.Last.Equal(time.Unix(14, 0)) {
		t.Fatalf("first/last = %v/%v", cr.First, cr.Last)
	}

	res, err = c.Compute(context.Background(), w, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.MissingData {
		t.Fatal("empty window must be flagged as missing data")
	}
}

func TestStatsCalculator(t *testing.T) {
	t.Parallel()
	c, err := Default().Resolve("stats", json.RawMessage(`{"min_records":4}`))
	if err != nil {
		t.Fatal(err)
	}
	w := window.New(time.Unix(0, 0), time.Minute)
	vals := map[int64]float64{1: 2, 2: 4, 3: 9}
	res, err := c.Compute(context.Background(), w, recsAt(vals, 1, 2, 3))
	if err != nil {
		t.Fatal(err)
	}
	sr := res.Payload.(StatsResult)
	if sr.Count != 3 || sr.Sum != 15 || *sr.Mean != 5 || *sr.Min != 2 || *sr.Max != 9 {
		t.Fatalf("unexpected stats: %+v", sr)
	}
	if !res.MissingData {
		t.Fatal("fewer than min_records must be flagged as missing data")
	}

	bad := []stream.Record{{Time: time.Unix(1, 0), Value: math.NaN()}}
	if _, err := c.Compute(context.Background(), w, bad); err == nil {
		t.Fatal("expected NaN to fail the computation")
	}
}

func TestStatsRetentionCutoff(t *testing.T) {
	t.Parallel()
	c, err := Default().Resolve("stats", json.RawMessage(`{"retain_windows":2}`))
	if err != nil {
		t.Fatal(err)
	}
	rp, ok := c.(RetentionPolicy)
	if !ok {
		t.Fatal("stats must implement RetentionPolicy")
	}
	def := time.Unix(1000, 0)
	if got := rp.RetentionCutoff(def, 10*time.Second); !got.Equal(time.Unix(980, 0)) {
		t.Fatalf("cutoff = %v, want 980", got.Unix())
	}
}

package calc

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"streamframes/internal/stream"
	"streamframes/internal/window"
)

func registerBuiltins(r *Registry) {
	_ = r.Register("count", newCount)
	_ = r.Register("stats", newStats)
}

// ---- count ----

type CountResult struct {
	Count int        `json:"count"`
	First *time.Time `json:"first,omitempty"`
	Last  *time.Time `json:"last,omitempty"`
}

type countCalc struct{}

func newCount(options json.RawMessage) (Calculator, error) {
	var opt struct{}
	if err := DecodeOptions(options, &opt); err != nil {
		return nil, err
	}
	return countCalc{}, nil
}

func (countCalc) Compute(ctx context.Context, w window.Window, recs []stream.Record) (Result, error) {
	res := CountResult{Count: len(recs)}
	if len(recs) > 0 {
		first, last := recs[0].Time, recs[len(recs)-1].Time
		res.First, res.Last = &first, &last
	}
	return Result{Payload: res, MissingData: len(recs) == 0}, nil
}

// ---- stats ----

type StatsOptions struct {
	// MinRecords flags the frame as missing data when fewer records arrived.
	MinRecords int `json:"min_records,omitempty"`
	// RetainWindows keeps this many extra windows of raw stream data behind
	// the default retention cutoff.
	RetainWindows int `json:"retain_windows,omitempty"`
}

type StatsResult struct {
	Count int      `json:"count"`
	Sum   float64  `json:"sum"`
	Mean  *float64 `json:"mean,omitempty"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
}

type statsCalc struct{ opt StatsOptions }

func newStats(options json.RawMessage) (Calculator, error) {
	var opt StatsOptions
	if err := DecodeOptions(options, &opt); err != nil {
		return nil, err
	}
	if opt.MinRecords < 0 {
		return nil, errors.New("min_records must be >= 0")
	}
	if opt.RetainWindows < 0 {
		return nil, errors.New("retain_windows must be >= 0")
	}
	return statsCalc{opt: opt}, nil
}

func (c statsCalc) Compute(ctx context.Context, w window.Window, recs []stream.Record) (Result, error) {
	res := StatsResult{Count: len(recs)}
	if len(recs) > 0 {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, r := range recs {
			if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
				return Result{}, errors.New("non-finite value in window " + w.String())
			}
			res.Sum += r.Value
			lo = math.Min(lo, r.Value)
			hi = math.Max(hi, r.Value)
		}
		mean := res.Sum / float64(len(recs))
		res.Mean, res.Min, res.Max = &mean, &lo, &hi
	}
	missing := len(recs) == 0 || len(recs) < c.opt.MinRecords
	return Result{Payload: res, MissingData: missing}, nil
}

func (c statsCalc) RetentionCutoff(def time.Time, frameDuration time.Duration) time.Time {
	if c.opt.RetainWindows <= 0 {
		return def
	}
	return def.Add(-time.Duration(c.opt.RetainWindows) * frameDuration)
}

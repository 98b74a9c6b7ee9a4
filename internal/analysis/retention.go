package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"streamframes/internal/calc"
	"streamframes/internal/catalog"
	"streamframes/internal/storage"
	logx "streamframes/pkg/logx"
)

const sweepParallelism = 4

// Advisor computes how much stream history active tasks still need.
type Advisor struct {
	eng *Engine
}

func NewAdvisor(eng *Engine) *Advisor { return &Advisor{eng: eng} }

// Cutoff is the earliest stream time key still needs: the start of its oldest
// frame that is not CleanedUp, or the end of its newest frame when every frame
// is done. ok is false for a task without frames, which constrains nothing.
// A calculator implementing calc.RetentionPolicy may only move it earlier.
func (a *Advisor) Cutoff(ctx context.Context, key string) (time.Time, bool, error) {
	def, err := a.eng.lookup(key)
	if err != nil {
		return time.Time{}, false, err
	}
	return a.cutoff(ctx, def)
}

func (a *Advisor) cutoff(ctx context.Context, def catalog.TaskDefinition) (time.Time, bool, error) {
	// Latest end first: a frame created between the two reads starts at or
	// after it, so taking the min stays conservative.
	end, ok, err := a.eng.store.LatestEnd(ctx, def.Key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	cut := end
	oldest, ok, err := a.eng.store.OldestIncompleteStart(ctx, def.Key)
	if err != nil {
		return time.Time{}, false, err
	}
	if ok && oldest.Before(cut) {
		cut = oldest
	}

	c, err := a.eng.calcs.Resolve(def.Calculator, def.Options)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("task %s: %w", def.Key, err)
	}
	if p, ok := c.(calc.RetentionPolicy); ok {
		if v := p.RetentionCutoff(cut, def.Duration); v.Before(cut) {
			cut = v
		}
	}
	return cut, true, nil
}

// activeDefinitions returns the Scheduled tasks of the current catalog.
func (a *Advisor) activeDefinitions(ctx context.Context) ([]catalog.TaskDefinition, error) {
	states, err := a.eng.store.ListTaskStates(ctx)
	if err != nil {
		return nil, err
	}
	reg := a.eng.Catalog()
	var out []catalog.TaskDefinition
	for _, st := range states {
		if st.ArmStatus != storage.ArmScheduled {
			continue
		}
		def, err := reg.Lookup(st.TaskKey)
		if err != nil {
			continue
		}
		out = append(out, def)
	}
	return out, nil
}

// minCutoff folds task cutoffs. Unconstrained tasks are skipped; nil means
// nothing may be deleted.
func (a *Advisor) minCutoff(ctx context.Context, defs []catalog.TaskDefinition) (*time.Time, error) {
	var out *time.Time
	for _, d := range defs {
		c, ok, err := a.cutoff(ctx, d)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if out == nil || c.Before(*out) {
			v := c
			out = &v
		}
	}
	return out, nil
}

// GlobalCutoff is the minimum cutoff over Scheduled tasks. It is nil when no
// task is Scheduled or none is constrained, and nil deletes nothing.
func (a *Advisor) GlobalCutoff(ctx context.Context) (*time.Time, error) {
	defs, err := a.activeDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	return a.minCutoff(ctx, defs)
}

// StreamCutoffs applies the GlobalCutoff rule per configured stream, counting
// only the Scheduled tasks that read it. A stream whose cutoff could not be
// computed is absent from the map and its error is returned.
func (a *Advisor) StreamCutoffs(ctx context.Context) (map[string]*time.Time, error) {
	cuts, errs := a.streamCutoffs(ctx)
	var err error
	for name, e := range errs {
		err = multierr.Append(err, fmt.Errorf("stream %s: %w", name, e))
	}
	return cuts, err
}

func (a *Advisor) streamCutoffs(ctx context.Context) (map[string]*time.Time, map[string]error) {
	cuts := map[string]*time.Time{}
	errs := map[string]error{}
	defs, err := a.activeDefinitions(ctx)
	if err != nil {
		for _, name := range a.eng.StreamNames() {
			errs[name] = err
		}
		return cuts, errs
	}
	byStream := map[string][]catalog.TaskDefinition{}
	for _, d := range defs {
		byStream[d.Stream] = append(byStream[d.Stream], d)
	}
	for _, name := range a.eng.StreamNames() {
		c, err := a.minCutoff(ctx, byStream[name])
		if err != nil {
			errs[name] = err
			continue
		}
		cuts[name] = c
	}
	return cuts, errs
}

// StreamSweep is the retention result for one stream.
type StreamSweep struct {
	Stream  string     `json:"stream"`
	Cutoff  *time.Time `json:"cutoff,omitempty"`
	Count   int64      `json:"count"`
	Deleted int64      `json:"deleted"`
	Error   string     `json:"error,omitempty"`
}

type SweepReport struct {
	DryRun  bool          `json:"dry_run"`
	Streams []StreamSweep `json:"streams"`
	Took    time.Duration `json:"took"`
}

// Sweep counts and, unless dryRun, deletes stream records older than each
// stream's cutoff. Streams are swept concurrently; one failing stream does
// not stop the others.
func (a *Advisor) Sweep(ctx context.Context, dryRun bool) (SweepReport, error) {
	start := time.Now()
	cuts, cutErrs := a.streamCutoffs(ctx)
	names := a.eng.StreamNames()
	rep := SweepReport{DryRun: dryRun, Streams: make([]StreamSweep, len(names))}

	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for i, name := range names {
		g.Go(func() error {
			r := StreamSweep{Stream: name, Cutoff: cuts[name]}
			err := cutErrs[name]
			if err == nil {
				r.Count, r.Deleted, err = a.sweepOne(gctx, name, r.Cutoff, dryRun)
			}
			if err != nil {
				err = fmt.Errorf("stream %s: %w", name, err)
				r.Error = err.Error()
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			a.eng.m.Sweep(name, r.Cutoff, r.Deleted, err)
			rep.Streams[i] = r
			return nil
		})
	}
	_ = g.Wait()
	rep.Took = time.Since(start)

	for _, r := range rep.Streams {
		fields := []logx.Field{logx.String("stream", r.Stream), logx.Int64("count", r.Count), logx.Int64("deleted", r.Deleted), logx.Bool("dry_run", dryRun)}
		if r.Cutoff != nil {
			fields = append(fields, logx.Time("cutoff", *r.Cutoff))
		}
		if r.Error != "" {
			a.eng.log.Warn("retention sweep failed", append(fields, logx.String("err", r.Error))...)
			continue
		}
		a.eng.log.Info("retention sweep", fields...)
	}
	publish(a.eng.bus, EventSweepFinished, rep)
	return rep, errs
}

func (a *Advisor) sweepOne(ctx context.Context, name string, cutoff *time.Time, dryRun bool) (count, deleted int64, err error) {
	src, ok := a.eng.streams[name]
	if !ok {
		return 0, 0, errors.New("not configured")
	}
	count, err = src.CountBefore(ctx, cutoff)
	if err != nil || dryRun {
		return count, 0, err
	}
	deleted, err = src.DeleteBefore(ctx, cutoff)
	return count, deleted, err
}

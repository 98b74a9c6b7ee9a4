package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"streamframes/internal/catalog"
	"streamframes/internal/storage"
	"streamframes/internal/stream"
	"streamframes/internal/window"
	logx "streamframes/pkg/logx"
)

// Controller owns the arm status of tasks.
type Controller struct {
	eng *Engine

	mu     sync.Mutex
	loaded map[string]uint64 // definition hash seen by the last Load
}

func NewController(eng *Engine) *Controller {
	return &Controller{eng: eng, loaded: map[string]uint64{}}
}

// TaskStatus is the operator view of one task.
type TaskStatus struct {
	Definition catalog.TaskDefinition `json:"definition"`
	State      storage.TaskState      `json:"state"`
	Armed      bool                   `json:"armed"`
	Stats      storage.FrameStats     `json:"stats"`
	Latest     *storage.Frame         `json:"latest,omitempty"`
}

// Install checks reg against the stored frames and makes it the active
// catalog. Tasks that left the catalog are disarmed. Nothing is autostarted.
func (c *Controller) Install(ctx context.Context, reg *catalog.Registry) error {
	if err := catalog.CheckDurations(ctx, reg, c.eng.store); err != nil {
		return err
	}
	prev := c.eng.Catalog()
	c.eng.SetCatalog(reg)
	for _, k := range prev.Keys() {
		if _, err := reg.Lookup(k); err != nil {
			c.eng.disarm(k)
		}
	}
	return nil
}

// Load installs reg and autostarts definitions that are new or changed since
// the previous Load, so repeated loads never re-arm a task the operator
// cancelled. Tasks already Scheduled in the store are armed as well.
func (c *Controller) Load(ctx context.Context, reg *catalog.Registry) error {
	if err := c.Install(ctx, reg); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs error
	for _, d := range reg.All() {
		if _, err := c.eng.store.EnsureTaskState(ctx, d.Key); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("task %s: %w", d.Key, err))
			continue
		}
		h := d.Hash()
		if old, seen := c.loaded[d.Key]; seen && old == h {
			continue
		}
		c.loaded[d.Key] = h
		if d.Autostart {
			if _, err := c.Schedule(ctx, d.Key); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	for k := range c.loaded {
		if _, err := reg.Lookup(k); err != nil {
			delete(c.loaded, k)
		}
	}
	if _, err := c.Reconcile(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Schedule moves key to Scheduled, arms its recurring tick and fires one
// tick immediately. Scheduling a Scheduled task only makes sure it is armed.
func (c *Controller) Schedule(ctx context.Context, key string) (storage.TaskState, error) {
	if _, err := c.eng.lookup(key); err != nil {
		return storage.TaskState{}, err
	}
	if _, err := c.eng.store.EnsureTaskState(ctx, key); err != nil {
		return storage.TaskState{}, err
	}
	changed, err := c.eng.store.TransitionArm(ctx, key, storage.ArmScheduled, storage.ArmInactive, storage.ArmCancelled)
	if err != nil {
		return storage.TaskState{}, err
	}
	if !c.eng.isArmed(key) {
		if err := c.eng.arm(key); err != nil {
			return storage.TaskState{}, err
		}
	}
	if changed {
		c.eng.log.Info("task scheduled", logx.String("task", key))
		publish(c.eng.bus, EventTaskScheduled, TaskEvent{Task: key, ArmStatus: storage.ArmScheduled})
		c.eng.fire(key)
	}
	return c.Get(ctx, key)
}

// Cancel moves key to Cancelled and disarms it locally. Ticks that are
// already queued, here or in other processes, stop at their arm check.
func (c *Controller) Cancel(ctx context.Context, key string) (storage.TaskState, error) {
	if _, err := c.eng.lookup(key); err != nil {
		return storage.TaskState{}, err
	}
	if _, err := c.eng.store.EnsureTaskState(ctx, key); err != nil {
		return storage.TaskState{}, err
	}
	changed, err := c.eng.store.TransitionArm(ctx, key, storage.ArmCancelled)
	if err != nil {
		return storage.TaskState{}, err
	}
	c.eng.disarm(key)
	if changed {
		c.eng.log.Info("task cancelled", logx.String("task", key))
		publish(c.eng.bus, EventTaskCancelled, TaskEvent{Task: key, ArmStatus: storage.ArmCancelled})
	}
	return c.Get(ctx, key)
}

// Get returns the state of key. A known task without a stored state is
// reported as Inactive.
func (c *Controller) Get(ctx context.Context, key string) (storage.TaskState, error) {
	if _, err := c.eng.lookup(key); err != nil {
		return storage.TaskState{}, err
	}
	st, ok, err := c.eng.store.GetTaskState(ctx, key)
	if err != nil {
		return storage.TaskState{}, err
	}
	if !ok {
		return storage.TaskState{TaskKey: key, ArmStatus: storage.ArmInactive}, nil
	}
	return st, nil
}

func (c *Controller) Status(ctx context.Context, key string) (TaskStatus, error) {
	def, err := c.eng.lookup(key)
	if err != nil {
		return TaskStatus{}, err
	}
	st, err := c.Get(ctx, key)
	if err != nil {
		return TaskStatus{}, err
	}
	stats, err := c.eng.store.FrameStats(ctx, key)
	if err != nil {
		return TaskStatus{}, err
	}
	out := TaskStatus{Definition: def, State: st, Armed: c.eng.isArmed(key), Stats: stats}
	if f, ok, err := c.eng.store.LatestFrame(ctx, key); err != nil {
		return TaskStatus{}, err
	} else if ok {
		out.Latest = &f
	}
	return out, nil
}

// List returns the status of every configured task in key order.
func (c *Controller) List(ctx context.Context) ([]TaskStatus, error) {
	keys := c.eng.Catalog().Keys()
	out := make([]TaskStatus, 0, len(keys))
	for _, k := range keys {
		st, err := c.Status(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ReconcileResult lists the local arming changes made by Reconcile.
type ReconcileResult struct {
	Armed    []string
	Disarmed []string
}

// Reconcile aligns local arming with the stored arm status. It picks up
// tasks started or stopped from another process.
func (c *Controller) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var (
		res  ReconcileResult
		errs error
	)
	for _, d := range c.eng.Catalog().All() {
		scheduled, err := c.eng.isScheduled(ctx, d.Key)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		armed := c.eng.isArmed(d.Key)
		switch {
		case scheduled && !armed:
			if err := c.eng.arm(d.Key); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			c.eng.fire(d.Key)
			res.Armed = append(res.Armed, d.Key)
		case !scheduled && armed:
			c.eng.disarm(d.Key)
			res.Disarmed = append(res.Disarmed, d.Key)
		}
	}
	if len(res.Armed)+len(res.Disarmed) > 0 {
		c.eng.log.Info("tasks reconciled", logx.Any("armed", res.Armed), logx.Any("disarmed", res.Disarmed))
	}
	return res, errs
}

// BackfillResult counts the frames a backfill created or found taken.
type BackfillResult struct {
	Created   int `json:"created"`
	Conflicts int `json:"conflicts"`
}

// Backfill materializes the windows between the stream's earliest record and
// the task's earliest frame. It refuses tasks that are not Scheduled unless
// force is set. Calculation failures do not stop the walk.
func (c *Controller) Backfill(ctx context.Context, key string, force bool) (BackfillResult, error) {
	var res BackfillResult
	def, err := c.eng.lookup(key)
	if err != nil {
		return res, err
	}
	st, err := c.Get(ctx, key)
	if err != nil {
		return res, err
	}
	if st.ArmStatus != storage.ArmScheduled && !force {
		return res, fmt.Errorf("backfill %s: %w (status %s)", key, ErrNotScheduled, st.ArmStatus)
	}
	src, err := c.eng.source(def)
	if err != nil {
		return res, err
	}

	first, ok, err := c.eng.store.EarliestFrame(ctx, key)
	if err != nil || !ok {
		// Without frames the regular ticks start at the stream's beginning.
		return res, err
	}
	floor, ok, err := src.EarliestTime(ctx)
	if err != nil || !ok {
		return res, err
	}

	var errs error
	for _, w := range window.Backwards(first.Start, floor, def.Duration) {
		if err := ctx.Err(); err != nil {
			return res, multierr.Append(errs, err)
		}
		f, err := c.eng.store.CreateFrame(ctx, storage.Frame{TaskKey: key, Start: w.Start, End: w.End()})
		if errors.Is(err, storage.ErrFrameConflict) {
			res.Conflicts++
			continue
		}
		if err != nil {
			return res, multierr.Append(errs, err)
		}
		res.Created++
		c.eng.m.FrameCreated(key)
		publish(c.eng.bus, EventFrameCreated, frameEvent(f))
		if _, err := c.eng.analyze(ctx, def, src, f); err != nil {
			errs = multierr.Append(errs, err)
			if errors.Is(err, stream.ErrSourceUnavailable) {
				return res, errs
			}
		}
	}
	c.eng.log.Info("backfill finished", logx.String("task", key), logx.Int("created", res.Created), logx.Int("conflicts", res.Conflicts))
	return res, errs
}

// RetryFailed resets the attempt counters of key's failed frames so recovery
// retries them, and fires a tick when the task is armed here.
func (c *Controller) RetryFailed(ctx context.Context, key string) (int64, error) {
	if _, err := c.eng.lookup(key); err != nil {
		return 0, err
	}
	n, err := c.eng.store.ResetAttempts(ctx, key)
	if err != nil {
		return 0, err
	}
	if n > 0 && c.eng.isArmed(key) {
		c.eng.fire(key)
	}
	return n, nil
}

// Frames lists the stored frames of key.
func (c *Controller) Frames(ctx context.Context, key string, q storage.FrameQuery) ([]storage.Frame, error) {
	if _, err := c.eng.lookup(key); err != nil {
		return nil, err
	}
	return c.eng.store.ListFrames(ctx, key, q)
}

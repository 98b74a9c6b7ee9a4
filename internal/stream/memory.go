package stream

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process stream kept sorted by record time.
type Memory struct {
	name string

	mu   sync.RWMutex
	recs []Record

	// failNext makes the next call fail; used by tests to simulate outages.
	failNext error
}

func NewMemory(name string) *Memory { return &Memory{name: name} }

// FailNext makes the next source call return err wrapped as unavailable.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *Memory) takeFailure(op string) error {
	m.mu.Lock()
	err := m.failNext
	m.failNext = nil
	m.mu.Unlock()
	return unavailable(m.name, op, err)
}

func (m *Memory) Append(ctx context.Context, recs ...Record) error {
	if err := m.takeFailure("append"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		// Insert after any record with an equal time to keep arrival order stable.
		i := sort.Search(len(m.recs), func(i int) bool { return m.recs[i].Time.After(r.Time) })
		m.recs = append(m.recs, Record{})
		copy(m.recs[i+1:], m.recs[i:])
		m.recs[i] = r
	}
	return nil
}

func (m *Memory) IsEmpty(ctx context.Context) (bool, error) {
	if err := m.takeFailure("is_empty"); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs) == 0, nil
}

func (m *Memory) EarliestTime(ctx context.Context) (time.Time, bool, error) {
	if err := m.takeFailure("earliest"); err != nil {
		return time.Time{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.recs) == 0 {
		return time.Time{}, false, nil
	}
	return m.recs[0].Time, true, nil
}

func (m *Memory) LatestTime(ctx context.Context) (time.Time, bool, error) {
	if err := m.takeFailure("latest"); err != nil {
		return time.Time{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.recs) == 0 {
		return time.Time{}, false, nil
	}
	return m.recs[len(m.recs)-1].Time, true, nil
}

func (m *Memory) DataInRange(ctx context.Context, start, end time.Time) ([]Record, error) {
	if err := m.takeFailure("data_in_range"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	lo := m.firstAtOrAfter(start)
	hi := m.firstAtOrAfter(end)
	if hi <= lo {
		return nil, nil
	}
	out := make([]Record, hi-lo)
	copy(out, m.recs[lo:hi])
	return out, nil
}

func (m *Memory) DeleteBefore(ctx context.Context, cutoff *time.Time) (int64, error) {
	if cutoff == nil {
		return 0, nil
	}
	if err := m.takeFailure("delete_before"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.firstAtOrAfter(*cutoff)
	m.recs = append(m.recs[:0], m.recs[n:]...)
	return int64(n), nil
}

func (m *Memory) CountBefore(ctx context.Context, cutoff *time.Time) (int64, error) {
	if cutoff == nil {
		return 0, nil
	}
	if err := m.takeFailure("count_before"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(m.firstAtOrAfter(*cutoff)), nil
}

func (m *Memory) Close() error { return nil }

// firstAtOrAfter returns the index of the first record with time >= t.
// Call with m.mu held.
func (m *Memory) firstAtOrAfter(t time.Time) int {
	return sort.Search(len(m.recs), func(i int) bool { return !m.recs[i].Time.Before(t) })
}

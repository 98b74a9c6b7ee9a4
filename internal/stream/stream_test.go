package stream

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	logx "streamframes/pkg/logx"
)

func at(n int64) time.Time { return time.Unix(n, 0).UTC() }

func newDrivers(t *testing.T) map[string]Store {
	t.Helper()

	sq, err := Open("metrics", Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "stream.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs := NewRedis("metrics", "", rc, logx.Nop())
	t.Cleanup(func() { _ = rs.Close() })

	return map[string]Store{
		"memory": NewMemory("metrics"),
		"sqlite": sq,
		"redis":  rs,
	}
}

func TestDriversContract(t *testing.T) {
	for name, st := range newDrivers(t) {
		name, st := name, st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			empty, err := st.IsEmpty(ctx)
			if err != nil || !empty {
				t.Fatalf("IsEmpty = %v, %v; want true", empty, err)
			}
			if _, ok, err := st.EarliestTime(ctx); err != nil || ok {
				t.Fatalf("EarliestTime on empty stream: ok=%v err=%v", ok, err)
			}
			r, err := ObservedRange(ctx, st)
			if err != nil || !r.Empty {
				t.Fatalf("ObservedRange on empty stream = %+v, %v", r, err)
			}

			// Out of order on purpose.
			recs := []Record{
				{Time: at(14), Value: 3},
				{Time: at(2), Value: 1},
				{Time: at(31), Value: 5},
				{Time: at(9), Value: 2, Body: []byte(`{"k":"v"}`)},
				{Time: at(20), Value: 4},
			}
			if err := st.Append(ctx, recs...); err != nil {
				t.Fatalf("Append: %v", err)
			}

			r, err = ObservedRange(ctx, st)
			if err != nil {
				t.Fatalf("ObservedRange: %v", err)
			}
			if r.Empty || !r.Earliest.Equal(at(2)) || !r.Latest.Equal(at(31)) {
				t.Fatalf("ObservedRange = %+v, want [2,31]", r)
			}

			got, err := st.DataInRange(ctx, at(2), at(17))
			if err != nil {
				t.Fatalf("DataInRange: %v", err)
			}
			want := []int64{2, 9, 14}
			if len(got) != len(want) {
				t.Fatalf("DataInRange returned %d records, want %d", len(got), len(want))
			}
			for i, w := range want {
				if !got[i].Time.Equal(at(w)) {
					t.Fatalf("record %d time = %v, want %v", i, got[i].Time, at(w))
				}
			}
			if string(got[1].Body) != `{"k":"v"}` {
				t.Fatalf("body = %q", got[1].Body)
			}

			// nil cutoff never deletes.
			if n, err := st.DeleteBefore(ctx, nil); err != nil || n != 0 {
				t.Fatalf("DeleteBefore(nil) = %d, %v", n, err)
			}
			if n, err := st.CountBefore(ctx, nil); err != nil || n != 0 {
				t.Fatalf("CountBefore(nil) = %d, %v", n, err)
			}

			cut := at(14)
			if n, err := st.CountBefore(ctx, &cut); err != nil || n != 2 {
				t.Fatalf("CountBefore(14) = %d, %v; want 2", n, err)
			}
			if n, err := st.DeleteBefore(ctx, &cut); err != nil || n != 2 {
				t.Fatalf("DeleteBefore(14) = %d, %v; want 2", n, err)
			}
			earliest, ok, err := st.EarliestTime(ctx)
			if err != nil || !ok || !earliest.Equal(at(14)) {
				t.Fatalf("EarliestTime after prune = %v, %v, %v; want 14", earliest, ok, err)
			}
		})
	}
}

func TestMemoryFailureIsUnavailable(t *testing.T) {
	t.Parallel()
	m := NewMemory("s")
	m.FailNext(errors.New("disk gone"))
	_, _, err := m.LatestTime(context.Background())
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
	var ue *UnavailableError
	if !errors.As(err, &ue) || ue.Op != "latest" || ue.Stream != "s" {
		t.Fatalf("unexpected error detail: %#v", err)
	}
	// Only the next call fails.
	if _, _, err := m.LatestTime(context.Background()); err != nil {
		t.Fatalf("second call: %v", err)
	}
}

func TestRedisOutageIsUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	st := NewRedis("s", "k", rc, logx.Nop())
	t.Cleanup(func() { _ = st.Close() })

	mr.Close()
	if _, err := st.IsEmpty(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open("s", Config{Driver: "kafka"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open("", Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty name")
	}
}

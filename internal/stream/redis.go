package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "streamframes/pkg/logx"
)

// redisStream keeps a stream in one sorted set. Scores are unix microseconds,
// so record times are truncated to microsecond precision on append.
type redisStream struct {
	name   string
	key    string
	client redis.UniversalClient
	log    logx.Logger
}

// redisMember is the JSON encoding of a sorted-set member. ID keeps members
// unique so identical records do not collapse.
type redisMember struct {
	ID    string  `json:"id"`
	TS    int64   `json:"ts"`
	Value float64 `json:"v"`
	Body  []byte  `json:"b,omitempty"`
}

func openRedis(name string, cfg Config, log logx.Logger) (Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("redis addrs are required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedis(name, cfg.Key, client, log), nil
}

// NewRedis wraps an existing client.
func NewRedis(name, key string, client redis.UniversalClient, log logx.Logger) Store {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "streamframes:stream:" + name
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStream{name: name, key: key, client: client, log: log}
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func scoreBound(us int64, exclusive bool) string {
	s := strconv.FormatInt(us, 10)
	if exclusive {
		return "(" + s
	}
	return s
}

func (s *redisStream) Append(ctx context.Context, recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	zs := make([]redis.Z, 0, len(recs))
	for _, r := range recs {
		us := micros(r.Time)
		b, err := json.Marshal(redisMember{ID: uuid.NewString(), TS: us, Value: r.Value, Body: r.Body})
		if err != nil {
			return err
		}
		zs = append(zs, redis.Z{Score: float64(us), Member: string(b)})
	}
	return unavailable(s.name, "append", s.client.ZAdd(ctx, s.key, zs...).Err())
}

func (s *redisStream) IsEmpty(ctx context.Context) (bool, error) {
	n, err := s.client.ZCard(ctx, s.key).Result()
	if err != nil {
		return false, unavailable(s.name, "is_empty", err)
	}
	return n == 0, nil
}

func (s *redisStream) EarliestTime(ctx context.Context) (time.Time, bool, error) {
	return s.edge(ctx, "earliest", 0)
}

func (s *redisStream) LatestTime(ctx context.Context) (time.Time, bool, error) {
	return s.edge(ctx, "latest", -1)
}

func (s *redisStream) edge(ctx context.Context, op string, idx int64) (time.Time, bool, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.key, idx, idx).Result()
	if err != nil {
		return time.Time{}, false, unavailable(s.name, op, err)
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMicro(int64(zs[0].Score)).UTC(), true, nil
}

func (s *redisStream) DataInRange(ctx context.Context, start, end time.Time) ([]Record, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min: scoreBound(micros(start), false),
		Max: scoreBound(micros(end), true),
	}).Result()
	if err != nil {
		return nil, unavailable(s.name, "data_in_range", err)
	}
	out := make([]Record, 0, len(members))
	for _, raw := range members {
		var m redisMember
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			s.log.Warn("skipping undecodable stream member", logx.Err(err))
			continue
		}
		out = append(out, Record{Time: time.UnixMicro(m.TS).UTC(), Value: m.Value, Body: m.Body})
	}
	return out, nil
}

func (s *redisStream) DeleteBefore(ctx context.Context, cutoff *time.Time) (int64, error) {
	if cutoff == nil {
		return 0, nil
	}
	n, err := s.client.ZRemRangeByScore(ctx, s.key, "-inf", scoreBound(micros(*cutoff), true)).Result()
	if err != nil {
		return 0, unavailable(s.name, "delete_before", err)
	}
	return n, nil
}

func (s *redisStream) CountBefore(ctx context.Context, cutoff *time.Time) (int64, error) {
	if cutoff == nil {
		return 0, nil
	}
	n, err := s.client.ZCount(ctx, s.key, "-inf", scoreBound(micros(*cutoff), true)).Result()
	if err != nil {
		return 0, unavailable(s.name, "count_before", err)
	}
	return n, nil
}

func (s *redisStream) Close() error { return s.client.Close() }

package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/eleven-am/live-transcribe/internal/shared"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	sessionTTL = 24 * time.Hour
	metricsTTL = 7 * 24 * time.Hour
)

type Store struct {
	redis *redis.Client
	now   func() time.Time
}

func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient, now: time.Now}
}

func (s *Store) Start(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = shared.NewID(shared.SessionIDPrefix)
	}
	now := s.now()
	rec.Status = StatusActive
	rec.StartedAt = now
	rec.LastActiveAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, rec.RedisKey(), data, sessionTTL)
	pipe.SAdd(ctx, activeSetKey, rec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.redis.Get(ctx, RecordRedisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Finish(ctx context.Context, id string, stats Stats) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	now := s.now()
	rec.Status = StatusEnded
	rec.LastActiveAt = now
	rec.EndedAt = now
	rec.Stats = stats

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	key := s.metricsKey(now)
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, rec.RedisKey(), data, sessionTTL)
	pipe.SRem(ctx, activeSetKey, id)
	pipe.HIncrBy(ctx, key, "sessions", 1)
	pipe.HIncrBy(ctx, key, "frames_forwarded", int64(stats.FramesForwarded))
	pipe.HIncrBy(ctx, key, "frames_dropped", int64(stats.FramesDropped))
	pipe.HIncrBy(ctx, key, "reconnects", int64(stats.Reconnects))
	pipe.HIncrBy(ctx, key, "events_relayed", int64(stats.EventsRelayed))
	pipe.HIncrBy(ctx, key, "total_duration_ms", now.Sub(rec.StartedAt).Milliseconds())
	pipe.Expire(ctx, key, metricsTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, RecordRedisKey(id))
	pipe.SRem(ctx, activeSetKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Active(ctx context.Context) ([]*Record, error) {
	ids, err := s.redis.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, shared.ErrNotFound) {
			// record expired while still listed
			s.redis.SRem(ctx, activeSetKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) GetMetrics(ctx context.Context, hours int) ([]*Metrics, error) {
	now := s.now().UTC()
	var metrics []*Metrics

	for i := 0; i < hours; i++ {
		t := now.Add(-time.Duration(i) * time.Hour)
		key := MetricsRedisKey(t.Format("2006-01-02"), t.Hour())

		data, err := s.redis.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}

		m := &Metrics{
			Date: t.Format("2006-01-02"),
			Hour: t.Hour(),
		}
		m.Sessions = parseField(data, "sessions")
		m.FramesForwarded = parseField(data, "frames_forwarded")
		m.FramesDropped = parseField(data, "frames_dropped")
		m.Reconnects = parseField(data, "reconnects")
		m.EventsRelayed = parseField(data, "events_relayed")
		if m.Sessions > 0 {
			m.AvgDurationMs = parseField(data, "total_duration_ms") / m.Sessions
		}

		metrics = append(metrics, m)
	}

	return metrics, nil
}

func (s *Store) Summary(ctx context.Context, hours int) (*Summary, error) {
	metrics, err := s.GetMetrics(ctx, hours)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Period: strconv.Itoa(hours) + "h"}
	for _, m := range metrics {
		summary.TotalSessions += m.Sessions
		summary.FramesForwarded += m.FramesForwarded
		summary.FramesDropped += m.FramesDropped
		summary.Reconnects += m.Reconnects
		summary.EventsRelayed += m.EventsRelayed
	}

	if total := summary.FramesForwarded + summary.FramesDropped; total > 0 {
		summary.DropRate = float64(summary.FramesDropped) / float64(total) * 100
	}
	return summary, nil
}

func (s *Store) metricsKey(t time.Time) string {
	t = t.UTC()
	return MetricsRedisKey(t.Format("2006-01-02"), t.Hour())
}

func parseField(data map[string]string, field string) int64 {
	v, _ := strconv.ParseInt(data[field], 10, 64)
	return v
}

package session

import (
	"strconv"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

const activeSetKey = "relay:sessions:active"

type Stats struct {
	FramesForwarded uint64 `json:"frames_forwarded"`
	FramesDropped   uint64 `json:"frames_dropped"`
	Reconnects      uint64 `json:"reconnects"`
	EventsRelayed   uint64 `json:"events_relayed"`
}

type Record struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	Stats        Stats     `json:"stats"`
}

func (r *Record) RedisKey() string {
	return RecordRedisKey(r.ID)
}

func RecordRedisKey(id string) string {
	return "relay:session:" + id
}

type Metrics struct {
	Date            string `json:"date"`
	Hour            int    `json:"hour"`
	Sessions        int64  `json:"sessions"`
	FramesForwarded int64  `json:"frames_forwarded"`
	FramesDropped   int64  `json:"frames_dropped"`
	Reconnects      int64  `json:"reconnects"`
	EventsRelayed   int64  `json:"events_relayed"`
	AvgDurationMs   int64  `json:"avg_duration_ms"`
}

type Summary struct {
	Period          string  `json:"period"`
	TotalSessions   int64   `json:"total_sessions"`
	FramesForwarded int64   `json:"frames_forwarded"`
	FramesDropped   int64   `json:"frames_dropped"`
	Reconnects      int64   `json:"reconnects"`
	EventsRelayed   int64   `json:"events_relayed"`
	DropRate        float64 `json:"drop_rate"`
}

func MetricsRedisKey(date string, hour int) string {
	return "relay:metrics:" + date + ":" + strconv.Itoa(hour)
}

package session

import "context"

// Registry records the lifecycle of relay sessions. Store is the Redis
// implementation; Nop is used when no Redis address is configured.
type Registry interface {
	Start(ctx context.Context, rec *Record) error
	Finish(ctx context.Context, id string, stats Stats) error
}

type Nop struct{}

func (Nop) Start(context.Context, *Record) error { return nil }

func (Nop) Finish(context.Context, string, Stats) error { return nil }

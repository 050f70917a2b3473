package provider

import "context"

type Stream interface {
	State() State
	Send(audio []byte) error
	KeepAlive() error
	Finish() error
}

type Opener interface {
	Open(ctx context.Context, h Handlers) (Stream, *Subscription)
}

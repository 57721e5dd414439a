package health

import (
	"context"

	"goa.design/clue/health"
)

type pinger struct {
	name string
	ping func(context.Context) error
}

// NewPinger adapts a ping function to a named health.Pinger. Used to wire
// dependency clients (postgres, redis, mongo, vector) into the checker.
func NewPinger(name string, ping func(context.Context) error) health.Pinger {
	return pinger{name: name, ping: ping}
}

func (p pinger) Name() string { return p.name }

func (p pinger) Ping(ctx context.Context) error { return p.ping(ctx) }

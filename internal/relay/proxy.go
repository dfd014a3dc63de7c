// Package relay bridges the report exchange to WebSocket observers and
// accepts commands from them.
package relay

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"hades/internal/broker"
)

// Proxy consumes the report exchange and fans every event out to the hub.
// Its loop moves Disconnected -> Connecting -> Connected -> Consuming and
// falls back to Disconnected on stream loss.
type Proxy struct {
	hub    *Hub
	loop   *broker.Loop
	logger *zap.Logger
}

// NewProxy binds loop to hub. The loop's handler is replaced.
func NewProxy(hub *Hub, loop *broker.Loop, logger *zap.Logger) (*Proxy, error) {
	if hub == nil || loop == nil {
		return nil, errors.New("relay: hub and loop are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Proxy{hub: hub, loop: loop, logger: logger.Named("relay")}
	loop.Name = "relay"
	if loop.Logger == nil {
		loop.Logger = logger
	}
	loop.Handler = p.handle
	return p, nil
}

func (p *Proxy) Run(ctx context.Context) error {
	return p.loop.Run(ctx)
}

func (p *Proxy) State() broker.State {
	return p.loop.State()
}

func (p *Proxy) Hub() *Hub { return p.hub }

func (p *Proxy) handle(_ context.Context, d broker.Delivery) error {
	frame := decodeEvent(d.Body)
	n := p.hub.Fanout(d.RoutingKey, frame)
	p.logger.Debug("event relayed", zap.String("routing_key", d.RoutingKey), zap.Int("sessions", n))
	return nil
}

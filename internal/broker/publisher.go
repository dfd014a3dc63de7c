package broker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Publisher sends messages over a single channel of the manager's
// connection. Channel access is serialized.
type Publisher struct {
	mgr    *Manager
	logger *zap.Logger

	mu     sync.Mutex
	conn   Conn
	ch     Channel
	closed bool
}

func NewPublisher(mgr *Manager, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{mgr: mgr, logger: logger.Named("publisher")}
}

// Publish sends payload to the binding's exchange with its routing key.
func (p *Publisher) Publish(ctx context.Context, b RoutingBinding, payload []byte) error {
	return p.PublishTo(ctx, b.Exchange, b.RoutingKey, payload)
}

// PublishTo sends payload to exchange with key. Delivery is fire-and-forget.
// A publish on a stale channel is retried once on a fresh one.
func (p *Publisher) PublishTo(ctx context.Context, exchange, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		ch, err := p.channel(ctx)
		if err != nil {
			return err
		}
		if lastErr = ch.Publish(ctx, exchange, key, payload); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("publish failed, resetting channel", zap.String("exchange", exchange), zap.String("routing_key", key), zap.Error(lastErr))
		p.reset()
	}
	return fmt.Errorf("publish to %s/%s: %w", exchange, key, lastErr)
}

func (p *Publisher) channel(ctx context.Context) (Channel, error) {
	conn, err := p.mgr.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if p.ch != nil && p.conn == conn {
		return p.ch, nil
	}
	p.reset()
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.conn, p.ch = nil, nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.reset()
	return nil
}

package broker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultConsumerBuffer = 64

// Handler processes one delivery. Errors and panics are logged and the
// consumer moves on to the next delivery.
type Handler func(ctx context.Context, d Delivery) error

type consumerOptions struct {
	buffer   int
	prefetch int
	tag      string
	logger   *zap.Logger
}

type ConsumerOption func(*consumerOptions)

// WithBuffer sets the capacity of the channel between the broker reader and
// the handler loop.
func WithBuffer(n int) ConsumerOption {
	return func(o *consumerOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

func WithPrefetch(n int) ConsumerOption {
	return func(o *consumerOptions) { o.prefetch = n }
}

func WithConsumerTag(tag string) ConsumerOption {
	return func(o *consumerOptions) { o.tag = tag }
}

func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(o *consumerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Consume reads deliveries for binding and calls h once per delivery in
// arrival order. A reader goroutine feeds a bounded channel that this
// goroutine drains, so cancellation is observed between deliveries. It
// returns ctx.Err() on cancellation and a *StreamLostError when the stream
// ends on its own.
func Consume(ctx context.Context, conn Conn, binding RoutingBinding, h Handler, opts ...ConsumerOption) error {
	o := consumerOptions{buffer: defaultConsumerBuffer, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tag == "" {
		o.tag = "hades-" + uuid.NewString()
	}
	logger := o.logger.Named("consumer").With(zap.String("queue", binding.Queue), zap.String("routing_key", binding.RoutingKey))

	if err := ctx.Err(); err != nil {
		return err
	}
	closed := conn.NotifyClose()
	ch, err := conn.Channel()
	if err != nil {
		return &StreamLostError{Queue: binding.Queue, Err: fmt.Errorf("open channel: %w", err)}
	}
	src, err := ch.Consume(binding.Queue, o.tag, o.prefetch)
	if err != nil {
		_ = ch.Close()
		return &StreamLostError{Queue: binding.Queue, Err: fmt.Errorf("start consumer: %w", err)}
	}

	queue := make(chan Delivery, o.buffer)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(queue)
		for d := range src {
			select {
			case queue <- d:
			case <-done:
			}
		}
	}()
	stop := func() {
		close(done)
		_ = ch.Cancel(o.tag)
		_ = ch.Close()
		wg.Wait()
	}

	logger.Debug("consuming")
	for {
		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case d, ok := <-queue:
			if !ok {
				stop()
				var reason error
				select {
				case reason = <-closed:
				default:
				}
				return &StreamLostError{Queue: binding.Queue, Err: reason}
			}
			if ctx.Err() != nil {
				stop()
				return ctx.Err()
			}
			dispatch(ctx, logger, h, d)
		}
	}
}

func dispatch(ctx context.Context, logger *zap.Logger, h Handler, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked",
				zap.String("delivery_key", d.RoutingKey),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	if err := h(ctx, d); err != nil {
		logger.Warn("handler failed", zap.String("delivery_key", d.RoutingKey), zap.Error(err))
	}
}

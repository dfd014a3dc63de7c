package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultReconnectDelay is the pause between a lost stream and the next
// connection attempt.
const DefaultReconnectDelay = 2 * time.Second

// State is the lifecycle of a consume loop.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateConsuming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	default:
		return "unknown"
	}
}

// BindingSpec describes the binding a Loop declares after every (re)connect.
type BindingSpec struct {
	Exchange   string
	Kind       string
	Durable    bool
	RoutingKey string
	Queue      string
	// Exclusive asks for a queue owned by this connection and deleted with
	// it. Ad-hoc observers set it so bindings never outlive them.
	Exclusive bool
}

// Loop keeps a consumer running across stream losses. It leaves Run only on
// cancellation, a ConnectionError from the manager, or a topology conflict.
type Loop struct {
	Name           string
	Manager        *Manager
	Binder         *Binder
	Binding        BindingSpec
	Handler        Handler
	ReconnectDelay time.Duration
	Buffer         int
	Prefetch       int
	Logger         *zap.Logger
	Sleep          SleepFunc
	// OnConsuming, when set, is called with the declared binding each time
	// the loop starts consuming.
	OnConsuming func(RoutingBinding)

	state atomic.Int32
}

// consumerTag names the consumer after the loop so it can be told apart in
// broker tooling. An unnamed loop gets Consume's default tag.
func (l *Loop) consumerTag() string {
	if l.Name == "" {
		return ""
	}
	return "hades-" + l.Name + "-" + uuid.NewString()
}

func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(logger *zap.Logger, s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev != s {
		logger.Debug("state change", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

func (l *Loop) Run(ctx context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if l.Name != "" {
		logger = logger.Named(l.Name)
	}
	sleep := l.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	delay := l.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	defer l.setState(logger, StateDisconnected)

	for {
		l.setState(logger, StateConnecting)
		conn, err := l.Manager.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.setState(logger, StateConnected)

		binding, err := l.Binder.Bind(conn, l.Binding)
		if err != nil {
			if IsTopologyConflict(err) {
				logger.Error("topology conflict", zap.Error(err))
				return err
			}
			l.setState(logger, StateDisconnected)
			logger.Warn("bind failed, retrying", zap.Duration("delay", delay), zap.Error(err))
			if sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}

		l.setState(logger, StateConsuming)
		if l.OnConsuming != nil {
			l.OnConsuming(binding)
		}
		err = Consume(ctx, conn, binding, l.Handler,
			WithBuffer(l.Buffer),
			WithPrefetch(l.Prefetch),
			WithConsumerTag(l.consumerTag()),
			WithConsumerLogger(logger))
		l.setState(logger, StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		var lost *StreamLostError
		if !errors.As(err, &lost) {
			logger.Warn("consumer stopped", zap.Error(err))
		} else {
			logger.Warn("stream lost, reconnecting", zap.Duration("delay", delay), zap.Error(err))
		}
		if sleep(ctx, delay) != nil {
			return nil
		}
	}
}

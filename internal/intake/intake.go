// Package intake accepts missions and generic commands and publishes them to
// the request exchange.
package intake

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"hades/internal/broker"
	"hades/internal/events"
	"hades/internal/mission"
)

// DefaultCommandKey routes commands that carry no key.
const DefaultCommandKey = "missions.generic"

// ErrBrokerUnavailable wraps broker failures during submission.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Journal records mission lifecycle events.
type Journal interface {
	Append(ctx context.Context, evtType, missionID, entityKind, entityID string, payload events.EventPayload) error
}

type Config struct {
	Registry  *mission.Registry
	Manager   *broker.Manager
	Binder    *broker.Binder
	Publisher *broker.Publisher
	Requests  broker.BindingSpec
	Journal   Journal
	Logger    *zap.Logger
}

type Service struct {
	registry  *mission.Registry
	manager   *broker.Manager
	binder    *broker.Binder
	publisher *broker.Publisher
	requests  broker.BindingSpec
	journal   Journal
	logger    *zap.Logger
}

func New(cfg Config) (*Service, error) {
	if cfg.Registry == nil || cfg.Manager == nil || cfg.Binder == nil || cfg.Publisher == nil {
		return nil, errors.New("intake: registry, manager, binder and publisher are required")
	}
	if cfg.Requests.Exchange == "" {
		return nil, errors.New("intake: request exchange is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry:  cfg.Registry,
		manager:   cfg.Manager,
		binder:    cfg.Binder,
		publisher: cfg.Publisher,
		requests:  cfg.Requests,
		journal:   cfg.Journal,
		logger:    logger.Named("intake"),
	}, nil
}

// Submit validates payload, allocates a mission id, binds the request queue
// to that id and publishes the payload with the id injected. Validation
// failures never reach the broker.
func (s *Service) Submit(ctx context.Context, payload []byte) (mission.Entry, error) {
	entry, err := s.registry.Allocate(payload)
	if err != nil {
		return mission.Entry{}, err
	}
	id := entry.ID.String()
	logger := s.logger.With(zap.String("mission_id", id), zap.String("mission_name", entry.Name))

	conn, err := s.manager.Connect(ctx)
	if err != nil {
		s.reject(ctx, logger, entry, err)
		return mission.Entry{}, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	binding, err := s.binder.Bind(conn, s.bindingFor(id))
	if err != nil {
		s.reject(ctx, logger, entry, err)
		if broker.IsTopologyConflict(err) {
			return mission.Entry{}, err
		}
		return mission.Entry{}, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	if err := s.publisher.Publish(ctx, binding, entry.Payload); err != nil {
		s.reject(ctx, logger, entry, err)
		return mission.Entry{}, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	s.registry.SetBinding(entry.ID, binding)
	entry.Binding = &binding

	logger.Info("mission accepted", zap.String("queue", binding.Queue))
	s.record(ctx, logger, events.MissionSubmitted, id, events.EventPayload{
		"name":  entry.Name,
		"queue": binding.Queue,
	})
	return entry, nil
}

// Forward publishes a generic command payload to the request exchange.
// Keys must be publishable; see broker.ValidatePublishKey.
func (s *Service) Forward(ctx context.Context, key string, payload []byte) error {
	if key == "" {
		key = DefaultCommandKey
	}
	if err := broker.ValidatePublishKey(key); err != nil {
		return err
	}
	conn, err := s.manager.Connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	binding, err := s.binder.Bind(conn, s.bindingFor(key))
	if err != nil {
		if broker.IsTopologyConflict(err) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	if err := s.publisher.Publish(ctx, binding, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	s.logger.Debug("command forwarded", zap.String("routing_key", key), zap.Int("bytes", len(payload)))
	return nil
}

func (s *Service) bindingFor(key string) broker.BindingSpec {
	spec := s.requests
	spec.RoutingKey = key
	return spec
}

func (s *Service) reject(ctx context.Context, logger *zap.Logger, entry mission.Entry, cause error) {
	s.registry.Discard(entry.ID)
	logger.Error("mission dispatch failed", zap.Error(cause))
	s.record(ctx, logger, events.MissionRejected, entry.ID.String(), events.EventPayload{"error": cause.Error()})
}

func (s *Service) record(ctx context.Context, logger *zap.Logger, evtType, missionID string, payload events.EventPayload) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(ctx, evtType, missionID, "mission", missionID, payload); err != nil {
		logger.Warn("journal append failed", zap.String("event", evtType), zap.Error(err))
	}
}

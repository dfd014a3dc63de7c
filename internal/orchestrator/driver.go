// Package orchestrator consumes dispatched missions and drives each target's
// StepList through an agent executor.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"hades/internal/agent"
	"hades/internal/broker"
	"hades/internal/events"
	"hades/internal/mission"
	"hades/internal/taskmatrix"
)

// Publisher sends a payload to an exchange.
type Publisher interface {
	PublishTo(ctx context.Context, exchange, key string, payload []byte) error
}

// Journal records mission lifecycle events.
type Journal interface {
	Append(ctx context.Context, evtType, missionID, entityKind, entityID string, payload events.EventPayload) error
}

type Config struct {
	Executor agent.Executor
	// Publisher and ReportExchange route reports to observers. Reports are
	// dropped when Publisher is nil.
	Publisher       Publisher
	ReportExchange  string
	ScenarioAddress string
	Journal         Journal
	Logger          *zap.Logger
	Now             func() time.Time
}

// Driver handles one dispatched mission at a time.
type Driver struct {
	executor agent.Executor
	pub      Publisher
	reports  string
	address  string
	journal  Journal
	logger   *zap.Logger
	now      func() time.Time
	loop     *broker.Loop
}

func New(cfg Config) (*Driver, error) {
	if cfg.Executor == nil {
		return nil, errors.New("orchestrator: executor is required")
	}
	if cfg.ScenarioAddress == "" {
		return nil, errors.New("orchestrator: scenario address is required")
	}
	if cfg.Publisher != nil && cfg.ReportExchange == "" {
		return nil, errors.New("orchestrator: report exchange is required with a publisher")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Driver{
		executor: cfg.Executor,
		pub:      cfg.Publisher,
		reports:  cfg.ReportExchange,
		address:  cfg.ScenarioAddress,
		journal:  cfg.Journal,
		logger:   logger.Named("driver"),
		now:      now,
	}, nil
}

// Consume wires the driver to the request exchange. Run then keeps the
// consumer alive across stream losses.
func (d *Driver) Consume(loop *broker.Loop) {
	loop.Name = "driver"
	if loop.Logger == nil {
		loop.Logger = d.logger
	}
	loop.Handler = d.HandleDelivery
	d.loop = loop
}

// Run blocks until ctx is cancelled or the broker becomes unreachable.
func (d *Driver) Run(ctx context.Context) error {
	if d.loop == nil {
		return errors.New("orchestrator: driver has no consumer loop")
	}
	return d.loop.Run(ctx)
}

// State returns the consume loop state.
func (d *Driver) State() broker.State {
	if d.loop == nil {
		return broker.StateDisconnected
	}
	return d.loop.State()
}

func (d *Driver) HandleDelivery(ctx context.Context, del broker.Delivery) error {
	return d.Handle(ctx, del.Body)
}

// Handle processes one mission payload. Malformed payloads are logged and
// dropped. Per-target failures become reports and never stop the mission.
func (d *Driver) Handle(ctx context.Context, payload []byte) error {
	m, err := mission.ParseDispatched(payload)
	if err != nil {
		d.logger.Warn("dropping malformed mission", zap.Error(err), zap.Int("bytes", len(payload)))
		return err
	}
	id := m.ID.String()
	logger := d.logger.With(zap.String("mission_id", id), zap.String("mission_name", m.Name))
	logger.Info("mission started", zap.Int("systems", len(m.Systems)))
	d.record(ctx, logger, events.MissionStarted, id, "mission", id, events.EventPayload{"name": m.Name})
	d.publish(ctx, logger, id, agent.Report{Type: agent.TypeMissionStarted, Content: m.Name})

	scenario := taskmatrix.ScenarioFor(d.address, m)
	for si, sys := range m.Systems {
		err := d.handleSystem(ctx, logger, m, scenario, si, sys)
		if ctx.Err() != nil {
			logger.Warn("mission interrupted", zap.Error(ctx.Err()))
			return ctx.Err()
		}
		var unsupported *mission.UnsupportedTargetTypeError
		if errors.As(err, &unsupported) {
			logger.Warn("system aborted", zap.Int("system", si), zap.String("target_type", unsupported.Type))
			d.record(ctx, logger, events.SystemAborted, id, "system", strconv.Itoa(si), events.EventPayload{
				"target": unsupported.Target,
				"type":   unsupported.Type,
			})
			d.publish(ctx, logger, id, agent.Report{Type: agent.TypeSystemAborted, Error: unsupported.Error()})
		}
	}

	logger.Info("mission finished")
	d.record(ctx, logger, events.MissionFinished, id, "mission", id, nil)
	d.publish(ctx, logger, id, agent.Report{Type: agent.TypeMissionFinished, Content: m.Name})
	return nil
}

func (d *Driver) handleSystem(ctx context.Context, logger *zap.Logger, m mission.Mission, scenario taskmatrix.Scenario, si int, sys mission.System) error {
	id := m.ID.String()
	for ti, target := range sys.Targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if target.Type != mission.TargetMachine {
			return &mission.UnsupportedTargetTypeError{Type: target.Type, System: si, Target: ti}
		}
		entity := fmt.Sprintf("%d.%d", si, ti)
		// Validate rejects machine targets without goals.
		goal := target.Goals[0]
		if len(target.Goals) > 1 {
			logger.Info("only the first goal is executed", zap.String("target", target.Address), zap.String("goal", goal), zap.Strings("ignored_goals", target.Goals[1:]))
		}
		steps := taskmatrix.Resolve(scenario, goal, target)
		if len(steps) == 0 {
			d.skip(ctx, logger, id, entity, target, "unknown goal "+goal)
			continue
		}
		run := agent.Run{MissionID: m.ID, MissionName: m.Name, System: si, Target: target, Goal: goal, Steps: steps}
		logger.Info("executing target", zap.String("target", target.Address), zap.String("goal", goal), zap.Int("steps", len(steps)))
		reporter := agent.ReporterFunc(func(ctx context.Context, r agent.Report) error {
			return d.emit(ctx, id, r)
		})
		if err := d.executor.Execute(ctx, run, reporter); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("target execution failed", zap.String("target", target.Address), zap.String("goal", goal), zap.Error(err))
			payload := events.EventPayload{"target": target.Address, "goal": goal, "error": err.Error()}
			var toolErr *agent.ToolInvocationError
			if errors.As(err, &toolErr) {
				payload["step"] = toolErr.Step
				payload["tool"] = toolErr.Tool
			}
			d.record(ctx, logger, events.StepFailed, id, "target", entity, payload)
			d.publish(ctx, logger, id, agent.Report{Type: agent.TypeStepFailed, Error: err.Error(), Step: stepName(toolErr)})
			continue
		}
		d.record(ctx, logger, events.TargetExecuted, id, "target", entity, events.EventPayload{"target": target.Address, "goal": goal, "steps": len(steps)})
	}
	return nil
}

func stepName(err *agent.ToolInvocationError) string {
	if err == nil {
		return ""
	}
	return err.Step
}

func (d *Driver) skip(ctx context.Context, logger *zap.Logger, missionID, entity string, target mission.Target, reason string) {
	logger.Warn("target skipped", zap.String("target", target.Address), zap.String("reason", reason))
	d.record(ctx, logger, events.TargetSkipped, missionID, "target", entity, events.EventPayload{"target": target.Address, "reason": reason})
	d.publish(ctx, logger, missionID, agent.Report{Type: agent.TypeTargetSkipped, Content: target.Address, Error: reason})
}

func (d *Driver) record(ctx context.Context, logger *zap.Logger, evtType, missionID, kind, entity string, payload events.EventPayload) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Append(ctx, evtType, missionID, kind, entity, payload); err != nil {
		logger.Warn("journal append failed", zap.String("event", evtType), zap.Error(err))
	}
}

// publish sends a driver lifecycle report. Failures are logged only.
func (d *Driver) publish(ctx context.Context, logger *zap.Logger, missionID string, r agent.Report) {
	if r.Sender == "" {
		r.Sender, r.Receiver = "driver", "observer"
	}
	if err := d.emit(ctx, missionID, r); err != nil {
		logger.Warn("report publish failed", zap.String("type", r.Type), zap.Error(err))
	}
}

func (d *Driver) emit(ctx context.Context, missionID string, r agent.Report) error {
	if d.pub == nil {
		return nil
	}
	r.MissionID = missionID
	if r.Timestamp.IsZero() {
		r.Timestamp = d.now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return d.pub.PublishTo(ctx, d.reports, missionID, data)
}

// Package app assembles a HADES process from its configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"hades/internal/agent"
	"hades/internal/broker"
	"hades/internal/broker/inproc"
	"hades/internal/config"
	"hades/internal/db"
	"hades/internal/events"
	"hades/internal/intake"
	"hades/internal/logging"
	"hades/internal/migrate"
	"hades/internal/mission"
	"hades/internal/orchestrator"
	"hades/internal/relay"
	"hades/internal/repo"
	"hades/internal/server"
)

// DriverKey matches every mission id.
const DriverKey = "*"

// ReportKey matches every report.
const ReportKey = "#"

type options struct {
	dialer   broker.Dialer
	executor agent.Executor
	logger   *zap.Logger
	sleep    broker.SleepFunc
	noDriver bool
	noRelay  bool
}

type Option func(*options)

// WithDialer replaces the dialer chosen from the broker URL.
func WithDialer(d broker.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithExecutor replaces the dry-run agent executor.
func WithExecutor(e agent.Executor) Option { return func(o *options) { o.executor = e } }

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithoutDriver leaves App.Driver nil.
func WithoutDriver() Option { return func(o *options) { o.noDriver = true } }

// WithoutRelay leaves App.Relay nil. The hub still accepts commands.
func WithoutRelay() Option { return func(o *options) { o.noRelay = true } }

// WithSleep replaces the backoff sleep of the broker manager and loops.
func WithSleep(s broker.SleepFunc) Option { return func(o *options) { o.sleep = s } }

// App holds every component of one process. Components are created eagerly;
// the driver and relay loops only touch the broker once Run is called.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	DB        *sql.DB
	Journal   events.Writer
	Repo      repo.Repo
	Manager   *broker.Manager
	Binder    *broker.Binder
	Publisher *broker.Publisher
	Registry  *mission.Registry
	Intake    *intake.Service
	Hub       *relay.Hub
	Relay     *relay.Proxy
	Driver    *orchestrator.Driver

	guard relay.Guard
}

// Endpoint builds the broker endpoint from cfg.
func Endpoint(cfg *config.Config) broker.Endpoint {
	return broker.Endpoint{
		URL:      cfg.Broker.URL,
		Address:  cfg.Broker.Address,
		Port:     cfg.Broker.Port,
		VHost:    cfg.Broker.VHost,
		Username: cfg.Broker.Username,
		Password: cfg.Broker.Password,
	}
}

// Dialer picks the transport for ep: memory:// runs an in-process broker,
// anything else speaks AMQP.
func Dialer(ep broker.Endpoint) broker.Dialer {
	if ep.Scheme() == "memory" {
		return inproc.New(0)
	}
	return broker.AMQPDialer{}
}

// RetryPolicy converts the configured backoff.
func RetryPolicy(cfg *config.Config) broker.RetryPolicy {
	return broker.RetryPolicy{
		MaxRetries: cfg.Broker.Retry.MaxRetries,
		BaseDelay:  cfg.Broker.Retry.BaseDelay,
		MaxDelay:   cfg.Broker.Retry.MaxDelay,
	}
}

// Requests is the binding the intake publishes missions through.
func Requests(cfg *config.Config) broker.BindingSpec {
	return broker.BindingSpec{
		Exchange: cfg.Exchanges.Requests.Name,
		Kind:     broker.ExchangeTopic,
		Durable:  cfg.Exchanges.Requests.Durable,
		Queue:    cfg.Exchanges.Requests.Queue,
	}
}

// Reports is the binding observers consume. routingKey narrows it to one
// mission when set.
func Reports(cfg *config.Config, routingKey string) broker.BindingSpec {
	if routingKey == "" {
		routingKey = ReportKey
	}
	return broker.BindingSpec{
		Exchange:   cfg.Exchanges.Reports.Name,
		Kind:       broker.ExchangeTopic,
		Durable:    cfg.Exchanges.Reports.Durable,
		RoutingKey: routingKey,
		Queue:      cfg.Exchanges.Reports.Queue,
	}
}

// Observer is the binding of a process that watches reports: an exclusive,
// broker-named queue that disappears with its connection. A non-empty
// missionID narrows it to that mission.
func Observer(cfg *config.Config, missionID string) broker.BindingSpec {
	spec := Reports(cfg, missionID)
	spec.Queue = ""
	spec.Exclusive = true
	return spec
}

// New validates cfg and wires every component.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		l, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	conn, err := db.Open(db.Config{DSN: cfg.Journal.DSN})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	a.DB = conn
	if err := migrate.Migrate(ctx, conn); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	version, err := migrate.Version(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("read journal version: %w", err)
	}
	logger.Debug("journal ready", zap.Int("schema_version", version))
	a.Journal = events.Writer{DB: conn}
	a.Repo = repo.Repo{DB: conn}

	ep := Endpoint(cfg)
	dialer := o.dialer
	if dialer == nil {
		dialer = Dialer(ep)
	}
	mgrOpts := []broker.ManagerOption{broker.WithManagerLogger(logger)}
	if o.sleep != nil {
		mgrOpts = append(mgrOpts, broker.WithSleep(o.sleep))
	}
	a.Manager = broker.NewManager(dialer, ep, RetryPolicy(cfg), mgrOpts...)
	a.Binder = broker.NewBinder()
	a.Publisher = broker.NewPublisher(a.Manager, logger)
	a.Registry = mission.NewRegistry()

	a.Intake, err = intake.New(intake.Config{
		Registry:  a.Registry,
		Manager:   a.Manager,
		Binder:    a.Binder,
		Publisher: a.Publisher,
		Requests:  Requests(cfg),
		Journal:   a.Journal,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	if url := cfg.Relay.Idempotency.RedisURL; url != "" {
		g, err := relay.NewRedisGuard(ctx, url, cfg.Relay.Idempotency.TTL)
		if err != nil {
			return nil, fmt.Errorf("idempotency store: %w", err)
		}
		a.guard = g
	} else {
		a.guard = relay.NewMemoryGuard(cfg.Relay.Idempotency.TTL)
	}

	a.Hub = relay.NewHub(relay.HubConfig{
		Commands:       a.Intake,
		Guard:          a.guard,
		Observers:      a.Registry,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WriteTimeout:   cfg.Relay.WriteTimeout,
		JoinTimeout:    cfg.Relay.JoinTimeout,
		SessionBuffer:  cfg.Relay.SessionBuffer,
		Logger:         logger,
	})
	if !o.noRelay {
		// Each relay replica needs its own copy of every report.
		a.Relay, err = relay.NewProxy(a.Hub, a.loop(Observer(cfg, ""), o.sleep), logger)
		if err != nil {
			return nil, err
		}
	}

	if o.noDriver {
		ok = true
		return a, nil
	}
	executor := o.executor
	if executor == nil {
		executor = agent.DryRun{Logger: logger.Named("agent")}
	}
	a.Driver, err = orchestrator.New(orchestrator.Config{
		Executor:        executor,
		Publisher:       a.Publisher,
		ReportExchange:  cfg.Exchanges.Reports.Name,
		ScenarioAddress: cfg.Scenario.Address,
		Journal:         a.Journal,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	requests := Requests(cfg)
	requests.RoutingKey = DriverKey
	a.Driver.Consume(a.loop(requests, o.sleep))

	ok = true
	return a, nil
}

func (a *App) loop(spec broker.BindingSpec, sleep broker.SleepFunc) *broker.Loop {
	return &broker.Loop{
		Manager:        a.Manager,
		Binder:         a.Binder,
		Binding:        spec,
		ReconnectDelay: a.Config.Broker.ReconnectDelay,
		Buffer:         a.Config.Relay.SessionBuffer,
		Prefetch:       a.Config.Broker.Prefetch,
		Sleep:          sleep,
	}
}

// Handler returns the HTTP API with the relay WebSocket endpoints mounted.
func (a *App) Handler() (http.Handler, error) {
	var relayProbe, driverProbe server.Prober
	if a.Relay != nil {
		relayProbe = a.Relay
	}
	if a.Driver != nil {
		driverProbe = a.Driver
	}
	return server.New(server.Config{
		Intake:         a.Intake,
		Missions:       a.Registry,
		Journal:        a.Repo,
		Hub:            a.Hub,
		Broker:         a.Manager,
		Relay:          relayProbe,
		Driver:         driverProbe,
		RequestTimeout: a.Config.Server.RequestTimeout,
		Logger:         a.Logger,
	})
}

// Close disconnects observers and releases the broker and journal.
func (a *App) Close() error {
	var errs []error
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.Manager != nil {
		errs = append(errs, a.Manager.Close())
	}
	if g, ok := a.guard.(*relay.RedisGuard); ok {
		errs = append(errs, g.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

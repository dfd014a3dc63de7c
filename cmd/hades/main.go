package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hades/internal/app"
	"hades/internal/broker"
	"hades/internal/config"
	"hades/internal/events"
	"hades/internal/logging"
	"hades/internal/mission"
	"hades/internal/taskmatrix"
	hadessdk "hades/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "hades",
	Short: "HADES mission dispatch and relay",
	Long: `HADES accepts adversary-emulation missions over HTTP, dispatches them through a
message broker to a driver that plays each target's steps, and relays the
resulting reports to WebSocket observers.
- serve: intake API, driver and relay in one process.
- driver: only the mission driver.
- submit, missions, events: talk to a running server.
- tail: read reports straight from the broker.
- resolve: print the steps a goal expands to.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HADES")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "hades.yml", "config file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, console)")
	rootCmd.PersistentFlags().String("broker-url", "", "broker URL, memory:// for the in-process broker")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8000", "HADES API base URL")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	for _, name := range []string{"config", "log-level", "log-format", "broker-url", "server", "json"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(driverCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(missionsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(tailCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads the config file and applies flag and environment
// overrides on top of it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if v := viper.GetString("broker-url"); v != "" {
		cfg.Broker.URL = v
	}
	if v := viper.GetString("redis-url"); v != "" {
		cfg.Relay.Idempotency.RedisURL = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, opts []app.Option, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.New(ctx, cfg, append([]app.Option{app.WithLogger(logger)}, opts...)...)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func client() *hadessdk.Client {
	return hadessdk.New(viper.GetString("server"))
}

func serveCmd() *cobra.Command {
	var addr string
	var noDriver, noRelay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the intake API, driver and relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []app.Option
			if noDriver {
				opts = append(opts, app.WithoutDriver())
			}
			if noRelay {
				opts = append(opts, app.WithoutRelay())
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Logger.Info("serving HADES API", zap.String("addr", addr), zap.String("broker", a.Manager.Endpoint().Redacted()))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					a.Hub.Close()
					sctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				if a.Driver != nil {
					g.Go(func() error { return a.Driver.Run(gctx) })
				}
				if a.Relay != nil {
					g.Go(func() error { return a.Relay.Run(gctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().BoolVar(&noDriver, "no-driver", false, "do not consume missions")
	cmd.Flags().BoolVar(&noRelay, "no-relay", false, "do not relay reports to observers")
	cmd.Flags().String("redis-url", "", "Redis URL for idempotency keys")
	_ = viper.BindPFlag("redis-url", cmd.Flags().Lookup("redis-url"))
	return cmd
}

func driverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "driver",
		Short: "Consume dispatched missions and play their steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), []app.Option{app.WithoutRelay()}, func(ctx context.Context, a *app.App) error {
				a.Logger.Info("driver started", zap.String("broker", a.Manager.Endpoint().Redacted()))
				return a.Driver.Run(ctx)
			})
		},
	}
	return cmd
}

func submitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a mission document",
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if file == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			if _, err := mission.Parse(data); err != nil {
				return err
			}
			id, err := client().Submit(cmd.Context(), data)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"id": id})
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "mission JSON file, - for stdin")
	return cmd
}

func missionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "missions",
		Short: "List missions accepted by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := client().ListMissions(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(all)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Systems", "Targets", "Status", "Submitted"})
			for _, m := range all {
				tw.AppendRow(table.Row{m.ID, m.Name, m.Systems, m.Targets, m.Status, m.SubmittedAt})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func eventsCmd() *cobra.Command {
	var limit int
	var follow bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "events <mission-id>",
		Short: "Show the journal of a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if follow {
				return followEvents(cmd.Context(), args[0], limit, interval)
			}
			items, err := client().Events(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Payload"})
			for i := len(items) - 1; i >= 0; i-- {
				e := items[i]
				payload, _ := json.Marshal(e.Payload)
				tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, string(payload)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of events (page size with --follow)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print the whole journal, then poll for new events")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --follow")
	return cmd
}

// followEvents prints the journal of a mission oldest first and keeps
// polling until the mission finishes or ctx is cancelled.
func followEvents(ctx context.Context, id string, limit int, interval time.Duration) error {
	c := client()
	var after int64
	for {
		page, err := c.EventsAfter(ctx, id, after, limit)
		if err != nil {
			return err
		}
		finished := false
		for _, e := range page.Items {
			if viper.GetBool("json") {
				if err := json.NewEncoder(os.Stdout).Encode(e); err != nil {
					return err
				}
			} else {
				payload, _ := json.Marshal(e.Payload)
				fmt.Printf("%d\t%s\t%s\t%s:%s\t%s\n", e.ID, e.TS, e.Type, e.EntityKind, e.EntityID, payload)
			}
			after = e.ID
			finished = finished || e.Type == events.MissionFinished || e.Type == events.MissionRejected
		}
		if finished {
			return nil
		}
		if len(page.Items) == limit {
			continue
		}
		if err := broker.Sleep(ctx, interval); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func tailCmd() *cobra.Command {
	var missionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print reports from the broker as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if missionID != "" {
				if _, err := uuid.Parse(missionID); err != nil {
					return fmt.Errorf("invalid mission id %q", missionID)
				}
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()
			ep := app.Endpoint(cfg)
			mgr := broker.NewManager(app.Dialer(ep), ep, app.RetryPolicy(cfg), broker.WithManagerLogger(logger))
			defer mgr.Close()
			spec := app.Observer(cfg, missionID)
			out := json.NewEncoder(cmd.OutOrStdout())
			loop := &broker.Loop{
				Name:           "tail",
				Manager:        mgr,
				Binder:         broker.NewBinder(),
				Binding:        spec,
				ReconnectDelay: cfg.Broker.ReconnectDelay,
				Logger:         logger,
				Handler: func(_ context.Context, d broker.Delivery) error {
					var v any
					if err := json.Unmarshal(d.Body, &v); err != nil {
						v = map[string]string{"type": "raw", "data": string(d.Body)}
					}
					return out.Encode(v)
				},
			}
			return loop.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&missionID, "id", "", "only reports of this mission")
	return cmd
}

func resolveCmd() *cobra.Command {
	var goal, target, address string
	var allowed, prohibited []string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the steps a goal expands to",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !taskmatrix.Known(goal) {
				return fmt.Errorf("unknown goal %q (known: %s)", goal, strings.Join(taskmatrix.Goals(), ", "))
			}
			if address == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				address = cfg.Scenario.Address
			}
			s := taskmatrix.Scenario{Address: address, Allowed: allowed, Prohibited: prohibited}
			steps := taskmatrix.Resolve(s, goal, mission.Target{Type: mission.TargetMachine, Address: target, Goals: []string{goal}})
			if viper.GetBool("json") {
				return printJSON(steps)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Step", "From", "To", "Turns", "Message"})
			for i, st := range steps {
				tw.AppendRow(table.Row{i + 1, st.Name, st.Sender, st.Recipient, st.MaxTurns, st.Message})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "scan", "goal name")
	cmd.Flags().StringVar(&target, "target", "", "target address")
	cmd.Flags().StringVar(&address, "scenario-address", "", "operator address (defaults to scenario.address)")
	cmd.Flags().StringSliceVar(&allowed, "allowed", nil, "allowed techniques")
	cmd.Flags().StringSliceVar(&prohibited, "prohibited", nil, "prohibited techniques")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			c = c.Redacted()
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := c.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Print the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	return cfg
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

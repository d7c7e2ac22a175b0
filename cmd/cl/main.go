package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"commitline/internal/app"
	"commitline/internal/config"
	"commitline/internal/db"
	"commitline/internal/engine"
	"commitline/internal/fixture"
	"commitline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Commitline CLI",
	Long: `Commitline turns activated commitments into fulfillment work.
Core concepts:
- Commitment: an activated sale that obligates fulfillment work; only active ones are orchestrated.
- Offering and templates: catalog entries; each template describes one kind of deliverable.
- Deliverable: one unit of work, created per template and per unit of quantity.
- Dependencies: deliverables are chained so each waits on the one created before it.
- Orchestration run: happens at most once per commitment; repeats are reported as skipped.
- Event log: audit trail of every run, view with 'cl log tail'.`,
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
	viper.SetEnvPrefix("COMMITLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/commitline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "", "actor identifier recorded on events")
	flags.String("driver", "", "store driver: sqlite or postgres")
	flags.String("dsn", "", "store DSN (postgres)")
	flags.String("chain-policy", "", "dependency chain policy: global or per_item")
	flags.String("log-level", "", "log level")
	flags.String("log-format", "", "log format: text or json")
	_ = viper.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("actor-id", flags.Lookup("actor-id"))
	_ = viper.BindPFlag("store.driver", flags.Lookup("driver"))
	_ = viper.BindPFlag("store.dsn", flags.Lookup("dsn"))
	_ = viper.BindPFlag("orchestration.chain_policy", flags.Lookup("chain-policy"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = viper.BindEnv("auth.jwt_secret")
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.base_path")
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(orchestrateCmd())
	rootCmd.AddCommand(deliverablesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadConfig reads the workspace config file, then applies flag and
// COMMITLINE_* overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	switch ws := cfg.Store.Workspace; {
	case ws == "" || ws == workspace:
		cfg.Store.Workspace = workspace
	case !filepath.IsAbs(ws):
		// Relative store paths in the file are relative to the workspace.
		cfg.Store.Workspace = filepath.Join(workspace, ws)
	}
	overrides := []struct {
		key string
		dst *string
	}{
		{"store.driver", &cfg.Store.Driver},
		{"store.dsn", &cfg.Store.DSN},
		{"orchestration.chain_policy", &cfg.Orchestration.ChainPolicy},
		{"log.level", &cfg.Log.Level},
		{"log.format", &cfg.Log.Format},
		{"auth.jwt_secret", &cfg.Auth.JWTSecret},
		{"server.addr", &cfg.Server.Addr},
		{"server.base_path", &cfg.Server.BasePath},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(viper.GetString(o.key)); v != "" {
			*o.dst = v
		}
	}
	return cfg, cfg.Validate()
}

func withRuntime(opts app.Options, fn func(*app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	opts.Config = cfg
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	rt, err := app.Open(opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage commitline.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default commitline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force)", path)
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "********"
			}
			return printJSON(cfg)
		},
	}
	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(app.Options{}, func(rt *app.Runtime) error {
				location := rt.Config.Store.DSN
				if rt.Conn.Dialect == db.SQLite {
					location = db.Path(rt.Config.Store.Workspace)
				}
				fmt.Printf("migrated %s store at %s\n", rt.Conn.Dialect, location)
				return nil
			})
		},
	}
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load offerings, templates and commitments from a YAML fixture",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			f, err := fixture.ParseFile(file)
			if err != nil {
				return err
			}
			return withRuntime(app.Options{}, func(rt *app.Runtime) error {
				sum, err := fixture.Load(cmd.Context(), rt.Conn, f, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("seeded %d offerings, %d templates, %d commitments, %d items\n", sum.Offerings, sum.Templates, sum.Commitments, sum.Items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "fixture file")
	return cmd
}

func orchestrateCmd() *cobra.Command {
	var commitmentID, tenantID string
	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Generate deliverables for an active commitment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(app.Options{}, func(rt *app.Runtime) error {
				res, err := rt.Engine.Orchestrate(cmd.Context(), engine.OrchestrateOptions{
					CommitmentID: commitmentID,
					TenantID:     tenantID,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Skipped {
					fmt.Printf("skipped %s: %s\n", res.CommitmentID, res.Reason)
					return nil
				}
				fmt.Printf("orchestrated %s (tenant %s): %d deliverables, %d dependencies, run %s\n",
					res.CommitmentID, res.TenantID, res.DeliverablesCreated, res.DependenciesCreated, res.RunID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&commitmentID, "commitment", "", "commitment id")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "restrict to this tenant")
	return cmd
}

func deliverablesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "deliverables", Short: "Inspect generated deliverables"}
	var commitmentID, tenantID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List deliverables of a commitment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(app.Options{}, func(rt *app.Runtime) error {
				ctx := cmd.Context()
				items, err := rt.Engine.Deliverables(ctx, commitmentID, tenantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				deps, err := rt.Engine.Dependencies(ctx, commitmentID, tenantID)
				if err != nil {
					return err
				}
				after := make(map[string]string, len(deps))
				for _, d := range deps {
					after[d.DeliverableID] = d.DependsOnDeliverableID
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Title", "Template", "Item", "Status", "After"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.Position, d.ID, d.Title, d.TemplateID, d.CommitmentItemID, d.Status, shortID(after[d.ID])})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&commitmentID, "commitment", "", "commitment id")
	list.Flags().StringVar(&tenantID, "tenant", "", "restrict to this tenant")
	cmd.AddCommand(list)
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail of orchestration runs and the deliverables they generated.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var tenantID, evtType, subjectKind, subjectID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(app.Options{}, func(rt *app.Runtime) error {
				events, err := rt.Engine.Repo.LatestEvents(cmd.Context(), n, tenantID, evtType, subjectKind, subjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Tenant", "Type", "Subject", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.TenantID, e.Type, e.SubjectKind + ":" + e.SubjectID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&subjectKind, "subject-kind", "", "subject kind: commitment or deliverable")
	cmd.Flags().StringVar(&subjectID, "subject-id", "", "subject id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			return withRuntime(app.Options{Registerer: reg}, func(rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				if rt.Config.Auth.JWTSecret == "" {
					rt.Logger.Warn("auth.jwt_secret is empty; API requests are not authenticated")
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: rt.Config.Auth.JWTSecret, Logger: rt.Logger},
					Gatherer: reg,
					Logger:   rt.Logger,
				})
				if err != nil {
					return err
				}
				ctx := cmd.Context()
				go server.NewRelay(rt.Engine.Repo, rt.Config.Webhooks, rt.Logger).Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving commitline API", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject, tenantID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "DEV ONLY: mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" || tenantID == "" {
				return fmt.Errorf("--sub and --tenant are required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.IssueToken(cfg.Auth.JWTSecret, subject, tenantID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "subject (actor id)")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

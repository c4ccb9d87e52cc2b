package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stockline/internal/allocation"
	"stockline/internal/app"
	"stockline/internal/config"
	"stockline/internal/db"
	"stockline/internal/domain"
	"stockline/internal/engine"
	"stockline/internal/logging"
	"stockline/internal/migrate"
	"stockline/internal/repo"
	"stockline/internal/server"
	"stockline/internal/tracing"
)

const version = "0.1.0"

var logger = logr.Discard()

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stockline CLI",
	Long: `Stockline allocates a product's stock to its open orders under one active rule.
- Workspace: the .stockline directory holding the SQLite database.
- Products carry a stock level; movements (purchase_in, return_in, sale_out, writeoff_out) change it.
- Orders request a quantity of one product and are granted stock by allocation runs.
- Allocation rules pick the order in which open orders are served; exactly one is active.
- Allocation runs snapshot stock and open orders, plan grants, and commit them atomically.
  A run whose snapshot changed before commit is rejected as stale and writes nothing.
- Event log: every change, view with 'sl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(logging.Options{
			Level:       viper.GetString("log-level"),
			Development: viper.GetBool("log-dev"),
		})
		if err != nil {
			return err
		}
		logger = l
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STOCKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("log-level", "info", "log level: error, info, verbose, debug, trace")
	flags.Bool("log-dev", false, "human-readable development logs")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-dev"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(productCmd())
	rootCmd.AddCommand(stockCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(customerCmd())
	rootCmd.AddCommand(allocateCmd())
	rootCmd.AddCommand(engineCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("trace") {
				if err := tracing.Init("stockline", version, viper.GetString("trace-file")); err != nil {
					return err
				}
				defer tracing.Shutdown(context.Background())
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: viper.GetBool("allow-legacy-actor"),
				LegacyRoles:            viper.GetStringSlice("legacy-roles"),
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("STOCKLINE_JWT_SECRET is required for bearer auth")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				addr := viper.GetString("addr")
				basePath := viper.GetString("base-path")
				handler, err := server.New(server.Config{
					Engine:     e,
					BasePath:   basePath,
					Auth:       authCfg,
					RetryStale: viper.GetBool("retry-stale"),
					Log:        logger,
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, e, logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving stockline API", "addr", addr, "base_path", basePath, "docs", "/docs", "metrics", "/metrics")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.String("addr", "127.0.0.1:8080", "listen address")
	flags.String("base-path", "/v0", "API base path")
	flags.Bool("retry-stale", false, "retry an allocation once when its commit is stale")
	flags.Bool("allow-legacy-actor", false, "accept the X-Actor-Id header without credentials")
	flags.StringSlice("legacy-roles", nil, "roles granted to X-Actor-Id callers")
	flags.Bool("trace", false, "export OpenTelemetry spans")
	flags.String("trace-file", "", "span output file (stdout when empty)")
	for _, name := range []string{"addr", "base-path", "retry-stale", "allow-legacy-actor", "legacy-roles", "trace", "trace-file"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	return cmd
}

func engineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "engine",
		Short: "Plan one allocation request read from stdin",
		Long: `Reads one JSON allocation request from stdin and writes the decisions to stdout.
Nothing is stored. Errors are reported in the response's error field.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			return allocation.Serve(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Warehouse config",
		Long:  "The warehouse config (stored in the DB) names the allocation rules, which one is active, customer ranks and webhooks. Import from stockline.yml.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ApplyConfig(ctx, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	var warehouseID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stockline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(warehouseID)), 0o644); err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
	cmd.Flags().StringVar(&warehouseID, "warehouse", app.DefaultWarehouseID, "warehouse id")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show warehouse summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Dashboard(ctx)
				if err != nil {
					return err
				}
				c, err := e.ActiveCriterion(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"warehouse_id": e.Config.Warehouse.ID, "criterion": c, "dashboard": d})
				}
				fmt.Printf("Warehouse: %s\n", e.Config.Warehouse.ID)
				fmt.Printf("Active criterion: %s\n", c)
				fmt.Printf("Products: %d (%d out of stock)\n", d.TotalProducts, d.OutOfStockProducts)
				fmt.Printf("Units in stock: %d\n", d.TotalUnits)
				fmt.Printf("Open orders: %d\n", d.OpenOrders)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every change to products, stock, orders, rules and allocations.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(evts))
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor", "Payload")
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyRevokeCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	var roles []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			secret := "sl_" + hex.EncodeToString(buf)
			key := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   actorID,
				Name:      name,
				Roles:     strings.Join(roles, ","),
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "roles": roles, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role granted to the key (repeatable)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(keys))
				}
				tw := newTable("ID", "Actor", "Name", "Roles", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.Roles, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		seed := engine.New(r.DB, nil).WithLogger(logger)
		cfg, err := app.ResolveConfig(ctx, seed, viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		return fn(ctx, engine.New(r.DB, cfg).WithLogger(logger))
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

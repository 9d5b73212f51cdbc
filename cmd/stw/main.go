package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/dispatch"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/loop"
	"steward/internal/migrate"
	"steward/internal/notify"
	"steward/internal/repo"
	"steward/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "stw",
	Short: "Steward CLI",
	Long: `Steward schedules an agent's outbound actions under governance.
Every action carries a tier: autonomous actions dispatch on the next tick,
governed ones wait for one approver or a unanimous council. Failures follow
a fixed retry ladder, rate limits defer without burning attempts, and every
dispatch attempt lands in an append-only audit trail ('stw log tail').`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage the governance policy file"}
	cmd.AddCommand(policyInitCmd())
	cmd.AddCommand(policyShowCmd())
	cmd.AddCommand(policyValidateCmd())
	return cmd
}

func policyInitCmd() *cobra.Command {
	var agentID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default steward.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(agentID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "steward", "agent identifier")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing policy")
	return cmd
}

func policyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func policyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the policy file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Println(path, "is valid")
			return nil
		},
	}
}

func enqueueCmd() *cobra.Command {
	var actionType, payload, payloadFile string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue an action",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actionType == "" {
				return fmt.Errorf("--type required")
			}
			raw := json.RawMessage(`{}`)
			switch {
			case payloadFile != "":
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				raw = json.RawMessage(data)
			case payload != "":
				raw = json.RawMessage(payload)
			}
			if !json.Valid(raw) {
				return fmt.Errorf("payload is not valid JSON")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				action, err := e.Enqueue(ctx, engine.EnqueueRequest{
					Type:        actionType,
					Payload:     raw,
					RequestedBy: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(action)
			})
		},
	}
	cmd.Flags().StringVar(&actionType, "type", "", "action type")
	cmd.Flags().StringVar(&payload, "payload", "", "payload JSON")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read payload JSON from file")
	return cmd
}

func actionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "action", Short: "Inspect actions"}
	cmd.AddCommand(actionListCmd())
	cmd.AddCommand(actionShowCmd())
	return cmd
}

func actionListCmd() *cobra.Command {
	var status, actionType, tier string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actions, err := e.List(ctx, repo.ActionFilters{
					Status: status,
					Type:   actionType,
					Tier:   tier,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				printActionTable(actions)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&actionType, "type", "", "filter by type")
	cmd.Flags().StringVar(&tier, "tier", "", "filter by tier")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func actionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show an action with approvals and dispatch history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <action-id>",
		Short: "Approve a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				action, progress, err := e.Approve(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if progress.Queued {
					fmt.Printf("action %s queued (%d/%d approvals)\n", action.ID, len(progress.Approvals), max(progress.Required, 1))
				} else {
					fmt.Printf("action %s pending (%d/%d approvals)\n", action.ID, len(progress.Approvals), progress.Required)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"action": action, "approvals": progress.Approvals, "required": progress.Required, "queued": progress.Queued})
				}
				return nil
			})
		},
	}
}

func rejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <action-id>",
		Short: "Reject a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				action, err := e.Reject(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(action)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func approvalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approvals",
		Short: "List actions awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pending, err := e.List(ctx, repo.ActionFilters{Status: domain.StatusPendingApproval})
				if err != nil {
					return err
				}
				type pendingRow struct {
					domain.Action
					Approvals []string `json:"approvals"`
					Required  int      `json:"required"`
				}
				rows := make([]pendingRow, 0, len(pending))
				for _, action := range pending {
					approvals, err := e.Repo.ListApprovals(ctx, action.ID)
					if err != nil {
						return err
					}
					row := pendingRow{Action: action, Required: e.Gate.RequiredApprovals(action.Tier)}
					for _, ap := range approvals {
						row.Approvals = append(row.Approvals, ap.ApproverID)
					}
					rows = append(rows, row)
				}
				return printJSONOrTable(rows)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Queue depth by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.StatusCounts(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit trail",
		Long:  "One record per dispatch attempt: what went out, at which attempt, and how it ended.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var actionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var records []domain.AuditRecord
				var err error
				if actionID != "" {
					records, err = e.Repo.ListAuditRecords(ctx, actionID)
				} else {
					records, err = e.Repo.TailAuditRecords(ctx, n)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				printAuditTable(records)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of records")
	cmd.Flags().StringVar(&actionID, "action", "", "show all attempts for one action")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := "stw_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Println("api key (shown once):", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = "" // never print hashes
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		Long: `Runs the dispatch loop against the workspace until interrupted.
SIGHUP or an edit to steward.yml reloads the policy; SIGINT/SIGTERM drains
started dispatches before exiting. One daemon per workspace, enforced by a
lock file under .steward/.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			release, err := db.AcquireLock(workspace, cfg.Loop.LockAttempts, 2*time.Second)
			if err != nil {
				return err
			}
			defer release()

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			registry, err := buildRegistry()
			if err != nil {
				return err
			}
			notifier := buildNotifier(log)
			l := loop.New(conn, cfg, registry, notifier, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			go func() {
				for range hup {
					next, err := config.Load(workspace)
					if err != nil {
						log.Warn("SIGHUP reload rejected", zap.Error(err))
						continue
					}
					l.Reload(next)
				}
			}()
			go func() {
				if err := l.WatchPolicy(ctx, workspace); err != nil {
					log.Warn("policy watcher unavailable", zap.Error(err))
				}
			}()

			log.Info("scheduler started",
				zap.String("workspace", workspace),
				zap.String("agent_id", cfg.Agent.ID),
				zap.Duration("tick", cfg.Loop.Tick.Std()))
			return l.Run(ctx)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			registry, err := buildRegistry()
			if err != nil {
				return err
			}
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()
			e := engine.New(conn, cfg, registry, notify.LogNotifier{Log: log})
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("STEWARD_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STEWARD_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Steward API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// buildRegistry wires built-in action types to HTTP executors. Endpoints
// come from STEWARD_ENDPOINT_<TYPE> env vars; a type without an endpoint
// stays registered but fails dispatch as an internal error.
func buildRegistry() (*dispatch.Registry, error) {
	executors := map[string]dispatch.Executor{}
	headers := map[string]string{}
	if token := os.Getenv("STEWARD_ENDPOINT_TOKEN"); token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	registry := dispatch.NewRegistry()
	for _, spec := range dispatch.BuiltinSpecs(nil) {
		envKey := "STEWARD_ENDPOINT_" + strings.ToUpper(strings.ReplaceAll(spec.Type, "-", "_"))
		if endpoint := os.Getenv(envKey); endpoint != "" {
			executors[spec.Type] = dispatch.NewHTTPExecutor(nil, endpoint, headers)
		}
	}
	for _, spec := range dispatch.BuiltinSpecs(executors) {
		if err := registry.Register(spec); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildNotifier(log *zap.Logger) notify.Notifier {
	if url := os.Getenv("STEWARD_NOTIFY_WEBHOOK"); url != "" {
		return notify.WebhookNotifier{URL: url, Log: log}
	}
	return notify.LogNotifier{Log: log}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	registry, err := buildRegistry()
	if err != nil {
		return err
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()
	e := engine.New(conn, cfg, registry, notify.LogNotifier{Log: log})
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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

func printActionTable(actions []domain.Action) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "TYPE", "TIER", "STATUS", "ATTEMPTS", "NEXT ATTEMPT", "CREATED"})
	for _, a := range actions {
		next := ""
		if a.NextAttemptAt != nil {
			next = *a.NextAttemptAt
		}
		t.AppendRow(table.Row{a.ID, a.Type, a.Tier, a.Status, a.AttemptCount, next, a.CreatedAt})
	}
	t.Render()
}

func printAuditTable(records []domain.AuditRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "ACTION", "ATTEMPT", "BEFORE", "AFTER", "ERROR", "TS"})
	for _, rec := range records {
		kind := ""
		if rec.ErrorKind != nil {
			kind = *rec.ErrorKind
		}
		t.AppendRow(table.Row{rec.ID, rec.ActionID, rec.Attempt, rec.StatusBefore, rec.StatusAfter, kind, rec.TS})
	}
	t.Render()
}

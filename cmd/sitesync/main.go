package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitesync/internal/app"
	"sitesync/internal/config"
	"sitesync/internal/db"
	"sitesync/internal/domain"
	"sitesync/internal/events"
	"sitesync/internal/migrate"
	"sitesync/internal/netmon"
	"sitesync/internal/queue"
	"sitesync/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sitesync",
	Short: "Sitesync CLI",
	Long: `Sitesync keeps field inspection assessments safe offline and syncs them when a connection is available.
- Workspace: your .sitesync directory holding the local queue database.
- Assessments: condition ratings for building elements, captured anywhere, queued locally first.
- Queue: every assessment lands in the durable queue as pending; sync drains it oldest first.
- Failed records: kept with their error and retry count; they only sync again on an explicit retry.
- Ingest API: the server side ('sitesync serve') that receives uploads idempotently.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("SITESYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(assessCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(netCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default sitesync.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate sitesync.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if filePath != "" {
				_, err = config.FromFile(filePath)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "validate a specific YAML file instead of the workspace config")
	return cmd
}

func assessCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "assess",
		Short: "Capture and inspect assessments",
		Long:  "Assessments always land in the local queue first, even when online, so captures never depend on the network.",
	}
	a.AddCommand(assessAddCmd())
	a.AddCommand(assessListCmd())
	a.AddCommand(assessShowCmd())
	a.AddCommand(assessDeleteCmd())
	return a
}

func assessAddCmd() *cobra.Command {
	var data domain.Assessment
	var photo string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a new assessment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Coordinator.Enqueue(ctx, data, photo)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&data.Category, "category", "", "asset category (e.g. roofing, hvac)")
	cmd.Flags().StringVar(&data.Element, "element", "", "inspected element")
	cmd.Flags().IntVar(&data.Condition, "condition", 0, "condition rating 1-5")
	cmd.Flags().IntVar(&data.Priority, "priority", 0, "priority rating 1-4")
	cmd.Flags().StringVar(&data.Building, "building", "", "building identifier")
	cmd.Flags().StringVar(&data.Floor, "floor", "", "floor")
	cmd.Flags().StringVar(&data.Room, "room", "", "room")
	cmd.Flags().StringVar(&data.Notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&photo, "photo", "", "path to a local photo")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("element")
	_ = cmd.MarkFlagRequired("condition")
	_ = cmd.MarkFlagRequired("priority")
	_ = cmd.MarkFlagRequired("building")
	return cmd
}

func assessListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued assessments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s queue.Store) error {
				records, err := s.List(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Building", "Category", "Element", "Cond", "Prio", "Status", "Retries", "Error"})
				for _, r := range records {
					tw.AppendRow(table.Row{r.ID, r.Data.Building, r.Data.Category, r.Data.Element,
						r.Data.Condition, r.Data.Priority, r.Status, r.RetryCount, r.ErrorMessage})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, syncing, synced, failed)")
	return cmd
}

func assessShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one queued assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s queue.Store) error {
				rec, err := s.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func assessDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a queued assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Coordinator.Delete(ctx, args[0])
			})
		},
	}
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "queue",
		Short: "Queue maintenance",
	}
	q.AddCommand(queueStatusCmd())
	q.AddCommand(queueResetRetryCmd())
	q.AddCommand(queuePruneCmd())
	return q
}

func queueStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show record counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s queue.Store) error {
				counts, err := s.CountByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				for _, status := range []string{domain.StatusPending, domain.StatusSyncing, domain.StatusSynced, domain.StatusFailed} {
					fmt.Printf("  %s: %d\n", status, counts[status])
				}
				return nil
			})
		},
	}
	return cmd
}

func queueResetRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-retry <id>",
		Short: "Zero the retry counter and requeue a failed record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Coordinator.ResetRetry(ctx, args[0]); err != nil {
					return err
				}
				rec, err := a.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func queuePruneCmd() *cobra.Command {
	var olderThanDays int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old synced records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				days := olderThanDays
				if !cmd.Flags().Changed("older-than-days") {
					days = a.Config.Sync.PruneAfterDays
				}
				cutoff := time.Now().AddDate(0, 0, -days)
				n, err := a.Store.PruneSynced(ctx, cutoff)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"pruned": n})
				}
				fmt.Printf("Pruned %d synced records older than %d days\n", n, days)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 30, "age cutoff in days")
	return cmd
}

func syncCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "sync",
		Short: "Run and inspect sync",
		Long:  "Sync drains pending records one at a time, oldest first. Failed records stay failed until retried explicitly with --retry or --id.",
	}
	s.AddCommand(syncRunCmd())
	s.AddCommand(syncStatusCmd())
	return s
}

func syncRunCmd() *cobra.Command {
	var retryFailed bool
	var id string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync queued assessments to the ingest API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Monitor.Sample(ctx)
				if !viper.GetBool("json") {
					subID, ch := a.Coordinator.Subscribe()
					defer a.Coordinator.Unsubscribe(subID)
					go func() {
						for snap := range ch {
							if snap.Syncing && snap.Progress.Total > 0 {
								fmt.Printf("  [%d/%d] %s\n", snap.Progress.Current, snap.Progress.Total, snap.Progress.Label)
							}
						}
					}()
				}
				var result domain.RunResult
				var err error
				if retryFailed || id != "" {
					result, err = a.Coordinator.RetrySync(ctx, id)
				} else {
					result, err = a.Coordinator.ManualSync(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				if result.SyncedCount == 0 && result.FailedCount == 0 {
					fmt.Println("Nothing to sync")
					return nil
				}
				fmt.Printf("Synced %d, failed %d", result.SyncedCount, result.FailedCount)
				if result.Incomplete {
					fmt.Print(" (stopped early, connection lost)")
				}
				fmt.Println()
				for _, e := range result.Errors {
					fmt.Printf("  %s: %s\n", e.ID, e.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&retryFailed, "retry", false, "include failed records")
	cmd.Flags().StringVar(&id, "id", "", "sync a single record")
	return cmd
}

func syncStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Monitor.Sample(ctx)
				if _, err := a.Coordinator.RefreshPendingCount(ctx); err != nil {
					return err
				}
				snap := a.Coordinator.State()
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("Network: %s\n", snap.Quality)
				fmt.Printf("Pending: %d\n", snap.PendingCount)
				fmt.Printf("Failed: %d\n", snap.FailedCount)
				warn := a.Config.Sync.RetryWarnThreshold
				if warn > 0 && snap.FailedCount > 0 {
					records, err := a.Store.List(ctx, domain.StatusFailed)
					if err != nil {
						return err
					}
					for _, r := range records {
						if r.RetryCount >= warn {
							fmt.Printf("  %s has failed %d times: %s\n", r.ID, r.RetryCount, r.ErrorMessage)
						}
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var recordID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail sync events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s queue.Store) error {
				w := events.Writer{DB: s.DB}
				items, err := w.Latest(ctx, n, recordID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&recordID, "record", "", "filter by record id")
	return cmd
}

func netCmd() *cobra.Command {
	n := &cobra.Command{
		Use:   "net",
		Short: "Network diagnostics",
	}
	n.AddCommand(netProbeCmd())
	return n
}

func netProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe the ingest API and classify connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			mon := netmon.New(
				strings.TrimRight(cfg.Remote.BaseURL, "/")+"/v1/health",
				cfg.Network.ProbeTimeout.Std(),
				cfg.Network.ProbeInterval.Std(),
				netmon.Thresholds{
					Poor:      time.Duration(cfg.Network.PoorLatencyMS) * time.Millisecond,
					Excellent: time.Duration(cfg.Network.ExcellentLatencyMS) * time.Millisecond,
				},
			)
			latency, probeErr := mon.Probe(cmd.Context())
			quality := mon.Sample(cmd.Context())
			out := map[string]any{"quality": quality, "latency_ms": latency.Milliseconds()}
			if probeErr != nil {
				out["error"] = probeErr.Error()
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			if probeErr != nil {
				fmt.Printf("Network: offline (%v)\n", probeErr)
				return nil
			}
			fmt.Printf("Network: %s (%s to %s)\n", quality, latency.Round(time.Millisecond), cfg.Remote.BaseURL)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ingest API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
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
			secret := jwtSecret(cfg)
			if secret == "" {
				return fmt.Errorf("SITESYNC_JWT_SECRET or server.jwt_secret is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				DB:   conn,
				Auth: server.AuthConfig{JWTSecret: secret},
				Log:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
			})
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving ingest API on http://%s/v1 (OpenAPI at /openapi.json)\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "token",
		Short: "Device token management",
	}
	t.AddCommand(tokenIssueCmd())
	return t
}

func tokenIssueCmd() *cobra.Command {
	var device string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := jwtSecret(cfg)
			if secret == "" {
				return fmt.Errorf("SITESYNC_JWT_SECRET or server.jwt_secret is required")
			}
			token, err := server.IssueToken(secret, device, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token, "device_id": device})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "device id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		return err
	}
	defer a.Close()
	// One-shot CLI process: a background run would die with it.
	a.Coordinator.AutoSync = false
	return fn(ctx, a)
}

func withStore(ctx context.Context, fn func(context.Context, queue.Store) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, queue.Store{DB: conn})
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

func jwtSecret(cfg *config.Config) string {
	if s := os.Getenv("SITESYNC_JWT_SECRET"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

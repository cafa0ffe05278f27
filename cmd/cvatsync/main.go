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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cvatsync/internal/app"
	"cvatsync/internal/config"
	"cvatsync/internal/db"
	"cvatsync/internal/feed"
	"cvatsync/internal/migrate"
	"cvatsync/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cvatsync",
	Short: "Mirror CVAT annotation jobs into a local task store",
	Long: `cvatsync keeps a local record per CVAT job, fed by webhook deliveries and
periodic sync runs, and serves a management API plus reports on top of it.
- Workspace: directory holding cvatsync.yml and the .cvatsync database.
- Records: one per remote job, keyed by a stable id derived from the job id.
- Manual override: a status set by hand that sync and webhooks leave alone.`,
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
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CVATSYNC")
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
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(webhooksCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
}

// envOverrides lets secrets come from CVATSYNC_* variables instead of the file.
func envOverrides(cfg *config.Config) {
	set := func(dst *string, key string) {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Remote.BaseURL, "remote-base-url")
	set(&cfg.Remote.Username, "remote-username")
	set(&cfg.Remote.Password, "remote-password")
	set(&cfg.Webhook.Secret, "webhook-secret")
	set(&cfg.Server.JWTSecret, "jwt-secret")
	set(&cfg.Database.DSN, "database-dsn")
	set(&cfg.Log.Level, "log-level")
}

func bootstrap(requireRemote bool) (*app.Runtime, error) {
	return app.Bootstrap(app.Options{
		Workspace:     viper.GetString("workspace"),
		RequireRemote: requireRemote,
		Override:      envOverrides,
	})
}

func withRuntime(requireRemote bool, fn func(*app.Runtime) error) error {
	rt, err := bootstrap(requireRemote)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook receiver and management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				cfg := rt.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				if cfg.Webhook.Secret == "" {
					rt.Logger.Warn("webhook secret not set; deliveries are accepted unsigned")
				}
				if cfg.Server.JWTSecret == "" {
					rt.Logger.Warn("jwt secret not set; management API is open")
				}
				hub := feed.NewHub(rt.Logger)
				e := rt.Engine
				e.Notifier = hub
				handler, err := server.New(server.Config{
					Engine:        e,
					BasePath:      basePath,
					Auth:          server.AuthConfig{JWTSecret: cfg.Server.JWTSecret, Logger: rt.Logger},
					WebhookSecret: cfg.Webhook.Secret,
					Stream:        hub,
					Logger:        rt.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-cmd.Context().Done()
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(ctx)
				}()
				rt.Logger.Info("serving", "addr", addr, "base_path", basePath, "remote", e.Remote != nil)
				fmt.Printf("Serving cvatsync on http://%s (webhooks at /webhooks/cvat, API at %s, docs at %s/docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			envOverrides(cfg)
			conn, dialect, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(conn, dialect)
			if err != nil {
				return err
			}
			fmt.Printf("%d migration(s) applied (%s)\n", applied, dialect)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter cvatsync.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.Template), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfgCmd.AddCommand(initCmd)
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate cvatsync.yml and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			envOverrides(cfg)
			if err := cfg.Finalize(); err != nil {
				return err
			}
			redacted := *cfg
			redact(&redacted.Remote.Password)
			redact(&redacted.Webhook.Secret)
			redact(&redacted.Server.JWTSecret)
			redact(&redacted.Database.DSN)
			return printJSON(redacted)
		},
	})
	return cfgCmd
}

func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}

func tokenCmd() *cobra.Command {
	var operator string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			envOverrides(cfg)
			token, err := server.SignToken(cfg.Server.JWTSecret, operator, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator name recorded on edits")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime (0 = no expiry)")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Package cli builds the mongoengine command line: document CRUD against a
// configured MongoDB collection plus version, config, and healthcheck commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimburion/mongoengine/pkg/config"
	"github.com/nimburion/mongoengine/pkg/health"
	"github.com/nimburion/mongoengine/pkg/observability/logger"
	"github.com/nimburion/mongoengine/pkg/store"
	"github.com/nimburion/mongoengine/pkg/store/mongodb"
	"github.com/nimburion/mongoengine/pkg/version"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Backend is an open store connection bound to the configured collection.
type Backend struct {
	Collection store.Collection
	Health     health.Checkable
	Close      func() error
}

// ConnectFunc opens the backend for one command invocation.
type ConnectFunc func(ctx context.Context, cfg *config.Config, log logger.Logger) (*Backend, error)

// Options configures the root command.
type Options struct {
	Name      string
	EnvPrefix string
	// Connect defaults to ConnectMongo.
	Connect ConnectFunc
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// flagKeys maps persistent flags onto configuration keys.
var flagKeys = map[string]string{
	"url":         "database.url",
	"database":    "database.database_name",
	"collection":  "database.collection",
	"id-property": "engine.id_property",
	"log-level":   "observability.log_level",
	"log-format":  "observability.log_format",
}

// NewCommand creates the root command.
func NewCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "mongoengine"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}
	if opts.Connect == nil {
		opts.Connect = ConnectMongo
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         "Document CRUD over a MongoDB collection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetIn(opts.Stdin)
	rootCmd.SetOut(opts.Stdout)
	rootCmd.SetErr(opts.Stderr)

	var cfgPath string
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config-file", "c", "", "config file path")
	pf.String("url", "", "MongoDB connection URL")
	pf.String("database", "", "database name")
	pf.String("collection", "", "collection name")
	pf.String("id-property", "", "identity field name exposed to callers")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (json, text)")
	pf.String("management-addr", "", "serve /health and /metrics on this address while the command runs")

	app := &app{opts: opts, cfgPath: &cfgPath}

	rootCmd.AddCommand(
		newVersionCommand(opts),
		newConfigCommand(app),
		newHealthcheckCommand(app),
		newServeCommand(app),
		newCreateCommand(app),
		newGetCommand(app),
		newFindCommand(app),
		newCountCommand(app),
		newUpdateCommand(app),
		newRemoveCommand(app),
		newDeleteCommand(app),
	)
	return rootCmd
}

// Execute runs the command with signal handling and exits with a non-zero code
// on failure.
func Execute(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		stop()
		os.Exit(1)
	}
}

// ConnectMongo opens a MongoDB adapter and binds the configured collection.
func ConnectMongo(ctx context.Context, cfg *config.Config, log logger.Logger) (*Backend, error) {
	adapter, err := mongodb.NewAdapter(mongodb.Config{
		URL:              cfg.Database.URL,
		Database:         cfg.Database.DatabaseName,
		ConnectTimeout:   cfg.Database.ConnectTimeout,
		OperationTimeout: cfg.Database.QueryTimeout,
	}, log)
	if err != nil {
		return nil, err
	}
	return &Backend{
		Collection: adapter.Collection(cfg.Database.Collection),
		Health:     adapter,
		Close:      adapter.Close,
	}, nil
}

func newVersionCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
			fmt.Fprintf(out, "Driver:     %s\n", info.DriverVersion)
			return nil
		},
	}
}

func newConfigCommand(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if !showSecrets {
				cfg = cfg.Redacted()
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.loadConfig(cmd); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	configCmd.AddCommand(showCmd, validateCmd)
	return configCmd
}

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Keep the connection open and serve the management endpoints until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("management-addr"); addr == "" {
				return fmt.Errorf("serve requires --management-addr")
			}
			return a.run(cmd, func(ctx context.Context, s *session) error {
				s.log.Info("serving management endpoints", "collection", s.cfg.Database.Collection)
				<-ctx.Done()
				return nil
			})
		},
	}
}

func newHealthcheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to MongoDB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				result := s.health.Check(ctx)
				if err := yaml.NewEncoder(cmd.OutOrStdout()).Encode(result); err != nil {
					return err
				}
				if !result.IsHealthy() {
					var failed []string
					for _, check := range result.Checks {
						if check.Status != health.StatusHealthy {
							failed = append(failed, check.Name)
						}
					}
					return fmt.Errorf("unhealthy: %s", strings.Join(failed, ", "))
				}
				return nil
			})
		},
	}
}

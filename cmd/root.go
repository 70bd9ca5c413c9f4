// Package cmd defines the substack-mirror command line.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/api"
	"github.com/JakeFAU/substack-mirror/internal/app"
	"github.com/JakeFAU/substack-mirror/internal/config"
	"github.com/JakeFAU/substack-mirror/internal/logging"
	"github.com/JakeFAU/substack-mirror/internal/orchestrator"
)

// errRunFailed signals a download in which nothing was mirrored.
var errRunFailed = errors.New("no posts were mirrored")

type appKeyType string

const appKey appKeyType = "app"

// Application is what the commands need from the composition root. Tests
// inject a fake through newApp.
type Application interface {
	api.Service
	Serve(ctx context.Context) error
	Close()
}

type appHandle struct {
	*orchestrator.Orchestrator
	app *app.App
}

func (h appHandle) Serve(ctx context.Context) error { return h.app.Serve(ctx) }

func (h appHandle) Close() { h.app.Close() }

var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Application, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return appHandle{Orchestrator: a.Orchestrator(), app: a}, nil
}

type rootOptions struct {
	configFile string
	logLevel   string
	logger     *zap.Logger
	cfg        config.Config
	app        Application
}

// close runs after the command, whether or not it failed.
func (o *rootOptions) close() {
	if o.app != nil {
		o.app.Close()
		o.app = nil
	}
	if o.logger != nil {
		_ = o.logger.Sync()
	}
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "substack-mirror",
		Short: "Mirror a Substack author's posts, comments and images",
		Long: `substack-mirror downloads every post of a Substack publication into
Markdown documents with their images and comment threads. Runs are
incremental: posts mirrored before are skipped unless --force is given.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			if err := applyOverrides(cmd, &cfg); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			opts.cfg = cfg
			opts.logger = logger

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize mirror: %w", err)
			}
			opts.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(
		newDownloadCmd(opts),
		newInfoCmd(),
		newResetSyncCmd(),
		newClearCacheCmd(),
		newServeCmd(),
	)
	return cmd
}

// applyOverrides folds command flags that change how the app is built into cfg.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) error {
	changed := func(name string) (string, bool) {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			return "", false
		}
		return f.Value.String(), true
	}
	if v, ok := changed("strategy"); ok {
		cfg.Crawler.Strategy = v
	}
	if v, ok := changed("executor"); ok {
		cfg.Crawler.Executor = v
	}
	if v, ok := changed("output"); ok {
		cfg.Storage.Backend = config.BackendLocal
		cfg.Storage.OutputDir = v
	}
	if v, ok := changed("token"); ok {
		cfg.Auth.Token = v
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func resolveApp(ctx context.Context) (Application, error) {
	appInstance, ok := ctx.Value(appKey).(Application)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context) int {
	opts := &rootOptions{}
	root := newRootCmd(opts)
	err := root.ExecuteContext(ctx)
	opts.close()
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}

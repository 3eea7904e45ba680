package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/keystate/app"
)

var (
	configPath string
	dataDir    string
	backend    string
	serverURL  string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "keystate",
	Short: "keystate manages local accounts, keys and server config",
	Long: `Inspect and maintain the multi-account session store: run data
migrations, switch or log out accounts, read server feature flags and
manage vault timeouts.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	pf.StringVar(&dataDir, "data-dir", "", "Directory for persistent data")
	pf.StringVar(&backend, "backend", "", "Storage backend: bbolt, sqlite or memory")
	pf.StringVar(&serverURL, "server-url", "", "Server base URL")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "Log format: text or json")
}

// loadConfig applies flags that were set over the file and defaults.
func loadConfig(cmd *cobra.Command) (app.Config, error) {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	overlay := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	overlay("data-dir", &cfg.DataDir, dataDir)
	overlay("backend", &cfg.Backend, backend)
	overlay("server-url", &cfg.ServerURL, serverURL)
	overlay("log-level", &cfg.LogLevel, logLevel)
	overlay("log-format", &cfg.LogFormat, logFormat)
	return cfg, cfg.Validate()
}

// withApp opens the app, runs pending migrations and calls fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cmd.ErrOrStderr(), cfg)
	if err != nil {
		return err
	}
	a, err := app.New(cfg, app.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer a.Close()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a.Start(ctx)
	return fn(ctx, a)
}

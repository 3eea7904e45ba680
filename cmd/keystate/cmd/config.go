package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jmcleod/keystate/app"
	"github.com/jmcleod/keystate/serverconfig"
)

var (
	configForce   bool
	configPreAuth bool
	flagType      string
	flagDefault   string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Server config and feature flags",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the cached server config, refreshing it if stale",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			cfg := a.ServerConfig.GetConfig(ctx, configForce, configPreAuth)
			if cfg == nil {
				return serverconfig.ErrNoConfig
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		})
	},
}

var flagCmd = &cobra.Command{
	Use:   "flag <name>",
	Short: "Print the active user's value of a feature flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flag := serverconfig.LookupFlag(args[0])
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			var v any
			switch flagType {
			case "bool":
				def := false
				if flagDefault != "" {
					b, err := strconv.ParseBool(flagDefault)
					if err != nil {
						return fmt.Errorf("default: %w", err)
					}
					def = b
				}
				v = serverconfig.FeatureFlag(ctx, a.ServerConfig, flag, def, configForce)
			case "int":
				def := 0
				if flagDefault != "" {
					n, err := strconv.Atoi(flagDefault)
					if err != nil {
						return fmt.Errorf("default: %w", err)
					}
					def = n
				}
				v = serverconfig.FeatureFlag(ctx, a.ServerConfig, flag, def, configForce)
			case "string":
				v = serverconfig.FeatureFlag(ctx, a.ServerConfig, flag, flagDefault, configForce)
			default:
				return errors.New("--type must be bool, int or string")
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(configCmd, flagCmd)
	configCmd.AddCommand(configShowCmd)

	configShowCmd.Flags().BoolVar(&configForce, "force", false, "Fetch even if the cached config is fresh")
	configShowCmd.Flags().BoolVar(&configPreAuth, "pre-auth", false, "Show the config used before login")
	flagCmd.Flags().BoolVar(&configForce, "force", false, "Fetch even if the cached config is fresh")
	flagCmd.Flags().StringVar(&flagType, "type", "bool", "Flag type: bool, int or string")
	flagCmd.Flags().StringVar(&flagDefault, "default", "", "Value when the flag is unset")
}

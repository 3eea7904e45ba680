package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/keystate/app"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending data migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
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
			return err
		}
		defer a.Close()
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		res := a.Start(ctx)
		out := cmd.OutOrStdout()
		if res.Err != nil {
			fmt.Fprintf(out, "migration stopped at version %d of %d: %v\n", res.To, a.Migrations.Latest(), res.Err)
			return res.Err
		}
		if res.From == res.To {
			fmt.Fprintf(out, "up to date at version %d\n", res.To)
			return nil
		}
		fmt.Fprintf(out, "migrated from version %d to %d\n", res.From, res.To)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

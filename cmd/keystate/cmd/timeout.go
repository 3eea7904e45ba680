package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/keystate/app"
	"github.com/jmcleod/keystate/sdk"
	"github.com/jmcleod/keystate/secrets"
)

var (
	timeoutUser     string
	timeoutPassword string
)

var timeoutCmd = &cobra.Command{
	Use:   "timeout [never|restart|immediately|<minutes>]",
	Short: "Show or set the vault timeout",
	Long: `Show or set the vault timeout. Setting "never" unlocks the account with
its master password and stores the user key for automatic unlock.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if len(args) == 1 {
				t, err := secrets.ParseVaultTimeout(args[0])
				if err != nil {
					return err
				}
				if t == secrets.Never {
					if err := storeNeverLockKey(ctx, a); err != nil {
						return err
					}
				}
				if err := a.State.SetVaultTimeout(ctx, timeoutUser, t); err != nil {
					return err
				}
			}
			t, err := a.State.VaultTimeout(ctx, timeoutUser)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t)
			return nil
		})
	},
}

// storeNeverLockKey unlocks the user's client with the master password and
// saves the user key as the never-lock companion item.
func storeNeverLockKey(ctx context.Context, a *app.App) error {
	password := timeoutPassword
	if password == "" {
		password = os.Getenv("KEYSTATE_PASSWORD")
	}
	if password == "" {
		return errors.New(`"never" needs the master password (--password or KEYSTATE_PASSWORD)`)
	}
	acct, err := a.State.Account(ctx, timeoutUser)
	if err != nil {
		return err
	}
	keys, err := a.State.EncryptionKeys(ctx, acct.UserID())
	if err != nil {
		return err
	}
	c, err := a.Clients.Client(ctx, acct.UserID(), false)
	if err != nil {
		return err
	}
	err = c.InitializeUserCrypto(sdk.InitRequest{
		UserID: acct.UserID(),
		Email:  acct.Profile.Email,
		KDF:    acct.Profile.KDF,
		Keys:   keys,
		Method: sdk.PasswordUnlock{Password: password},
	})
	if err != nil {
		return err
	}
	userKey, err := c.UserKey()
	if err != nil {
		return err
	}
	return a.State.SetNeverLockKey(ctx, acct.UserID(), userKey)
}

func init() {
	rootCmd.AddCommand(timeoutCmd)
	timeoutCmd.Flags().StringVar(&timeoutUser, "user", "", "User ID (default: the active account)")
	timeoutCmd.Flags().StringVar(&timeoutPassword, "password", "", "Master password, needed for never")
}

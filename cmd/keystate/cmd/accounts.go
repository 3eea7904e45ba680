package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/app"
	"github.com/jmcleod/keystate/sdk"
)

var (
	addUserID        string
	addEmail         string
	addPassword      string
	addKDFIterations uint32
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List, add, switch and log out accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts; the active one is marked with *",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			accounts, err := a.State.Accounts(ctx)
			if errors.Is(err, account.ErrNoAccounts) {
				fmt.Fprintln(cmd.OutOrStdout(), "no accounts")
				return nil
			}
			if err != nil {
				return err
			}
			active, _ := a.State.ActiveAccount(ctx)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\tUSER ID\tEMAIL\tKDF")
			for _, acct := range accounts {
				mark := ""
				if acct.UserID() == active.UserID() {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", mark, acct.UserID(), acct.Profile.Email, acct.Profile.KDF.Type)
			}
			return w.Flush()
		})
	},
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an account locally and make it active",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		password := addPassword
		if password == "" {
			password = os.Getenv("KEYSTATE_PASSWORD")
		}
		if password == "" {
			return errors.New("a master password is required (--password or KEYSTATE_PASSWORD)")
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			kdf := account.DefaultKDFConfig()
			kdf.Iterations = addKDFIterations
			acct := account.Account{Profile: account.Profile{
				UserID:            addUserID,
				Email:             addEmail,
				KDF:               kdf,
				DecryptionOptions: account.DecryptionOptions{HasMasterPassword: true},
			}}
			if err := acct.Validate(); err != nil {
				return err
			}
			reg, err := sdk.New().MakeRegisterKeys(addEmail, password, kdf)
			if err != nil {
				return err
			}
			if err := a.State.AddAccount(ctx, acct); err != nil {
				return err
			}
			if err := a.State.SetEncryptionKeys(ctx, addUserID, reg.Keys); err != nil {
				return err
			}
			if err := a.State.SetMasterPasswordHash(ctx, addUserID, reg.MasterPasswordHash); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (public key %s)\n", addUserID, reg.PublicKey)
			return nil
		})
	},
}

var accountsSwitchCmd = &cobra.Command{
	Use:   "switch <user-id>",
	Short: "Make an account active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.State.SetActiveAccount(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active account: %s\n", args[0])
			return nil
		})
	},
}

var accountsLogoutCmd = &cobra.Command{
	Use:   "logout [user-id]",
	Short: "Log out an account (default: the active one) and purge its secrets",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := ""
		if len(args) == 1 {
			userID = args[0]
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			id, err := a.Logout(ctx, userID)
			if id == "" && err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged out %s\n", id)
			if next, aerr := a.State.ActiveAccount(ctx); aerr == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "active account: %s\n", next.UserID())
			}
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd, accountsAddCmd, accountsSwitchCmd, accountsLogoutCmd)

	f := accountsAddCmd.Flags()
	f.StringVar(&addUserID, "id", "", "User ID")
	f.StringVar(&addEmail, "email", "", "Email address")
	f.StringVar(&addPassword, "password", "", "Master password (or set KEYSTATE_PASSWORD)")
	f.Uint32Var(&addKDFIterations, "kdf-iterations", account.DefaultKDFConfig().Iterations, "PBKDF2 iterations")
	accountsAddCmd.MarkFlagRequired("id")
	accountsAddCmd.MarkFlagRequired("email")
}

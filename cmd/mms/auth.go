package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emilyakhya/MMS/internal/backend"
	"github.com/emilyakhya/MMS/internal/types"
)

var (
	loginEmail    string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the backend and store the session locally",
	Long:  "Sign in to the backend. The password is read from stdin when --password is not given.",
	Args:  cobra.NoArgs,
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email (required)")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password")
	loginCmd.MarkFlagRequired("email")
}

func runLogin(cmd *cobra.Command, args []string) error {
	password := loginPassword
	if password == "" {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return errors.New("password required: pass --password or pipe it on stdin")
		}
		password = strings.TrimRight(line, "\r\n")
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		user, err := a.client.Login(ctx, types.Credentials{Email: loginEmail, Password: password})
		if err != nil {
			return err
		}
		if err := a.tokens.SetSession(ctx, *user); err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"id":    user.ID,
				"email": user.Email,
				"name":  user.Name,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", displayName(user))
		return nil
	})
}

func runLogout(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.tokens.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
		return nil
	})
}

func displayName(u *types.User) string {
	if u.Name != "" {
		return fmt.Sprintf("%s <%s>", u.Name, u.Email)
	}
	return u.Email
}

// explain adds a hint for errors the user can act on.
func explain(err error) error {
	if errors.Is(err, backend.ErrUnauthorized) {
		return fmt.Errorf("%w: run mms login", err)
	}
	return err
}

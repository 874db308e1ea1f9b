package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		secret   string
		user     string
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token signed with the guard's JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("a JWT secret is required (--secret or AUTH_JWT_SECRET)")
			}
			if user == "" {
				return fmt.Errorf("--user must not be empty")
			}

			m := auth.NewJWTManager(secret, duration)
			token, expires, err := m.GenerateAccessToken(auth.OperatorClaims{
				Username: user,
				Role:     auth.RoleOperator,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("AUTH_JWT_SECRET"), "JWT signing secret")
	cmd.Flags().StringVar(&user, "user", envOr("AUTH_OPERATOR_USER", "operator"), "operator username")
	cmd.Flags().DurationVar(&duration, "duration", time.Hour, "token lifetime")
	return cmd
}

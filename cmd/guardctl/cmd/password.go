package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/auth"
)

func newHashPasswordCmd() *cobra.Command {
	var (
		cost         int
		skipStrength bool
	)

	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for AUTH_OPERATOR_PASSWORD_HASH",
		Long: `Hashes the operator password. With no argument the password is read
from the first line of stdin so it stays out of shell history.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			if !skipStrength {
				if err := auth.ValidatePasswordStrength(password); err != nil {
					return err
				}
			}

			hash, err := auth.HashPassword(password, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", auth.DefaultBcryptCost, "bcrypt cost factor")
	cmd.Flags().BoolVar(&skipStrength, "skip-strength-check", false, "hash even a weak password")
	return cmd
}

package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newShutdownCmd(opts *options) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the control loop to stop gracefully",
		Long: `Requests a graceful stop. The loop finishes its current step and exits;
resting protective orders are left in place. Requires an operator token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to stop the guard without --yes")
			}
			env, err := newAPIClient(opts).do(cmd.Context(), http.MethodPost, "/api/shutdown")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), env.Message)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the shutdown")
	return cmd
}

package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

// options are shared by the commands that talk to a running guard
type options struct {
	server  string
	token   string
	timeout time.Duration
}

// NewRootCmd builds the guardctl command tree
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "guardctl",
		Short: "Operator tool for the position guard",
		Long: `guardctl talks to a running position guard and prepares its configuration.

It provides tools for:
  - Reading loop status and per-position protection
  - Requesting a graceful shutdown
  - Hashing the operator password and minting API tokens
  - Evaluating a positions/orders snapshot offline
  - Writing and validating configuration files`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("GUARD_SERVER", "http://localhost:8080"), "base URL of the guard API")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("GUARD_TOKEN"), "bearer token for protected endpoints")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newStatusCmd(opts),
		newProtectionCmd(opts),
		newShutdownCmd(opts),
		newHashPasswordCmd(),
		newTokenCmd(),
		newEvaluateCmd(),
		newConfigCmd(),
	)
	return root
}

// Execute runs the root command against os.Args
func Execute() error {
	return NewRootCmd().Execute()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

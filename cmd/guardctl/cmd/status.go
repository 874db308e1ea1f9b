package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/protection"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the control loop state and last cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newAPIClient(opts).do(cmd.Context(), http.MethodGet, "/api/status")
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), env.Data)
		},
	}
}

// protectionView is the data payload of /api/protection
type protectionView struct {
	Positions   []protection.Result `json:"positions"`
	Total       int                 `json:"total"`
	Unprotected int                 `json:"unprotected"`
}

func newProtectionCmd(opts *options) *cobra.Command {
	var onlyUnprotected bool

	cmd := &cobra.Command{
		Use:   "protection",
		Short: "List per-position protection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/protection"
			if onlyUnprotected {
				path += "?status=" + url.QueryEscape(string(protection.Unprotected))
			}
			env, err := newAPIClient(opts).do(cmd.Context(), http.MethodGet, path)
			if err != nil {
				return err
			}

			var view protectionView
			if err := json.Unmarshal(env.Data, &view); err != nil {
				return fmt.Errorf("decode protection: %w", err)
			}
			if err := printResults(cmd.OutOrStdout(), view.Positions); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d positions, %d unprotected\n", view.Total, view.Unprotected)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&onlyUnprotected, "unprotected", "u", false, "only show unprotected positions")
	return cmd
}

func printResults(w io.Writer, results []protection.Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tQTY\tSTATUS\tEVIDENCE\tORDER")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%g\t%s\t%s\t%s\n", r.Symbol, r.Qty, r.Status, dash(r.Evidence), dash(r.OrderID))
	}
	return tw.Flush()
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

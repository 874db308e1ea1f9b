package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/protection"
)

// snapshot is an offline copy of the broker state
type snapshot struct {
	Positions []broker.Position `json:"positions"`
	Orders    []broker.Order    `json:"orders"`
}

func newEvaluateCmd() *cobra.Command {
	var failUnprotected bool

	cmd := &cobra.Command{
		Use:   "evaluate <snapshot.json>",
		Short: "Classify positions in a saved snapshot as protected or not",
		Long: `Runs the protection evaluator over a JSON file of the form
{"positions": [...], "orders": [...]} using the broker field names.
No broker is contacted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read snapshot: %w", err)
			}
			var snap snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("parse snapshot: %w", err)
			}

			results := protection.Evaluate(snap.Positions, snap.Orders)
			rows := make([]protection.Result, 0, len(results))
			unprotected := 0
			for _, r := range results {
				if r.Status == protection.Unprotected {
					unprotected++
				}
				rows = append(rows, r)
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })

			if err := printResults(cmd.OutOrStdout(), rows); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d positions, %d unprotected\n", len(rows), unprotected)

			if failUnprotected && unprotected > 0 {
				return fmt.Errorf("%d unprotected positions", unprotected)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failUnprotected, "fail-unprotected", false, "exit non-zero when any position is unprotected")
	return cmd
}

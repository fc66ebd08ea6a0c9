package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harun/flipmentor/pkg/runledger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	runsSession string
	runsKey     string
	runsLimit   int
	runsJSON    bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run ledger",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

func init() {
	runsListCmd.Flags().StringVar(&runsSession, "session", "", "only runs of this remote session id")
	runsListCmd.Flags().StringVar(&runsKey, "key", "", "only runs of this session key")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs")
	runsListCmd.Flags().BoolVar(&runsJSON, "json", false, "print JSON instead of a table")
	runsCmd.AddCommand(runsListCmd)
	rootCmd.AddCommand(runsCmd)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Ledger.Enabled {
		return fmt.Errorf("run ledger is disabled in the configuration")
	}

	ledger, err := runledger.Open(runledger.Config{Path: cfg.Ledger.Path, Logger: zerolog.Nop()})
	if err != nil {
		return err
	}
	defer ledger.Close()

	entries, err := ledger.List(cmd.Context(), runledger.Filter{
		SessionID:  runsSession,
		SessionKey: runsKey,
		Limit:      runsLimit,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []runledger.Entry{}
		}
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tRUN\tSESSION\tKEY\tPURPOSE\tOUTCOME\tATTEMPTS\tDETAIL")
	for _, e := range entries {
		outcome := e.Outcome
		if outcome == "" {
			outcome = "running"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.StartedAt.Local().Format(time.DateTime),
			e.RunID, e.SessionID, e.SessionKey, e.Purpose, outcome, e.Attempts, e.Detail)
	}
	return w.Flush()
}

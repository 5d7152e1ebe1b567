package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/newthinker/quotegate/internal/app"
	"github.com/spf13/cobra"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show today's provider quota usage",
	Long: `Reads the configured quota backend and prints each enabled provider's
call count against its daily budget. Only shared backends (redis, postgres,
sqlite) reflect usage by running servers.`,
	RunE: runQuota,
}

func init() {
	rootCmd.AddCommand(quotaCmd)
}

func runQuota(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg.RateLimit.Enabled = false
	cfg.Cache.Snapshot.Enabled = false

	a, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		return fmt.Errorf("building app: %w", err)
	}
	defer a.Close()

	if cfg.Quota.Backend == "memory" {
		fmt.Fprintln(os.Stderr, "quota backend is memory; counts are per process")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tDATE\tCALLS\tBUDGET\tREMAINING\tSEEN KEYS")
	for _, name := range a.ProviderNames() {
		st, err := a.Quota().State(cmd.Context(), name)
		if err != nil {
			return fmt.Errorf("reading quota for %s: %w", name, err)
		}
		budget, remaining := "unlimited", "unlimited"
		if st.Budget > 0 {
			budget = strconv.Itoa(st.Budget)
			remaining = strconv.Itoa(st.Remaining())
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\n",
			st.Provider, st.Date, st.CallCount, budget, remaining, st.SeenKeys)
	}
	return w.Flush()
}

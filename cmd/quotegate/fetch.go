package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/newthinker/quotegate/internal/app"
	"github.com/newthinker/quotegate/internal/core"
	"github.com/newthinker/quotegate/internal/resolver"
	"github.com/newthinker/quotegate/internal/serializer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	fetchKind    string
	fetchRange   string
	fetchFormat  string
	fetchVerbose bool
	fetchTimeout time.Duration
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <symbol>",
	Short: "Resolve one symbol through the provider chain and print it",
	Example: `  quotegate fetch KO
  quotegate fetch AAPL --kind history --range 3m --format csv`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchKind, "kind", "k", "quote", "quote, dividends or history")
	fetchCmd.Flags().StringVarP(&fetchRange, "range", "r", "", "history/dividends range (1m, 3m, 6m, 1y, 2y, 5y, max)")
	fetchCmd.Flags().StringVarP(&fetchFormat, "format", "f", "json", "output format: json or csv")
	fetchCmd.Flags().BoolVarP(&fetchVerbose, "verbose", "v", false, "print provider attempts to stderr")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 30*time.Second, "resolution timeout")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	format, err := serializer.ParseFormat(fetchFormat)
	if err != nil {
		return err
	}
	key, err := core.NewResourceKey(core.Kind(strings.ToLower(fetchKind)), args[0], fetchRange)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), fetchTimeout)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("building app: %w", err)
	}
	defer a.Close()

	// a warm cache answers without spending provider quota
	if n, err := a.Restore(ctx); err != nil {
		log.Warn("cache snapshot restore failed", zap.Error(err))
	} else if n > 0 {
		log.Debug("cache snapshot restored", zap.Int("entries", n))
	}

	res, err := a.Resolver().Resolve(ctx, key)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", key, err)
	}
	if fetchVerbose {
		printAttempts(res)
	}

	var out []byte
	switch format {
	case serializer.FormatCSV:
		out, err = serializer.ToCSV([]core.Record{res.Record})
	default:
		meta := serializer.Meta{Timestamp: time.Now().UTC(), Source: string(res.Source)}
		if !res.FetchedAt.IsZero() {
			t := res.FetchedAt.UTC()
			meta.FetchedAt = &t
		}
		out, err = serializer.ToJSON(res.Record, meta)
	}
	if err != nil {
		return err
	}
	os.Stdout.Write(out)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		fmt.Println()
	}

	if res.Source == resolver.SourceEmpty {
		return fmt.Errorf("no data for %s", key)
	}
	return nil
}

func printAttempts(res resolver.Result) {
	for _, at := range res.Attempts {
		line := fmt.Sprintf("%-14s %-12s %8s", at.Provider, at.Outcome, at.Duration.Round(time.Millisecond))
		if at.Reason != "" {
			line += "  " + at.Reason
		}
		fmt.Fprintln(os.Stderr, line)
	}
	fmt.Fprintf(os.Stderr, "source: %s\n", res.Source)
}

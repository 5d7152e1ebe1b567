package main

import (
	"fmt"
	"os"

	"github.com/newthinker/quotegate/internal/config"
	"github.com/newthinker/quotegate/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "quotegate",
	Short: "quotegate - market data acquisition gateway",
	Long: `quotegate serves quotes, dividends and price history for a symbol by
walking a chain of upstream providers behind a shared cache, daily quota
tracking and per-client rate limiting.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug mode")
}

// loadConfig reads --config and environment overrides. Without a file
// the defaults apply.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// setup loads config and the logger every subcommand needs.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfgFile == "" {
		log.Warn("no config file specified, using defaults")
	}
	return cfg, log, nil
}

// newLogger builds the process logger; --debug wins over configured level.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	opts := logger.Options{Development: debug}
	if !debug {
		opts.Level = cfg.Log.Level
		opts.Format = cfg.Log.Format
	}
	return logger.New(opts)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

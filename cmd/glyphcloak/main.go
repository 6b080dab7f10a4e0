// Package main is the entry point for the glyphcloak binary.
// It runs the transform service and the cloaking proxy, and offers offline
// tools to cloak, decrypt and search pages.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/glyphcloak/pkg/config"
	"github.com/polisai/glyphcloak/pkg/logging"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every subcommand shares: the loaded configuration and
// the logger.
type app struct {
	configPath string
	logLevel   string
	pretty     bool

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "glyphcloak",
		Short: "Cloak page text behind keyed font substitution",
		Long: `glyphcloak replaces the text of HTML pages with cipher text that a
per-key font renders back into the original glyphs. Readers see the page
as usual; scrapers see cipher text.

Examples:
  glyphcloak serve --config glyphcloak.yaml
  glyphcloak proxy --upstream https://news.example
  glyphcloak page article.html -o cloaked.html --keys keys.json
  glyphcloak search cloaked.html "quarterly results" --keys keys.json`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Path to configuration file (YAML)")
	flags.StringVarP(&a.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&a.pretty, "pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(
		newServeCmd(a),
		newProxyCmd(a),
		newPageCmd(a),
		newWatchCmd(a),
		newDecryptCmd(a),
		newSearchCmd(a),
		newGlyphsCmd(a),
	)
	return rootCmd
}

// init loads the configuration and sets up logging. Logs go to stderr so
// stdout stays free for command output.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
		if err := cfg.Logging.Validate(); err != nil {
			return err
		}
	}
	if a.pretty {
		cfg.Logging.Pretty = true
	}

	lc := cfg.Logging.ToLogging()
	lc.Output = cmd.ErrOrStderr()
	a.logger = logging.NewLogger(lc)
	logging.SetupLogger(lc)
	slog.SetDefault(a.logger)
	a.cfg = cfg
	return nil
}

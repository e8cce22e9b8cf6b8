// Command interfix repairs interaction-blocking layout defects in generated
// HTML documents.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"interfix/internal/config"
)

var (
	// Global flags
	cfgPath  string
	verbose  bool
	logLevel string
	dbPath   string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "interfix",
	Short: "interfix - repair pipeline for broken interactive HTML",
	Long: `interfix detects interaction-blocking layout defects in generated
HTML documents and repairs them until they pass validation.

A static classifier attributes every broken interactive element to a
defect kind, a deterministic rule catalog patches the kinds it can, and
a headless-browser validator scores the result. Defects the rules
cannot reach go to a generative fixer, attempt by attempt, until the
document passes or the budget runs out.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Metrics.DatabasePath = dbPath
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err = buildLogger(cfg.Logging, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// initCmd writes a starter configuration file.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Long: `Writes the default configuration to the --config path so it can be
edited. Existing files are left alone.`,
	RunE: runInit,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", ".interfix/config.yaml", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Metrics database path (overrides config)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statsCmd)
}

// buildLogger maps the logging section onto a zap configuration. The
// console format is the development encoder; anything else is production
// JSON.
func buildLogger(lc config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Format != "json" {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	return zc.Build()
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("Config already exists at %s\n", cfgPath)
		return nil
	}

	if err := config.DefaultConfig().Save(cfgPath); err != nil {
		return err
	}

	fmt.Printf("Wrote default config to %s\n", cfgPath)
	fmt.Println("Set GEMINI_API_KEY (or ANTHROPIC_API_KEY) to enable generative repair.")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Command level-sensor samples emitter/detector pairs at several heights,
// reports submersion changes to MQTT and runs operator-driven calibration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sweeney/level-sensor/internal/config"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "level-sensor",
	Short: "Multi-channel liquid-presence detector",
	Long: `level-sensor measures each channel's detector response to emitter bursts,
decides submerged/dry per channel and publishes changes to MQTT.

Calibration is driven by commands on the MQTT command topic or POST /command.

Run without a subcommand to start the daemon.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = buildLogger(cfg.LogLevel, verbose)
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
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cfg, logger)
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Measure every channel once, print the result and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printState(cmd.OutOrStdout(), cfg)
	},
}

var calibrationCmd = &cobra.Command{
	Use:   "calibration",
	Short: "Print the stored calibration record of every channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printCalibration(cmd.OutOrStdout(), cfg)
	},
}

func buildLogger(level string, verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (or set "+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(calibrationCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"motionctl/internal/config"
	"motionctl/internal/logging"
	"motionctl/internal/management"
)

// runCmd starts the daemon in the foreground
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the motion daemon",
	Long: `Load the configuration (creating a default one if missing), connect the
device transport, start the control surface and block until SIGINT/SIGTERM.
Calibration, span policy, generator envelopes and mode timings are reloaded
when the configuration file changes.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := configureLogging(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	system, err := management.NewSystem(ctx, configPath)
	if err != nil {
		return fmt.Errorf("failed to create motion system: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "motionctl running with %s (Ctrl+C to stop)\n", configPath)
	return system.Run(ctx)
}

// configureLogging 在管理器创建前按配置文件设置日志
func configureLogging() error {
	logCfg := logging.DefaultConfig()
	if data, err := os.ReadFile(configPath); err == nil {
		if cfg, err := config.Parse(data); err == nil {
			logCfg = &logging.Config{
				Level:      cfg.Logging.Level,
				Format:     cfg.Logging.Format,
				Output:     cfg.Logging.Output,
				OutputPath: cfg.Logging.OutputPath,
			}
		}
	}
	if verbose {
		logCfg.Level = "debug"
	}
	if _, err := logging.Configure(logCfg); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	return nil
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"motionctl/internal/config"
)

var forceInit bool

// initConfigCmd writes a default configuration file
var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a default configuration file",
	Long: `Write a fully populated configuration to --config. The default targets a
Handy over its REST API; set device.connection_key before running, or use
device.protocol: sim for a dry run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil && !forceInit {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
		}
		cm := config.NewConfigManager(configPath)
		if err := cm.CreateDefaultConfig(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", configPath)
		return nil
	},
}

func init() {
	initConfigCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing file")
}

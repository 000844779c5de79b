// Command motionctl runs the motion daemon that drives a Handy actuator from
// generated move sequences, chat model suggestions and scripted patterns, and
// offers a small client for its TCP control surface.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	timeout    time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "motionctl",
	Short: "Motion engine for linear actuators",
	Long: `motionctl turns relative moves (speed, depth, range on 0..100) into
actuator commands. It runs interaction modes (auto, milking, edging, guided)
and scripted patterns (waves, pulse, stairs, teasehold, post_orgasm), and
exposes a newline-delimited JSON control surface over TCP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "motionctl.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Control request timeout")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initConfigCmd)
	rootCmd.AddCommand(sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"motionctl/internal/config"
	"motionctl/internal/ipc"
)

// sendCmd sends one control request to a running daemon
var sendCmd = &cobra.Command{
	Use:   "send <type> [json-data]",
	Short: "Send a control request to a running daemon",
	Long: `Send one request over the control surface and print the response.

Examples:
  motionctl send start_mode '{"mode":"auto"}'
  motionctl send user_message '{"text":"slower"}'
  motionctl send manual_move '{"sp":40,"dp":50,"rng":30}'
  motionctl send adjust '{"axis":"speed","factor":0.3}'
  motionctl send status`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	data := map[string]interface{}{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
			return fmt.Errorf("invalid json data: %w", err)
		}
	}

	ipcCfg := config.DefaultConfig().IPC
	cm := config.NewConfigManager(configPath)
	if err := cm.LoadConfig(""); err == nil {
		ipcCfg = cm.GetConfig().IPC
	}
	ipcCfg.Timeout = timeout

	client := ipc.NewIPCClient(ipcCfg)
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reply, err := client.Request(ctx, ipc.NewMessage(args[0], data))
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(reply.Data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// Command simulator drives a running motionctl daemon with random control
// traffic: mode switches, chat messages, edge signals, manual moves and
// scripted sequences. It prints everything the daemon pushes back.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"motionctl/internal/ipc"
	"motionctl/internal/logging"
	"motionctl/internal/management"
	"motionctl/pkg/types"
)

var simModes = []types.ModeName{
	types.ModeAuto, types.ModeMilking, types.ModeEdging, types.ModeGuided,
	types.ModeWaves, types.ModePulse, types.ModeStairs, types.ModeTeaseHold,
}

var simMessages = []string{
	"faster", "slower", "just the tip", "deeper", "all the way", "I'm close", "keep going",
}

type Simulator struct {
	ipcClient *ipc.IPCClient
	rnd       *rand.Rand
	interval  time.Duration
	logger    *logging.Logger
}

func NewSimulator(config types.IPCConfig, interval time.Duration, seed int64) *Simulator {
	return &Simulator{
		ipcClient: ipc.NewIPCClient(config),
		rnd:       rand.New(rand.NewSource(seed)),
		interval:  interval,
		logger:    logging.GetLogger("simulator"),
	}
}

func (s *Simulator) Run(ctx context.Context) error {
	if err := s.ipcClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to IPC server: %w", err)
	}
	defer s.ipcClient.Disconnect()

	s.ipcClient.RegisterHandler(management.MsgChat, func(m types.IPCMessage) {
		s.logger.Info("Chat", "text", m.Data["text"])
	})
	s.ipcClient.RegisterHandler(management.MsgMood, func(m types.IPCMessage) {
		s.logger.Info("Mood changed", "mood", m.Data["mood"])
	})
	s.ipcClient.RegisterHandler("mode_started", s.logEvent)
	s.ipcClient.RegisterHandler("mode_stopped", s.logEvent)
	s.ipcClient.RegisterHandler(ipc.ResponseType(management.MsgStatus), s.handleStatusResponse)
	s.ipcClient.RegisterHandler(ipc.ErrorResponseType, s.handleErrorResponse)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Simulator started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.send(management.MsgStopMode, nil)
			s.logger.Info("Simulator stopped")
			return nil
		case <-ticker.C:
			if !s.ipcClient.IsConnected() {
				return fmt.Errorf("daemon closed the connection")
			}
			s.simulateActivity()
		}
	}
}

func (s *Simulator) simulateActivity() {
	switch s.rnd.Intn(8) {
	case 0:
		mode := simModes[s.rnd.Intn(len(simModes))]
		s.send(management.MsgStartMode, map[string]interface{}{"mode": string(mode)})
	case 1:
		s.send(management.MsgUserMessage, map[string]interface{}{"text": simMessages[s.rnd.Intn(len(simMessages))]})
	case 2:
		s.send(management.MsgSignalEdge, nil)
	case 3:
		s.send(management.MsgManualMove, map[string]interface{}{
			"sp":  10 + s.rnd.Intn(80),
			"dp":  20 + s.rnd.Intn(60),
			"rng": 10 + s.rnd.Intn(60),
		})
	case 4:
		s.send(management.MsgPlayMoves, map[string]interface{}{"moves": s.randomMoves(2 + s.rnd.Intn(4))})
	case 5:
		phases := []string{types.PhaseWarmUp, types.PhaseActive, types.PhaseRecovery}
		s.send(management.MsgSetPhase, map[string]interface{}{
			"phase": phases[s.rnd.Intn(len(phases))],
			"cues":  map[string]interface{}{"fast": s.rnd.Intn(2) == 0},
		})
	case 6:
		axes := []string{"speed", "depth", "range"}
		factor := 0.2 + 0.3*s.rnd.Float64()
		if s.rnd.Intn(2) == 0 {
			factor = -factor
		}
		s.send(management.MsgAdjust, map[string]interface{}{"axis": axes[s.rnd.Intn(len(axes))], "factor": factor})
	default:
		s.send(management.MsgStatus, nil)
	}
}

func (s *Simulator) randomMoves(n int) []map[string]interface{} {
	moves := make([]map[string]interface{}, n)
	for i := range moves {
		moves[i] = map[string]interface{}{
			"sp":  5 + s.rnd.Intn(90),
			"dp":  10 + s.rnd.Intn(80),
			"rng": 10 + s.rnd.Intn(80),
		}
	}
	return moves
}

func (s *Simulator) send(msgType string, data map[string]interface{}) {
	msg := ipc.NewMessage(msgType, data)
	msg.Target = "motionctl"
	if err := s.ipcClient.Send(msg); err != nil {
		s.logger.Warn("Failed to send request", "type", msgType, "error", err)
		return
	}
	s.logger.Debug("Sent request", "type", msgType, "data", data)
}

func (s *Simulator) logEvent(m types.IPCMessage) {
	s.logger.Info("Session event", "type", m.Type, "mode", m.Data["mode"], "session_id", m.Data["session_id"])
}

func (s *Simulator) handleStatusResponse(m types.IPCMessage) {
	data, err := json.MarshalIndent(m.Data, "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal status response", "error", err)
		return
	}
	fmt.Printf("Status:\n%s\n", data)
}

func (s *Simulator) handleErrorResponse(m types.IPCMessage) {
	s.logger.Warn("Request rejected", "error", m.Data["error"])
}

func main() {
	var (
		address  string
		port     int
		duration time.Duration
		interval time.Duration
		seed     int64
	)

	cmd := &cobra.Command{
		Use:          "simulator",
		Short:        "Drive a running motionctl daemon with random traffic",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			if seed == 0 {
				seed = time.Now().UnixNano()
			}

			fmt.Printf("Connecting to %s:%d\n", address, port)
			sim := NewSimulator(types.IPCConfig{
				Type:       "tcp",
				Address:    address,
				Port:       port,
				Timeout:    5 * time.Second,
				BufferSize: 1024,
			}, interval, seed)
			return sim.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&address, "address", "127.0.0.1", "IPC server address")
	cmd.Flags().IntVar(&port, "port", 8080, "IPC server port")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "Simulation duration (0 runs until interrupted)")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Delay between requests")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (0 uses the clock)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package management

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"motionctl/internal/core"
	"motionctl/internal/device"
	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

var _ core.Actuator = (*device.Mapper)(nil)

const (
	defaultStatusInterval = 5 * time.Second
	shutdownTimeout       = 10 * time.Second
)

// System 将基础设施层与应用层组合成一个可运行的守护进程
type System struct {
	infrastructure *InfrastructureManager
	application    *ApplicationManager

	// StatusInterval 状态广播周期；<= 0 时关闭
	StatusInterval time.Duration

	logger *logging.Logger
}

func NewSystem(ctx context.Context, configPath string) (*System, error) {
	infrastructure, err := NewInfrastructureManager(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create infrastructure manager: %w", err)
	}

	application, err := NewApplicationManager(ctx, infrastructure)
	if err != nil {
		return nil, fmt.Errorf("failed to create application manager: %w", err)
	}

	return &System{
		infrastructure: infrastructure,
		application:    application,
		StatusInterval: defaultStatusInterval,
		logger:         logging.GetLogger("system"),
	}, nil
}

func (s *System) Infrastructure() *InfrastructureManager { return s.infrastructure }
func (s *System) Application() *ApplicationManager       { return s.application }

// Run starts every layer and blocks until ctx is cancelled, then shuts down
// in reverse order.
func (s *System) Run(ctx context.Context) error {
	s.logger.Info("Starting motionctl")

	// 1. 基础设施层 (配置监听、IPC)
	if err := s.infrastructure.Start(ctx); err != nil {
		return fmt.Errorf("failed to start infrastructure layer: %w", err)
	}

	// 2. 应用层依赖与启动
	if err := s.application.SetupDependencies(); err != nil {
		_ = s.infrastructure.Stop()
		return fmt.Errorf("failed to setup application dependencies: %w", err)
	}
	if err := s.application.Start(ctx); err != nil {
		_ = s.infrastructure.Stop()
		return fmt.Errorf("failed to start application layer: %w", err)
	}

	s.logSystemInfo(s.infrastructure.GetSystemConfig())

	g, gctx := errgroup.WithContext(ctx)
	if s.StatusInterval > 0 {
		g.Go(func() error {
			s.broadcastStatus(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (s *System) broadcastStatus(ctx context.Context) {
	ticker := time.NewTicker(s.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.application.broadcast(MsgStatus, s.application.Status())
		}
	}
}

// shutdown 停止顺序: 应用层 -> 基础设施层 (与启动相反)
func (s *System) shutdown() error {
	s.logger.Info("Stopping motionctl")

	done := make(chan error, 1)
	go func() {
		var errs []error
		if err := s.application.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("application layer stop error: %w", err))
		}
		if err := s.infrastructure.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("infrastructure layer stop error: %w", err))
		}
		done <- errors.Join(errs...)
	}()

	timer := time.NewTimer(shutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("Errors during shutdown", "error", err)
			return err
		}
		s.logger.Info("motionctl stopped")
		return nil
	case <-timer.C:
		return fmt.Errorf("shutdown timed out after %s", shutdownTimeout)
	}
}

func (s *System) logSystemInfo(cfg types.SystemConfig) {
	s.logger.Info("motionctl running",
		"ipc", fmt.Sprintf("%s:%d", cfg.IPC.Address, cfg.IPC.Port),
		"device_protocol", cfg.Device.Protocol,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"generator_batch", cfg.Generator.MovesPerBatch,
	)
}

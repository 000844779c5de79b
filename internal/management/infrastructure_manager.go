package management

import (
	"context"
	"errors"
	"fmt"

	"motionctl/internal/config"
	"motionctl/internal/device"
	"motionctl/internal/hardware"
	"motionctl/internal/ipc"
	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

// InfrastructureManager 管理基础设施层组件
type InfrastructureManager struct {
	configManager *config.ConfigManager
	transport     device.Transport
	ipcServer     *ipc.IPCServer
	logger        *logging.Logger
	ctx           context.Context
}

// NewInfrastructureManager 创建基础设施管理器
func NewInfrastructureManager(configPath string) (*InfrastructureManager, error) {
	im := &InfrastructureManager{
		logger: logging.GetLogger("infrastructure"),
	}

	// 1. 配置管理器 (最底层，无依赖)
	im.configManager = config.NewConfigManager(configPath)
	if err := im.configManager.LoadConfig(""); err != nil {
		im.logger.Warn("Failed to load config", "error", err, "path", configPath)
		im.logger.Info("Creating default configuration...")
		if err := im.configManager.CreateDefaultConfig(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}
	systemConfig := im.configManager.GetConfig()

	// 2. 设备传输层
	transport, err := hardware.NewTransport(systemConfig.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to create device transport: %w", err)
	}
	im.transport = transport

	// 3. IPC服务器 (依赖配置)
	im.ipcServer = ipc.NewIPCServer(systemConfig.IPC)

	return im, nil
}

// GetConfigManager 获取配置管理器
func (im *InfrastructureManager) GetConfigManager() *config.ConfigManager {
	return im.configManager
}

// GetTransport 获取设备传输层
func (im *InfrastructureManager) GetTransport() device.Transport {
	return im.transport
}

// GetIPCServer 获取IPC服务器
func (im *InfrastructureManager) GetIPCServer() *ipc.IPCServer {
	return im.ipcServer
}

// GetSystemConfig 获取系统配置
func (im *InfrastructureManager) GetSystemConfig() types.SystemConfig {
	return im.configManager.GetConfig()
}

// Start 启动基础设施层
func (im *InfrastructureManager) Start(ctx context.Context) error {
	im.ctx = ctx
	im.logger.Info("Starting infrastructure layer")

	if err := im.ipcServer.Start(); err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	// 配置监听失败不影响运行
	if err := im.configManager.StartWatching(ctx); err != nil {
		im.logger.Warn("Failed to start config watcher", "error", err)
	}

	im.logger.Info("Infrastructure layer started successfully")
	return nil
}

// Stop 停止基础设施层
func (im *InfrastructureManager) Stop() error {
	im.logger.Info("Stopping infrastructure layer")

	// 停止顺序: IPC -> 配置 (与启动相反)
	var errs []error

	if im.ipcServer != nil {
		if err := im.ipcServer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("IPC server stop error: %w", err))
		}
	}

	if im.configManager != nil {
		if err := im.configManager.StopWatching(); err != nil {
			im.logger.Debug("Config watcher was not running", "error", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("infrastructure stop errors: %w", errors.Join(errs...))
	}

	im.logger.Info("Infrastructure layer stopped successfully")
	return nil
}

// WatchConfigChanges 监听配置变化
func (im *InfrastructureManager) WatchConfigChanges(callback func(types.SystemConfig)) {
	_ = im.configManager.WatchChanges(func(config types.SystemConfig) {
		im.logger.Info("Configuration changed, updating runtime...")
		callback(config)
	})
}

package logging

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// 全局日志管理器实例
	defaultManager *Manager
	managerLock    sync.Mutex
)

// Manager 日志管理器，负责管理多个模块日志器
type Manager struct {
	mu      sync.RWMutex
	base    *Logger
	loggers map[string]*Logger
	config  *Config
}

// NewManager 创建新的日志管理器
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}

	base, err := NewLogger(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create default logger: %w", err)
	}

	return &Manager{
		base:    base,
		loggers: map[string]*Logger{"default": base},
		config:  config,
	}, nil
}

// Configure 用给定配置替换全局日志管理器
func Configure(config *Config) (*Manager, error) {
	m, err := NewManager(config)
	if err != nil {
		return nil, err
	}
	managerLock.Lock()
	defaultManager = m
	managerLock.Unlock()
	return m, nil
}

// GetManager 获取全局日志管理器实例
func GetManager() *Manager {
	managerLock.Lock()
	defer managerLock.Unlock()
	if defaultManager == nil {
		m, err := NewManager(DefaultConfig())
		if err != nil {
			m = &Manager{base: NewNop(), loggers: map[string]*Logger{}, config: DefaultConfig()}
		}
		defaultManager = m
	}
	return defaultManager
}

// GetLogger 获取指定名称的日志器，模块日志器共享同一个级别
func (m *Manager) GetLogger(name string) *Logger {
	m.mu.RLock()
	logger, exists := m.loggers[name]
	m.mu.RUnlock()
	if exists {
		return logger
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 再次检查，防止并发创建
	if logger, exists := m.loggers[name]; exists {
		return logger
	}

	logger = m.base.With("module", name)
	m.loggers[name] = logger
	return logger
}

// UpdateConfig 更新日志级别（输出目标变更需要重新 Configure）
func (m *Manager) UpdateConfig(config *Config) error {
	if config == nil {
		return errors.New("config cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.config.Level = config.Level
	m.base.UpdateLevel(config.Level)
	m.base.Info("Logger level updated", "level", config.Level)
	return nil
}

// Close 刷新所有缓冲日志
func (m *Manager) Close() error {
	return m.base.Sync()
}

// GetLogger 便捷函数：使用默认日志管理器获取日志器
func GetLogger(name string) *Logger {
	return GetManager().GetLogger(name)
}

// Default 便捷函数：获取默认日志器
func Default() *Logger {
	return GetLogger("default")
}

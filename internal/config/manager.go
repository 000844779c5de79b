// Package config provides YAML-based configuration management with hot-reload.
// It covers the device connection, calibration, span policy, generator
// envelopes, per-mode timings, the chat model and the control surface. The
// calibration, span policy and timings can be changed at runtime without
// restarting the daemon.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

type ConfigManager struct {
	config       types.SystemConfig
	configPath   string
	configLock   sync.RWMutex
	lastData     []byte
	watchers     []func(types.SystemConfig)
	watchersLock sync.RWMutex
	lastModified time.Time
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	watching     bool
	fsWatcher    *fsnotify.Watcher
	logger       *logging.Logger
}

func NewConfigManager(configPath string) *ConfigManager {
	return &ConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchers:   make([]func(types.SystemConfig), 0),
		logger:     logging.GetLogger("config_manager"),
	}
}

func (cm *ConfigManager) LoadConfig(path string) error {
	cm.configLock.Lock()
	defer cm.configLock.Unlock()

	if path != "" {
		cm.configPath = path
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := Parse(data)
	if err != nil {
		return err
	}

	cm.config = config
	cm.lastData = data
	cm.lastModified = time.Now()

	cm.logger.Info("Configuration loaded", "config_path", cm.configPath)
	return nil
}

// Parse decodes and validates a yaml document. Calibration fields missing from
// the document keep their defaults; explicit values, zeros included, are kept.
func Parse(data []byte) (types.SystemConfig, error) {
	config := types.SystemConfig{Calibration: types.DefaultCalibration()}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return types.SystemConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := validateConfig(&config); err != nil {
		return types.SystemConfig{}, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

func (cm *ConfigManager) Reload() error {
	return cm.LoadConfig("")
}

func (cm *ConfigManager) GetConfig() types.SystemConfig {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()
	return cm.config
}

func (cm *ConfigManager) SetConfig(config types.SystemConfig) error {
	if err := validateConfig(&config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	cm.configLock.Lock()
	if err := writeFile(cm.configPath, data); err != nil {
		cm.configLock.Unlock()
		return err
	}
	cm.config = config
	cm.lastData = data
	cm.lastModified = time.Now()
	cm.configLock.Unlock()

	cm.notifyWatchers()
	cm.logger.Info("Configuration updated and saved", "config_path", cm.configPath)
	return nil
}

// Update applies fn to a copy of the current configuration and saves it.
func (cm *ConfigManager) Update(fn func(config *types.SystemConfig)) error {
	config := cm.GetConfig()
	fn(&config)
	return cm.SetConfig(config)
}

func (cm *ConfigManager) UpdateCalibration(calibration types.DeviceCalibration) error {
	return cm.Update(func(c *types.SystemConfig) { c.Calibration = calibration })
}

func (cm *ConfigManager) UpdateSpan(span types.SpanPolicy) error {
	return cm.Update(func(c *types.SystemConfig) { c.Span = span })
}

// TimingBounds returns the sleep bounds for mode, or the fallback.
func (cm *ConfigManager) TimingBounds(mode types.ModeName) types.TimingBounds {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()
	if b, ok := cm.config.Timings[mode]; ok {
		return b
	}
	return types.FallbackTimings
}

func (cm *ConfigManager) WatchChanges(callback func(types.SystemConfig)) error {
	cm.watchersLock.Lock()
	defer cm.watchersLock.Unlock()

	cm.watchers = append(cm.watchers, callback)
	return nil
}

func (cm *ConfigManager) StartWatching(ctx context.Context) error {
	if cm.watching {
		return fmt.Errorf("config watcher is already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// 监听目录：编辑器常以 rename 方式替换文件
	if err := watcher.Add(filepath.Dir(cm.configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	cm.fsWatcher = watcher
	cm.ctx, cm.cancel = context.WithCancel(ctx)
	cm.watching = true

	cm.wg.Add(1)
	go cm.watchFile()

	cm.logger.Info("Started watching config file", "config_path", cm.configPath)
	return nil
}

func (cm *ConfigManager) StopWatching() error {
	if !cm.watching {
		return fmt.Errorf("config watcher is not running")
	}

	cm.cancel()
	cm.fsWatcher.Close()
	cm.wg.Wait()
	cm.watching = false

	cm.logger.Info("Stopped watching config file")
	return nil
}

func (cm *ConfigManager) watchFile() {
	defer cm.wg.Done()

	target := filepath.Clean(cm.configPath)
	for {
		select {
		case <-cm.ctx.Done():
			return
		case event, ok := <-cm.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				cm.checkFileChanges()
			}
		case err, ok := <-cm.fsWatcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("Config watcher error", "error", err)
		}
	}
}

func (cm *ConfigManager) checkFileChanges() {
	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			cm.logger.Error("Error checking config file", "error", err)
		}
		return
	}

	cm.configLock.RLock()
	unchanged := bytes.Equal(data, cm.lastData)
	cm.configLock.RUnlock()
	if unchanged {
		return
	}

	cm.logger.Info("Config file modified, reloading...")
	if err := cm.Reload(); err != nil {
		cm.logger.Error("Failed to reload config", "error", err)
		return
	}
	cm.notifyWatchers()
}

func (cm *ConfigManager) notifyWatchers() {
	cm.watchersLock.RLock()
	watchers := make([]func(types.SystemConfig), len(cm.watchers))
	copy(watchers, cm.watchers)
	cm.watchersLock.RUnlock()

	config := cm.GetConfig()
	for _, watcher := range watchers {
		watcher(config)
	}
}

var defaultTimings = map[types.ModeName]types.TimingBounds{
	types.ModeAuto:    {MinSeconds: 3, MaxSeconds: 5},
	types.ModeMilking: {MinSeconds: 2, MaxSeconds: 4},
	types.ModeEdging:  {MinSeconds: 5, MaxSeconds: 8},
	types.ModeGuided:  {MinSeconds: 3, MaxSeconds: 5},
}

// validateConfig 补齐默认值并规整数值；只有无法修正的配置才返回错误
func validateConfig(config *types.SystemConfig) error {
	dev := &config.Device
	if dev.Protocol == "" {
		dev.Protocol = "handy"
	}
	if dev.Protocol != "handy" && dev.Protocol != "sim" {
		return fmt.Errorf("%w: unsupported device protocol %q", ErrInvalidConfig, dev.Protocol)
	}
	if dev.Timeout <= 0 {
		dev.Timeout = 10 * time.Second
	}
	if dev.CommandTimeout <= 0 {
		dev.CommandTimeout = 10 * time.Second
	}
	if dev.RetryCount < 0 {
		dev.RetryCount = 0
	}
	if dev.RetryInterval <= 0 {
		dev.RetryInterval = 500 * time.Millisecond
	}

	cal := &config.Calibration
	cal.MinUserSpeed = types.ClampInt(cal.MinUserSpeed, 0, 100)
	cal.MaxUserSpeed = types.ClampInt(cal.MaxUserSpeed, 0, 100)
	cal.MinDepth = types.ClampInt(cal.MinDepth, 0, 100)
	cal.MaxDepth = types.ClampInt(cal.MaxDepth, 0, 100)

	config.Span.MinSpanPoints = types.ClampInt(config.Span.MinSpanPoints, 0, 100)
	config.Span.PreferredSpanPoints = types.ClampInt(config.Span.PreferredSpanPoints, 0, 100)

	gen := &config.Generator
	if gen.MovesPerBatch <= 0 {
		gen.MovesPerBatch = 10
	}
	if gen.HoldProbability <= 0 || gen.HoldProbability > 1 {
		gen.HoldProbability = 0.60
	}
	if len(gen.Envelopes) > 0 {
		envelopes := make(map[string]types.PhaseEnvelope, len(gen.Envelopes))
		for name, env := range gen.Envelopes {
			envelopes[types.NormalizePhase(name)] = env.Normalize()
		}
		gen.Envelopes = envelopes
	}

	if config.Timings == nil {
		config.Timings = make(map[types.ModeName]types.TimingBounds)
	}
	for mode, b := range defaultTimings {
		if _, ok := config.Timings[mode]; !ok {
			config.Timings[mode] = b
		}
	}
	known := make(map[types.ModeName]bool)
	for _, m := range types.AllModes() {
		known[m] = true
	}
	for mode, b := range config.Timings {
		if !known[mode] {
			return fmt.Errorf("%w: timings for unknown mode %q", ErrInvalidConfig, mode)
		}
		b.MinSeconds = max(0, b.MinSeconds)
		b.MaxSeconds = max(0, b.MaxSeconds)
		if b.MaxSeconds < b.MinSeconds {
			b.MinSeconds, b.MaxSeconds = b.MaxSeconds, b.MinSeconds
		}
		config.Timings[mode] = b
	}

	orch := &config.Orchestrator
	if orch.StartupDelay == 0 {
		orch.StartupDelay = 2 * time.Second
	}
	if orch.StartupDelay < 0 {
		orch.StartupDelay = 0
	}
	if orch.LLMTimeout <= 0 {
		orch.LLMTimeout = 60 * time.Second
	}
	if orch.RetryDelay <= 0 {
		orch.RetryDelay = time.Second
	}
	if orch.ClosingPause <= 0 {
		orch.ClosingPause = 4 * time.Second
	}
	if orch.QueueSize <= 0 {
		orch.QueueSize = 5
	}
	rp := &orch.Replay
	if rp.StepMin <= 0 && rp.StepMax <= 0 {
		rp.StepMin, rp.StepMax = 500*time.Millisecond, 1200*time.Millisecond
	}
	if rp.PassMin <= 0 && rp.PassMax <= 0 {
		rp.PassMin, rp.PassMax = 1500*time.Millisecond, 3500*time.Millisecond
	}

	llmCfg := &config.LLM
	if llmCfg.Provider == "" {
		llmCfg.Provider = "lmstudio"
	}
	if llmCfg.Timeout <= 0 {
		llmCfg.Timeout = 120 * time.Second
	}
	if llmCfg.MaxTokens <= 0 {
		llmCfg.MaxTokens = 1200
	}
	if llmCfg.TopP <= 0 || llmCfg.TopP > 1 {
		llmCfg.TopP = 0.95
	}
	if llmCfg.ReplyTrim < 0 {
		llmCfg.ReplyTrim = 0
	}
	if llmCfg.InitialMood == "" {
		llmCfg.InitialMood = "Curious"
	}

	if config.IPC.Type == "" {
		config.IPC.Type = "tcp"
	}
	if config.IPC.Type != "tcp" {
		return fmt.Errorf("%w: unsupported ipc type %q", ErrInvalidConfig, config.IPC.Type)
	}
	if config.IPC.Address == "" {
		config.IPC.Address = "127.0.0.1"
	}
	if config.IPC.Port == 0 {
		config.IPC.Port = 8080
	}
	if config.IPC.Port < 0 || config.IPC.Port > 65535 {
		return fmt.Errorf("%w: ipc port %d out of range", ErrInvalidConfig, config.IPC.Port)
	}
	if config.IPC.BufferSize <= 0 {
		config.IPC.BufferSize = 1024
	}
	if config.IPC.Timeout <= 0 {
		config.IPC.Timeout = 5 * time.Second
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
	if config.Logging.Output == "" {
		config.Logging.Output = "stdout"
	}
	return nil
}

// DefaultConfig returns a fully populated configuration for a dry run on the
// simulated transport.
func DefaultConfig() types.SystemConfig {
	config := types.SystemConfig{
		Device: types.DeviceConfig{
			Protocol:   "handy",
			RetryCount: 2,
		},
		Calibration: types.DefaultCalibration(),
		Generator: types.GeneratorConfig{
			Envelopes: types.DefaultEnvelopes(),
		},
		LLM: types.LLMConfig{
			Provider: "lmstudio",
			Persona:  "You are a playful, attentive partner. Reply with a JSON object containing \"chat\" and \"move\" {\"sp\",\"dp\",\"rng\"}.",
		},
	}
	// 默认值不会触发校验错误
	_ = validateConfig(&config)
	return config
}

func (cm *ConfigManager) CreateDefaultConfig() error {
	return cm.SetConfig(DefaultConfig())
}

func (cm *ConfigManager) GetConfigPath() string {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()
	return cm.configPath
}

func (cm *ConfigManager) ExportConfig(path string) error {
	cm.configLock.RLock()
	data, err := yaml.Marshal(cm.config)
	cm.configLock.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := writeFile(path, data); err != nil {
		return err
	}

	cm.logger.Info("Configuration exported", "path", path)
	return nil
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

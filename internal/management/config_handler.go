package management

import (
	"fmt"

	"motionctl/internal/config"
	"motionctl/internal/core"
	"motionctl/internal/device"
	"motionctl/internal/hardware/protocols/handy"
	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

// ConfigHandler owns the runtime-tunable part of the configuration: it
// applies reloaded files to the live components and persists changes that
// arrive over the control surface.
type ConfigHandler struct {
	configManager *config.ConfigManager
	mapper        *device.Mapper
	generator     *core.Generator
	transport     device.Transport
	logger        *logging.Logger
}

func NewConfigHandler(configManager *config.ConfigManager, mapper *device.Mapper, generator *core.Generator, transport device.Transport) *ConfigHandler {
	return &ConfigHandler{
		configManager: configManager,
		mapper:        mapper,
		generator:     generator,
		transport:     transport,
		logger:        logging.GetLogger("config_handler"),
	}
}

// ApplyConfig pushes a (re)loaded configuration into the running components.
// Timings are read live through the orchestrator hook and need no action.
func (ch *ConfigHandler) ApplyConfig(cfg types.SystemConfig) {
	ch.mapper.SetCalibration(cfg.Calibration)
	minSpan, preferred := cfg.Span.MinSpanPoints, cfg.Span.PreferredSpanPoints
	ch.mapper.SetSpanPolicy(&minSpan, &preferred)
	ch.mapper.SetCommandTimeout(cfg.Device.CommandTimeout)
	ch.generator.Configure(cfg.Generator)

	if client, ok := ch.transport.(*handy.Client); ok {
		client.SetConnectionKey(cfg.Device.ConnectionKey)
	}

	ch.logger.Info("Runtime configuration applied",
		"calibration", cfg.Calibration, "span", cfg.Span, "batch", cfg.Generator.MovesPerBatch)
}

// SetSpanPolicy updates the given fields and saves the result.
func (ch *ConfigHandler) SetSpanPolicy(minSpanPoints, preferredSpanPoints *int) (types.SpanPolicy, error) {
	ch.mapper.SetSpanPolicy(minSpanPoints, preferredSpanPoints)
	span := ch.mapper.SpanPolicy()
	if err := ch.configManager.UpdateSpan(span); err != nil {
		return span, fmt.Errorf("failed to persist span policy: %w", err)
	}
	return span, nil
}

// SetCalibration merges the given fields into the current calibration and
// saves the result.
func (ch *ConfigHandler) SetCalibration(data map[string]interface{}) (types.DeviceCalibration, error) {
	cal := ch.mapper.Calibration()
	fields := map[string]*int{
		"min_user_speed": &cal.MinUserSpeed,
		"max_user_speed": &cal.MaxUserSpeed,
		"min_depth":      &cal.MinDepth,
		"max_depth":      &cal.MaxDepth,
	}
	changed := false
	for key, dst := range fields {
		if v, ok := intParam(data, key); ok {
			*dst = types.ClampInt(v, 0, 100)
			changed = true
		}
	}
	if !changed {
		return cal, fmt.Errorf("no calibration fields given")
	}

	ch.mapper.SetCalibration(cal)
	if err := ch.configManager.UpdateCalibration(cal); err != nil {
		return cal, fmt.Errorf("failed to persist calibration: %w", err)
	}
	return cal, nil
}

// Snapshot returns the current configuration for the control surface. The
// API key is redacted.
func (ch *ConfigHandler) Snapshot() map[string]interface{} {
	cfg := ch.configManager.GetConfig()
	return map[string]interface{}{
		"config_path": ch.configManager.GetConfigPath(),
		"calibration": cfg.Calibration,
		"span":        cfg.Span,
		"timings":     cfg.Timings,
		"generator": map[string]interface{}{
			"moves_per_batch":  cfg.Generator.MovesPerBatch,
			"hold_probability": cfg.Generator.HoldProbability,
		},
		"llm": map[string]interface{}{
			"provider": cfg.LLM.Provider,
			"model":    cfg.LLM.Model,
		},
		"device": map[string]interface{}{
			"protocol": cfg.Device.Protocol,
			"has_key":  cfg.Device.ConnectionKey != "",
		},
	}
}

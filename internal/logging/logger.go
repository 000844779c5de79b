package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 日志配置结构
type Config struct {
	Level      string `yaml:"level"`       // 日志级别: debug, info, warn, error
	Format     string `yaml:"format"`      // 输出格式: json, text
	Output     string `yaml:"output"`      // 输出目标: stdout, stderr, file
	OutputPath string `yaml:"output_path"` // 文件输出路径
	AddSource  bool   `yaml:"add_source"`  // 是否添加源码位置
}

// Logger 封装的结构化日志器
type Logger struct {
	sugar  *zap.SugaredLogger
	level  zap.AtomicLevel
	config *Config
}

// NewLogger 创建新的日志器实例
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level := zap.NewAtomicLevelAt(parseLevel(config.Level))

	core, err := createCore(config, level)
	if err != nil {
		return nil, err
	}

	opts := []zap.Option{}
	if config.AddSource {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}

	return &Logger{
		sugar:  zap.New(core, opts...).Sugar(),
		level:  level,
		config: config,
	}, nil
}

// NewNop returns a logger that discards everything, handy in tests.
func NewNop() *Logger {
	return &Logger{
		sugar:  zap.NewNop().Sugar(),
		level:  zap.NewAtomicLevel(),
		config: DefaultConfig(),
	}
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}
}

// parseLevel 解析日志级别
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// createCore 创建 zap core
func createCore(config *Config, level zap.AtomicLevel) (zapcore.Core, error) {
	var sink zapcore.WriteSyncer

	switch strings.ToLower(config.Output) {
	case "stderr":
		sink = zapcore.Lock(os.Stderr)
	case "file":
		if config.OutputPath == "" {
			config.OutputPath = "logs/motionctl.log"
		}
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(config.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.AddSync(f)
	default:
		sink = zapcore.Lock(os.Stdout)
	}

	var encoder zapcore.Encoder
	if strings.ToLower(config.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	return zapcore.NewCore(encoder, sink, level), nil
}

func (l *Logger) Debug(msg string, keysAndValues ...any) { l.sugar.Debugw(msg, keysAndValues...) }
func (l *Logger) Info(msg string, keysAndValues ...any)  { l.sugar.Infow(msg, keysAndValues...) }
func (l *Logger) Warn(msg string, keysAndValues ...any)  { l.sugar.Warnw(msg, keysAndValues...) }
func (l *Logger) Error(msg string, keysAndValues ...any) { l.sugar.Errorw(msg, keysAndValues...) }

// WithContext 返回带有上下文的日志器
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}
	if id, ok := ctx.Value(sessionKey{}).(string); ok && id != "" {
		return l.With("session_id", id)
	}
	return l
}

// With 返回带有额外字段的日志器
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		sugar:  l.sugar.With(args...),
		level:  l.level,
		config: l.config,
	}
}

// Named 返回带有子名称的日志器
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		sugar:  l.sugar.Named(name),
		level:  l.level,
		config: l.config,
	}
}

// UpdateLevel 动态更新日志级别
func (l *Logger) UpdateLevel(level string) {
	l.config.Level = level
	l.level.SetLevel(parseLevel(level))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

type sessionKey struct{}

// ContextWithSession tags ctx so WithContext adds a session_id field.
func ContextWithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rsclarke/vpnstate/internal/models"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
	// File, when set, receives a JSON copy of every entry and is rotated
	// by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(0)}
	if cfg.File != "" {
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore(cfg, zcfg.EncoderConfig, zcfg.Level))
		}))
	}

	logger, err := zcfg.Build(opts...)
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("service", "vpnstate"))

	return logger, nil
}

func fileCore(cfg Config, enc zapcore.EncoderConfig, level zapcore.LevelEnabler) zapcore.Core {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}
	w := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	enc.EncodeLevel = zapcore.LowercaseLevelEncoder
	return zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(w), level)
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:      getenv("VPNSTATE_LOG_LEVEL", "info"),
		Format:     getenv("VPNSTATE_LOG_FORMAT", "json"),
		File:       os.Getenv("VPNSTATE_LOG_FILE"),
		MaxSizeMB:  getenvInt("VPNSTATE_LOG_MAX_SIZE_MB", 100),
		MaxBackups: getenvInt("VPNSTATE_LOG_MAX_BACKUPS", 5),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getenvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Method returns a zap field for an HTTP method.
func Method(method string) zap.Field { return zap.String("method", method) }

// Path returns a zap field for a URL path.
func Path(path string) zap.Field { return zap.String("path", path) }

// ServerID returns a zap field for a server ID.
func ServerID(id int64) zap.Field { return zap.Int64("server_id", id) }

// Server returns a zap field for a server name.
func Server(name string) zap.Field { return zap.String("server", name) }

// Protocol returns a zap field for a VPN protocol.
func Protocol(p models.Protocol) zap.Field { return zap.String("protocol", string(p)) }

// Source returns a zap field for where status text came from.
func Source(source string) zap.Field { return zap.String("source", source) }

// SessionKey returns a zap field for a session key.
func SessionKey(key string) zap.Field { return zap.String("session_key", key) }

// Identity returns a zap field for a VPN identity key.
func Identity(key string) zap.Field { return zap.String("identity", key) }

// PassID returns a zap field for a reconciliation pass ID.
func PassID(id string) zap.Field { return zap.String("pass_id", id) }

// Attempt returns a zap field for a retry attempt number.
func Attempt(n int) zap.Field { return zap.Int("attempt", n) }

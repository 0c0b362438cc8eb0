package logger

import (
	"os"
	"strings"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config represents logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
	// ShowSecrets disables masking of content keys and tokens
	ShowSecrets bool
}

// Redacted replaces the value of secret fields
const Redacted = "[redacted]"

// secretFields are field names whose string values never reach a log sink
var secretFields = map[string]bool{
	"key":           true,
	"content_key":   true,
	"token":         true,
	"authorization": true,
}

// New creates a new logger based on configuration
func New(config Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	sink, isTerminal, err := openSink(config.OutputPath)
	if err != nil {
		return nil, err
	}

	var core zapcore.Core = zapcore.NewCore(newEncoder(config.Format, isTerminal), sink, level)
	if !config.ShowSecrets {
		core = redactSecrets(core)
	}
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// NewDefault creates a console logger on stderr, keeping stdout free for
// command output
func NewDefault() *zap.Logger {
	logger, _ := New(Config{
		Level:      "info",
		Format:     "console",
		OutputPath: "stderr",
	})
	return logger
}

// openSink resolves an output path. Colored levels are only used on a
// terminal that fatih/color has not disabled.
func openSink(path string) (zapcore.WriteSyncer, bool, error) {
	switch path {
	case "stderr", "":
		return zapcore.Lock(os.Stderr), !color.NoColor, nil
	case "stdout":
		return zapcore.Lock(os.Stdout), !color.NoColor, nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, false, err
	}
	return zapcore.AddSync(file), false, nil
}

func newEncoder(format string, colored bool) zapcore.Encoder {
	if format == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "timestamp"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg)
	}

	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if colored {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(cfg)
}

type redactingCore struct {
	zapcore.Core
}

// redactSecrets masks string fields named in secretFields
func redactSecrets(core zapcore.Core) zapcore.Core {
	return &redactingCore{Core: core}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		if !isSecret(f) {
			continue
		}
		if out == nil {
			out = append(make([]zapcore.Field, 0, len(fields)), fields...)
		}
		out[i] = zap.String(f.Key, Redacted)
	}
	if out == nil {
		return fields
	}
	return out
}

func isSecret(f zapcore.Field) bool {
	if !secretFields[strings.ToLower(f.Key)] {
		return false
	}
	switch f.Type {
	case zapcore.StringType, zapcore.ByteStringType, zapcore.BinaryType, zapcore.StringerType:
		return true
	}
	return false
}

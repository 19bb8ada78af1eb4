// Package logger builds the zap logger every KeldaDB process shares.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls level, format, and destination of the process log.
type Config struct {
	// Level is the minimum level emitted ("debug", "info", "warn",
	// "error"). Unknown values fall back to info.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is a file path, or "stdout"/"stderr". Empty means
	// stdout. Files are opened in append mode.
	OutputFile string `yaml:"output_file"`
}

// New builds a logger from config. Call it once at startup and pass the
// result down; subsystems derive their own with Named.
func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(config.Format), sink, level)
	logger := zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", "keldadb")))
	return logger, nil
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func openSink(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		f, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(f), nil
	}
}

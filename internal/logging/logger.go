// Package logging builds the logr.Logger threaded through every kiln command.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Options configure the logger.
type Options struct {
	Level string
	// JSON selects structured JSON output; otherwise console encoding.
	JSON   bool
	Writer io.Writer
}

// New returns a console logger on stderr at the given level.
func New(level string) (logr.Logger, error) {
	return NewWithOptions(Options{Level: level})
}

// NewWithOptions returns a controller-runtime zap logger for opts.
func NewWithOptions(o Options) (logr.Logger, error) {
	zapLevel, debug, err := ParseLevel(o.Level)
	if err != nil {
		return logr.Logger{}, err
	}
	opts := crzap.Options{Development: debug && !o.JSON}
	atomic := zap.NewAtomicLevelAt(zapLevel)
	opts.Level = &atomic
	opts.DestWriter = o.Writer
	if opts.DestWriter == nil {
		opts.DestWriter = os.Stderr
	}
	if o.JSON {
		opts.Encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.RFC3339TimeEncoder
		opts.Encoder = zapcore.NewConsoleEncoder(cfg)
	}
	return crzap.New(crzap.UseFlagOptions(&opts)), nil
}

// ParseLevel maps a level name to a zap level. debug reports whether the
// level enables V(1) output.
func ParseLevel(level string) (zapcore.Level, bool, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, true, nil
	case "info", "":
		return zapcore.InfoLevel, false, nil
	case "warn", "warning":
		return zapcore.WarnLevel, false, nil
	case "error":
		return zapcore.ErrorLevel, false, nil
	default:
		return zapcore.InfoLevel, false, fmt.Errorf("unknown log level %q (expected debug, info, warn, or error)", level)
	}
}

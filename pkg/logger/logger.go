// Package logger provides the process-wide structured logger for signond.
package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Log is the package-level singleton used throughout signond, matching the
// call convention `logger.Log.Infof(...)` used across the daemon, the
// session engine, and the client library.
var Log *zap.SugaredLogger

var initOnce sync.Once

func init() {
	// Give every package a usable logger before Init is called explicitly,
	// so unit tests that never touch configuration still work.
	Log = zap.NewNop().Sugar()
}

// Init builds the singleton logger from a level name (debug, info, warn,
// error) and an output target ("stderr", "stdout", or a file path), as read
// from SSO_LOGGING_LEVEL / SSO_LOGGING_OUTPUT. Init is idempotent: only the
// first call takes effect, later calls are no-ops, matching the daemon's
// single-initialization startup sequence.
func Init(level, output string) error {
	var err error
	initOnce.Do(func() {
		err = doInit(level, output)
	})
	return err
}

func doInit(level, output string) error {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.OutputPaths = []string{normalizeOutput(output)}

	zapLevel, parseErr := zap.ParseAtomicLevel(strings.ToLower(level))
	if parseErr != nil {
		return fmt.Errorf("invalid logging level %q: %w", level, parseErr)
	}
	cfg.Level = zapLevel

	built, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	Log = built.Sugar()
	return nil
}

func normalizeOutput(output string) string {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stderr":
		return "stderr"
	case "stdout":
		return "stdout"
	default:
		return output
	}
}

// Sync flushes any buffered log entries. Daemon shutdown should call this
// before exiting.
func Sync() error {
	if Log == nil {
		return nil
	}
	return Log.Sync()
}

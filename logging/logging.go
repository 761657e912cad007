// Package logging is the structured logging facade every other package
// takes a *zap.Logger through — never a package-level global, per the
// spec's "Global State" note. Grounded on the teacher's use of
// go.uber.org/zap (pulled from the retrieval pack's guseggert/clustertest
// and justapithecus/quarry, which both depend on it directly) and on the
// original backend's write-log.cpp, which names its log file by the
// process's start timestamp rather than appending to one fixed name.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewProduction returns a JSON-encoded logger at InfoLevel, matching
// zap.NewProduction's defaults.
func NewProduction() (*zap.Logger, error) {
	return zap.NewProduction()
}

// NewDevelopment returns a human-readable, DebugLevel logger.
func NewDevelopment() (*zap.Logger, error) {
	return zap.NewDevelopment()
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger { return zap.NewNop() }

// NewFileSink builds a logger that writes JSON-encoded entries to
// <dir>/cpl-back-<epochSeconds>.log, following the original write-log.cpp
// naming convention (one log file per process start, named by start
// time) instead of one fixed path appended to forever. The caller
// supplies epochSeconds explicitly (e.g. time.Now().Unix()) because
// wall-clock reads are kept out of library code that wants deterministic
// tests.
func NewFileSink(dir string, epochSeconds int64, debug bool) (*zap.Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("cpl-back-%d.log", epochSeconds))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file %s: %w", path, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(f), level)
	return zap.New(core), nil
}

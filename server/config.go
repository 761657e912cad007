// Package server assembles the acceptor, event loop, thread pool and
// subprocess orchestrator into the compile-and-execute service. Config and
// ServerOption follow the teacher's server/types.go + server/options.go
// functional-option pattern (Config/DefaultConfig struct plus
// ServerOption closures applied in NewServer).
package server

import (
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Config holds server-side configuration. SourceDir/OutputDir/LogDir are
// the three working directories spec §6's filesystem contract requires to
// exist and be writable; Start creates them if missing.
type Config struct {
	ListenAddr string // ":<Port>", kept in step with Port; the acceptor binds all interfaces on Port and does not read it
	Port       int

	SourceDir string
	OutputDir string
	LogDir    string

	CompilerPath string
	CompilerArgs []string

	HighWaterMark   int
	ThreadPoolSize  int
	ShutdownTimeout time.Duration

	Debug bool
	Log   *zap.Logger
}

// DefaultConfig mirrors the original backend's bare `g++ -Wall -Wextra -O0`
// invocation and the spec's default port 3040, binding all interfaces.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":3040",
		Port:            3040,
		SourceDir:       "src",
		OutputDir:       "out",
		LogDir:          "logs",
		CompilerPath:    "g++",
		CompilerArgs:    []string{"-Wall", "-Wextra", "-O0"},
		HighWaterMark:   64 << 20,
		ThreadPoolSize:  0, // 0 => runtime.NumCPU(), see pool.New
		ShutdownTimeout: 30 * time.Second,
	}
}

// Option customizes a Config before NewServer constructs the Server.
type Option func(*Config)

func WithListenPort(port int) Option {
	return func(c *Config) {
		c.Port = port
		c.ListenAddr = ":" + strconv.Itoa(port)
	}
}

func WithDirectories(srcDir, outDir, logDir string) Option {
	return func(c *Config) { c.SourceDir, c.OutputDir, c.LogDir = srcDir, outDir, logDir }
}

func WithCompiler(path string, args ...string) Option {
	return func(c *Config) { c.CompilerPath, c.CompilerArgs = path, args }
}

func WithThreadPoolSize(n int) Option {
	return func(c *Config) { c.ThreadPoolSize = n }
}

func WithHighWaterMark(n int) Option {
	return func(c *Config) { c.HighWaterMark = n }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Config) { c.Log = log }
}

func WithDebug(debug bool) Option {
	return func(c *Config) { c.Debug = debug }
}

func (c *Config) poolSize() int {
	if c.ThreadPoolSize > 0 {
		return c.ThreadPoolSize
	}
	return 0
}

// Package log provides per-module structured loggers for the pipeline
// processes. Every recovered failure is reported as an event with a stable
// "event" key so operators can grep and alert on event names.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.Mutex
	root    *zap.Logger
	modules = map[string]*zap.SugaredLogger{}
)

func rootLogger() *zap.Logger {
	if root != nil {
		return root
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	level := zapcore.InfoLevel
	if os.Getenv("TX_LOG_DEBUG") == "1" {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	root = zap.New(core)
	return root
}

// NewModuleLogger returns a logger tagged with the given module name.
// Loggers are shared per module.
func NewModuleLogger(module string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := modules[module]; ok {
		return l
	}
	l := rootLogger().Sugar().With("module", module)
	modules[module] = l
	return l
}

// ReplaceRoot swaps the process root logger. Tests use this to capture
// output; module loggers created afterwards inherit the replacement.
func ReplaceRoot(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	modules = map[string]*zap.SugaredLogger{}
}

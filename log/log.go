package log

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

// SetUpLogger installs the global zap logger. Debug selects the
// development encoder.
func SetUpLogger(debug bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error initializing logger.")
		return zap.L()
	}

	zap.ReplaceGlobals(logger)
	return logger
}

// Sync flushes buffered log entries.
func Sync() {
	if err := zap.L().Sync(); err != nil {
		fmt.Fprintln(os.Stderr, "Error flushing buffered log entries.")
	}
}

func LogAppInfo(msg string, keysAndValues ...interface{}) {
	zap.S().Infow(msg, keysAndValues...)
}

func LogAppDebug(msg string, keysAndValues ...interface{}) {
	zap.S().Debugw(msg, keysAndValues...)
}

func LogAppWarn(msg string, err error, keysAndValues ...interface{}) {
	zap.S().Warnw(msg,
		append([]interface{}{"cause", err}, keysAndValues...)...,
	)
}

func LogAppErr(msg string, err error, keysAndValues ...interface{}) {
	zap.S().Errorw(msg,
		append([]interface{}{"cause", err}, keysAndValues...)...,
	)
}

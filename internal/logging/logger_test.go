package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerHonoursLevel(t *testing.T) {
	testCases := []struct {
		level    string
		format   string
		enabled  zapcore.Level
		disabled zapcore.Level
	}{
		{level: "debug", format: "json", enabled: zapcore.DebugLevel},
		{level: "", format: "json", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel},
		{level: "WARNING", format: "console", enabled: zapcore.WarnLevel, disabled: zapcore.InfoLevel},
		{level: "error", format: "console", enabled: zapcore.ErrorLevel, disabled: zapcore.WarnLevel},
		{level: "verbose", format: "json", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel},
	}

	for _, testCase := range testCases {
		logger, err := NewLogger(testCase.level, testCase.format)
		if err != nil {
			t.Fatalf("level %q: unexpected error: %v", testCase.level, err)
		}
		if !logger.Core().Enabled(testCase.enabled) {
			t.Fatalf("level %q: expected %s enabled", testCase.level, testCase.enabled)
		}
		if testCase.enabled != zapcore.DebugLevel && logger.Core().Enabled(testCase.disabled) {
			t.Fatalf("level %q: expected %s disabled", testCase.level, testCase.disabled)
		}
	}
}

package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"dyor-hub-verifier/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.LogConfig
		level zapcore.Level
	}{
		{"json debug", config.LogConfig{Level: "DEBUG", Encoding: "json"}, zapcore.DebugLevel},
		{"console warn", config.LogConfig{Level: "warn", Encoding: "console", Development: true}, zapcore.WarnLevel},
		{"unknown level", config.LogConfig{Level: "loud", Sampling: true}, zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if !l.Core().Enabled(tt.level) {
				t.Errorf("expected %s to be enabled", tt.level)
			}
			if tt.level > zapcore.DebugLevel && l.Core().Enabled(tt.level-1) {
				t.Errorf("expected %s to be disabled", tt.level-1)
			}
		})
	}
}

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestValidateLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "INFO", "warn", "warning", "error", ""} {
		assert.NoError(t, ValidateLevel(level), level)
	}
	assert.Error(t, ValidateLevel("loud"))
	assert.Error(t, ValidateLevel("trace"))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		level   zapcore.Level
		wantErr bool
	}{
		{name: "defaults", cfg: DefaultConfig(), level: zapcore.InfoLevel},
		{name: "debug console", cfg: Config{Level: "debug", Format: "console"}, level: zapcore.DebugLevel},
		{name: "development", cfg: Config{Level: "warn", Development: true}, level: zapcore.WarnLevel},
		{name: "bad level", cfg: Config{Level: "loud"}, wantErr: true},
		{name: "bad format", cfg: Config{Level: "info", Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.level))
			if tt.level > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.level-1))
			}
		})
	}
}

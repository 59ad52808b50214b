package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	cases := []struct {
		level   string
		json    bool
		enabled zapcore.Level
		wantErr bool
	}{
		{level: "debug", enabled: zapcore.DebugLevel},
		{level: "INFO", json: true, enabled: zapcore.InfoLevel},
		{level: "warn", enabled: zapcore.WarnLevel},
		{level: "loud", wantErr: true},
	}
	for _, c := range cases {
		t.Run(c.level, func(t *testing.T) {
			l, err := newLogger(c.level, c.json)
			if c.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(c.enabled))
			assert.False(t, l.Core().Enabled(c.enabled-1))
		})
	}
}

func TestEntriesAreBuiltins(t *testing.T) {
	for target := range entries {
		assert.Regexp(t, `^builtin:`, target)
	}
}

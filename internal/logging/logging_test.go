package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewReturnsNamedLoggerAtRequestedLevel(t *testing.T) {
	t.Parallel()
	log := New("toolserver", LevelDebug)
	require.NotNil(t, log)
	require.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewDefaultsUnknownLevelToInfo(t *testing.T) {
	t.Parallel()
	log := New("relay", Level("nonsense"))
	require.False(t, log.Core().Enabled(zapcore.DebugLevel))
	require.True(t, log.Core().Enabled(zapcore.InfoLevel))
}

func TestParseLevelMapsEachKnownLevel(t *testing.T) {
	t.Parallel()
	require.Equal(t, zapcore.DebugLevel, parseLevel(LevelDebug))
	require.Equal(t, zapcore.WarnLevel, parseLevel(LevelWarn))
	require.Equal(t, zapcore.ErrorLevel, parseLevel(LevelError))
	require.Equal(t, zapcore.InfoLevel, parseLevel(LevelInfo))
}

func TestLevelFromEnvDefaultsToInfoWhenUnset(t *testing.T) {
	t.Setenv("GASOLINE_LOG_LEVEL", "")
	require.Equal(t, LevelInfo, LevelFromEnv())
}

func TestLevelFromEnvHonorsEachKnownValue(t *testing.T) {
	cases := map[string]Level{
		"debug": LevelDebug,
		"warn":  LevelWarn,
		"error": LevelError,
		"info":  LevelInfo,
	}
	for raw, want := range cases {
		t.Setenv("GASOLINE_LOG_LEVEL", raw)
		require.Equal(t, want, LevelFromEnv())
	}
}

package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		cfg   Config
		level zap.AtomicLevel
	}{
		{name: "development", cfg: Config{Development: true}, level: zap.NewAtomicLevelAt(zap.DebugLevel)},
		{name: "production", cfg: Config{}, level: zap.NewAtomicLevelAt(zap.InfoLevel)},
		{name: "explicit level", cfg: Config{Level: "warn"}, level: zap.NewAtomicLevelAt(zap.WarnLevel)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			logger, err := New(tc.cfg)
			require.NoError(t, err)
			defer logger.Sync() //nolint:errcheck // best-effort flush
			require.True(t, logger.Core().Enabled(tc.level.Level()))
			logger.Info("logger ready")
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}

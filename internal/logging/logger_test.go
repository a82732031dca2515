package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()

	dev, err := New(true, "")
	require.NoError(t, err)
	require.NotNil(t, dev)
	require.False(t, dev.Core().Enabled(zapcore.DebugLevel), "default level is info")

	prod, err := New(false, "debug")
	require.NoError(t, err)
	require.True(t, prod.Core().Enabled(zapcore.DebugLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(false, "verbose")
	require.Error(t, err)
}

package statestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDutyCycleWindowRoundTrip(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.SaveDutyCycleWindow(0, 1, 123456))
	require.NoError(t, s.SaveDutyCycleWindow(0, 1, 654321)) // upsert overwrites
	require.NoError(t, s.SaveDutyCycleWindow(1, 2, 999))

	windows, err := s.LoadDutyCycleWindows()
	require.NoError(t, err)
	require.Equal(t, int64(654321), windows[[2]int{0, 1}])
	require.Equal(t, int64(999), windows[[2]int{1, 2}])
}

func TestSlaveRestartVelocity(t *testing.T) {
	s := openTemp(t)
	for i := 1; i <= 4; i++ {
		count, err := s.IncrementSlaveRestart(2)
		require.NoError(t, err)
		require.Equal(t, i, count)
	}
	require.NoError(t, s.ResetSlaveRestart(2))
	count, err := s.IncrementSlaveRestart(2)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestLastPosRoundTrip(t *testing.T) {
	s := openTemp(t)
	_, _, ok, err := s.LoadLastPos()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveLastPos(45.5, -122.6))
	lat, lon, ok, err := s.LoadLastPos()
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 45.5, lat, 1e-9)
	require.InDelta(t, -122.6, lon, 1e-9)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSlaveConfsOrdersByTxUnit(t *testing.T) {
	dir := t.TempDir()
	write := func(n int, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, sprintfSlave(n)), []byte(body), 0o644))
	}
	write(2, `{"gain":1}`)
	write(0, `{"gain":2}`)
	write(1, `{"gain":3}`)

	confs, err := LoadSlaveConfs(dir)
	require.NoError(t, err)
	require.Len(t, confs, 3)
	require.Equal(t, []int{0, 1, 2}, []int{confs[0].TxUnit, confs[1].TxUnit, confs[2].TxUnit})
}

func TestLoadStationConfRequiresRadioConf(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "station.conf"), []byte(`{"station_conf":{}}`), 0o644))
	_, err := LoadStationConf(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "station.conf"), []byte(`{"station_conf":{},"sx1301_conf":{}}`), 0o644))
	sc, err := LoadStationConf(dir)
	require.NoError(t, err)
	require.NotNil(t, sc.SX1301Conf)
}

func TestLastPosRoundTrip(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := LoadLastPos(dir)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, SaveLastPos(dir, LastPos{Lat: 1.5, Lon: -2.5}))
	p, ok, err := LoadLastPos(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1.5, p.Lat)
	require.Equal(t, -2.5, p.Lon)
}

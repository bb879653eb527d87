package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeLiveSlot(t *testing.T, dir, role, body string) {
	t.Helper()
	for _, ext := range CredExts {
		require.NoError(t, os.WriteFile(slotPath(dir, role, "", ext), []byte(body+"."+ext), 0o600))
	}
}

func writeTempSlot(t *testing.T, dir, role, body string) {
	t.Helper()
	for _, ext := range CredExts {
		require.NoError(t, os.WriteFile(slotPath(dir, role, "temp", ext), []byte(body+"."+ext), 0o600))
	}
}

func TestCommitUpdatePromotesTempOverLive(t *testing.T) {
	dir := t.TempDir()
	writeLiveSlot(t, dir, "tc", "old")
	writeTempSlot(t, dir, "tc", "new")

	require.NoError(t, BeginUpdate(dir, "tc"))
	require.NoError(t, CommitUpdate(dir, "tc"))

	data, err := os.ReadFile(slotPath(dir, "tc", "", "crt"))
	require.NoError(t, err)
	require.Equal(t, "new.crt", string(data))

	bak, err := os.ReadFile(slotPath(dir, "tc", "bak", "crt"))
	require.NoError(t, err)
	require.Equal(t, "old.crt", string(bak))

	require.NoFileExists(t, markerPath(dir, "tc", updateMarker))
}

func TestRollForwardResumesAfterCrashBeforeBackup(t *testing.T) {
	dir := t.TempDir()
	writeLiveSlot(t, dir, "tc", "old")
	writeTempSlot(t, dir, "tc", "new")
	require.NoError(t, BeginUpdate(dir, "tc")) // simulate crash: marker written, nothing else done

	require.NoError(t, RollForward(dir, "tc"))

	data, err := os.ReadFile(slotPath(dir, "tc", "", "trust"))
	require.NoError(t, err)
	require.Equal(t, "new.trust", string(data))
	require.NoFileExists(t, markerPath(dir, "tc", updateMarker))
}

func TestRollForwardResumesAfterCrashAfterBackup(t *testing.T) {
	dir := t.TempDir()
	writeLiveSlot(t, dir, "cups", "old")
	writeTempSlot(t, dir, "cups", "new")
	require.NoError(t, BeginUpdate(dir, "cups"))
	require.NoError(t, backupLiveSlot(dir, "cups"))
	require.NoError(t, touch(markerPath(dir, "cups", bakDoneMarker))) // backup done, promote not yet run

	require.NoError(t, RollForward(dir, "cups"))

	data, err := os.ReadFile(slotPath(dir, "cups", "", "key"))
	require.NoError(t, err)
	require.Equal(t, "new.key", string(data))
	require.NoFileExists(t, markerPath(dir, "cups", bakDoneMarker))
}

func TestRollForwardNoopWithoutMarker(t *testing.T) {
	dir := t.TempDir()
	writeLiveSlot(t, dir, "tc", "old")
	require.NoError(t, RollForward(dir, "tc"))
	data, err := os.ReadFile(slotPath(dir, "tc", "", "uri"))
	require.NoError(t, err)
	require.Equal(t, "old.uri", string(data))
}

func TestRoleFromUpdateMarker(t *testing.T) {
	role, ok := roleFromUpdateMarker("tc-temp.upd")
	require.True(t, ok)
	require.Equal(t, "tc", role)

	_, ok = roleFromUpdateMarker("tc-bak.done")
	require.False(t, ok)
}

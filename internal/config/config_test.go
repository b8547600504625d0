package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadReturnsDefaultWhenFileMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := Load()
	require.Equal(t, Default(), cfg)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := Default()
	cfg.DataDir = "/custom/data"
	cfg.MoQURL = "https://moq.example/relay"
	cfg.DesktopThemeIndex = 2
	require.NoError(t, Save(cfg))

	got := Load()
	require.Equal(t, cfg, got)
}

func TestLoadFallsBackToDefaultOnCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path, err := Path()
	require.NoError(t, err)
	require.NoError(t, Save(Default()))
	require.FileExists(t, path)

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
	got := Load()
	require.Equal(t, Default(), got)
}

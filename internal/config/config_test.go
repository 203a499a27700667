package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:4242", cfg.ListenAddress)
	require.Equal(t, 50*time.Millisecond, cfg.SendRate())
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bitchat.toml")
	body := `
ListenAddress = "127.0.0.1:9000"
Bootstrap = ["10.0.0.1:4242", "10.0.0.2:4242"]
Nickname = "mallory"
SendRateMillis = 20
LogLevel = "debug"
MetricsAddress = "127.0.0.1:9100"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Len(t, cfg.Bootstrap, 2)
	require.Equal(t, "mallory", cfg.Nickname)
	require.Equal(t, 20*time.Millisecond, cfg.SendRate())
	require.Equal(t, "127.0.0.1:9100", cfg.MetricsAddress)
	// untouched fields keep defaults
	require.Equal(t, 100, cfg.LogMaxSizeMB)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"empty listen":  `ListenAddress = " "`,
		"zero rate":     `SendRateMillis = 0`,
		"negative rate": `SendRateMillis = -5`,
		"bad level":     `LogLevel = "loud"`,
		"neg rotation":  `LogMaxBackups = -1`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bitchat.toml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bitchat.toml")
	require.NoError(t, os.WriteFile(path, []byte("ListenAddress = [unterminated"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

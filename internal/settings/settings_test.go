package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	m, err := Load(writeConfig(t, "server:\n  addr: \":9000\"\n"))
	require.NoError(t, err)

	cfg := m.Current()
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, ":9091", cfg.Server.MetricsAddr)
	assert.Equal(t, 10*time.Minute, m.ClaimTTL())
	assert.Equal(t, 30*time.Second, m.JanitorInterval())
	assert.Equal(t, 20*time.Second, m.GracePeriod())
	assert.Equal(t, 2*time.Second, m.ReadyPoll())
	assert.Equal(t, 500*time.Millisecond, m.CaptureSettle())
	assert.Equal(t, "events.raw", cfg.Ingest.Subject)
}

func TestLoadParsesTunables(t *testing.T) {
	m, err := Load(writeConfig(t, `
dispatch:
  claim_ttl_seconds: 120
  janitor_interval_seconds: 5
live:
  grace_period_seconds: 8
  ready_timeout_seconds: 4
rate_limit:
  global_ip:
    rate: 100
    window_seconds: 60
  endpoints:
    "/api/v1/beacon/unload":
      rate: 30
      window_seconds: 60
`))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, m.ClaimTTL())
	assert.Equal(t, 5*time.Second, m.JanitorInterval())
	assert.Equal(t, 8*time.Second, m.GracePeriod())
	assert.Equal(t, 4*time.Second, m.ReadyTimeout())

	rl := m.Current().RateLimit
	assert.Equal(t, 100, rl.GlobalIP.Rate)
	assert.Equal(t, 30, rl.Endpoints["/api/v1/beacon/unload"].Rate)
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeConfig(t, "dispatch:\n  claim_ttl_seconds: 60\n")
	m, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, time.Minute, m.ClaimTTL())

	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  claim_ttl_seconds: 90\n"), 0o644))
	require.NoError(t, m.Reload())
	assert.Equal(t, 90*time.Second, m.ClaimTTL())
}

func TestReloadKeepsSettingsOnMalformedFile(t *testing.T) {
	path := writeConfig(t, "dispatch:\n  claim_ttl_seconds: 60\n")
	m, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(":: not yaml ::"), 0o644))
	assert.Error(t, m.Reload())
	assert.Equal(t, time.Minute, m.ClaimTTL(), "previous settings survive a bad write")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbiter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `
host: gateway:31337
addr: "0xDEADBEEF"
chain: side
dashboard_password: hunter2
api_secret: sssh
analysis_backends:
  clamav:
    url: http://clamav:8080
  cuckoo:
    plugin: cuckoo
    url: http://cuckoo:8090
    trusted: true
    weight: 5
  yara:
    plugin: http
    url: http://yara:9000
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "gateway:31337", cfg.Host)
	assert.Equal(t, "0xDEADBEEF", cfg.Addr)
	// Defaults survive a partial file.
	assert.Equal(t, ":9080", cfg.Bind)
	assert.Equal(t, 5*24*time.Hour, cfg.Expires.Std())
	assert.Equal(t, 15*time.Minute, cfg.ArtifactInterval.Std())
	assert.Equal(t, 3, cfg.UntrustedExpertsRequired)
}

func TestBackendOrderFollowsFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Len(t, cfg.AnalysisBackends, 3)
	assert.Equal(t, "clamav", cfg.AnalysisBackends[0].Name)
	assert.Equal(t, "cuckoo", cfg.AnalysisBackends[1].Name)
	assert.Equal(t, "yara", cfg.AnalysisBackends[2].Name)
}

func TestBackendDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	clam := cfg.AnalysisBackends[0]
	// Plugin defaults to the backend name, weight to 1.
	assert.Equal(t, "clamav", clam.Plugin)
	assert.Equal(t, 1, clam.Weight)
	assert.False(t, clam.Trusted)

	cuckoo := cfg.AnalysisBackends[1]
	assert.True(t, cuckoo.Trusted)
	assert.Equal(t, 5, cuckoo.Weight)
}

func TestValidation(t *testing.T) {
	for name, body := range map[string]string{
		"bad chain": `
chain: mainnet
analysis_backends:
  clamav: {url: http://x}
`,
		"no backends": `
chain: side
`,
		"negative expires": `
chain: side
expires: -1h
analysis_backends:
  clamav: {url: http://x}
`,
		"zero artifact interval": `
chain: side
artifact_interval: 0
analysis_backends:
  clamav: {url: http://x}
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDumpRoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	dump, err := cfg.Dump()
	require.NoError(t, err)
	assert.Contains(t, dump, "gateway:31337")
	assert.Contains(t, dump, "hunter2")
}

package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tiny frames", func(c *Config) { c.MaxFrameSize = 16 }},
		{"window below frame", func(c *Config) { c.InitialWindow = c.MaxFrameSize - 1 }},
		{"max window below initial", func(c *Config) { c.MaxWindow = c.InitialWindow - 1 }},
		{"negative timeout", func(c *Config) { c.ReceiveTimeout = -time.Second }},
		{"no backlog", func(c *Config) { c.AcceptBacklog = 0 }},
		{"queue below frame", func(c *Config) { c.MaxQueuedBytes = 1 }},
		{"reconnect without attempts", func(c *Config) {
			c.Reconnect.Enabled = true
			c.Reconnect.MaxAttempts = 0
		}},
		{"bad identity", func(c *Config) { c.Security.IdentityKey = "%%%" }},
		{"short psk", func(c *Config) { c.Security.PreSharedKey = EncodeKey([]byte("short")) }},
		{"short trusted key", func(c *Config) { c.Security.TrustedPeers = []string{EncodeKey([]byte("abc"))} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseYAML(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	doc := []byte(`
max_frame_size: 16384
initial_window: 65536
handshake_timeout: 2s
receive_timeout: 150ms
reconnect:
  enabled: true
  max_attempts: 3
  backoff_base: 10ms
security:
  identity_key: ` + EncodeKey(priv.Seed()) + `
  trusted_peers:
    - ` + EncodeKey(pub) + `
log:
  level: debug
`)
	cfg, err := Parse(doc)
	require.NoError(t, err)

	assert.Equal(t, uint32(16384), cfg.MaxFrameSize)
	assert.Equal(t, uint32(65536), cfg.InitialWindow)
	assert.Equal(t, 2*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 150*time.Millisecond, cfg.ReceiveTimeout)
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Reconnect.BackoffBase)
	assert.Equal(t, DefaultBackoffMax, cfg.Reconnect.BackoffMax, "unset fields keep defaults")
	assert.Equal(t, "debug", cfg.Log.Level)

	id, err := cfg.Security.Identity()
	require.NoError(t, err)
	assert.True(t, priv.Equal(id))

	trusted, err := cfg.Security.Trusted()
	require.NoError(t, err)
	require.Len(t, trusted, 1)
	assert.True(t, pub.Equal(trusted[0]))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("accept_backlog: 8\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.AcceptBacklog)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("initial_window: 10\n"))
	assert.Error(t, err)
}

func TestApplyValues(t *testing.T) {
	cfg := Default()
	q, err := url.ParseQuery("max_frame_size=4096&handshake_timeout=250ms&reconnect.enabled=true&reconnect.max_attempts=3&ssh_key=/ignored")
	require.NoError(t, err)

	require.NoError(t, cfg.ApplyValues(q))
	assert.Equal(t, uint32(4096), cfg.MaxFrameSize)
	assert.Equal(t, 250*time.Millisecond, cfg.HandshakeTimeout)
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, uint32(DefaultInitialWindow), cfg.InitialWindow)
}

func TestApplyValuesList(t *testing.T) {
	a := EncodeKey(make([]byte, ed25519.PublicKeySize))
	cfg := Default()
	require.NoError(t, cfg.ApplyValues(url.Values{"security.trusted_peers": {a}}))
	assert.Equal(t, []string{a}, cfg.Security.TrustedPeers)
}

func TestApplyValuesInvalid(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ApplyValues(url.Values{"max_frame_size": {"lots"}}))

	cfg = Default()
	assert.Error(t, cfg.ApplyValues(url.Values{"initial_window": {"1"}}), "result is validated")
}

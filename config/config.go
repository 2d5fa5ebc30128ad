// Package config holds the qlink configuration model.
//
// A Config is usually built from Default, optionally overlaid with a YAML
// file (Load/Parse) and with endpoint query parameters (ApplyValues).
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Defaults.
const (
	DefaultMaxFrameSize     = 32 * 1024
	DefaultInitialWindow    = 256 * 1024
	DefaultMaxWindow        = 16 * 1024 * 1024
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultAcceptBacklog    = 64
	DefaultMaxQueuedBytes   = 4 * 1024 * 1024
	DefaultRekeyAfter       = 1 << 20
	DefaultMaxAttempts      = 5
	DefaultBackoffBase      = 500 * time.Millisecond
	DefaultBackoffMax       = 30 * time.Second

	// MinFrameSize is the smallest max_frame_size a peer may negotiate.
	MinFrameSize = 512
)

// Config configures a qlink connection.
type Config struct {
	// MaxFrameSize is the largest payload of a single frame in bytes.
	MaxFrameSize uint32 `yaml:"max_frame_size" mapstructure:"max_frame_size"`

	// InitialWindow is the receive window granted to the peer for every
	// channel. It must be at least MaxFrameSize.
	InitialWindow uint32 `yaml:"initial_window" mapstructure:"initial_window"`

	// MaxWindow bounds the send window a peer may grant us.
	MaxWindow uint32 `yaml:"max_window" mapstructure:"max_window"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`

	// ReceiveTimeout and AcceptTimeout bound a single suspension in
	// Channel.Receive and Session.Accept. Zero means no limit.
	ReceiveTimeout time.Duration `yaml:"receive_timeout" mapstructure:"receive_timeout"`
	AcceptTimeout  time.Duration `yaml:"accept_timeout" mapstructure:"accept_timeout"`

	// AcceptBacklog is the number of remotely opened channels that may wait
	// for Accept before new ones are rejected.
	AcceptBacklog int `yaml:"accept_backlog" mapstructure:"accept_backlog"`

	// MaxQueuedBytes bounds the outbound bytes queued per channel.
	MaxQueuedBytes int `yaml:"max_queued_bytes" mapstructure:"max_queued_bytes"`

	// RekeyAfter is the number of sealed records after which the sending
	// key is rotated. Zero disables automatic rekeying.
	RekeyAfter uint64 `yaml:"rekey_after" mapstructure:"rekey_after"`

	Reconnect Reconnect `yaml:"reconnect" mapstructure:"reconnect"`
	Security  Security  `yaml:"security" mapstructure:"security"`
	Log       Log       `yaml:"log" mapstructure:"log"`
}

// Reconnect is the reconnect policy of link.Conn.
type Reconnect struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
}

// Security holds key material, all base64 (std or raw url) encoded.
type Security struct {
	// IdentityKey is a 32 byte Ed25519 seed. Empty means an ephemeral
	// identity is generated per connection.
	IdentityKey string `yaml:"identity_key" mapstructure:"identity_key"`

	// TrustedPeers lists Ed25519 public keys accepted from the peer.
	// Empty accepts any peer that completes the handshake.
	TrustedPeers []string `yaml:"trusted_peers" mapstructure:"trusted_peers"`

	// PreSharedKey is mixed into the key schedule when set; both sides
	// must agree on it.
	PreSharedKey string `yaml:"pre_shared_key" mapstructure:"pre_shared_key"`
}

// Log configures logging.New.
type Log struct {
	Level       string   `yaml:"level" mapstructure:"level"`
	Format      string   `yaml:"format" mapstructure:"format"`
	Outputs     []string `yaml:"outputs" mapstructure:"outputs"`
	Development bool     `yaml:"development" mapstructure:"development"`
	Rotation    Rotation `yaml:"rotation" mapstructure:"rotation"`
}

// Rotation configures file output rotation.
type Rotation struct {
	Enable     bool `yaml:"enable" mapstructure:"enable"`
	MaxSizeMB  int  `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `yaml:"compress" mapstructure:"compress"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		MaxFrameSize:     DefaultMaxFrameSize,
		InitialWindow:    DefaultInitialWindow,
		MaxWindow:        DefaultMaxWindow,
		HandshakeTimeout: DefaultHandshakeTimeout,
		AcceptBacklog:    DefaultAcceptBacklog,
		MaxQueuedBytes:   DefaultMaxQueuedBytes,
		RekeyAfter:       DefaultRekeyAfter,
		Reconnect: Reconnect{
			MaxAttempts: DefaultMaxAttempts,
			BackoffBase: DefaultBackoffBase,
			BackoffMax:  DefaultBackoffMax,
		},
		Log: Log{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
	}
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	switch {
	case c.MaxFrameSize < MinFrameSize:
		return fmt.Errorf("config: max_frame_size %d below minimum %d", c.MaxFrameSize, MinFrameSize)
	case c.InitialWindow < c.MaxFrameSize:
		return fmt.Errorf("config: initial_window %d smaller than max_frame_size %d", c.InitialWindow, c.MaxFrameSize)
	case c.MaxWindow < c.InitialWindow:
		return fmt.Errorf("config: max_window %d smaller than initial_window %d", c.MaxWindow, c.InitialWindow)
	case c.HandshakeTimeout < 0, c.ReceiveTimeout < 0, c.AcceptTimeout < 0:
		return errors.New("config: timeouts must not be negative")
	case c.AcceptBacklog < 1:
		return fmt.Errorf("config: accept_backlog %d must be positive", c.AcceptBacklog)
	case c.MaxQueuedBytes < int(c.MaxFrameSize):
		return fmt.Errorf("config: max_queued_bytes %d smaller than max_frame_size %d", c.MaxQueuedBytes, c.MaxFrameSize)
	}
	if c.Reconnect.Enabled {
		if c.Reconnect.MaxAttempts < 1 {
			return fmt.Errorf("config: reconnect.max_attempts %d must be positive", c.Reconnect.MaxAttempts)
		}
		if c.Reconnect.BackoffBase <= 0 {
			return errors.New("config: reconnect.backoff_base must be positive")
		}
	}
	if _, err := c.Security.Identity(); err != nil {
		return err
	}
	if _, err := c.Security.Trusted(); err != nil {
		return err
	}
	if _, err := c.Security.PSK(); err != nil {
		return err
	}
	return nil
}

// Identity decodes IdentityKey. It returns nil when no key is configured.
func (s Security) Identity() (ed25519.PrivateKey, error) {
	if s.IdentityKey == "" {
		return nil, nil
	}
	seed, err := decodeKey(s.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("config: identity_key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("config: identity_key is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Trusted decodes TrustedPeers.
func (s Security) Trusted() ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(s.TrustedPeers))
	for _, k := range s.TrustedPeers {
		b, err := decodeKey(k)
		if err != nil {
			return nil, fmt.Errorf("config: trusted peer %q: %w", k, err)
		}
		if len(b) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("config: trusted peer %q is %d bytes, want %d", k, len(b), ed25519.PublicKeySize)
		}
		keys = append(keys, ed25519.PublicKey(b))
	}
	return keys, nil
}

// PSK decodes PreSharedKey. It returns nil when none is configured.
func (s Security) PSK() ([]byte, error) {
	if s.PreSharedKey == "" {
		return nil, nil
	}
	b, err := decodeKey(s.PreSharedKey)
	if err != nil {
		return nil, fmt.Errorf("config: pre_shared_key: %w", err)
	}
	if len(b) < 16 {
		return nil, fmt.Errorf("config: pre_shared_key is %d bytes, want at least 16", len(b))
	}
	return b, nil
}

// EncodeKey encodes key material the way config files expect it.
func EncodeKey(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not valid base64")
}

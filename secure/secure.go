// Package secure implements the qlink handshake and record protection.
//
// Both peers exchange a versioned hello carrying an ephemeral X25519 key
// and an Ed25519 identity, derive one ChaCha20-Poly1305 key per direction
// with HKDF-SHA256 over the transcript, and prove possession of the keys
// with a signed auth record. Every record afterwards carries an explicit,
// strictly increasing counter that doubles as the AEAD nonce.
package secure

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// ProtocolVersion is the wire version announced in the hello.
const ProtocolVersion uint16 = 1

var (
	// ErrAuth reports a failed signature, tag or counter check. The stream
	// cannot be trusted any further.
	ErrAuth = errors.New("qlink: authentication failed")

	// ErrVersionMismatch reports a peer speaking an unsupported version.
	ErrVersionMismatch = errors.New("qlink: protocol version mismatch")

	// ErrHandshake reports a handshake message that could not be parsed.
	ErrHandshake = errors.New("qlink: invalid handshake")

	// ErrNonceExhausted is returned when a direction's counter would wrap.
	ErrNonceExhausted = errors.New("qlink: nonce counter exhausted")
)

// Role is the side of the handshake. The initiator speaks first.
type Role uint8

const (
	Initiator Role = iota + 1
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "INITIATOR"
	case Responder:
		return "RESPONDER"
	default:
		return fmt.Sprintf("ROLE(%d)", uint8(r))
	}
}

func (r Role) peer() Role {
	if r == Initiator {
		return Responder
	}
	return Initiator
}

// Config configures a handshake.
type Config struct {
	// Identity signs the transcript. A nil Identity generates an ephemeral
	// key, which only authenticates through Trusted or PSK on the peer.
	Identity ed25519.PrivateKey

	// Trusted, when non-empty, lists the only peer identities accepted.
	Trusted []ed25519.PublicKey

	// PSK is mixed into the key schedule as HKDF salt.
	PSK []byte

	// MaxFrameSize is announced to the peer; the session uses the minimum
	// of both announcements.
	MaxFrameSize uint32

	// RekeyAfter rotates the sending key after this many records. Zero
	// disables automatic rotation.
	RekeyAfter uint64
}

// Session is the result of a completed handshake.
type Session struct {
	Role          Role
	Version       uint16
	MaxFrameSize  uint32
	LocalIdentity ed25519.PublicKey
	PeerIdentity  ed25519.PublicKey

	sealer *Sealer
	opener *Opener
}

// Sealer returns the sending half. It must only be used by one goroutine.
func (s *Session) Sealer() *Sealer { return s.sealer }

// Opener returns the receiving half. It must only be used by one goroutine.
func (s *Session) Opener() *Opener { return s.opener }

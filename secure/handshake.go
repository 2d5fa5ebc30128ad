package secure

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	keysInfo   = []byte("qlink v1 keys")
	authPrefix = []byte("qlink v1 auth")
	transcript = []byte("qlink handshake")
)

// hello is the first message in each direction. Version must stay the
// first array element so any future layout can still be rejected cleanly.
type hello struct {
	_            struct{} `cbor:",toarray"`
	Version      uint16
	Role         Role
	Ephemeral    []byte
	Random       []byte
	Identity     []byte
	MaxFrameSize uint32
}

type auth struct {
	_         struct{} `cbor:",toarray"`
	Signature []byte
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Handshake runs the handshake for role over rw. If rw has a SetDeadline
// method the context deadline is applied to it for the duration of the
// exchange. No application data may be read from rw before Handshake
// returns.
func Handshake(ctx context.Context, rw io.ReadWriter, role Role, cfg Config) (*Session, error) {
	return handshake(ctx, rw, role, cfg, ProtocolVersion)
}

func handshake(ctx context.Context, rw io.ReadWriter, role Role, cfg Config, version uint16) (*Session, error) {
	if role != Initiator && role != Responder {
		return nil, fmt.Errorf("qlink: invalid handshake role %v", role)
	}
	if d, ok := ctx.Deadline(); ok {
		if dl, ok := rw.(deadliner); ok {
			dl.SetDeadline(d)
			defer dl.SetDeadline(time.Time{})
		}
	}

	identity := cfg.Identity
	if identity == nil {
		var err error
		if _, identity, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, err
		}
	}
	ephemeral := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephemeral); err != nil {
		return nil, err
	}
	ephemeralPub, err := curve25519.X25519(ephemeral, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return nil, err
	}
	local := hello{
		Version:      version,
		Role:         role,
		Ephemeral:    ephemeralPub,
		Random:       random,
		Identity:     identity.Public().(ed25519.PublicKey),
		MaxFrameSize: cfg.MaxFrameSize,
	}
	localBytes, err := cbor.Marshal(local)
	if err != nil {
		return nil, err
	}

	rr := NewRecordReader(rw, maxHelloSize)
	w := NewRecordWriter(rw)

	var remote hello
	var remoteBytes []byte
	if role == Initiator {
		if err := w.WriteRecord(localBytes); err != nil {
			return nil, err
		}
		if remoteBytes, err = readHello(rr, &remote, version); err != nil {
			return nil, err
		}
	} else {
		remoteBytes, err = readHello(rr, &remote, version)
		if errors.Is(err, ErrVersionMismatch) {
			// answer anyway so the initiator fails with the same error
			w.WriteRecord(localBytes)
		}
		if err != nil {
			return nil, err
		}
		if err := w.WriteRecord(localBytes); err != nil {
			return nil, err
		}
	}
	if err := remote.validate(role.peer()); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var th []byte
	if role == Initiator {
		th = transcriptHash(localBytes, remoteBytes)
	} else {
		th = transcriptHash(remoteBytes, localBytes)
	}
	shared, err := curve25519.X25519(ephemeral, remote.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	keys := make([]byte, 2*chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, cfg.PSK, append(append([]byte{}, keysInfo...), th...))
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, err
	}
	i2r, r2i := keys[:chacha20poly1305.KeySize], keys[chacha20poly1305.KeySize:]
	sendKey, recvKey := i2r, r2i
	if role == Responder {
		sendKey, recvKey = r2i, i2r
	}
	sealer, err := newSealer(sendKey, cfg.RekeyAfter)
	if err != nil {
		return nil, err
	}
	opener, err := newOpener(recvKey)
	if err != nil {
		return nil, err
	}

	peerID := ed25519.PublicKey(remote.Identity)
	rr.SetMax(maxHelloSize + Overhead)
	sendAuth := func() error {
		sig := ed25519.Sign(identity, authMessage(role, th))
		b, err := cbor.Marshal(auth{Signature: sig})
		if err != nil {
			return err
		}
		rec, err := sealer.Seal(nil, b)
		if err != nil {
			return err
		}
		return w.WriteRecord(rec)
	}
	recvAuth := func() error {
		rec, err := rr.ReadRecord()
		if err != nil {
			return err
		}
		b, err := opener.Open(nil, rec)
		if err != nil {
			return err
		}
		var a auth
		if err := cbor.Unmarshal(b, &a); err != nil {
			return fmt.Errorf("%w: auth: %v", ErrHandshake, err)
		}
		if !ed25519.Verify(peerID, authMessage(role.peer(), th), a.Signature) {
			return fmt.Errorf("%w: bad transcript signature", ErrAuth)
		}
		if !trusted(cfg.Trusted, peerID) {
			return fmt.Errorf("%w: untrusted peer identity", ErrAuth)
		}
		return nil
	}
	if role == Initiator {
		if err := sendAuth(); err != nil {
			return nil, err
		}
		if err := recvAuth(); err != nil {
			return nil, err
		}
	} else {
		if err := recvAuth(); err != nil {
			return nil, err
		}
		if err := sendAuth(); err != nil {
			return nil, err
		}
	}

	maxFrame := cfg.MaxFrameSize
	if remote.MaxFrameSize < maxFrame {
		maxFrame = remote.MaxFrameSize
	}
	return &Session{
		Role:          role,
		Version:       version,
		MaxFrameSize:  maxFrame,
		LocalIdentity: local.Identity,
		PeerIdentity:  peerID,
		sealer:        sealer,
		opener:        opener,
	}, nil
}

func readHello(rr *RecordReader, h *hello, version uint16) ([]byte, error) {
	rec, err := rr.ReadRecord()
	if err != nil {
		return nil, err
	}
	b := append([]byte(nil), rec...)
	var fields []cbor.RawMessage
	if err := cbor.Unmarshal(b, &fields); err != nil || len(fields) == 0 {
		return nil, fmt.Errorf("%w: hello is not a cbor array", ErrHandshake)
	}
	var v uint16
	if err := cbor.Unmarshal(fields[0], &v); err != nil {
		return nil, fmt.Errorf("%w: hello version: %v", ErrHandshake, err)
	}
	if v != version {
		return nil, fmt.Errorf("%w: peer speaks %d, we speak %d", ErrVersionMismatch, v, version)
	}
	if err := cbor.Unmarshal(b, h); err != nil {
		return nil, fmt.Errorf("%w: hello: %v", ErrHandshake, err)
	}
	return b, nil
}

func (h hello) validate(role Role) error {
	switch {
	case h.Role != role:
		return fmt.Errorf("%w: peer claims role %v, expected %v", ErrHandshake, h.Role, role)
	case len(h.Ephemeral) != curve25519.PointSize:
		return fmt.Errorf("%w: ephemeral key is %d bytes", ErrHandshake, len(h.Ephemeral))
	case len(h.Identity) != ed25519.PublicKeySize:
		return fmt.Errorf("%w: identity key is %d bytes", ErrHandshake, len(h.Identity))
	case len(h.Random) != 32:
		return fmt.Errorf("%w: random is %d bytes", ErrHandshake, len(h.Random))
	case h.MaxFrameSize == 0:
		return fmt.Errorf("%w: zero max frame size", ErrHandshake)
	}
	return nil
}

func transcriptHash(initiator, responder []byte) []byte {
	h := sha256.New()
	h.Write(transcript)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(initiator)))
	h.Write(n[:])
	h.Write(initiator)
	binary.BigEndian.PutUint32(n[:], uint32(len(responder)))
	h.Write(n[:])
	h.Write(responder)
	return h.Sum(nil)
}

func authMessage(role Role, th []byte) []byte {
	var buf bytes.Buffer
	buf.Write(authPrefix)
	buf.WriteByte(byte(role))
	buf.Write(th)
	return buf.Bytes()
}

func trusted(list []ed25519.PublicKey, id ed25519.PublicKey) bool {
	if len(list) == 0 {
		return true
	}
	for _, k := range list {
		if subtle.ConstantTimeCompare(k, id) == 1 {
			return true
		}
	}
	return false
}

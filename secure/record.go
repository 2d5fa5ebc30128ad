package secure

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/progrium/qlink-go/mux/frame"
)

// Record layout constants.
const (
	// LengthPrefixSize is the size of the plaintext record length prefix.
	LengthPrefixSize = 4

	// SealedHeaderSize is the flags byte plus the 8 byte counter.
	SealedHeaderSize = 9

	// Overhead is what sealing adds to a plaintext, excluding the prefix.
	Overhead = SealedHeaderSize + chacha20poly1305.Overhead

	// maxHelloSize bounds plaintext handshake records.
	maxHelloSize = 4096
)

const flagRekey byte = 1

var rekeyInfo = []byte("qlink v1 rekey")

// RecordBudget is the largest plaintext a writer places in one record for
// a given frame size limit.
func RecordBudget(maxFrameSize uint32) int {
	budget := frame.HeaderSize + int(maxFrameSize)
	if budget < 64*1024 {
		budget = 64 * 1024
	}
	return budget
}

// RecordReader reads length-prefixed records from a stream.
type RecordReader struct {
	r       io.Reader
	max     int
	hdr     [LengthPrefixSize]byte
	payload []byte
}

func NewRecordReader(r io.Reader, max int) *RecordReader {
	return &RecordReader{r: r, max: max}
}

// SetMax updates the largest accepted record payload.
func (rr *RecordReader) SetMax(max int) {
	rr.max = max
}

// ReadRecord returns the next record payload. The slice is reused by the
// next call.
func (rr *RecordReader) ReadRecord() ([]byte, error) {
	if _, err := io.ReadFull(rr.r, rr.hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(rr.hdr[:])
	if n == 0 || int64(n) > int64(rr.max) {
		return nil, fmt.Errorf("%w: record length %d outside 1..%d", frame.ErrMalformed, n, rr.max)
	}
	if cap(rr.payload) < int(n) {
		rr.payload = make([]byte, n)
	}
	p := rr.payload[:n]
	if _, err := io.ReadFull(rr.r, p); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return p, nil
}

// RecordWriter writes length-prefixed records with one Write per record.
type RecordWriter struct {
	w   io.Writer
	buf []byte
}

func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: w}
}

func (rw *RecordWriter) WriteRecord(p []byte) error {
	rw.buf = binary.BigEndian.AppendUint32(rw.buf[:0], uint32(len(p)))
	rw.buf = append(rw.buf, p...)
	_, err := rw.w.Write(rw.buf)
	return err
}

// Sealer protects outbound records. It owns the encrypt key and counter.
type Sealer struct {
	aead       cipher.AEAD
	key        []byte
	counter    uint64
	rekeyAfter uint64
	sinceRekey uint64
	rekeyReq   atomic.Bool
	rekeys     int
}

func newSealer(key []byte, rekeyAfter uint64) (*Sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead, key: key, rekeyAfter: rekeyAfter}, nil
}

// Rekey asks for a key rotation at the next record. Safe for concurrent use.
func (s *Sealer) Rekey() {
	s.rekeyReq.Store(true)
}

// Counter returns the number of records sealed so far.
func (s *Sealer) Counter() uint64 { return s.counter }

// Rekeys returns the number of completed key rotations.
func (s *Sealer) Rekeys() int { return s.rekeys }

// Seal appends the sealed record payload for plaintext to dst.
func (s *Sealer) Seal(dst, plaintext []byte) ([]byte, error) {
	if s.counter == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	var flags byte
	if s.rekeyReq.Swap(false) || (s.rekeyAfter > 0 && s.sinceRekey+1 >= s.rekeyAfter) {
		flags |= flagRekey
	}

	var hdr [SealedHeaderSize]byte
	hdr[0] = flags
	binary.BigEndian.PutUint64(hdr[1:], s.counter)
	dst = append(dst, hdr[:]...)
	nonce := nonceFor(s.counter)
	dst = s.aead.Seal(dst, nonce[:], plaintext, hdr[:])

	s.counter++
	s.sinceRekey++
	if flags&flagRekey != 0 {
		if err := s.ratchet(); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func (s *Sealer) ratchet() error {
	key, aead, err := nextKey(s.key)
	if err != nil {
		return err
	}
	s.key, s.aead = key, aead
	s.sinceRekey = 0
	s.rekeys++
	return nil
}

// Opener verifies and decrypts inbound records. It owns the decrypt key
// and counter.
type Opener struct {
	aead    cipher.AEAD
	key     []byte
	counter uint64
	rekeys  int
}

func newOpener(key []byte) (*Opener, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Opener{aead: aead, key: key}, nil
}

// Rekeys returns the number of key rotations applied.
func (o *Opener) Rekeys() int { return o.rekeys }

// Open appends the plaintext of a sealed record payload to dst. Records
// must arrive in exactly the order they were sealed.
func (o *Opener) Open(dst, record []byte) ([]byte, error) {
	if len(record) < Overhead {
		return nil, fmt.Errorf("%w: record of %d bytes too short", ErrAuth, len(record))
	}
	flags := record[0]
	counter := binary.BigEndian.Uint64(record[1:SealedHeaderSize])
	if counter != o.counter {
		return nil, fmt.Errorf("%w: record counter %d, expected %d", ErrAuth, counter, o.counter)
	}
	if flags&^flagRekey != 0 {
		return nil, fmt.Errorf("%w: unknown record flags %#x", ErrAuth, flags)
	}
	nonce := nonceFor(counter)
	out, err := o.aead.Open(dst, nonce[:], record[SealedHeaderSize:], record[:SealedHeaderSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if o.counter == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	o.counter++
	if flags&flagRekey != 0 {
		key, aead, err := nextKey(o.key)
		if err != nil {
			return nil, err
		}
		o.key, o.aead = key, aead
		o.rekeys++
	}
	return out, nil
}

func nonceFor(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

func nextKey(key []byte) ([]byte, cipher.AEAD, error) {
	next := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, key, rekeyInfo), next); err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(next)
	if err != nil {
		return nil, nil, err
	}
	return next, aead, nil
}

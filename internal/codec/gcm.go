// Package codec implements the two wire ciphers used by the control and
// input channels: an AES-128-GCM frame for the control stream (and, on
// Gen7+, the legacy dedicated input socket), and an AES-128-CBC+PKCS#7
// frame for older input sockets. Both share a single 16-byte key.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
)

// ErrCryptoFail covers AES-GCM init, seal, and open failures: a bad key
// size, a tag mismatch on decrypt, or any other cipher-layer error.
var ErrCryptoFail = errors.New("codec: crypto operation failed")

// ErrRunt is returned when a received frame is shorter than its declared
// header requires. The caller drops the packet; this is never fatal to the
// session.
var ErrRunt = errors.New("codec: packet shorter than its declared header")

const (
	outerHeaderType = 0x0001
	outerHeaderLen  = 4 // type + length, both u16 LE
	seqLen          = 4
	tagLen          = 16
	innerV2HeaderLen = 4 // type u16 LE + payload_len u16 LE
)

// GCMFramer implements the control-stream "V2" AES-GCM frame described in
// spec.md §4.2: plaintext is [type u16 LE][payload_len u16 LE][payload],
// the wire frame is [0x0001 u16 LE][length u16 LE][seq u32 LE][tag 16][ct],
// and the IV is derived from the sequence number by zeroing 16 bytes and
// writing the low byte of seq into byte 0 — a bit-exact quirk required for
// server compatibility, not a cryptographically meaningful nonce scheme.
//
// A GCMFramer is not safe for concurrent use; callers serialize access
// (the control session does so under its send mutex, since
// the sequence counter must also advance under that same lock to preserve
// strict ordering on the wire).
type GCMFramer struct {
	aead cipher.AEAD
	seq  uint32
}

// NewGCMFramer constructs a framer from a 16-byte AES key.
func NewGCMFramer(key []byte) (*GCMFramer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrCryptoFail
	}
	aead, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		return nil, ErrCryptoFail
	}
	return &GCMFramer{aead: aead}, nil
}

func seqIV(seq uint32) []byte {
	iv := make([]byte, 16)
	iv[0] = byte(seq & 0xFF)
	return iv
}

// Encrypt builds a complete wire frame for (msgType, payload) and advances
// the internal sequence counter by one. The sequence number used for this
// frame is returned so a caller serializing under an external lock can log
// or assert on it.
func (f *GCMFramer) Encrypt(msgType uint16, payload []byte) ([]byte, uint32, error) {
	f.seq++
	seq := f.seq

	inner := make([]byte, innerV2HeaderLen+len(payload))
	binary.LittleEndian.PutUint16(inner[0:2], msgType)
	binary.LittleEndian.PutUint16(inner[2:4], uint16(len(payload)))
	copy(inner[4:], payload)

	iv := seqIV(seq)
	sealed := f.aead.Seal(nil, iv, inner, nil)
	if len(sealed) < f.aead.Overhead() {
		return nil, 0, ErrCryptoFail
	}
	ciphertext := sealed[:len(sealed)-f.aead.Overhead()]
	tag := sealed[len(sealed)-f.aead.Overhead():]

	length := seqLen + tagLen + len(ciphertext)
	frame := make([]byte, outerHeaderLen+length)
	binary.LittleEndian.PutUint16(frame[0:2], outerHeaderType)
	binary.LittleEndian.PutUint16(frame[2:4], uint16(length))
	binary.LittleEndian.PutUint32(frame[4:8], seq)
	copy(frame[8:8+tagLen], tag)
	copy(frame[8+tagLen:], ciphertext)

	return frame, seq, nil
}

// Decrypt consumes a complete wire frame (outer header included) and
// returns the V1-shaped plaintext [type u16 LE][payload] of length
// plaintext_len-2, matching spec.md §4.2's required in-place header
// transformation. frame must start at the outer 0x0001 header.
func (f *GCMFramer) Decrypt(frame []byte) ([]byte, error) {
	if len(frame) < outerHeaderLen+seqLen+tagLen+innerV2HeaderLen {
		return nil, ErrRunt
	}
	length := int(binary.LittleEndian.Uint16(frame[2:4]))
	if len(frame) < outerHeaderLen+length {
		return nil, ErrRunt
	}
	seq := binary.LittleEndian.Uint32(frame[4:8])
	tag := frame[8 : 8+tagLen]
	ciphertext := frame[8+tagLen : outerHeaderLen+length]

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := f.aead.Open(nil, seqIV(seq), sealed, nil)
	if err != nil {
		return nil, ErrCryptoFail
	}
	if len(plaintext) < innerV2HeaderLen {
		return nil, ErrRunt
	}

	// V2 -> V1: drop the 2-byte inner payload_len field, copying the type
	// and body into a new buffer.
	msgType := plaintext[0:2]
	body := plaintext[innerV2HeaderLen:]
	out := make([]byte, 2+len(body))
	copy(out[0:2], msgType)
	copy(out[2:], body)
	return out, nil
}

// LastSeq returns the most recently allocated outgoing sequence number,
// for tests asserting monotonicity.
func (f *GCMFramer) LastSeq() uint32 { return f.seq }

package codec

import (
	"crypto/aes"
	"crypto/cipher"
)

// CBCFramer implements the legacy (pre-Gen7) input-stream AES-128-CBC
// framing. It intentionally holds a single *cipher.BlockMode initialized
// once with the session IV and reused, unreinitialized, across every
// subsequent message: the server expects CBC chaining to continue across
// distinct input packets, not to reset per message. This is preserved
// exactly even though it looks unusual for a framing helper.
type CBCFramer struct {
	block   cipher.Block
	encrypt cipher.BlockMode
}

// NewCBCFramer constructs a framer from a 16-byte AES key and the initial
// 16-byte IV. The encrypter is created immediately and carried forward.
func NewCBCFramer(key, iv []byte) (*CBCFramer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrCryptoFail
	}
	if len(iv) != block.BlockSize() {
		return nil, ErrCryptoFail
	}
	return &CBCFramer{
		block:   block,
		encrypt: cipher.NewCBCEncrypter(block, iv),
	}, nil
}

// Encrypt PKCS#7-pads plaintext to the block size and encrypts it with the
// persistent, chained encrypter. The returned ciphertext is always a
// multiple of 16 bytes.
func (f *CBCFramer) Encrypt(plaintext []byte) []byte {
	blockSize := f.block.BlockSize()
	padding := blockSize - (len(plaintext) % blockSize)
	padded := make([]byte, len(plaintext)+padding)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	ciphertext := make([]byte, len(padded))
	f.encrypt.CryptBlocks(ciphertext, padded)
	return ciphertext
}

// GCMInputFramer implements the Gen7, non-unified-input AES-GCM framing
// described in spec.md §4.2: [16-byte tag][ciphertext], with the 4-byte
// big-endian length prefix applied by the caller. After each encryption
// whose ciphertext is at least 16 bytes it rolls the session IV forward to
// the tail of that ciphertext — a server-imitated quirk that must be preserved bit-exactly,
// not "corrected" into a sane nonce scheme.
type GCMInputFramer struct {
	aead cipher.AEAD
	iv   []byte
}

// NewGCMInputFramer constructs a framer from a 16-byte AES key and the
// initial 16-byte IV.
func NewGCMInputFramer(key, iv []byte) (*GCMInputFramer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrCryptoFail
	}
	aead, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		return nil, ErrCryptoFail
	}
	if len(iv) != aead.NonceSize() {
		return nil, ErrCryptoFail
	}
	ivCopy := make([]byte, len(iv))
	copy(ivCopy, iv)
	return &GCMInputFramer{aead: aead, iv: ivCopy}, nil
}

// Encrypt seals plaintext under the current IV and returns
// [tag][ciphertext]. If the ciphertext is at least 16 bytes the session IV
// is overwritten with its last 16 bytes before returning, so the next call
// uses the rolled IV.
func (f *GCMInputFramer) Encrypt(plaintext []byte) ([]byte, error) {
	sealed := f.aead.Seal(nil, f.iv, plaintext, nil)
	if len(sealed) < f.aead.Overhead() {
		return nil, ErrCryptoFail
	}
	ciphertext := sealed[:len(sealed)-f.aead.Overhead()]
	tag := sealed[len(sealed)-f.aead.Overhead():]

	out := make([]byte, len(tag)+len(ciphertext))
	copy(out, tag)
	copy(out[len(tag):], ciphertext)

	if len(ciphertext) >= 16 {
		copy(f.iv, ciphertext[len(ciphertext)-16:])
	}

	return out, nil
}

// CurrentIV returns a copy of the framer's current rolling IV, for tests.
func (f *GCMInputFramer) CurrentIV() []byte {
	iv := make([]byte, len(f.iv))
	copy(iv, f.iv)
	return iv
}

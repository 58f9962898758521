// Package crypto implements the AES payload encryption used on the
// replication plane. Ciphertext is block aligned; the pad length is
// recorded PKCS#7 style in the trailing bytes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
)

const (
	// BlockSize is the AES block size every ciphertext is padded to.
	BlockSize = aes.BlockSize
	// KeySize is the only accepted key length (AES-128).
	KeySize = 16
)

var (
	// ErrKeySize bad key length.
	ErrKeySize = errors.New("crypto: key must be 16 bytes")
	// ErrNotAligned ciphertext is not block aligned.
	ErrNotAligned = errors.New("crypto: ciphertext not block aligned")
	// ErrBadPadding pad byte out of range.
	ErrBadPadding = errors.New("crypto: bad padding")
)

// EncryptedLen returns the ciphertext length for n plaintext bytes,
// IV included.
func EncryptedLen(n int) int {
	return BlockSize + (n/BlockSize+1)*BlockSize
}

// NewKey returns a fresh random AES-128 key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.WithStack(err)
	}
	return key, nil
}

// Encrypt seals src with key and returns IV||ciphertext.
func Encrypt(src, key []byte) ([]byte, error) {
	block, err := newCipher(key)
	if err != nil {
		return nil, err
	}
	pad := BlockSize - len(src)%BlockSize
	buf := make([]byte, BlockSize+len(src)+pad)
	iv := buf[:BlockSize]
	if _, err = rand.Read(iv); err != nil {
		return nil, errors.WithStack(err)
	}
	plain := buf[BlockSize:]
	copy(plain, src)
	for i := len(src); i < len(plain); i++ {
		plain[i] = byte(pad)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(plain, plain)
	return buf, nil
}

// Decrypt opens IV||ciphertext sealed by Encrypt and returns the
// plaintext.
func Decrypt(src, key []byte) ([]byte, error) {
	block, err := newCipher(key)
	if err != nil {
		return nil, err
	}
	if len(src) < 2*BlockSize || len(src)%BlockSize != 0 {
		return nil, ErrNotAligned
	}
	iv, body := src[:BlockSize], src[BlockSize:]
	dst := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst, body)
	pad := int(dst[len(dst)-1])
	if pad < 1 || pad > BlockSize || pad > len(dst) {
		return nil, ErrBadPadding
	}
	return dst[:len(dst)-pad], nil
}

func newCipher(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return block, nil
}

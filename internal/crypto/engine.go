// Package crypto encrypts backup payloads with a password-derived key.
//
// Blob layout:
//
//	salt (32 bytes) || iv (16 bytes) || ciphertext
//
// The key is derived per blob with scrypt from the configured password and
// the blob's own salt. GCM modes append their 16-byte tag to the
// ciphertext; CBC pads with PKCS#7.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	SaltSize = 32
	IVSize   = 16

	AES256GCM = "aes-256-gcm"
	AES192GCM = "aes-192-gcm"
	AES128GCM = "aes-128-gcm"
	AES256CBC = "aes-256-cbc"
)

var (
	ErrEncryption    = errors.New("encryption failed")
	ErrDecryption    = errors.New("decryption failed")
	ErrInvalidConfig = errors.New("invalid crypto configuration")
)

// Params are the scrypt cost parameters.
type Params struct {
	N int
	R int
	P int
}

// DefaultParams are the scrypt parameters used when none are configured.
var DefaultParams = Params{N: 1 << 15, R: 8, P: 1}

type Option func(*Engine)

// WithParams overrides the scrypt cost parameters.
func WithParams(p Params) Option {
	return func(e *Engine) {
		if p.N > 1 {
			e.params.N = p.N
		}
		if p.R > 0 {
			e.params.R = p.R
		}
		if p.P > 0 {
			e.params.P = p.P
		}
	}
}

// WithRandom replaces the randomness source for salts and IVs.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) {
		if r != nil {
			e.rand = r
		}
	}
}

// Engine encrypts and decrypts backup blobs. It is safe for concurrent use.
type Engine struct {
	password  []byte
	algorithm string
	keyLen    int
	gcm       bool
	params    Params
	rand      io.Reader
}

// New returns an engine for algorithm using password as key material.
func New(password, algorithm string, opts ...Option) (*Engine, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: empty password", ErrInvalidConfig)
	}
	if algorithm == "" {
		algorithm = AES256GCM
	}
	e := &Engine{
		password:  []byte(password),
		algorithm: algorithm,
		params:    DefaultParams,
		rand:      rand.Reader,
	}
	switch algorithm {
	case AES256GCM:
		e.keyLen, e.gcm = 32, true
	case AES192GCM:
		e.keyLen, e.gcm = 24, true
	case AES128GCM:
		e.keyLen, e.gcm = 16, true
	case AES256CBC:
		e.keyLen = 32
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidConfig, algorithm)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.params.N&(e.params.N-1) != 0 {
		return nil, fmt.Errorf("%w: scrypt N must be a power of two", ErrInvalidConfig)
	}
	return e, nil
}

// Algorithm returns the configured cipher name.
func (e *Engine) Algorithm() string { return e.algorithm }

// Encrypt seals plaintext under a fresh salt and IV and returns the blob
// together with the hex-encoded salt.
func (e *Engine) Encrypt(plaintext []byte) ([]byte, string, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(e.rand, salt); err != nil {
		return nil, "", fmt.Errorf("%w: salt: %v", ErrEncryption, err)
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(e.rand, iv); err != nil {
		return nil, "", fmt.Errorf("%w: iv: %v", ErrEncryption, err)
	}

	block, err := e.block(salt)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	out := make([]byte, 0, SaltSize+IVSize+len(plaintext)+aes.BlockSize)
	out = append(out, salt...)
	out = append(out, iv...)

	if e.gcm {
		aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrEncryption, err)
		}
		out = aead.Seal(out, iv, plaintext, nil)
	} else {
		padded := pkcs7Pad(plaintext, aes.BlockSize)
		ct := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
		out = append(out, ct...)
	}

	return out, hex.EncodeToString(salt), nil
}

// Decrypt opens a blob produced by Encrypt. saltHex is the salt recorded
// alongside the backup and must match the blob's prefix.
func (e *Engine) Decrypt(blob []byte, saltHex string) ([]byte, error) {
	if len(blob) < SaltSize+IVSize {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", ErrDecryption, len(blob))
	}
	salt := blob[:SaltSize]
	iv := blob[SaltSize : SaltSize+IVSize]
	body := blob[SaltSize+IVSize:]

	if saltHex != "" {
		recorded, err := hex.DecodeString(saltHex)
		if err != nil {
			return nil, fmt.Errorf("%w: bad salt encoding: %v", ErrDecryption, err)
		}
		if !bytes.Equal(recorded, salt) {
			return nil, fmt.Errorf("%w: salt does not match blob", ErrDecryption)
		}
	}

	block, err := e.block(salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	if e.gcm {
		aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
		plain, err := aead.Open(nil, iv, body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
		if plain == nil {
			plain = []byte{}
		}
		return plain, nil
	}

	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a whole number of blocks", ErrDecryption)
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)
	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plain, nil
}

func (e *Engine) block(salt []byte) (cipher.Block, error) {
	key, err := scrypt.Key(e.password, salt, e.params.N, e.params.R, e.params.P, e.keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return aes.NewCipher(key)
}

// Checksum returns the hex sha256 of blob.
func Checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errors.New("bad padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("bad padding")
		}
	}
	return b[:len(b)-n], nil
}

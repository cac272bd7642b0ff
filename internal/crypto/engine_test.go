package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

var fastParams = Params{N: 1024, R: 8, P: 1}

func newEngine(t *testing.T, password, algorithm string) *Engine {
	t.Helper()
	e, err := New(password, algorithm, WithParams(fastParams))
	if err != nil {
		t.Fatalf("New(%q): %v", algorithm, err)
	}
	return e
}

func TestRoundTrip(t *testing.T) {
	large := make([]byte, 3<<20)
	if _, err := rand.Read(large); err != nil {
		t.Fatal(err)
	}
	inputs := map[string][]byte{
		"empty": {},
		"short": []byte("hello"),
		"block": bytes.Repeat([]byte{'a'}, 16),
		"large": large,
	}

	for _, alg := range []string{AES256GCM, AES192GCM, AES128GCM, AES256CBC} {
		e := newEngine(t, "s3cret", alg)
		for name, in := range inputs {
			t.Run(alg+"/"+name, func(t *testing.T) {
				blob, salt, err := e.Encrypt(in)
				if err != nil {
					t.Fatalf("Encrypt: %v", err)
				}
				if len(salt) != SaltSize*2 {
					t.Errorf("salt hex length = %d", len(salt))
				}
				out, err := e.Decrypt(blob, salt)
				if err != nil {
					t.Fatalf("Decrypt: %v", err)
				}
				if !bytes.Equal(in, out) {
					t.Fatalf("round trip mismatch: got %d bytes, want %d", len(out), len(in))
				}
			})
		}
	}
}

func TestEncryptUsesFreshSalt(t *testing.T) {
	e := newEngine(t, "pw", "")
	b1, s1, _ := e.Encrypt([]byte("same"))
	b2, s2, _ := e.Encrypt([]byte("same"))
	if s1 == s2 || bytes.Equal(b1, b2) {
		t.Fatal("two encryptions of the same input produced the same blob")
	}
}

func TestDecryptFailures(t *testing.T) {
	e := newEngine(t, "right", AES256GCM)
	blob, salt, err := e.Encrypt([]byte("payload contents"))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("wrong password", func(t *testing.T) {
		other := newEngine(t, "wrong", AES256GCM)
		if _, err := other.Decrypt(blob, salt); !errors.Is(err, ErrDecryption) {
			t.Errorf("err = %v, want ErrDecryption", err)
		}
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		bad := append([]byte(nil), blob...)
		bad[len(bad)-1] ^= 0x01
		if _, err := e.Decrypt(bad, salt); !errors.Is(err, ErrDecryption) {
			t.Errorf("err = %v, want ErrDecryption", err)
		}
	})

	t.Run("salt mismatch", func(t *testing.T) {
		_, otherSalt, _ := e.Encrypt([]byte("x"))
		if _, err := e.Decrypt(blob, otherSalt); !errors.Is(err, ErrDecryption) {
			t.Errorf("err = %v, want ErrDecryption", err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, err := e.Decrypt(blob[:20], salt); !errors.Is(err, ErrDecryption) {
			t.Errorf("err = %v, want ErrDecryption", err)
		}
	})

	t.Run("cbc bad padding", func(t *testing.T) {
		cbc := newEngine(t, "right", AES256CBC)
		blob, salt, _ := cbc.Encrypt([]byte("0123456789"))
		other := newEngine(t, "wrong", AES256CBC)
		// a wrong key yields garbage padding almost always; both outcomes
		// must be an error or a different plaintext, never a panic
		out, err := other.Decrypt(blob, salt)
		if err == nil && string(out) == "0123456789" {
			t.Error("wrong password recovered the plaintext")
		}
	})
}

func TestChecksum(t *testing.T) {
	blob := []byte("encrypted blob bytes")
	c1 := Checksum(blob)
	if c1 != Checksum(append([]byte(nil), blob...)) {
		t.Fatal("checksum is not stable")
	}
	if len(c1) != 64 {
		t.Errorf("checksum length = %d, want 64", len(c1))
	}
	for i := range blob {
		flipped := append([]byte(nil), blob...)
		flipped[i] ^= 0x80
		if Checksum(flipped) == c1 {
			t.Fatalf("flipping byte %d did not change the checksum", i)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New("", AES256GCM); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("empty password: err = %v", err)
	}
	if _, err := New("pw", "des"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("unknown algorithm: err = %v", err)
	}
	if _, err := New("pw", AES256GCM, WithParams(Params{N: 1000})); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("N not power of two: err = %v", err)
	}
}

package crypto

import (
	"bytes"
	"testing"
)

// testKey returns a valid 32-byte key for use in tests.
func testKey() []byte {
	return bytes.Repeat([]byte("k"), 32)
}

func TestNewCipher(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		c, err := NewCipher(testKey())
		if err != nil {
			t.Fatalf("NewCipher() unexpected error: %v", err)
		}
		if c == nil {
			t.Fatal("NewCipher() returned nil cipher")
		}
	})

	tests := []struct {
		name    string
		keyLen  int
		wantErr error
	}{
		{"too short (16 bytes)", 16, ErrKeyLengthInvalid},
		{"too long (64 bytes)", 64, ErrKeyLengthInvalid},
		{"empty key", 0, ErrKeyLengthInvalid},
		{"31 bytes", 31, ErrKeyLengthInvalid},
		{"33 bytes", 33, ErrKeyLengthInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCipher(make([]byte, tt.keyLen))
			if err != tt.wantErr {
				t.Errorf("NewCipher(len=%d) error = %v, want %v", tt.keyLen, err, tt.wantErr)
			}
		})
	}
}

func TestNewCipherIsolatesKey(t *testing.T) {
	// Modifying the original key slice must not affect the cipher.
	key := testKey()
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher() error: %v", err)
	}
	plaintext := "sensitive-data"
	sealed, _ := c.EncryptString(plaintext)

	// Corrupt the original key
	for i := range key {
		key[i] = 0
	}

	// The cipher should still work with its own copy
	got, err := c.DecryptString(sealed)
	if err != nil {
		t.Errorf("DecryptString() after key corruption error: %v", err)
	}
	if got != plaintext {
		t.Errorf("DecryptString() = %q, want %q", got, plaintext)
	}
}

func TestDeriveKeyFromPassword(t *testing.T) {
	t.Run("deterministic for same password and salt", func(t *testing.T) {
		salt := bytes.Repeat([]byte("s"), 16)
		k1, _, err := DeriveKeyFromPassword("my-secret-passphrase", salt)
		if err != nil {
			t.Fatalf("DeriveKeyFromPassword() error: %v", err)
		}
		k2, _, err := DeriveKeyFromPassword("my-secret-passphrase", salt)
		if err != nil {
			t.Fatalf("DeriveKeyFromPassword() error: %v", err)
		}
		if !bytes.Equal(k1, k2) {
			t.Error("same password+salt derived different keys")
		}
		if len(k1) != 32 {
			t.Errorf("derived key len = %d, want 32", len(k1))
		}
	})

	t.Run("nil salt generates a fresh one", func(t *testing.T) {
		key, salt, err := DeriveKeyFromPassword("passphrase", nil)
		if err != nil {
			t.Fatalf("DeriveKeyFromPassword() error: %v", err)
		}
		if len(salt) < 16 {
			t.Errorf("generated salt len = %d, want >= 16", len(salt))
		}
		// Re-deriving with the returned salt reproduces the key.
		again, _, err := DeriveKeyFromPassword("passphrase", salt)
		if err != nil {
			t.Fatalf("DeriveKeyFromPassword() error: %v", err)
		}
		if !bytes.Equal(key, again) {
			t.Error("key not reproducible from returned salt")
		}
	})

	t.Run("salt too short", func(t *testing.T) {
		_, _, err := DeriveKeyFromPassword("passphrase", make([]byte, 8))
		if err != ErrSaltTooShort {
			t.Errorf("DeriveKeyFromPassword() error = %v, want %v", err, ErrSaltTooShort)
		}
	})

	t.Run("different passphrases produce different keys", func(t *testing.T) {
		salt := bytes.Repeat([]byte("s"), 16)
		k1, _, _ := DeriveKeyFromPassword("passphrase-one", salt)
		k2, _, _ := DeriveKeyFromPassword("passphrase-two", salt)

		c1, _ := NewCipher(k1)
		c2, _ := NewCipher(k2)

		sealed, _ := c1.EncryptString("secret")
		// c2 should NOT be able to decrypt what c1 encrypted
		_, err := c2.DecryptString(sealed)
		if err == nil {
			t.Error("different-key cipher decrypted ciphertext; expected failure")
		}
	})
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatalf("NewCipher() error: %v", err)
	}

	plaintexts := []string{
		"hello",
		"a-very-long-payload-string-that-exceeds-normal-length-for-agent-invocation-inputs-eyJhbGciOiJSUzI1NiIsInR5cCIgOiAiSldUIn0",
		"unicode: 日本語テスト",
		"special chars: !@#$%^&*()",
		"newline\nand\ttabs",
		"",
	}

	for _, pt := range plaintexts {
		t.Run("roundtrip/"+pt[:min(len(pt), 20)], func(t *testing.T) {
			sealed, err := c.EncryptString(pt)
			if err != nil {
				t.Fatalf("EncryptString() error: %v", err)
			}
			if sealed == pt && pt != "" {
				t.Error("EncryptString() returned plaintext unchanged")
			}

			opened, err := c.DecryptString(sealed)
			if err != nil {
				t.Fatalf("DecryptString() error: %v", err)
			}
			if opened != pt {
				t.Errorf("DecryptString() = %q, want %q", opened, pt)
			}
		})
	}
}

func TestEncryptDecryptJSON(t *testing.T) {
	c, _ := NewCipher(testKey())

	in := map[string]any{"account": "acct-42", "amount": float64(1250)}
	sealed, err := c.EncryptJSON(in)
	if err != nil {
		t.Fatalf("EncryptJSON() error: %v", err)
	}

	var out map[string]any
	if err := c.DecryptJSON(sealed, &out); err != nil {
		t.Fatalf("DecryptJSON() error: %v", err)
	}
	if out["account"] != "acct-42" || out["amount"] != float64(1250) {
		t.Errorf("DecryptJSON() = %v, want %v", out, in)
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	// Each call should produce a different ciphertext (random nonce).
	c, _ := NewCipher(testKey())
	pt := "same-plaintext"

	s1, _ := c.EncryptString(pt)
	s2, _ := c.EncryptString(pt)
	if s1 == s2 {
		t.Error("EncryptString() produced identical ciphertexts; nonce is not random")
	}
}

func TestDecryptErrors(t *testing.T) {
	c, _ := NewCipher(testKey())

	tests := []struct {
		name       string
		ciphertext string
		wantErr    error
	}{
		{"not base64", "!!!not-base64!!!", ErrCiphertextCorrupted},
		{"too short after decode", "YQ==", ErrCiphertextCorrupted}, // decodes to 1 byte, shorter than nonce
		{"random base64 garbage", "dGhpcyBpcyBub3QgYSB2YWxpZCBjaXBoZXJ0ZXh0", ErrDecryptionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.ciphertext)
			if err != tt.wantErr {
				t.Errorf("Decrypt(%q) error = %v, want %v", tt.ciphertext, err, tt.wantErr)
			}
		})
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key1 := bytes.Repeat([]byte("a"), 32)
	key2 := bytes.Repeat([]byte("b"), 32)

	c1, _ := NewCipher(key1)
	c2, _ := NewCipher(key2)

	sealed, err := c1.EncryptString("secret-data")
	if err != nil {
		t.Fatalf("EncryptString() error: %v", err)
	}

	_, err = c2.DecryptString(sealed)
	if err != ErrDecryptionFailed {
		t.Errorf("DecryptString() with wrong key error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("GenerateKey() len = %d, want 32", len(key))
	}

	// Two calls should produce different keys
	key2, _ := GenerateKey()
	if bytes.Equal(key, key2) {
		t.Error("GenerateKey() produced identical keys on consecutive calls")
	}

	// Generated key must be usable with NewCipher
	if _, err := NewCipher(key); err != nil {
		t.Errorf("NewCipher(GenerateKey()) error: %v", err)
	}
}

func TestGenerateSalt(t *testing.T) {
	tests := []struct {
		name    string
		length  int
		wantLen int
	}{
		{"default minimum", 0, 16},
		{"below minimum", 8, 16},
		{"exact minimum", 16, 16},
		{"custom length", 32, 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			salt, err := GenerateSalt(tt.length)
			if err != nil {
				t.Fatalf("GenerateSalt(%d) error: %v", tt.length, err)
			}
			if len(salt) != tt.wantLen {
				t.Errorf("GenerateSalt(%d) len = %d, want %d", tt.length, len(salt), tt.wantLen)
			}
		})
	}

	// Two salts must differ
	s1, _ := GenerateSalt(16)
	s2, _ := GenerateSalt(16)
	if bytes.Equal(s1, s2) {
		t.Error("GenerateSalt() produced identical salts on consecutive calls")
	}
}

package secrets

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewAESCipher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	plaintext := []byte(`{"access_token":"at","refresh_token":"rt"}`)
	sealed, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(sealed, []byte("access_token")) {
		t.Fatal("ciphertext leaks plaintext")
	}

	opened, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: %s", opened)
	}

	// Fresh nonce per call.
	again, _ := c.Encrypt(plaintext)
	if bytes.Equal(sealed, again) {
		t.Fatal("two encryptions produced identical output")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	c, _ := NewAESCipher([]byte("0123456789abcdef"))
	sealed, _ := c.Encrypt([]byte("payload"))

	sealed[len(sealed)-1] ^= 0xff
	if _, err := c.Decrypt(sealed); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	c, _ := NewAESCipher([]byte("0123456789abcdef"))
	if _, err := c.Decrypt([]byte("short")); err == nil {
		t.Fatal("expected short ciphertext rejection")
	}
}

func TestNewAESCipherRejectsBadKeyLength(t *testing.T) {
	if _, err := NewAESCipher([]byte("too-short")); err == nil {
		t.Fatal("expected key length rejection")
	}
}

func TestParseKey(t *testing.T) {
	raw := "0123456789abcdef0123456789abcdef"

	key, err := ParseKey(raw)
	if err != nil || len(key) != 32 {
		t.Fatalf("raw key: %v (len %d)", err, len(key))
	}

	key, err = ParseKey(base64.StdEncoding.EncodeToString([]byte(raw)))
	if err != nil || len(key) != 32 {
		t.Fatalf("base64 key: %v (len %d)", err, len(key))
	}

	key, err = ParseKey(hex.EncodeToString([]byte(raw[:24])))
	if err != nil || len(key) != 24 {
		t.Fatalf("hex key: %v (len %d)", err, len(key))
	}

	if _, err := ParseKey(""); err == nil {
		t.Fatal("expected empty key rejection")
	}
	if _, err := ParseKey("definitely-not-a-key"); err == nil {
		t.Fatal("expected malformed key rejection")
	}
}

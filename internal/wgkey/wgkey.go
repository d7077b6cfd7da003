// Package wgkey loads and generates WireGuard Curve25519 key material.
//
// Key files are plain-text base64, 32 decoded bytes, trailing whitespace
// tolerated (spec.md section 6, "Key files").
package wgkey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// Key is a 32-byte WireGuard key (private or public).
type Key [32]byte

// Decode parses a base64-encoded key, tolerating trailing whitespace.
func Decode(b64 string) (Key, error) {
	var k Key
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return k, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != len(k) {
		return k, fmt.Errorf("decode key: want %d raw bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// LoadFile reads and decodes a base64 key from a file.
func LoadFile(path string) (Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Key{}, fmt.Errorf("read key file %s: %w", path, err)
	}
	k, err := Decode(string(data))
	if err != nil {
		return Key{}, fmt.Errorf("key file %s: %w", path, err)
	}
	return k, nil
}

// Base64 returns the standard base64 encoding of the key.
func (k Key) Base64() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Hex returns the lowercase hex encoding of the key, the form the
// wireguard-go UAPI (device.IpcSet) expects for private_key/public_key/
// preshared_key fields.
func (k Key) Hex() string {
	return fmt.Sprintf("%x", k[:])
}

// Generate produces a fresh Curve25519 private key with the WireGuard
// clamping applied.
func Generate() (Key, error) {
	var priv Key
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, fmt.Errorf("generate key: %w", err)
	}
	priv[0] &= 248
	priv[31] = (priv[31] & 127) | 64
	return priv, nil
}

// Public derives the Curve25519 public key for a private key.
func (k Key) Public() (Key, error) {
	var pub Key
	out, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("derive public key: %w", err)
	}
	copy(pub[:], out)
	return pub, nil
}

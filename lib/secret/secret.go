/*
Copyright 2023 Siteconf Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package secret implements authenticated encryption of stored setting
// values. Sealed values are wrapped in a versioned JSON envelope so that
// ciphertext is recognizable structurally, independent of any setting's
// current encryption policy.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/gravitational/trace"
)

// envelopeVersion identifies the sealed data format.
const envelopeVersion = "v1"

// sealedData is the versioned envelope that sealed values are stored in.
type sealedData struct {
	// Version is the envelope format version.
	Version string `json:"version"`
	// Nonce is the AES-GCM nonce, unique per Seal call.
	Nonce []byte `json:"nonce"`
	// Ciphertext is the encrypted and authenticated payload.
	Ciphertext []byte `json:"ciphertext"`
}

// Key is a 32-byte AES-GCM key. Its string form is hex-encoded.
type Key []byte

// NewKey generates a new random key.
func NewKey() (Key, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, trace.Wrap(err)
	}
	return Key(key), nil
}

// ParseKey parses a hex-encoded key.
func ParseKey(in []byte) (Key, error) {
	key, err := hex.DecodeString(string(in))
	if err != nil {
		return nil, trace.BadParameter("failed to decode key: %v", err)
	}
	if len(key) != 32 {
		return nil, trace.BadParameter("invalid key length %d, expected 32 bytes", len(key))
	}
	return Key(key), nil
}

// String returns the hex encoding of the key.
func (k Key) String() string {
	return hex.EncodeToString(k)
}

// Seal encrypts plaintext and returns the sealed JSON envelope. The nonce
// is fresh per call, so sealing the same plaintext twice yields different
// ciphertext.
func (k Key) Seal(plaintext []byte) ([]byte, error) {
	aead, err := k.aead()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, trace.Wrap(err)
	}
	sealed := sealedData{
		Version:    envelopeVersion,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}
	out, err := json.Marshal(sealed)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// Open decrypts a sealed envelope produced by Seal with the same key.
func (k Key) Open(envelope []byte) ([]byte, error) {
	var sealed sealedData
	if err := json.Unmarshal(envelope, &sealed); err != nil {
		return nil, trace.BadParameter("malformed sealed envelope: %v", err)
	}
	if sealed.Version != envelopeVersion {
		return nil, trace.BadParameter("unsupported sealed envelope version %q", sealed.Version)
	}
	aead, err := k.aead()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, trace.BadParameter("invalid nonce length %d", len(sealed.Nonce))
	}
	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, trace.BadParameter("failed to decrypt: %v", err)
	}
	return plaintext, nil
}

// IsSealed reports whether data looks like a sealed envelope. Detection is
// structural: a stored plaintext value never parses as a versioned envelope
// with a nonce and ciphertext.
func IsSealed(data []byte) bool {
	var sealed sealedData
	if err := json.Unmarshal(data, &sealed); err != nil {
		return false
	}
	return sealed.Version == envelopeVersion && len(sealed.Nonce) > 0 && len(sealed.Ciphertext) > 0
}

func (k Key) aead() (cipher.AEAD, error) {
	if len(k) != 32 {
		return nil, trace.BadParameter("invalid key length %d, expected 32 bytes", len(k))
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return aead, nil
}

// Copyright 2025 The go-openred Authors
// This file is part of the go-openred library.
//
// The go-openred library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-openred library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-openred library. If not, see <http://www.gnu.org/licenses/>.

// Package crypto implements the signing and hashing primitives of the
// OpenRed core: ed25519 keypairs and SHA3-256 digests.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/sha3"
)

// SignatureLength is the byte length of an ed25519 signature.
const SignatureLength = ed25519.SignatureSize

// ErrKeyGen is returned when the system entropy source cannot supply key
// material. It is fatal to the calling operation.
var ErrKeyGen = errors.New("key generation failed")

var errInvalidSeed = errors.New("invalid private key seed")

// GenerateKey creates a fresh ed25519 keypair.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeyGen, err)
	}
	return pub, priv, nil
}

// Sign signs data with the given private key. Ed25519 signatures are
// deterministic; callers treat the returned bytes as opaque.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify reports whether sig is a valid signature of data under pub.
// Malformed keys or signatures verify as false, never panic.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// Hash computes the SHA3-256 digest of the concatenation of all inputs.
func Hash(data ...[]byte) []byte {
	d := sha3.New256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// KeyStream derives a key stream of the requested length from seed, tiling
// the digest when length exceeds the hash size.
func KeyStream(seed []byte, length int) []byte {
	out := make([]byte, 0, length)
	block := Hash(seed)
	for len(out) < length {
		out = append(out, block...)
	}
	return out[:length]
}

// HexToPrivateKey parses a hex-encoded ed25519 seed.
func HexToPrivateKey(hexkey string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(hexkey))
	if err != nil {
		return nil, errInvalidSeed
	}
	if len(b) != ed25519.SeedSize {
		return nil, errInvalidSeed
	}
	return ed25519.NewKeyFromSeed(b), nil
}

// LoadPrivateKey loads an ed25519 private key from the given file.
func LoadPrivateKey(file string) (ed25519.PrivateKey, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return HexToPrivateKey(string(buf))
}

// SavePrivateKey saves the key seed to the given file with restrictive
// permissions. The private key never leaves the fort in any other form.
func SavePrivateKey(file string, priv ed25519.PrivateKey) error {
	k := hex.EncodeToString(priv.Seed())
	return os.WriteFile(file, []byte(k+"\n"), 0600)
}

// LoadPublicKey loads a hex-encoded ed25519 public key from the given file.
func LoadPublicKey(file string) (ed25519.PublicKey, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return HexToPublicKey(string(buf))
}

// SavePublicKey saves a hex-encoded public key to the given file.
func SavePublicKey(file string, pub ed25519.PublicKey) error {
	return os.WriteFile(file, []byte(hex.EncodeToString(pub)+"\n"), 0644)
}

// HexToPublicKey parses a hex-encoded ed25519 public key.
func HexToPublicKey(hexkey string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(hexkey))
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key")
	}
	return ed25519.PublicKey(b), nil
}

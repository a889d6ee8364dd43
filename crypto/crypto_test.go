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

package crypto

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte("observe my window")
	sig := Sign(priv, msg)
	require.True(t, Verify(pub, msg, sig))

	// Any other message or key must fail.
	require.False(t, Verify(pub, []byte("another message"), sig))
	otherPub, _, err := GenerateKey()
	require.NoError(t, err)
	require.False(t, Verify(otherPub, msg, sig))
}

func TestSignDeterministic(t *testing.T) {
	_, priv, err := GenerateKey()
	require.NoError(t, err)
	msg := []byte("same input, same signature")
	require.Equal(t, Sign(priv, msg), Sign(priv, msg))
}

func TestVerifyMalformed(t *testing.T) {
	pub, priv, err := GenerateKey()
	require.NoError(t, err)
	sig := Sign(priv, []byte("m"))

	require.False(t, Verify(pub[:10], []byte("m"), sig))
	require.False(t, Verify(pub, []byte("m"), sig[:12]))
	require.False(t, Verify(nil, []byte("m"), nil))
}

func TestHash(t *testing.T) {
	h1 := Hash([]byte("a"), []byte("b"))
	h2 := Hash([]byte("ab"))
	require.Equal(t, h1, h2, "hash must be over the concatenation")
	require.Len(t, h1, 32)
}

func TestKeyStream(t *testing.T) {
	seed := []byte("proj:0")
	for _, n := range []int{1, 31, 32, 33, 64, 100} {
		ks := KeyStream(seed, n)
		require.Len(t, ks, n)
		if n >= 64 {
			// Tiled repetition of the digest block.
			require.True(t, bytes.Equal(ks[:32], ks[32:64]))
		}
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := GenerateKey()
	require.NoError(t, err)

	keyfile := filepath.Join(dir, "identity.key")
	pubfile := filepath.Join(dir, "identity.pub")
	require.NoError(t, SavePrivateKey(keyfile, priv))
	require.NoError(t, SavePublicKey(pubfile, pub))

	priv2, err := LoadPrivateKey(keyfile)
	require.NoError(t, err)
	require.Equal(t, priv, priv2)

	pub2, err := LoadPublicKey(pubfile)
	require.NoError(t, err)
	require.Equal(t, pub, pub2)
}

func TestHexToPrivateKeyInvalid(t *testing.T) {
	for _, in := range []string{"", "zz", "abcd"} {
		if _, err := HexToPrivateKey(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

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

package fort

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdentity(t *testing.T) {
	id, err := NewIdentity("alice")
	require.NoError(t, err)

	assert.Equal(t, "alice", id.Name)
	assert.Equal(t, PubkeyToID(id.Pub), id.ID)
	assert.Len(t, id.ID.String(), 24)
	assert.True(t, strings.HasPrefix(id.Address(), "orp://"+id.ID.String()+".openred/"))
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"0123456789abcdef01234567", false},
		{"0123456789ABCDEF01234567", false},
		{"0123456789abcdef0123456", true},   // odd length
		{"0123456789abcdef012345", true},    // too short
		{"0123456789abcdef0123456789", true},// too long
		{"0123456789abcdefzzzzzzzz", true},  // not hex
		{"", true},
	}
	for _, test := range tests {
		id, err := ParseID(test.in)
		if test.wantErr {
			assert.Error(t, err, "input %q", test.in)
			continue
		}
		require.NoError(t, err, "input %q", test.in)
		assert.Equal(t, strings.ToLower(test.in), id.String())
	}
}

func TestIDTextRoundTrip(t *testing.T) {
	id := HexID("0123456789abcdef01234567")
	text, err := id.MarshalText()
	require.NoError(t, err)

	var back ID
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, id, back)
}

func TestBundleValidate(t *testing.T) {
	id, err := NewIdentity("bob")
	require.NoError(t, err)

	b := id.Bundle()
	require.NoError(t, b.Validate())

	// A bundle whose ID does not match the key must be rejected.
	b.ID[0] ^= 0xff
	assert.Error(t, b.Validate())
}

func TestStoreLoad(t *testing.T) {
	dir := t.TempDir()
	id, err := NewIdentity("carol")
	require.NoError(t, err)
	require.NoError(t, id.Store(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, id.ID, loaded.ID)
	assert.Equal(t, id.Priv, loaded.Priv)
	assert.Equal(t, "carol", loaded.Name)
}

func TestLoadOrCreate(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir, "dave")
	require.NoError(t, err)

	// A second call must return the persisted identity, not a new one.
	second, err := LoadOrCreate(dir, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "dave", second.Name)
}

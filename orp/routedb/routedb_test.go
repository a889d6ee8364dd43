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

package routedb

import (
	"net"
	"testing"
	"time"

	"github.com/openred/go-openred/common/mclock"
	"github.com/openred/go-openred/fort"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAddr = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 7), Port: 4044}

func TestUpdateLookup(t *testing.T) {
	db, err := Open("", nil, 0)
	require.NoError(t, err)
	defer db.Close()

	id := fort.HexID("0123456789abcdef01234567")
	_, _, ok := db.Lookup(id)
	assert.False(t, ok)

	require.NoError(t, db.Update(id, testAddr, 1))
	addr, conf, ok := db.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, testAddr.String(), addr.String())
	assert.Equal(t, 1.0, conf)
}

func TestStalenessEviction(t *testing.T) {
	clock := mclock.NewSimulated(time.Unix(1_700_000_000, 0))
	db, err := Open("", clock, time.Hour)
	require.NoError(t, err)
	defer db.Close()

	id := fort.HexID("0123456789abcdef01234567")
	require.NoError(t, db.Update(id, testAddr, 1))

	clock.Run(59 * time.Minute)
	_, _, ok := db.Lookup(id)
	assert.True(t, ok, "fresh entry should remain")

	clock.Run(2 * time.Minute)
	_, _, ok = db.Lookup(id)
	assert.False(t, ok, "stale entry should behave as missing")
}

func TestConfirmRaisesConfidence(t *testing.T) {
	db, err := Open("", nil, 0)
	require.NoError(t, err)
	defer db.Close()

	id := fort.HexID("0123456789abcdef01234567")
	require.NoError(t, db.Update(id, testAddr, 0.25))
	assert.False(t, db.Confident(id))

	require.NoError(t, db.Confirm(id))
	assert.True(t, db.Confident(id))

	// Confidence is capped at 1.
	for i := 0; i < 10; i++ {
		require.NoError(t, db.Confirm(id))
	}
	_, conf, ok := db.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, 1.0, conf)
}

func TestConfirmUnknownID(t *testing.T) {
	db, err := Open("", nil, 0)
	require.NoError(t, err)
	defer db.Close()

	// Confirming an ID that was never stored must not create an entry.
	id := fort.HexID("ffffffffffffffffffffffff")
	require.NoError(t, db.Confirm(id))
	_, _, ok := db.Lookup(id)
	assert.False(t, ok)
}

func TestPersistentReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, nil, 0)
	require.NoError(t, err)
	id := fort.HexID("0123456789abcdef01234567")
	require.NoError(t, db.Update(id, testAddr, 1))
	db.Close()

	db, err = Open(dir, nil, 0)
	require.NoError(t, err)
	defer db.Close()
	addr, _, ok := db.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, testAddr.String(), addr.String())
}

func TestDelete(t *testing.T) {
	db, err := Open("", nil, 0)
	require.NoError(t, err)
	defer db.Close()

	id := fort.HexID("0123456789abcdef01234567")
	require.NoError(t, db.Update(id, testAddr, 1))
	require.NoError(t, db.Delete(id))
	_, _, ok := db.Lookup(id)
	assert.False(t, ok)
}

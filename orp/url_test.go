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

package orp

import (
	"errors"
	"testing"

	"github.com/openred/go-openred/fort"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "0123456789abcdef01234567"

func TestParse(t *testing.T) {
	tests := []struct {
		url        string
		wantErr    bool
		wantDomain string
		wantPort   int
		wantPath   string
		wantClass  PathClass
	}{
		{url: "orp://" + testID + ".openred/", wantDomain: "openred", wantPath: "/", wantClass: PathRoot},
		{url: "orp://" + testID + "/", wantPath: "/", wantClass: PathRoot},
		{url: "orp://" + testID, wantPath: "/", wantClass: PathRoot},
		{url: "orp://" + testID + ".openred:4044/window", wantDomain: "openred", wantPort: 4044, wantPath: "/window", wantClass: PathWindow},
		{url: "orp://" + testID + "/projection/ORN_ab12", wantPath: "/projection/ORN_ab12", wantClass: PathProjection},
		{url: "orp://" + testID + "/projection/", wantPath: "/projection", wantClass: PathOther},
		{url: "orp://" + testID + "/some/other/thing", wantPath: "/some/other/thing", wantClass: PathOther},
		{url: "orp://" + testID + "/a/../window", wantPath: "/window", wantClass: PathWindow},
		{url: "orp://" + testID + "/win%64ow", wantPath: "/window", wantClass: PathWindow},
		{url: "orp://" + testID + ".openred/?view=full", wantDomain: "openred", wantPath: "/", wantClass: PathRoot},

		{url: "http://" + testID + ".openred/", wantErr: true},
		{url: "orp://nothex.openred/", wantErr: true},
		{url: "orp://" + testID + ":notaport/", wantErr: true},
		{url: "orp://", wantErr: true},
		{url: "not a url at all", wantErr: true},
	}

	for _, test := range tests {
		addr, err := Parse(test.url)
		if test.wantErr {
			require.Error(t, err, "url %q", test.url)
			assert.True(t, errors.Is(err, ErrInvalidURL), "url %q: error %v should wrap ErrInvalidURL", test.url, err)
			continue
		}
		require.NoError(t, err, "url %q", test.url)
		assert.Equal(t, fort.HexID(testID), addr.FortID, "url %q", test.url)
		assert.Equal(t, test.wantDomain, addr.Domain, "url %q", test.url)
		assert.Equal(t, test.wantPort, addr.Port, "url %q", test.url)
		assert.Equal(t, test.wantPath, addr.Path, "url %q", test.url)
		assert.Equal(t, test.wantClass, addr.Class(), "url %q", test.url)
	}
}

func TestParseQuery(t *testing.T) {
	addr, err := Parse("orp://" + testID + ".openred/window?view=full&n=3")
	require.NoError(t, err)
	assert.Equal(t, "full", addr.Query.Get("view"))
	assert.Equal(t, "3", addr.Query.Get("n"))
}

func TestProjectionID(t *testing.T) {
	addr, err := Parse("orp://" + testID + "/projection/ORN_deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "ORN_deadbeef", addr.ProjectionID())

	addr, err = Parse("orp://" + testID + "/window")
	require.NoError(t, err)
	assert.Equal(t, "", addr.ProjectionID())
}

func TestAddressString(t *testing.T) {
	for _, url := range []string{
		"orp://" + testID + ".openred/",
		"orp://" + testID + ".openred:4044/window",
		"orp://" + testID + "/projection/ORN_1",
	} {
		addr, err := Parse(url)
		require.NoError(t, err)
		again, err := Parse(addr.String())
		require.NoError(t, err)
		assert.Equal(t, addr, again, "url %q", url)
	}
}

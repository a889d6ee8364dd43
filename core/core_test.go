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

package core

import (
	"context"
	"testing"
	"time"

	"github.com/openred/go-openred/internal/testlog"
	"github.com/openred/go-openred/log"
	"github.com/openred/go-openred/orp"
	"github.com/openred/go-openred/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startCore brings up a fort on an ephemeral loopback port. Forts that
// never initiate discovery get a black-hole broadcast target so nothing
// leaves the loopback interface.
func startCore(t *testing.T, name string, broadcast []string) *Core {
	t.Helper()
	if broadcast == nil {
		broadcast = []string{"127.0.0.1:9"}
	}
	c, err := New(Config{
		Name:            name,
		ListenAddr:      "127.0.0.1:0",
		BroadcastAddrs:  broadcast,
		AutoEstablish:   true,
		ResolveDeadline: time.Second,
		Log:             testlog.Logger(t, log.LvlInfo),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

// startPair starts two forts where beta can discover alpha by broadcast.
// Alpha learns beta's endpoint from the traffic beta initiates.
func startPair(t *testing.T) (alpha, beta *Core) {
	t.Helper()
	alpha = startCore(t, "alpha", nil)
	beta = startCore(t, "beta", []string{alpha.Addr().String()})
	return alpha, beta
}

func establish(t *testing.T, alpha, beta *Core) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, beta.EstablishRelationship(ctx, alpha.ID()))
}

func TestCoreIdentityDistinct(t *testing.T) {
	alpha, beta := startPair(t)
	assert.NotEqual(t, alpha.ID(), beta.ID())
	assert.NotEqual(t, alpha.Addr().Port, beta.Addr().Port)
}

func TestEstablishRelationship(t *testing.T) {
	alpha, beta := startPair(t)
	establish(t, alpha, beta)

	state, ok := beta.Tokens().State(alpha.ID())
	require.True(t, ok)
	assert.Equal(t, token.StateActive, state)

	state, ok = alpha.Tokens().State(beta.ID())
	require.True(t, ok)
	assert.Equal(t, token.StateActive, state)
}

func TestEstablishUnreachablePeer(t *testing.T) {
	alpha := startCore(t, "alpha", nil)
	other := startCore(t, "ghost", nil)
	ghost := other.ID()
	other.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := alpha.EstablishRelationship(ctx, ghost)
	require.Error(t, err)
	_, ok := alpha.Tokens().State(ghost)
	assert.False(t, ok, "failed discovery must not leave relationship state")
}

func TestObserveWindow(t *testing.T) {
	alpha, beta := startPair(t)
	establish(t, alpha, beta)
	require.NoError(t, alpha.SetGreeting("the window of alpha"))
	pub, err := alpha.AddPublication("first post")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := beta.ObserveWindow(ctx, alpha.ID())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Watermark)
	assert.NotEmpty(t, res.SessionID)

	w, err := ParseWindow(res.Content)
	require.NoError(t, err)
	assert.Equal(t, alpha.ID(), w.Fort)
	assert.Equal(t, "the window of alpha", w.Greeting)
	require.Len(t, w.Publications, 1)
	assert.Equal(t, pub.ID, w.Publications[0].ID)
	assert.Equal(t, "first post", w.Publications[0].Content)
	assert.True(t, w.Publications[0].Verify(alpha.Identity().Pub))
}

func TestObserveWindowBothDirections(t *testing.T) {
	alpha, beta := startPair(t)
	establish(t, alpha, beta)
	require.NoError(t, alpha.SetGreeting("content of alpha"))
	require.NoError(t, beta.SetGreeting("content of beta"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := beta.ObserveWindow(ctx, alpha.ID())
	require.NoError(t, err)
	w, err := ParseWindow(res.Content)
	require.NoError(t, err)
	assert.Equal(t, "content of alpha", w.Greeting)

	// Alpha resolves beta from the route cached during establishment.
	res, err = alpha.ObserveWindow(ctx, beta.ID())
	require.NoError(t, err)
	w, err = ParseWindow(res.Content)
	require.NoError(t, err)
	assert.Equal(t, "content of beta", w.Greeting)
}

func TestPublicationTamperDetected(t *testing.T) {
	alpha := startCore(t, "alpha", nil)
	pub, err := alpha.AddPublication("genuine words")
	require.NoError(t, err)

	require.True(t, pub.Verify(alpha.Identity().Pub))
	forged := *pub
	forged.Content = "altered words"
	assert.False(t, forged.Verify(alpha.Identity().Pub))
}

func TestObserveWindowWithoutRelationship(t *testing.T) {
	alpha, beta := startPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := beta.ObserveWindow(ctx, alpha.ID())
	require.Error(t, err)
}

func TestHandleURLWindow(t *testing.T) {
	alpha, beta := startPair(t)
	establish(t, alpha, beta)
	require.NoError(t, alpha.SetGreeting("seen through the window"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := beta.HandleURL(ctx, "orp://"+alpha.ID().String()+".openred/window")
	require.NoError(t, err)
	assert.Equal(t, orp.PathWindow, out.Class)
	w, err := ParseWindow(out.Content)
	require.NoError(t, err)
	assert.Equal(t, "seen through the window", w.Greeting)
	assert.NotEmpty(t, out.Watermark)
	require.NotNil(t, out.Endpoint)
	assert.Equal(t, alpha.Addr().Port, out.Endpoint.Port)
}

func TestHandleURLRoot(t *testing.T) {
	alpha, beta := startPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, err := beta.HandleURL(ctx, "orp://"+alpha.ID().String()+".openred/")
	require.NoError(t, err)
	assert.Equal(t, orp.PathRoot, out.Class)
	assert.Nil(t, out.Content)
}

func TestHandleURLCatchAll(t *testing.T) {
	alpha, beta := startPair(t)

	var got *Outcome
	beta.SetCatchAll(func(out *Outcome) { got = out })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, err := beta.HandleURL(ctx, "orp://"+alpha.ID().String()+".openred/guestbook")
	require.NoError(t, err)
	assert.Equal(t, orp.PathOther, out.Class)
	require.NotNil(t, got)
	assert.Equal(t, "/guestbook", got.URL.Path)
}

func TestHandleURLInvalid(t *testing.T) {
	alpha := startCore(t, "alpha", nil)

	_, err := alpha.HandleURL(context.Background(), "https://example.com/window")
	require.ErrorIs(t, err, orp.ErrInvalidURL)
}

func TestProjectAndRequestProjection(t *testing.T) {
	alpha, beta := startPair(t)
	establish(t, alpha, beta)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := alpha.Project(ctx, []byte("a private letter"), beta.ID(), 30*time.Second, 2)
	require.NoError(t, err)

	res, err := beta.RequestProjection(ctx, alpha.ID(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("a private letter"), res.Content)

	// The URL form reaches the same projection.
	out, err := beta.HandleURL(ctx, "orp://"+alpha.ID().String()+".openred/projection/"+p.ID)
	require.NoError(t, err)
	assert.Equal(t, orp.PathProjection, out.Class)
	assert.Equal(t, []byte("a private letter"), out.Content)
}

func TestRequestProjectionWrongObserver(t *testing.T) {
	alpha, beta := startPair(t)
	gamma := startCore(t, "gamma", []string{alpha.Addr().String()})
	establish(t, alpha, beta)
	establish(t, alpha, gamma)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := alpha.Engine().Create([]byte("for beta only"), beta.ID(), 30*time.Second, 2)
	require.NoError(t, err)

	_, err = gamma.RequestProjection(ctx, alpha.ID(), p.ID)
	require.Error(t, err)
}

func TestRevocationPropagates(t *testing.T) {
	alpha, beta := startPair(t)
	establish(t, alpha, beta)

	require.NoError(t, alpha.RevokeRelationship(beta.ID()))

	state, _ := alpha.Tokens().State(beta.ID())
	assert.Equal(t, token.StateRevoked, state)

	require.Eventually(t, func() bool {
		state, ok := beta.Tokens().State(alpha.ID())
		return ok && state == token.StateRevoked
	}, 3*time.Second, 50*time.Millisecond, "revocation notice never reached the peer")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := beta.ObserveWindow(ctx, alpha.ID())
	require.Error(t, err)
}

func TestReestablishAfterRevocation(t *testing.T) {
	alpha, beta := startPair(t)
	establish(t, alpha, beta)

	require.NoError(t, alpha.RevokeRelationship(beta.ID()))
	require.Eventually(t, func() bool {
		state, ok := beta.Tokens().State(alpha.ID())
		return ok && state == token.StateRevoked
	}, 3*time.Second, 50*time.Millisecond)

	establish(t, alpha, beta)
	state, _ := beta.Tokens().State(alpha.ID())
	assert.Equal(t, token.StateActive, state)
}

func TestContextCancelAborts(t *testing.T) {
	alpha, beta := startPair(t)
	establish(t, alpha, beta)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := beta.ObserveWindow(ctx, alpha.ID())
	require.Error(t, err)
}

func TestCoresShareNothing(t *testing.T) {
	alpha, beta := startPair(t)
	gamma := startCore(t, "gamma", []string{alpha.Addr().String()})
	establish(t, alpha, beta)

	// Gamma never established anything and holds no relationship state.
	assert.Empty(t, gamma.Tokens().Relationships())
	_, ok := gamma.Tokens().State(alpha.ID())
	assert.False(t, ok)

	// Alpha and beta each track exactly the one peer.
	require.Len(t, alpha.Tokens().Relationships(), 1)
	require.Len(t, beta.Tokens().Relationships(), 1)
	assert.Equal(t, beta.ID(), alpha.Tokens().Relationships()[0].Peer)
	assert.Equal(t, alpha.ID(), beta.Tokens().Relationships()[0].Peer)
}

func TestPersistentIdentity(t *testing.T) {
	dir := t.TempDir()

	c1, err := New(Config{Name: "keeper", Datadir: dir, ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, c1.Start())
	id := c1.ID()
	c1.Stop()

	c2, err := New(Config{Name: "keeper", Datadir: dir, ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, c2.Start())
	defer c2.Stop()
	assert.Equal(t, id, c2.ID())
}

func TestPersistentWindow(t *testing.T) {
	dir := t.TempDir()

	c1, err := New(Config{Name: "keeper", Datadir: dir, ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, c1.Start())
	require.NoError(t, c1.SetGreeting("kept across restarts"))
	_, err = c1.AddPublication("still here")
	require.NoError(t, err)
	c1.Stop()

	c2, err := New(Config{Name: "keeper", Datadir: dir, ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, c2.Start())
	defer c2.Stop()

	w := c2.Window()
	assert.Equal(t, "kept across restarts", w.Greeting)
	require.Len(t, w.Publications, 1)
	assert.Equal(t, "still here", w.Publications[0].Content)
	assert.True(t, w.Publications[0].Verify(c2.Identity().Pub))
}

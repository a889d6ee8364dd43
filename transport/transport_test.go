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

package transport

import (
	"net"
	"testing"
	"time"

	"github.com/openred/go-openred/common/mclock"
	"github.com/openred/go-openred/fort"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, self fort.ID, clock mclock.Clock) *Transport {
	t.Helper()
	tr, err := New(self, Config{
		ListenAddr:     "127.0.0.1:0",
		BroadcastAddrs: []string{"127.0.0.1:9"}, // unused placeholder
		Clock:          clock,
	})
	require.NoError(t, err)
	return tr
}

func mustEncode(t *testing.T, env *Envelope) []byte {
	t.Helper()
	buf, err := env.Encode()
	require.NoError(t, err)
	return buf
}

func TestStartStopRestart(t *testing.T) {
	tr := newTestTransport(t, senderID, nil)

	require.NoError(t, tr.Start())
	assert.ErrorIs(t, tr.Start(), ErrAlreadyStarted)
	require.NotNil(t, tr.Addr())

	tr.Stop()
	assert.Nil(t, tr.Addr())

	// The same endpoint can be brought up again after Stop.
	require.NoError(t, tr.Start())
	tr.Stop()
}

func TestSendNotStarted(t *testing.T) {
	tr := newTestTransport(t, senderID, nil)
	env, err := NewEnvelope(MsgPing, senderID, recipientID.String(), nil, time.Now())
	require.NoError(t, err)

	err = tr.Send(env, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, tr.Broadcast(env), ErrNotStarted)
}

func TestSendOversize(t *testing.T) {
	tr, err := New(senderID, Config{ListenAddr: "127.0.0.1:0", MaxPayload: 64})
	require.NoError(t, err)

	big := make(map[string]string)
	big["data"] = string(make([]byte, 128))
	env, err := NewEnvelope(MsgRequest, senderID, recipientID.String(), big, time.Now())
	require.NoError(t, err)

	err = tr.Send(env, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	assert.ErrorIs(t, err, ErrOversize)
}

func TestSendInvalidEnvelope(t *testing.T) {
	tr := newTestTransport(t, senderID, nil)
	env, err := NewEnvelope(MsgResponse, senderID, recipientID.String(), nil, time.Now())
	require.NoError(t, err)
	// response without replies_to fails consistency validation.
	err = tr.Send(env, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestQueueFull(t *testing.T) {
	tr := newTestTransport(t, senderID, nil)
	// Simulate a running transport whose sender task has stalled.
	tr.running = true
	tr.sendq = make(chan outbound, 1)
	tr.sendq <- outbound{}

	env, err := NewEnvelope(MsgPing, senderID, recipientID.String(), nil, time.Now())
	require.NoError(t, err)
	err = tr.Send(env, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestBroadcastQueueFull(t *testing.T) {
	tr, err := New(senderID, Config{
		ListenAddr:     "127.0.0.1:0",
		BroadcastAddrs: []string{"127.0.0.1:9", "127.0.0.1:10", "127.0.0.1:11"},
	})
	require.NoError(t, err)
	// Simulate a running transport whose sender task has stalled.
	tr.running = true
	tr.sendq = make(chan outbound, 2)
	tr.sendq <- outbound{}

	env, err := NewEnvelope(MsgHello, senderID, Broadcast, nil, time.Now())
	require.NoError(t, err)

	// One target fits, two are dropped. The targets that fit stay
	// enqueued and the error reports the shortfall.
	err = tr.Broadcast(env)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, tr.sendq, 2)
	assert.Equal(t, int64(2), tr.PendingDropped.Count())
}

func TestDispatch(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	tr := newTestTransport(t, recipientID, clock)
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4044}

	var got []*Envelope
	tr.RegisterHandler(MsgPing, func(env *Envelope, from *net.UDPAddr) {
		got = append(got, env)
	})

	env, err := NewEnvelope(MsgPing, senderID, recipientID.String(), nil, clock.Now())
	require.NoError(t, err)
	tr.handlePacket(mustEncode(t, env), from)

	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].ID)
}

func TestDispatchDedup(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	tr := newTestTransport(t, recipientID, clock)
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4044}

	delivered := 0
	tr.RegisterHandler(MsgHello, func(*Envelope, *net.UDPAddr) { delivered++ })

	env, err := NewEnvelope(MsgHello, senderID, Broadcast, nil, clock.Now())
	require.NoError(t, err)
	packet := mustEncode(t, env)

	// A message forwarded along several paths arrives more than once but
	// is dispatched exactly once within the dedup window.
	tr.handlePacket(packet, from)
	tr.handlePacket(packet, from)
	tr.handlePacket(packet, from)

	assert.Equal(t, 1, delivered)
	assert.Equal(t, int64(2), tr.DupDropped.Count())
}

func TestDedupWindowExpiry(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	tr := newTestTransport(t, recipientID, clock)

	assert.False(t, tr.seenBefore("m1"))
	assert.True(t, tr.seenBefore("m1"))

	clock.Run(DefaultDedupWindow + time.Second)
	assert.False(t, tr.seenBefore("m1"), "entries past the window are re-admitted")
}

func TestDispatchExpired(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	tr := newTestTransport(t, recipientID, clock)
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4044}

	delivered := 0
	tr.RegisterHandler(MsgPing, func(*Envelope, *net.UDPAddr) { delivered++ })

	env, err := NewEnvelope(MsgPing, senderID, recipientID.String(), nil, clock.Now())
	require.NoError(t, err)
	packet := mustEncode(t, env)

	clock.Run(time.Duration(env.TTL+1) * time.Second)
	tr.handlePacket(packet, from)

	assert.Equal(t, 0, delivered)
	assert.Equal(t, int64(1), tr.ExpiredDropped.Count())
	// Expired envelopes never reach the dedup cache.
	assert.Equal(t, int64(0), tr.DupDropped.Count())
	assert.Equal(t, 0, tr.dedup.Len())
}

func TestDispatchSelfEcho(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	tr := newTestTransport(t, senderID, clock)
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4044}

	delivered := 0
	tr.RegisterHandler(MsgHello, func(*Envelope, *net.UDPAddr) { delivered++ })

	env, err := NewEnvelope(MsgHello, senderID, Broadcast, nil, clock.Now())
	require.NoError(t, err)
	tr.handlePacket(mustEncode(t, env), from)

	assert.Equal(t, 0, delivered, "own broadcast reflected back is ignored")
}

func TestDispatchNotOurs(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	tr := newTestTransport(t, recipientID, clock)
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4044}

	delivered := 0
	tr.RegisterHandler(MsgPing, func(*Envelope, *net.UDPAddr) { delivered++ })

	other := fort.HexID("cccccccccccccccccccccccc")
	env, err := NewEnvelope(MsgPing, senderID, other.String(), nil, clock.Now())
	require.NoError(t, err)
	tr.handlePacket(mustEncode(t, env), from)

	assert.Equal(t, 0, delivered)
	assert.Equal(t, int64(1), tr.NotOursDropped.Count())
}

func TestDispatchMalformed(t *testing.T) {
	tr := newTestTransport(t, recipientID, nil)
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4044}

	tr.handlePacket([]byte("junk"), from)
	tr.handlePacket([]byte(`{"type":"ping"}`), from)

	assert.Equal(t, int64(2), tr.MalformedDropped.Count())
}

func TestLoopbackDelivery(t *testing.T) {
	alice := newTestTransport(t, senderID, nil)
	bob := newTestTransport(t, recipientID, nil)
	require.NoError(t, alice.Start())
	require.NoError(t, bob.Start())
	defer alice.Stop()
	defer bob.Stop()

	received := make(chan *Envelope, 1)
	bob.RegisterHandler(MsgRequest, func(env *Envelope, from *net.UDPAddr) {
		received <- env
	})

	env, err := NewEnvelope(MsgRequest, senderID, recipientID.String(), map[string]string{"action": "view_window"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, alice.Send(env, bob.Addr()))

	select {
	case got := <-received:
		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, senderID, got.Sender)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBroadcastDelivery(t *testing.T) {
	bob := newTestTransport(t, recipientID, nil)
	require.NoError(t, bob.Start())
	defer bob.Stop()

	// Point the discovery broadcast at bob's unicast endpoint. Real
	// deployments use subnet broadcast addresses instead.
	alice, err := New(senderID, Config{
		ListenAddr:     "127.0.0.1:0",
		BroadcastAddrs: []string{bob.Addr().String()},
	})
	require.NoError(t, err)
	require.NoError(t, alice.Start())
	defer alice.Stop()

	received := make(chan *Envelope, 1)
	bob.RegisterHandler(MsgHello, func(env *Envelope, from *net.UDPAddr) {
		received <- env
	})

	env, err := NewEnvelope(MsgHello, senderID, Broadcast, map[string]string{"display_name": "alice"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, alice.Broadcast(env))

	select {
	case got := <-received:
		assert.Equal(t, env.ID, got.ID)
		assert.True(t, got.IsBroadcast())
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}
}

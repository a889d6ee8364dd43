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

// Package resolver turns fort IDs into reachable network endpoints. It
// consults the local route cache first and falls back to broadcast
// discovery with a bounded deadline. Confirmed interactions refresh the
// cache through Confirm.
package resolver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/openred/go-openred/common/mclock"
	"github.com/openred/go-openred/fort"
	"github.com/openred/go-openred/log"
	"github.com/openred/go-openred/metrics"
	"github.com/openred/go-openred/orp/routedb"
	"github.com/openred/go-openred/transport"
	"golang.org/x/sync/singleflight"
)

// DefaultDeadline bounds a single discovery round.
const DefaultDeadline = 2 * time.Second

// initialConfidence is assigned to routes learned from a verified hello.
// It sits below the confident threshold until a Confirm raises it.
const initialConfidence = 0.4

// ErrNotFound is returned when no peer advertised the requested fort ID
// within the discovery deadline.
var ErrNotFound = errors.New("fort not found")

// Config configures a Resolver.
type Config struct {
	Deadline time.Duration // discovery deadline, DefaultDeadline when zero
	Clock    mclock.Clock
	Log      log.Logger
}

// Resolver maps fort IDs to UDP endpoints. It owns the hello exchange:
// incoming hellos are answered with hello_ack, and both directions feed
// the route cache.
type Resolver struct {
	self     *fort.Identity
	net      *transport.Transport
	db       *routedb.DB
	clock    mclock.Clock
	log      log.Logger
	deadline time.Duration

	sf singleflight.Group

	mu      sync.Mutex
	waiting map[fort.ID][]*wait

	// Discovery accounting.
	Discoveries *metrics.Counter
	Timeouts    *metrics.Counter
}

// New creates a resolver bound to the given identity, transport and route
// cache, and registers the hello and hello_ack handlers on the transport.
func New(self *fort.Identity, t *transport.Transport, db *routedb.DB, cfg Config) *Resolver {
	if cfg.Deadline == 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	r := &Resolver{
		self:        self,
		net:         t,
		db:          db,
		clock:       cfg.Clock,
		log:         cfg.Log.New("fort", self.ID.TerminalString()),
		deadline:    cfg.Deadline,
		waiting:     make(map[fort.ID][]*wait),
		Discoveries: metrics.NewCounter(),
		Timeouts:    metrics.NewCounter(),
	}
	t.RegisterHandler(transport.MsgHello, r.handleHello)
	t.RegisterHandler(transport.MsgHelloAck, r.handleHelloAck)
	return r
}

// Resolve returns the endpoint for a fort ID. Cache hits with sufficient
// confidence return immediately. Otherwise a discovery broadcast is sent
// and the call blocks until a matching hello_ack arrives, the deadline
// elapses, or ctx is cancelled. Concurrent resolutions of the same ID
// share one discovery round.
func (r *Resolver) Resolve(ctx context.Context, id fort.ID) (*net.UDPAddr, error) {
	if addr, _, ok := r.db.Lookup(id); ok && r.db.Confident(id) {
		return addr, nil
	}
	v, err, _ := r.sf.Do(id.String(), func() (interface{}, error) {
		return r.discover(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*net.UDPAddr), nil
}

// Confirm refreshes the route cache after a verified interaction with the
// peer at the given endpoint.
func (r *Resolver) Confirm(id fort.ID, addr *net.UDPAddr) {
	if addr != nil {
		if _, _, ok := r.db.Lookup(id); !ok {
			r.db.Update(id, addr, initialConfidence)
		}
	}
	if err := r.db.Confirm(id); err != nil {
		r.log.Debug("Route confirm failed", "id", id, "err", err)
	}
}

// wait is one pending discovery round: only a hello_ack answering the
// round's own hello may complete it.
type wait struct {
	helloID string
	found   chan *net.UDPAddr
}

func (r *Resolver) discover(ctx context.Context, id fort.ID) (*net.UDPAddr, error) {
	r.Discoveries.Inc(1)

	env, err := transport.NewEnvelope(transport.MsgHello, r.self.ID, transport.Broadcast, r.self.Bundle(), r.clock.Now())
	if err != nil {
		return nil, err
	}
	env.Sign(r.self.Priv)

	w := &wait{helloID: env.ID, found: make(chan *net.UDPAddr, 1)}
	r.mu.Lock()
	r.waiting[id] = append(r.waiting[id], w)
	r.mu.Unlock()
	defer r.unsubscribe(id, w)

	if err := r.net.Broadcast(env); err != nil {
		return nil, err
	}

	select {
	case addr := <-w.found:
		return addr, nil
	case <-r.clock.After(r.deadline):
		r.Timeouts.Inc(1)
		r.log.Debug("Discovery timed out", "id", id)
		return nil, ErrNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) unsubscribe(id fort.ID, w *wait) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waits := r.waiting[id]
	for i, c := range waits {
		if c == w {
			r.waiting[id] = append(waits[:i], waits[i+1:]...)
			break
		}
	}
	if len(r.waiting[id]) == 0 {
		delete(r.waiting, id)
	}
}

// handleHello answers a discovery broadcast with hello_ack and learns the
// sender's route. The bundle must be internally consistent and the
// envelope signature must verify against the bundled key.
func (r *Resolver) handleHello(env *transport.Envelope, from *net.UDPAddr) {
	bundle, ok := r.verifiedBundle(env)
	if !ok {
		return
	}
	r.learn(bundle.ID, from)

	ack, err := env.Reply(transport.MsgHelloAck, r.self.ID, r.self.Bundle(), r.clock.Now())
	if err != nil {
		r.log.Debug("Cannot build hello_ack", "err", err)
		return
	}
	ack.Sign(r.self.Priv)
	if err := r.net.Send(ack, from); err != nil {
		r.log.Debug("Cannot send hello_ack", "to", from, "err", err)
	}
}

// handleHelloAck learns the responder's route and completes the discovery
// round whose hello the ack references. Acks answering no outstanding
// hello only refresh the cache.
func (r *Resolver) handleHelloAck(env *transport.Envelope, from *net.UDPAddr) {
	bundle, ok := r.verifiedBundle(env)
	if !ok {
		return
	}
	r.learn(bundle.ID, from)

	r.mu.Lock()
	waits := r.waiting[bundle.ID]
	r.mu.Unlock()
	for _, w := range waits {
		if w.helloID != env.RepliesTo {
			continue
		}
		select {
		case w.found <- from:
		default:
		}
	}
}

func (r *Resolver) verifiedBundle(env *transport.Envelope) (*fort.Bundle, bool) {
	var bundle fort.Bundle
	if err := env.DecodePayload(&bundle); err != nil {
		r.log.Trace("Bad bundle payload", "from", env.Sender, "err", err)
		return nil, false
	}
	if err := bundle.Validate(); err != nil {
		r.log.Trace("Inconsistent bundle", "from", env.Sender, "err", err)
		return nil, false
	}
	if bundle.ID != env.Sender {
		r.log.Trace("Bundle does not match envelope sender", "sender", env.Sender, "bundle", bundle.ID)
		return nil, false
	}
	pub, err := bundle.PublicKey()
	if err != nil {
		return nil, false
	}
	if !env.VerifySignature(pub) {
		// Integrity failure: drop silently, never reply.
		r.log.Trace("Bad hello signature", "from", env.Sender)
		return nil, false
	}
	return &bundle, true
}

func (r *Resolver) learn(id fort.ID, addr *net.UDPAddr) {
	// Keep accumulated confidence when the endpoint is unchanged; a moved
	// peer starts over.
	if prev, _, ok := r.db.Lookup(id); !ok || prev.String() != addr.String() {
		if err := r.db.Update(id, addr, initialConfidence); err != nil {
			r.log.Debug("Route update failed", "id", id, "err", err)
			return
		}
	}
	if err := r.db.Confirm(id); err != nil {
		r.log.Debug("Route confirm failed", "id", id, "err", err)
	}
}

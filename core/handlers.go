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
	"encoding/json"
	"net"

	"github.com/openred/go-openred/fort"
	"github.com/openred/go-openred/projection"
	"github.com/openred/go-openred/token"
	"github.com/openred/go-openred/transport"
)

// Request payload kinds.
const (
	kindAction    = "action"
	kindEstablish = "establish"
)

// Notification payload kinds.
const (
	noteRelationshipRevoked = "relationship_revoked"
	noteProjectionDestroyed = "projection_destroyed"
	noteProjectionExpired   = "projection_expired"
	noteProjectionRevoked   = "projection_revoked"
	noteProjectionDegraded  = "projection_degraded"
)

// requestPayload travels in a request envelope. Action requests carry a
// relationship-signed request; establishment requests bootstrap with the
// long-term key and carry the sender's bundle, relationship public key
// and token.
type requestPayload struct {
	Kind    string               `json:"kind"`
	Request *token.SignedRequest `json:"request,omitempty"`
	Bundle  *fort.Bundle         `json:"bundle,omitempty"`
	Pubkey  string               `json:"relationship_pubkey,omitempty"`
	Token   *token.Token         `json:"token,omitempty"`
}

// responsePayload answers a request that does not yield a projection.
type responsePayload struct {
	Kind          string               `json:"kind"`
	Authorization *token.Authorization `json:"authorization,omitempty"`
	Accepted      bool                 `json:"accepted,omitempty"`
	Pubkey        string               `json:"relationship_pubkey,omitempty"`
	Token         *token.Token         `json:"token,omitempty"`
}

// projectionPayload delivers an authorized projection to its observer.
type projectionPayload struct {
	Authorization *token.Authorization   `json:"authorization"`
	Projection    *projection.Projection `json:"projection"`
}

// notificationPayload carries revocation and destruction notices.
type notificationPayload struct {
	Kind         string                  `json:"kind"`
	Revocation   *token.RevocationNotice `json:"revocation,omitempty"`
	ProjectionID string                  `json:"projection_id,omitempty"`
}

// observeReply is what a waiting ObserveWindow call receives.
type observeReply struct {
	projection *projection.Projection
	denial     *token.Authorization
}

// defaultPermissions are granted to every relationship established through
// the core workflow.
func defaultPermissions() token.Permissions {
	return token.Permissions{"view_window": true, "view_projection": true}
}

func (c *Core) registerHandlers() {
	c.net.RegisterHandler(transport.MsgPing, c.handlePing)
	c.net.RegisterHandler(transport.MsgPong, c.handlePong)
	c.net.RegisterHandler(transport.MsgRequest, c.handleRequest)
	c.net.RegisterHandler(transport.MsgResponse, c.handleResponse)
	c.net.RegisterHandler(transport.MsgProjection, c.handleProjection)
	c.net.RegisterHandler(transport.MsgProjectionAck, c.handleProjectionAck)
	c.net.RegisterHandler(transport.MsgNotification, c.handleNotification)
	c.net.RegisterHandler(transport.MsgError, c.handleError)
}

func (c *Core) handlePing(env *transport.Envelope, from *net.UDPAddr) {
	pong, err := env.Reply(transport.MsgPong, c.ident.ID, nil, c.clock.Now())
	if err != nil {
		return
	}
	if err := c.net.Send(pong, from); err != nil {
		c.log.Debug("Cannot answer ping", "to", from, "err", err)
	}
	c.res.Confirm(env.Sender, from)
}

func (c *Core) handlePong(env *transport.Envelope, from *net.UDPAddr) {
	c.res.Confirm(env.Sender, from)
}

// handleRequest dispatches on the request kind. Authorization, projection
// creation and the reply are offloaded; the read loop only decodes.
func (c *Core) handleRequest(env *transport.Envelope, from *net.UDPAddr) {
	var payload requestPayload
	if err := env.DecodePayload(&payload); err != nil {
		c.log.Trace("Malformed request payload", "from", env.Sender, "err", err)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		switch payload.Kind {
		case kindEstablish:
			c.serveEstablish(env, &payload, from)
		case kindAction:
			c.serveAction(env, &payload, from)
		default:
			c.log.Trace("Unknown request kind", "kind", payload.Kind, "from", env.Sender)
		}
	}()
}

// serveEstablish accepts a peer's relationship token. The envelope must
// be signed with the long-term key bound to the sender's fort ID; this is
// the only place that key authenticates anything.
func (c *Core) serveEstablish(env *transport.Envelope, payload *requestPayload, from *net.UDPAddr) {
	if payload.Bundle == nil || payload.Token == nil {
		return
	}
	if payload.Bundle.ID != env.Sender || payload.Bundle.Validate() != nil {
		return
	}
	pub, err := payload.Bundle.PublicKey()
	if err != nil || !env.VerifySignature(pub) {
		c.log.Trace("Establishment with bad signature", "from", env.Sender)
		return
	}
	if !c.tokens.ReceiveToken(env.Sender, payload.Pubkey, payload.Token) {
		c.log.Debug("Establishment token rejected", "peer", env.Sender.TerminalString())
		return
	}
	c.res.Confirm(env.Sender, from)

	reply := responsePayload{Kind: kindEstablish, Accepted: true}
	if c.cfg.AutoEstablish {
		if state, _ := c.tokens.State(env.Sender); state != token.StateActive {
			pubkey, tok, err := c.tokens.Establish(env.Sender, defaultPermissions())
			if err != nil {
				c.log.Warn("Reciprocal establishment failed", "peer", env.Sender.TerminalString(), "err", err)
				return
			}
			reply.Pubkey, reply.Token = pubkey, tok
		}
	}
	resp, err := env.Reply(transport.MsgResponse, c.ident.ID, reply, c.clock.Now())
	if err != nil {
		return
	}
	resp.Sign(c.ident.Priv)
	if err := c.net.Send(resp, from); err != nil {
		c.log.Debug("Cannot answer establishment", "to", from, "err", err)
	}
}

// serveAction authorizes a relationship-signed request and, when granted,
// projects the requested content back to the requester.
func (c *Core) serveAction(env *transport.Envelope, payload *requestPayload, from *net.UDPAddr) {
	req := payload.Request
	if req == nil || req.Requester != env.Sender || req.Target != c.ident.ID {
		return
	}
	auth, err := c.tokens.AuthorizeAction(env.Sender, req)
	if err != nil {
		// No usable relationship. A generic rejection, nothing more.
		c.log.Debug("Request without relationship", "peer", env.Sender.TerminalString(), "err", err)
		c.sendResponse(env, from, &responsePayload{Kind: kindAction})
		return
	}
	if !auth.Authorized {
		c.sendResponse(env, from, &responsePayload{Kind: kindAction, Authorization: auth})
		return
	}
	c.res.Confirm(env.Sender, from)

	switch req.Action {
	case "view_window":
		p, err := c.engine.Create(c.windowBytes(), env.Sender, DefaultProjectionLifetime, DefaultProtectionLevel)
		if err != nil {
			c.log.Error("Window projection failed", "peer", env.Sender.TerminalString(), "err", err)
			c.sendResponse(env, from, &responsePayload{Kind: kindAction})
			return
		}
		reply, err := env.Reply(transport.MsgProjection, c.ident.ID, projectionPayload{Authorization: auth, Projection: p}, c.clock.Now())
		if err != nil {
			return
		}
		reply.Sign(c.ident.Priv)
		if err := c.net.Send(reply, from); err != nil {
			c.log.Debug("Cannot deliver projection", "to", from, "err", err)
		}
	case "view_projection":
		var data struct {
			ProjectionID string `json:"projection_id"`
		}
		if err := json.Unmarshal(req.Data, &data); err != nil || data.ProjectionID == "" {
			c.sendResponse(env, from, &responsePayload{Kind: kindAction})
			return
		}
		p, ok := c.engine.Lookup(data.ProjectionID)
		if !ok || p.Observer != env.Sender || p.Expired(c.clock.Now()) {
			c.sendResponse(env, from, &responsePayload{Kind: kindAction})
			return
		}
		reply, err := env.Reply(transport.MsgProjection, c.ident.ID, projectionPayload{Authorization: auth, Projection: p}, c.clock.Now())
		if err != nil {
			return
		}
		reply.Sign(c.ident.Priv)
		if err := c.net.Send(reply, from); err != nil {
			c.log.Debug("Cannot deliver projection", "to", from, "err", err)
		}
	default:
		// Authorized but unsupported action: answer with the verdict only.
		c.sendResponse(env, from, &responsePayload{Kind: kindAction, Authorization: auth})
	}
}

func (c *Core) sendResponse(env *transport.Envelope, to *net.UDPAddr, payload *responsePayload) {
	resp, err := env.Reply(transport.MsgResponse, c.ident.ID, payload, c.clock.Now())
	if err != nil {
		return
	}
	resp.Sign(c.ident.Priv)
	if err := c.net.Send(resp, to); err != nil {
		c.log.Debug("Cannot send response", "to", to, "err", err)
	}
}

// handleResponse wakes the workflow waiting on the answered request.
func (c *Core) handleResponse(env *transport.Envelope, from *net.UDPAddr) {
	var payload responsePayload
	if err := env.DecodePayload(&payload); err != nil {
		return
	}
	if payload.Kind == kindEstablish && payload.Token != nil {
		if c.tokens.ReceiveToken(env.Sender, payload.Pubkey, payload.Token) {
			c.res.Confirm(env.Sender, from)
		}
	}
	c.deliver(env.RepliesTo, &observeReply{denial: payload.Authorization})
}

// handleProjection adopts an incoming projection and hands it to the
// waiting observer call.
func (c *Core) handleProjection(env *transport.Envelope, from *net.UDPAddr) {
	var payload projectionPayload
	if err := env.DecodePayload(&payload); err != nil || payload.Projection == nil {
		c.log.Trace("Malformed projection payload", "from", env.Sender, "err", err)
		return
	}
	p := payload.Projection
	if p.Owner != env.Sender || p.Observer != c.ident.ID {
		c.log.Trace("Projection with wrong parties", "from", env.Sender)
		return
	}
	if err := c.engine.Adopt(p); err != nil {
		c.log.Debug("Projection rejected", "from", env.Sender.TerminalString(), "err", err)
		return
	}
	c.res.Confirm(env.Sender, from)

	if ack, err := env.Reply(transport.MsgProjectionAck, c.ident.ID, nil, c.clock.Now()); err == nil {
		c.net.Send(ack, from)
	}
	c.deliver(env.RepliesTo, &observeReply{projection: p})
}

func (c *Core) handleProjectionAck(env *transport.Envelope, from *net.UDPAddr) {
	c.res.Confirm(env.Sender, from)
}

// handleNotification processes revocation and destruction notices.
func (c *Core) handleNotification(env *transport.Envelope, from *net.UDPAddr) {
	var payload notificationPayload
	if err := env.DecodePayload(&payload); err != nil {
		return
	}
	switch payload.Kind {
	case noteRelationshipRevoked:
		if payload.Revocation == nil || payload.Revocation.Revoker != env.Sender {
			return
		}
		c.tokens.HandleRevocation(payload.Revocation)
	case noteProjectionDestroyed, noteProjectionExpired, noteProjectionRevoked:
		if payload.ProjectionID != "" {
			// Our copy of the peer's projection is dead either way.
			c.engine.Revoke(payload.ProjectionID)
		}
	case noteProjectionDegraded:
		c.log.Debug("Peer projection degraded", "id", payload.ProjectionID)
	default:
		c.log.Trace("Unknown notification kind", "kind", payload.Kind, "from", env.Sender)
	}
}

func (c *Core) handleError(env *transport.Envelope, from *net.UDPAddr) {
	c.log.Debug("Peer reported error", "from", env.Sender.TerminalString(), "replies_to", env.RepliesTo)
}

// subscribe registers a waiter for replies to the given request envelope.
func (c *Core) subscribe(requestID string) chan *observeReply {
	ch := make(chan *observeReply, 1)
	c.waitMu.Lock()
	c.waiters[requestID] = ch
	c.waitMu.Unlock()
	return ch
}

func (c *Core) unsubscribe(requestID string) {
	c.waitMu.Lock()
	delete(c.waiters, requestID)
	c.waitMu.Unlock()
}

func (c *Core) deliver(requestID string, reply *observeReply) {
	c.waitMu.Lock()
	ch := c.waiters[requestID]
	c.waitMu.Unlock()
	if ch != nil {
		select {
		case ch <- reply:
		default:
		}
	}
}

// notifyProjectionEvent tells the observer that a projection it was given
// is gone. Only cached routes are used; the notification is best effort
// and must not block the event loop on discovery.
func (c *Core) notifyProjectionEvent(ev projection.Event) {
	var kind string
	switch ev.Type {
	case projection.EventDestroyed:
		kind = noteProjectionDestroyed
	case projection.EventExpired:
		kind = noteProjectionExpired
	case projection.EventRevoked:
		kind = noteProjectionRevoked
	case projection.EventDegraded:
		kind = noteProjectionDegraded
	default:
		return
	}
	addr, _, ok := c.routes.Lookup(ev.Observer)
	if !ok {
		c.log.Debug("No route for projection notification", "observer", ev.Observer.TerminalString())
		return
	}
	env, err := transport.NewEnvelope(transport.MsgNotification, c.ident.ID, ev.Observer.String(),
		notificationPayload{Kind: kind, ProjectionID: ev.Projection}, c.clock.Now())
	if err != nil {
		return
	}
	env.Sign(c.ident.Priv)
	if err := c.net.Send(env, addr); err != nil {
		c.log.Debug("Cannot send projection notification", "to", addr, "err", err)
	}
}

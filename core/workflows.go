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
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/openred/go-openred/fort"
	"github.com/openred/go-openred/orp"
	"github.com/openred/go-openred/projection"
	"github.com/openred/go-openred/token"
	"github.com/openred/go-openred/transport"
)

var (
	// ErrDenied is returned when the peer rejects a request. Which check
	// failed on the peer is deliberately not distinguished.
	ErrDenied = errors.New("request denied by peer")

	// ErrTimeout is returned when the peer does not answer in time.
	ErrTimeout = errors.New("request timed out")
)

// Outcome is the result of driving an ORP URL through HandleURL.
type Outcome struct {
	URL       *orp.Address
	Class     orp.PathClass
	Endpoint  *net.UDPAddr
	Content   []byte
	Watermark string
	Session   string
}

// EstablishRelationship runs the establishment handshake with peer: our
// token travels out signed with the long-term key, and in auto-establish
// deployments the peer's reciprocal token arrives in the response.
func (c *Core) EstablishRelationship(ctx context.Context, peer fort.ID) error {
	addr, err := c.res.Resolve(ctx, peer)
	if err != nil {
		return err
	}
	pubkey, tok, err := c.tokens.Establish(peer, defaultPermissions())
	if err != nil {
		return err
	}
	bundle := c.ident.Bundle()
	env, err := transport.NewEnvelope(transport.MsgRequest, c.ident.ID, peer.String(), requestPayload{
		Kind:   kindEstablish,
		Bundle: &bundle,
		Pubkey: pubkey,
		Token:  tok,
	}, c.clock.Now())
	if err != nil {
		return err
	}
	env.Sign(c.ident.Priv)

	ch := c.subscribe(env.ID)
	defer c.unsubscribe(env.ID)
	if err := c.net.Send(env, addr); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-c.clock.After(DefaultRequestTimeout):
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ObserveWindow is the full client flow for reading a peer's window:
// resolve the peer, send a relationship-signed view_window request, await
// the projection and reconstitute it under the engine's access rules.
func (c *Core) ObserveWindow(ctx context.Context, peer fort.ID) (*projection.AccessResult, error) {
	addr, err := c.res.Resolve(ctx, peer)
	if err != nil {
		return nil, err
	}
	req, err := c.tokens.RequestAction(peer, "view_window", nil)
	if err != nil {
		return nil, err
	}
	reply, err := c.roundTrip(ctx, peer, addr, req)
	if err != nil {
		return nil, err
	}
	return c.access(reply.projection.ID)
}

// access reconstitutes a projection under the session token this core
// already holds for it, remembering the one minted on first access.
func (c *Core) access(id string) (*projection.AccessResult, error) {
	c.sessMu.Lock()
	sess := c.sessions[id]
	c.sessMu.Unlock()
	res, err := c.engine.Access(id, c.ident.ID, sess)
	if err != nil {
		return nil, err
	}
	c.sessMu.Lock()
	c.sessions[id] = res.SessionID
	c.sessMu.Unlock()
	return res, nil
}

// RequestProjection asks peer to re-authorize access to a specific
// projection it owns.
func (c *Core) RequestProjection(ctx context.Context, peer fort.ID, projectionID string) (*projection.AccessResult, error) {
	// A copy we already adopted is served locally under the usual rules.
	if res, err := c.access(projectionID); err == nil {
		return res, nil
	} else if !errors.Is(err, projection.ErrUnknownProjection) {
		return nil, err
	}

	addr, err := c.res.Resolve(ctx, peer)
	if err != nil {
		return nil, err
	}
	req, err := c.tokens.RequestAction(peer, "view_projection", map[string]string{"projection_id": projectionID})
	if err != nil {
		return nil, err
	}
	reply, err := c.roundTrip(ctx, peer, addr, req)
	if err != nil {
		return nil, err
	}
	return c.access(reply.projection.ID)
}

// roundTrip sends a signed action request and waits for the projection
// answer, a denial, or a timeout.
func (c *Core) roundTrip(ctx context.Context, peer fort.ID, addr *net.UDPAddr, req *token.SignedRequest) (*observeReply, error) {
	env, err := transport.NewEnvelope(transport.MsgRequest, c.ident.ID, peer.String(), requestPayload{
		Kind:    kindAction,
		Request: req,
	}, c.clock.Now())
	if err != nil {
		return nil, err
	}
	env.Sign(c.ident.Priv)

	ch := c.subscribe(env.ID)
	defer c.unsubscribe(env.ID)
	if err := c.net.Send(env, addr); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		if reply.projection == nil {
			if reply.denial != nil && reply.denial.Reason != "" {
				return nil, fmt.Errorf("%w: %s", ErrDenied, reply.denial.Reason)
			}
			return nil, ErrDenied
		}
		return reply, nil
	case <-c.clock.After(DefaultRequestTimeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RevokeRelationship withdraws both sides of the relationship with peer
// and notifies it when a route is cached.
func (c *Core) RevokeRelationship(peer fort.ID) error {
	notice, err := c.tokens.Revoke(peer, token.DirBoth)
	if err != nil {
		return err
	}
	if notice == nil {
		return nil
	}
	addr, _, ok := c.routes.Lookup(peer)
	if !ok {
		return nil
	}
	env, err := transport.NewEnvelope(transport.MsgNotification, c.ident.ID, peer.String(),
		notificationPayload{Kind: noteRelationshipRevoked, Revocation: notice}, c.clock.Now())
	if err != nil {
		return err
	}
	env.Sign(c.ident.Priv)
	return c.net.Send(env, addr)
}

// Project creates a projection of content for observer and, when the
// observer is reachable, pushes it immediately.
func (c *Core) Project(ctx context.Context, content []byte, observer fort.ID, lifetime time.Duration, level int) (*projection.Projection, error) {
	p, err := c.engine.Create(content, observer, lifetime, level)
	if err != nil {
		return nil, err
	}
	addr, err := c.res.Resolve(ctx, observer)
	if err != nil {
		// Unreachable observer: the projection stays local until asked for.
		c.log.Debug("Observer unreachable, projection kept local", "observer", observer.TerminalString(), "err", err)
		return p, nil
	}
	env, err := transport.NewEnvelope(transport.MsgProjection, c.ident.ID, observer.String(),
		projectionPayload{Projection: p}, c.clock.Now())
	if err != nil {
		return p, err
	}
	env.Sign(c.ident.Priv)
	if err := c.net.Send(env, addr); err != nil {
		return p, err
	}
	return p, nil
}

// Ping checks liveness of a peer endpoint. It resolves the peer and sends
// a ping; the pong refreshes the route asynchronously.
func (c *Core) Ping(ctx context.Context, peer fort.ID) error {
	addr, err := c.res.Resolve(ctx, peer)
	if err != nil {
		return err
	}
	env, err := transport.NewEnvelope(transport.MsgPing, c.ident.ID, peer.String(), nil, c.clock.Now())
	if err != nil {
		return err
	}
	env.Sign(c.ident.Priv)
	return c.net.Send(env, addr)
}

// HandleURL parses an ORP URL, resolves its fort and drives the workflow
// selected by the path class: root opens a session (ping), window runs
// the observation flow, projection paths re-request the named projection.
// Unclassified paths go to the catch-all handler.
func (c *Core) HandleURL(ctx context.Context, rawurl string) (*Outcome, error) {
	addr, err := orp.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	id := addr.FortID
	endpoint, err := c.res.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &Outcome{URL: addr, Class: addr.Class(), Endpoint: endpoint}

	switch out.Class {
	case orp.PathRoot:
		if err := c.Ping(ctx, id); err != nil {
			return nil, err
		}
	case orp.PathWindow:
		res, err := c.ObserveWindow(ctx, id)
		if err != nil {
			return nil, err
		}
		out.Content, out.Watermark, out.Session = res.Content, res.Watermark, res.SessionID
	case orp.PathProjection:
		res, err := c.RequestProjection(ctx, id, addr.ProjectionID())
		if err != nil {
			return nil, err
		}
		out.Content, out.Watermark, out.Session = res.Content, res.Watermark, res.SessionID
	default:
		c.catchAllMu.RLock()
		fn := c.catchAll
		c.catchAllMu.RUnlock()
		if fn != nil {
			fn(out)
		}
	}
	return out, nil
}

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

// Package core assembles one fort: identity, transport, resolver, token
// manager and projection engine, wired together by the message handlers
// and the high-level workflows. A Core owns all of its state; several
// cores in one process are fully independent.
package core

import (
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/openred/go-openred/common/mclock"
	"github.com/openred/go-openred/fort"
	"github.com/openred/go-openred/log"
	"github.com/openred/go-openred/orp/resolver"
	"github.com/openred/go-openred/orp/routedb"
	"github.com/openred/go-openred/projection"
	"github.com/openred/go-openred/token"
	"github.com/openred/go-openred/transport"
)

const (
	// DefaultProjectionLifetime is used for projections created in answer
	// to a window request.
	DefaultProjectionLifetime = 60 * time.Second

	// DefaultProtectionLevel is the level of window projections.
	DefaultProtectionLevel = 3

	// DefaultRequestTimeout bounds a full request/projection round trip.
	DefaultRequestTimeout = 10 * time.Second

	// routesDir holds the route cache inside the datadir.
	routesDir = "routes"
)

// Config configures a Core.
type Config struct {
	// Name is the fort's display name, used when a fresh identity is
	// generated.
	Name string

	// Datadir is the fort's state directory. Empty keeps everything in
	// memory; identity, relationships and routes are then lost on exit.
	Datadir string

	// ListenAddr is the UDP listen address, e.g. ":4044".
	ListenAddr string

	// BroadcastAddrs overrides the discovery broadcast targets.
	BroadcastAddrs []string

	// AutoEstablish accepts incoming establishment requests by issuing a
	// reciprocal token, the pure peer-to-peer bootstrap mode.
	AutoEstablish bool

	// ResolveDeadline bounds discovery; resolver.DefaultDeadline if zero.
	ResolveDeadline time.Duration

	Clock mclock.Clock
	Log   log.Logger
}

// Core is one fort instance.
type Core struct {
	cfg    Config
	ident  *fort.Identity
	net    *transport.Transport
	routes *routedb.DB
	res    *resolver.Resolver
	tokens *token.Manager
	engine *projection.Engine
	clock  mclock.Clock
	log    log.Logger

	windowMu sync.RWMutex
	greeting string
	pubs     []Publication

	waitMu  sync.Mutex
	waiters map[string]chan *observeReply // request envelope id

	sessMu   sync.Mutex
	sessions map[string]string // projection id -> our session token

	catchAllMu sync.RWMutex
	catchAll   func(*Outcome)

	runMu   sync.Mutex
	running bool
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New assembles a core from the config. The identity is loaded from the
// datadir or generated on first use.
func New(cfg Config) (*Core, error) {
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}

	var ident *fort.Identity
	var err error
	if cfg.Datadir != "" {
		ident, err = fort.LoadOrCreate(cfg.Datadir, cfg.Name)
	} else {
		ident, err = fort.NewIdentity(cfg.Name)
	}
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.New("fort", ident.ID.TerminalString())

	routePath := ""
	if cfg.Datadir != "" {
		routePath = filepath.Join(cfg.Datadir, routesDir)
	}
	routes, err := routedb.Open(routePath, cfg.Clock, routedb.DefaultStaleness)
	if err != nil {
		return nil, err
	}

	tr, err := transport.New(ident.ID, transport.Config{
		ListenAddr:     cfg.ListenAddr,
		BroadcastAddrs: cfg.BroadcastAddrs,
		Clock:          cfg.Clock,
		Log:            logger,
	})
	if err != nil {
		routes.Close()
		return nil, err
	}

	res := resolver.New(ident, tr, routes, resolver.Config{
		Deadline: cfg.ResolveDeadline,
		Clock:    cfg.Clock,
		Log:      logger,
	})

	tokens, err := token.NewManager(ident, token.Config{
		Datadir: cfg.Datadir,
		Clock:   cfg.Clock,
		Log:     logger,
	})
	if err != nil {
		routes.Close()
		return nil, err
	}

	engine, err := projection.New(ident.ID, projection.Config{
		Datadir: cfg.Datadir,
		Clock:   cfg.Clock,
		Log:     logger,
	})
	if err != nil {
		tokens.Close()
		routes.Close()
		return nil, err
	}

	c := &Core{
		cfg:      cfg,
		ident:    ident,
		net:      tr,
		routes:   routes,
		res:      res,
		tokens:   tokens,
		engine:   engine,
		clock:    cfg.Clock,
		log:      logger,
		greeting: "This is the public window of " + ident.Name + ".",
		waiters:  make(map[string]chan *observeReply),
		sessions: make(map[string]string),
	}
	if err := c.loadWindow(); err != nil {
		engine.Stop()
		tokens.Close()
		routes.Close()
		return nil, err
	}
	c.registerHandlers()
	return c, nil
}

// Start brings the fort online: the transport binds, the projection
// scheduler runs and engine events are forwarded as notifications.
func (c *Core) Start() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running || c.closed {
		return transport.ErrAlreadyStarted
	}
	if err := c.net.Start(); err != nil {
		return err
	}
	c.engine.Start()
	c.quit = make(chan struct{})
	c.running = true
	c.wg.Add(1)
	go c.eventLoop()
	c.log.Info("Fort online", "name", c.ident.Name, "addr", c.net.Addr(), "orp", c.ident.Address())
	return nil
}

// Stop takes the fort offline and flushes persistent state. Projections
// are ephemeral and removed.
func (c *Core) Stop() {
	c.runMu.Lock()
	if c.closed {
		c.runMu.Unlock()
		return
	}
	c.closed = true
	wasRunning := c.running
	c.running = false
	if wasRunning {
		close(c.quit)
	}
	c.runMu.Unlock()

	if wasRunning {
		c.net.Stop()
		c.engine.Stop()
		c.wg.Wait()
	}
	c.tokens.Close()
	c.routes.Close()
	c.log.Info("Fort offline")
}

// ID returns the fort's identifier.
func (c *Core) ID() fort.ID { return c.ident.ID }

// Identity returns the fort's identity.
func (c *Core) Identity() *fort.Identity { return c.ident }

// Bundle returns the public identity bundle.
func (c *Core) Bundle() fort.Bundle { return c.ident.Bundle() }

// Addr returns the bound transport address, or nil when stopped.
func (c *Core) Addr() *net.UDPAddr { return c.net.Addr() }

// Tokens exposes the relationship manager.
func (c *Core) Tokens() *token.Manager { return c.tokens }

// Engine exposes the projection engine.
func (c *Core) Engine() *projection.Engine { return c.engine }

// SetCatchAll installs the handler invoked for ORP paths that classify
// as neither root, window nor projection.
func (c *Core) SetCatchAll(fn func(*Outcome)) {
	c.catchAllMu.Lock()
	defer c.catchAllMu.Unlock()
	c.catchAll = fn
}

// eventLoop turns projection engine events into notifications for the
// affected observer.
func (c *Core) eventLoop() {
	defer c.wg.Done()
	for {
		select {
		case ev := <-c.engine.Events():
			if ev.Owner == c.ident.ID {
				c.notifyProjectionEvent(ev)
			}
		case <-c.quit:
			return
		}
	}
}

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

// Package transport implements connectionless datagram messaging between
// forts: envelope framing, deduplication, expiry and broadcast discovery.
// It is not a relay; envelopes addressed to other forts are discarded.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/openred/go-openred/common/mclock"
	"github.com/openred/go-openred/fort"
	"github.com/openred/go-openred/log"
	"github.com/openred/go-openred/metrics"
)

const (
	// DefaultMaxPayload bounds the encoded payload size (64 KiB).
	DefaultMaxPayload = 64 * 1024

	// DefaultDedupWindow is how long a message_id suppresses duplicates.
	DefaultDedupWindow = time.Hour

	// DefaultQueueSize bounds the outbound queue.
	DefaultQueueSize = 256

	// DefaultDiscoveryPort is the port broadcast discovery targets.
	DefaultDiscoveryPort = 4044

	// dedupCacheSize bounds the number of remembered message IDs.
	dedupCacheSize = 65536

	// readBufferSize leaves room for envelope framing around the payload.
	readBufferSize = DefaultMaxPayload + 4096
)

var (
	// ErrAlreadyStarted is returned by Start on a running transport.
	ErrAlreadyStarted = errors.New("transport already started")

	// ErrNotStarted is returned when sending through a stopped transport.
	ErrNotStarted = errors.New("transport not started")

	// ErrQueueFull signals outbound backpressure. Callers may retry with
	// backoff.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrOversize is returned for payloads beyond the configured maximum.
	ErrOversize = errors.New("payload over size limit")
)

// Handler is a synchronous callback for one message type. Handlers run on
// the receiver task and must be short; long work must be offloaded by the
// handler itself.
type Handler func(env *Envelope, from *net.UDPAddr)

// Config configures a Transport.
type Config struct {
	ListenAddr     string   // UDP listen address, e.g. "0.0.0.0:4044"
	BroadcastAddrs []string // discovery broadcast targets
	MaxPayload     int
	DedupWindow    time.Duration
	QueueSize      int
	Clock          mclock.Clock
	Log            log.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if len(cfg.BroadcastAddrs) == 0 {
		cfg.BroadcastAddrs = DefaultBroadcastAddrs(DefaultDiscoveryPort)
	}
	return cfg
}

// DefaultBroadcastAddrs returns the limited-broadcast address plus the
// three common private-network broadcast addresses on the given port.
func DefaultBroadcastAddrs(port int) []string {
	return []string{
		fmt.Sprintf("255.255.255.255:%d", port),
		fmt.Sprintf("192.168.255.255:%d", port),
		fmt.Sprintf("172.31.255.255:%d", port),
		fmt.Sprintf("10.255.255.255:%d", port),
	}
}

type outbound struct {
	packet []byte
	to     *net.UDPAddr
}

// Transport is a datagram endpoint bound to one fort identity. Receiver
// and sender run as independent tasks between Start and Stop.
type Transport struct {
	self fort.ID
	cfg  Config
	log  log.Logger

	handlersMu sync.RWMutex
	handlers   map[MsgType]Handler

	runMu   sync.Mutex
	running bool
	conn    *net.UDPConn
	sendq   chan outbound
	quit    chan struct{}
	wg      sync.WaitGroup

	dedup *lru.Cache // message_id -> first-seen time

	// Drop accounting, one counter per drop class.
	DupDropped       *metrics.Counter
	ExpiredDropped   *metrics.Counter
	MalformedDropped *metrics.Counter
	NotOursDropped   *metrics.Counter
	PendingDropped   *metrics.Counter
}

// New creates a transport for the given fort identity.
func New(self fort.ID, cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()
	cache, err := lru.New(dedupCacheSize)
	if err != nil {
		return nil, err
	}
	return &Transport{
		self:             self,
		cfg:              cfg,
		log:              cfg.Log.New("fort", self.TerminalString()),
		handlers:         make(map[MsgType]Handler),
		dedup:            cache,
		DupDropped:       metrics.NewCounter(),
		ExpiredDropped:   metrics.NewCounter(),
		MalformedDropped: metrics.NewCounter(),
		NotOursDropped:   metrics.NewCounter(),
		PendingDropped:   metrics.NewCounter(),
	}, nil
}

// Self returns the local fort ID.
func (t *Transport) Self() fort.ID { return t.self }

// Addr returns the bound local address, or nil when stopped.
func (t *Transport) Addr() *net.UDPAddr {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Start binds the datagram socket and launches the receiver and sender
// tasks. Starting a running transport is an error; after Stop the same
// endpoint can be bound again.
func (t *Transport) Start() error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.running {
		return ErrAlreadyStarted
	}
	addr, err := net.ResolveUDPAddr("udp", t.cfg.ListenAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	t.conn = conn
	t.sendq = make(chan outbound, t.cfg.QueueSize)
	t.quit = make(chan struct{})
	t.running = true

	t.wg.Add(2)
	go t.readLoop(conn)
	go t.sendLoop(conn, t.sendq, t.quit)

	t.log.Info("Transport up", "addr", conn.LocalAddr())
	return nil
}

// Stop quiesces both tasks and closes the socket. Pending outbound
// messages are dropped with a diagnostic.
func (t *Transport) Stop() {
	t.runMu.Lock()
	if !t.running {
		t.runMu.Unlock()
		return
	}
	t.running = false
	close(t.quit)
	t.conn.Close()
	sendq := t.sendq
	t.conn, t.sendq = nil, nil
	t.runMu.Unlock()

	t.wg.Wait()

	dropped := len(sendq)
	if dropped > 0 {
		t.PendingDropped.Inc(int64(dropped))
		t.log.Warn("Dropped pending outbound messages", "count", dropped)
	}
	t.log.Info("Transport down")
}

// RegisterHandler associates a synchronous callback with a message type.
// Re-registering a type replaces the previous handler.
func (t *Transport) RegisterHandler(typ MsgType, h Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[typ] = h
}

// Send queues an envelope for delivery. It does not block: when the
// backpressure bound is exceeded the message is rejected with ErrQueueFull.
func (t *Transport) Send(env *Envelope, to *net.UDPAddr) error {
	packet, err := t.encodeChecked(env)
	if err != nil {
		return err
	}
	t.runMu.Lock()
	sendq, running := t.sendq, t.running
	t.runMu.Unlock()
	if !running {
		return ErrNotStarted
	}
	select {
	case sendq <- outbound{packet: packet, to: to}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Broadcast emits the envelope to every configured broadcast address on
// the discovery port.
func (t *Transport) Broadcast(env *Envelope) error {
	packet, err := t.encodeChecked(env)
	if err != nil {
		return err
	}
	t.runMu.Lock()
	sendq, running := t.sendq, t.running
	t.runMu.Unlock()
	if !running {
		return ErrNotStarted
	}
	var enqueued, dropped int
	for _, addr := range t.cfg.BroadcastAddrs {
		udp, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			t.log.Debug("Bad broadcast address", "addr", addr, "err", err)
			continue
		}
		select {
		case sendq <- outbound{packet: packet, to: udp}:
			enqueued++
		default:
			dropped++
		}
	}
	if dropped > 0 {
		t.PendingDropped.Inc(int64(dropped))
		if enqueued == 0 {
			return ErrQueueFull
		}
		return fmt.Errorf("%w: %d of %d broadcast targets dropped", ErrQueueFull, dropped, enqueued+dropped)
	}
	return nil
}

func (t *Transport) encodeChecked(env *Envelope) ([]byte, error) {
	if len(env.Payload) > t.cfg.MaxPayload {
		return nil, ErrOversize
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env.Encode()
}

// sendLoop drains the outbound queue. It runs in its own goroutine.
func (t *Transport) sendLoop(conn *net.UDPConn, sendq chan outbound, quit chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case out := <-sendq:
			if _, err := conn.WriteToUDP(out.packet, out.to); err != nil {
				t.log.Trace("UDP send failed", "to", out.to, "err", err)
			}
		case <-quit:
			return
		}
	}
}

// readLoop parses ingress datagrams and dispatches them. It runs in its
// own goroutine and owns the handler dispatch; handlers must not block.
func (t *Transport) readLoop(conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		nbytes, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTemporaryError(err) {
				t.log.Debug("Temporary read error", "err", err)
				continue
			}
			// Permanent errors (including close on Stop) end the loop.
			t.log.Trace("Read loop terminated", "err", err)
			return
		}
		t.handlePacket(buf[:nbytes], from)
	}
}

func (t *Transport) handlePacket(buf []byte, from *net.UDPAddr) {
	env, err := Decode(buf)
	if err != nil {
		// Integrity failure: drop silently, count, never reply.
		t.MalformedDropped.Inc(1)
		t.log.Trace("Malformed packet", "from", from, "err", err)
		return
	}
	// Expired envelopes never enter dispatch; the dedup cache is not
	// touched for them.
	if env.Expired(t.cfg.Clock.Now()) {
		t.ExpiredDropped.Inc(1)
		t.log.Trace("Expired envelope", "id", env.ID, "type", env.Type)
		return
	}
	if env.Sender == t.self {
		// Our own broadcast reflected back.
		return
	}
	if id, ok := env.RecipientID(); ok && id != t.self {
		t.NotOursDropped.Inc(1)
		return
	}
	if t.seenBefore(env.ID) {
		t.DupDropped.Inc(1)
		t.log.Trace("Duplicate envelope", "id", env.ID)
		return
	}
	t.handlersMu.RLock()
	handler := t.handlers[env.Type]
	t.handlersMu.RUnlock()
	if handler == nil {
		t.log.Trace("No handler for message type", "type", env.Type)
		return
	}
	handler(env, from)
}

// seenBefore records the message ID and reports whether it was already
// seen within the dedup window.
func (t *Transport) seenBefore(id string) bool {
	now := t.cfg.Clock.Now()
	if prev, ok := t.dedup.Get(id); ok {
		if now.Sub(prev.(time.Time)) <= t.cfg.DedupWindow {
			return true
		}
	}
	t.dedup.Add(id, now)
	return false
}

func isTemporaryError(err error) bool {
	tempErr, ok := err.(interface{ Temporary() bool })
	return ok && tempErr.Temporary()
}

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

package projection

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openred/go-openred/common/mclock"
	"github.com/openred/go-openred/fort"
	"github.com/openred/go-openred/log"
	"github.com/openred/go-openred/metrics"
)

const (
	// MaxContentSize bounds the projectable content.
	MaxContentSize = 1 << 20

	// sessionRateWindow and sessionRateLimit implement the scraping
	// heuristic: more accesses than the limit inside the opening window
	// of a session is treated as automated extraction.
	sessionRateWindow = 60 * time.Second
	sessionRateLimit  = 50

	// tickInterval is the scheduler granularity.
	tickInterval = time.Second

	// projectionsDir holds the ephemeral on-disk records inside a fort's
	// datadir. Removed on expiry and on shutdown.
	projectionsDir = "projections"
)

// TamperKind classifies a recorded tamper event.
type TamperKind string

const (
	TamperSelection       TamperKind = "selection"
	TamperCopy            TamperKind = "copy"
	TamperScraping        TamperKind = "scraping"
	TamperFormatViolation TamperKind = "format_violation"
	TamperWrongObserver   TamperKind = "wrong_observer"
	TamperSessionMismatch TamperKind = "session_mismatch"
	TamperExpiredAccess   TamperKind = "expired_access"
	TamperKeysExpired     TamperKind = "keys_expired"
)

// Access denial errors.
var (
	ErrUnknownProjection = errors.New("unknown projection")
	ErrExpired           = errors.New("projection expired")
	ErrWrongObserver     = errors.New("wrong observer")
	ErrSessionMismatch   = errors.New("session mismatch")
	ErrKeysExpired       = errors.New("all temporal keys expired")
	ErrScraping          = errors.New("access rate exceeded")
	ErrDestroyed         = errors.New("projection destroyed")
	ErrOversize          = errors.New("content over size limit")
	ErrBadLevel          = errors.New("protection level out of range")
)

// EventType classifies engine notifications.
type EventType int

const (
	EventDestroyed EventType = iota // tamper threshold tripped
	EventExpired                    // lifetime elapsed
	EventDegraded                   // highest temporal key expired early
	EventRevoked                    // owner withdrew the projection
)

func (t EventType) String() string {
	switch t {
	case EventDestroyed:
		return "destroyed"
	case EventExpired:
		return "expired"
	case EventDegraded:
		return "degraded"
	case EventRevoked:
		return "revoked"
	}
	return "unknown"
}

// Event is an asynchronous engine notification, delivered on Events().
type Event struct {
	Type       EventType
	Projection string
	Owner      fort.ID
	Observer   fort.ID
}

// AccessResult is a successful reconstitution: the byte-exact original
// content, the watermark to render over it, and the session handle for
// subsequent accesses.
type AccessResult struct {
	Content   []byte
	Watermark string
	SessionID string
}

// Config configures an Engine.
type Config struct {
	// Datadir is the fort's state directory. Empty keeps projections in
	// memory only.
	Datadir string
	Clock   mclock.Clock
	Log     log.Logger
}

// Engine owns the projection table of one fort: projections it created
// for observers and projections it received for reconstitution. The table
// is guarded by a reader-writer lock. Engines share no state; two forts
// in one process run two engines.
type Engine struct {
	self  fort.ID
	clock mclock.Clock
	log   log.Logger
	dir   string // "" when persistence is off

	mu          sync.RWMutex
	projections map[string]*Projection
	reaped      map[string]bool // lifetime already handled by the scheduler

	events chan Event

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	Created  *metrics.Counter
	Accesses *metrics.Counter
	Denials  *metrics.Counter
	Tampers  *metrics.Counter
}

// New creates a projection engine for the given fort.
func New(self fort.ID, cfg Config) (*Engine, error) {
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	e := &Engine{
		self:        self,
		clock:       cfg.Clock,
		log:         cfg.Log.New("fort", self.TerminalString()),
		projections: make(map[string]*Projection),
		reaped:      make(map[string]bool),
		events:      make(chan Event, 16),
		quit:        make(chan struct{}),
		Created:     metrics.NewCounter(),
		Accesses:    metrics.NewCounter(),
		Denials:     metrics.NewCounter(),
		Tampers:     metrics.NewCounter(),
	}
	if cfg.Datadir != "" {
		e.dir = filepath.Join(cfg.Datadir, projectionsDir)
		if err := os.MkdirAll(e.dir, 0700); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Start launches the watermark and temporal-key scheduler.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.wg.Add(1)
	go e.schedulerLoop()
}

// Stop halts the scheduler and removes all on-disk projection records.
// Projections are ephemeral; nothing survives a shutdown.
func (e *Engine) Stop() {
	e.quitOnce.Do(func() { close(e.quit) })
	e.wg.Wait()
	if e.dir != "" {
		os.RemoveAll(e.dir)
	}
}

// Events delivers engine notifications: destruction, expiry, degradation
// and revocation. The channel is never closed; drain it from one consumer.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Create builds a projection of content bound to observer, valid for the
// given lifetime at the given protection level, and registers it in the
// engine's table. The returned record is what travels to the observer.
func (e *Engine) Create(content []byte, observer fort.ID, lifetime time.Duration, level int) (*Projection, error) {
	if level < MinLevel || level > MaxLevel {
		return nil, ErrBadLevel
	}
	if len(content) > MaxContentSize {
		return nil, ErrOversize
	}
	now := e.clock.Now()
	id := newProjectionID()
	p := &Projection{
		ID:            id,
		Owner:         e.self,
		Observer:      observer,
		CreatedAt:     now.Unix(),
		ExpiresAt:     now.Add(lifetime).Unix(),
		Level:         level,
		Fragments:     fragment(id, content, now),
		Watermarks:    watermarkSchedule(id, observer, level, now),
		TemporalKeys:  temporalKeys(id, level, now),
		ValidationSeq: validationSequence(id, level),
	}

	e.mu.Lock()
	e.projections[id] = p
	e.mu.Unlock()
	e.persist(p)
	e.Created.Inc(1)

	e.log.Debug("Projection created", "id", shortID(id), "observer", observer.TerminalString(), "level", level, "fragments", len(p.Fragments))
	return snapshot(p), nil
}

// Adopt registers a projection received from its owner so the local fort
// can reconstitute it. Records whose validation sequence does not match
// are rejected as tampered.
func (e *Engine) Adopt(p *Projection) error {
	if p.ID == "" {
		return ErrUnknownProjection
	}
	if !p.CheckValidationSequence() {
		return fmt.Errorf("projection %s: validation sequence mismatch", p.ID)
	}
	cpy := snapshot(p)
	cpy.Session = nil

	e.mu.Lock()
	e.projections[cpy.ID] = cpy
	e.mu.Unlock()
	e.persist(cpy)

	e.log.Debug("Projection adopted", "id", shortID(p.ID), "owner", p.Owner.TerminalString())
	return nil
}

// Access reconstitutes the projection for the claimed observer. Every
// failed check is a recorded tamper event; enough of them destroy the
// projection. A successful access updates the session and returns the
// content with the currently active watermark.
func (e *Engine) Access(id string, observer fort.ID, sessionID string) (*AccessResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.projections[id]
	if p == nil {
		return nil, ErrUnknownProjection
	}
	if p.Destroyed {
		return nil, ErrDestroyed
	}
	now := e.clock.Now()

	if p.Expired(now) {
		return nil, e.deny(p, TamperExpiredAccess, ErrExpired)
	}
	if observer != p.Observer {
		return nil, e.deny(p, TamperWrongObserver, ErrWrongObserver)
	}
	if p.Session != nil && sessionID != p.Session.SessionID {
		return nil, e.deny(p, TamperSessionMismatch, ErrSessionMismatch)
	}
	if p.LiveKeys(now) == 0 {
		return nil, e.deny(p, TamperKeysExpired, ErrKeysExpired)
	}
	if p.Session != nil {
		inWindow := now.Unix()-p.Session.StartedAt < int64(sessionRateWindow/time.Second)
		if inWindow && p.Session.AccessCount >= sessionRateLimit {
			return nil, e.deny(p, TamperScraping, ErrScraping)
		}
	}

	content, err := p.reconstruct()
	if err != nil {
		return nil, e.deny(p, TamperFormatViolation, fmt.Errorf("%w: %v", ErrDestroyed, err))
	}

	if p.Session == nil {
		if sessionID == "" {
			sessionID = newProjectionID()
		}
		p.Session = &Session{
			SessionID: sessionID,
			Observer:  observer,
			StartedAt: now.Unix(),
		}
	}
	p.Session.LastTouchAt = now.Unix()
	p.Session.AccessCount++
	e.Accesses.Inc(1)

	return &AccessResult{
		Content:   content,
		Watermark: p.CurrentWatermark(now),
		SessionID: p.Session.SessionID,
	}, nil
}

// RegisterTamper records an externally observed tamper event, such as a
// selection or copy attempt reported by the rendering layer.
func (e *Engine) RegisterTamper(id string, kind TamperKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.projections[id]
	if p == nil {
		return ErrUnknownProjection
	}
	if p.Destroyed {
		return ErrDestroyed
	}
	e.tamper(p, kind)
	return nil
}

// Revoke withdraws a projection before its lifetime ends. The content is
// zeroized immediately.
func (e *Engine) Revoke(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.projections[id]
	if p == nil {
		return ErrUnknownProjection
	}
	if p.Destroyed {
		return ErrDestroyed
	}
	observer := p.Observer
	p.zeroize()
	e.unpersist(id)
	e.emit(Event{Type: EventRevoked, Projection: id, Owner: p.Owner, Observer: observer})
	e.log.Info("Projection revoked", "id", shortID(id))
	return nil
}

// Lookup returns a deep copy of the stored projection record.
func (e *Engine) Lookup(id string) (*Projection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p := e.projections[id]
	if p == nil || p.Destroyed {
		return nil, false
	}
	return snapshot(p), true
}

// TamperCount reports the recorded tamper events for a projection.
func (e *Engine) TamperCount(id string) (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p := e.projections[id]
	if p == nil {
		return 0, false
	}
	return p.TamperCount, true
}

// deny records a failed access check. Callers hold e.mu.
func (e *Engine) deny(p *Projection, kind TamperKind, err error) error {
	e.Denials.Inc(1)
	e.tamper(p, kind)
	return err
}

// tamper increments the counter and self-destructs the projection at the
// threshold. Callers hold e.mu.
func (e *Engine) tamper(p *Projection, kind TamperKind) {
	p.TamperCount++
	e.Tampers.Inc(1)
	e.log.Debug("Tamper recorded", "id", shortID(p.ID), "kind", kind, "count", p.TamperCount)
	if p.TamperCount >= TamperThreshold && !p.Destroyed {
		observer := p.Observer
		p.zeroize()
		e.unpersist(p.ID)
		e.emit(Event{Type: EventDestroyed, Projection: p.ID, Owner: p.Owner, Observer: observer})
		e.log.Warn("Projection self-destructed", "id", shortID(p.ID), "kind", kind)
	}
}

// emit delivers an event without ever blocking the caller.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Warn("Event channel full, notification dropped", "type", ev.Type, "id", shortID(ev.Projection))
	}
}

func (e *Engine) schedulerLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.clock.After(tickInterval):
			e.tick()
		case <-e.quit:
			return
		}
	}
}

// tick advances projection lifetimes: expired projections are reaped and
// projections whose temporal keys all ran out degrade.
func (e *Engine) tick() {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.projections {
		if p.Destroyed || e.reaped[id] {
			continue
		}
		if p.Expired(now) {
			e.reaped[id] = true
			observer := p.Observer
			owner := p.Owner
			p.zeroize()
			p.Destroyed = false // expiry is not destruction; accesses report Expired
			e.unpersist(id)
			e.emit(Event{Type: EventExpired, Projection: id, Owner: owner, Observer: observer})
			e.log.Debug("Projection expired", "id", shortID(id))
			continue
		}
		if !p.Degraded && p.LiveKeys(now) == 0 {
			p.Degraded = true
			e.emit(Event{Type: EventDegraded, Projection: id, Owner: p.Owner, Observer: p.Observer})
			e.log.Debug("Projection degraded", "id", shortID(id))
		}
	}
}

func (e *Engine) persist(p *Projection) {
	if e.dir == "" {
		return
	}
	blob, err := json.Marshal(p)
	if err != nil {
		e.log.Error("Cannot encode projection", "id", shortID(p.ID), "err", err)
		return
	}
	if err := os.WriteFile(filepath.Join(e.dir, p.ID+".json"), blob, 0600); err != nil {
		e.log.Error("Cannot persist projection", "id", shortID(p.ID), "err", err)
	}
}

func (e *Engine) unpersist(id string) {
	if e.dir == "" {
		return
	}
	os.Remove(filepath.Join(e.dir, id+".json"))
}

// shortID abbreviates a projection ID for log output.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8] + "…"
	}
	return id
}

// snapshot deep-copies a projection record.
func snapshot(p *Projection) *Projection {
	cpy := *p
	cpy.Fragments = make([]Fragment, len(p.Fragments))
	for i, f := range p.Fragments {
		cpy.Fragments[i] = f
		cpy.Fragments[i].Ciphertext = append([]byte(nil), f.Ciphertext...)
	}
	cpy.Watermarks = append([]string(nil), p.Watermarks...)
	cpy.TemporalKeys = append([]TemporalKey(nil), p.TemporalKeys...)
	cpy.ValidationSeq = append([]int64(nil), p.ValidationSeq...)
	if p.Session != nil {
		s := *p.Session
		cpy.Session = &s
	}
	return &cpy
}

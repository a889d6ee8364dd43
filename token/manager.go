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

package token

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/openred/go-openred/common/mclock"
	"github.com/openred/go-openred/crypto"
	"github.com/openred/go-openred/fort"
	"github.com/openred/go-openred/log"
)

// State is the lifecycle phase of a relationship.
type State int

const (
	StatePendingOutgoing State = iota // our token issued, peer's not received
	StatePendingIncoming              // peer's token received, ours not issued
	StateActive                       // both tokens exchanged and verified
	StateRevoked                      // either side withdrew
)

var stateNames = map[State]string{
	StatePendingOutgoing: "pending_outgoing",
	StatePendingIncoming: "pending_incoming",
	StateActive:          "active",
	StateRevoked:         "revoked",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for st, n := range stateNames {
		if n == string(text) {
			*s = st
			return nil
		}
	}
	return errors.New("unknown relationship state " + string(text))
}

// Direction selects which side(s) of a relationship to revoke.
type Direction int

const (
	DirOutgoing Direction = iota
	DirIncoming
	DirBoth
)

var (
	// ErrPeerEstablished is returned by Establish when an active
	// relationship with the peer already exists.
	ErrPeerEstablished = errors.New("relationship already established")

	// ErrNoRelationship is returned for operations on an unknown peer.
	ErrNoRelationship = errors.New("no relationship with peer")

	// ErrRevoked is returned for operations on a revoked relationship.
	ErrRevoked = errors.New("relationship revoked")

	// ErrNotActive is returned when an operation needs a fully exchanged
	// relationship but only one side has issued a token.
	ErrNotActive = errors.New("relationship not active")
)

// outgoingSide holds what we issued to the peer: our relationship private
// key stays here, the public key and token travel to the peer.
type outgoingSide struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	token *Token
}

// incomingSide holds what the peer issued to us.
type incomingSide struct {
	pub   ed25519.PublicKey
	token *Token
}

// relationship is the per-peer state. Its mutex serializes operations on
// the same peer; distinct peers proceed independently.
type relationship struct {
	mu        sync.Mutex
	peer      fort.ID
	state     State
	outgoing  *outgoingSide
	incoming  *incomingSide
	revokedAt int64
}

// RelationshipSummary is the read-only view returned by Relationships.
type RelationshipSummary struct {
	Peer        fort.ID     `json:"peer_id"`
	State       State       `json:"state"`
	Fingerprint string      `json:"fingerprint"`
	IssuedAt    int64       `json:"issued_at,omitempty"`
	ExpiresAt   int64       `json:"expires_at,omitempty"`
	Granted     Permissions `json:"granted,omitempty"`  // what we allow the peer
	Received    Permissions `json:"received,omitempty"` // what the peer allows us
}

// RevocationNotice is the broadcastable marker produced by an outgoing
// revocation.
type RevocationNotice struct {
	Revoker   fort.ID `json:"revoker"`
	Peer      fort.ID `json:"peer_id"`
	RevokedAt int64   `json:"revoked_at"`
}

// Config configures a Manager.
type Config struct {
	// Datadir is the fort's state directory. Empty disables persistence.
	Datadir string
	Clock   mclock.Clock
	Log     log.Logger
}

// Manager owns all relationships of one fort. The relationship map is
// guarded by a reader-writer lock; each relationship serializes under its
// own mutex. Two managers in one process share nothing.
type Manager struct {
	self  *fort.Identity
	clock mclock.Clock
	log   log.Logger

	mu   sync.RWMutex
	rels map[fort.ID]*relationship

	store *Store
}

// NewManager creates a relationship manager for the given identity and
// replays the persisted relationship log if a datadir is configured.
func NewManager(self *fort.Identity, cfg Config) (*Manager, error) {
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	m := &Manager{
		self:  self,
		clock: cfg.Clock,
		log:   cfg.Log.New("fort", self.ID.TerminalString()),
		rels:  make(map[fort.ID]*relationship),
	}
	if cfg.Datadir != "" {
		store, err := OpenStore(cfg.Datadir, m.log)
		if err != nil {
			return nil, err
		}
		m.store = store
		if err := store.Replay(func(rec *Record) {
			rel, err := rec.restore()
			if err != nil {
				m.log.Warn("Skipping corrupt relationship record", "peer", rec.Peer, "err", err)
				return
			}
			m.rels[rec.Peer] = rel
		}); err != nil {
			store.Close()
			return nil, err
		}
	}
	return m, nil
}

// Close flushes and closes the persistence log.
func (m *Manager) Close() {
	if m.store != nil {
		m.store.Close()
	}
}

// get returns the relationship for peer, or nil.
func (m *Manager) get(peer fort.ID) *relationship {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rels[peer]
}

// getOrCreate returns the relationship for peer, creating an empty one.
func (m *Manager) getOrCreate(peer fort.ID) *relationship {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel := m.rels[peer]
	if rel == nil {
		rel = &relationship{peer: peer}
		m.rels[peer] = rel
	}
	return rel
}

// persist snapshots rel into the append-only log. Callers hold rel.mu.
func (m *Manager) persist(rel *relationship) {
	if m.store == nil {
		return
	}
	m.store.Append(newRecord(rel, m.clock.Now().Unix()))
}

// Establish creates our side of a relationship with peer: a fresh
// relationship keypair and a signed token granting the given permissions.
// The returned public key and token travel to the peer; the private key
// never leaves this fort. An active relationship cannot be re-established
// without revoking first. Establishing over a revoked relationship starts
// a fresh one.
func (m *Manager) Establish(peer fort.ID, permissions Permissions) (pubkey string, tok *Token, err error) {
	rel := m.getOrCreate(peer)
	rel.mu.Lock()
	defer rel.mu.Unlock()

	if rel.state == StateActive && rel.outgoing != nil {
		return "", nil, ErrPeerEstablished
	}
	if rel.state == StateRevoked {
		rel.outgoing, rel.incoming, rel.revokedAt = nil, nil, 0
		rel.state = StatePendingOutgoing
	}

	pub, priv, err := crypto.GenerateKey()
	if err != nil {
		return "", nil, err
	}
	now := m.clock.Now()
	t := &Token{
		TokenID:     newID(),
		Issuer:      m.self.ID,
		Holder:      peer,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(DefaultTokenLifetime).Unix(),
		Permissions: permissions,
		Fingerprint: fingerprint(m.self.ID, peer),
	}
	SignToken(t, priv)

	rel.outgoing = &outgoingSide{priv: priv, pub: pub, token: t}
	if rel.incoming != nil {
		rel.state = StateActive
	} else {
		rel.state = StatePendingOutgoing
	}
	m.persist(rel)

	m.log.Info("Relationship token issued", "peer", peer.TerminalString(), "state", rel.state)
	return hex.EncodeToString(pub), cloneToken(t), nil
}

// ReceiveToken accepts the peer's token and accompanying relationship
// public key. It verifies the token is addressed to us and its signature
// checks out against the supplied key. Verification failure leaves the
// relationship untouched and returns false.
func (m *Manager) ReceiveToken(peer fort.ID, peerPubkey string, peerToken *Token) bool {
	pub, err := crypto.HexToPublicKey(peerPubkey)
	if err != nil {
		m.log.Debug("Rejected token: bad relationship key", "peer", peer.TerminalString())
		return false
	}
	if peerToken == nil || peerToken.Holder != m.self.ID || peerToken.Issuer != peer {
		m.log.Debug("Rejected token: wrong parties", "peer", peer.TerminalString())
		return false
	}
	if !VerifyToken(peerToken, pub) {
		m.log.Debug("Rejected token: bad signature", "peer", peer.TerminalString())
		return false
	}
	if m.expiredAt(peerToken.ExpiresAt) {
		m.log.Debug("Rejected token: expired", "peer", peer.TerminalString())
		return false
	}

	rel := m.getOrCreate(peer)
	rel.mu.Lock()
	defer rel.mu.Unlock()
	if rel.state == StateRevoked {
		return false
	}
	rel.incoming = &incomingSide{pub: pub, token: cloneToken(peerToken)}
	if rel.outgoing != nil {
		rel.state = StateActive
	} else {
		rel.state = StatePendingIncoming
	}
	m.persist(rel)

	m.log.Info("Relationship token received", "peer", peer.TerminalString(), "state", rel.state)
	return true
}

// RequestAction builds a request for the peer to perform action, signed
// with our outgoing key for this relationship. The caller transports it.
func (m *Manager) RequestAction(peer fort.ID, action string, data interface{}) (*SignedRequest, error) {
	rel := m.get(peer)
	if rel == nil {
		return nil, ErrNoRelationship
	}
	rel.mu.Lock()
	defer rel.mu.Unlock()
	if rel.state == StateRevoked {
		return nil, ErrRevoked
	}
	if rel.outgoing == nil {
		return nil, ErrNoRelationship
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if data == nil {
		raw = json.RawMessage("{}")
	}
	req := &SignedRequest{
		Requester: m.self.ID,
		Target:    peer,
		Action:    action,
		Data:      raw,
		Timestamp: m.clock.Now().Unix(),
		Nonce:     newID(),
		TokenID:   rel.outgoing.token.TokenID,
	}
	SignRequest(req, rel.outgoing.priv)
	return req, nil
}

// AuthorizeAction decides a peer's signed request. The verdict is signed
// with our outgoing key for this relationship. Cryptographic failures are
// reported to the peer only as generic denial reasons.
func (m *Manager) AuthorizeAction(peer fort.ID, req *SignedRequest) (*Authorization, error) {
	rel := m.get(peer)
	if rel == nil {
		return nil, ErrNoRelationship
	}
	rel.mu.Lock()
	defer rel.mu.Unlock()
	switch {
	case rel.state == StateRevoked:
		return nil, ErrRevoked
	case rel.state != StateActive || rel.incoming == nil || rel.outgoing == nil:
		return nil, ErrNotActive
	}

	deny := func(reason string) *Authorization {
		a := &Authorization{
			RequestRef: req.Nonce,
			Authorized: false,
			Reason:     reason,
			Authorizer: m.self.ID,
		}
		SignAuthorization(a, rel.outgoing.priv)
		return a
	}

	if req.Requester != peer || req.Target != m.self.ID {
		return deny(ReasonBadSignature), nil
	}
	if !VerifyRequest(req, rel.incoming.pub) {
		return deny(ReasonBadSignature), nil
	}
	if skew := m.clock.Now().Unix() - req.Timestamp; skew > int64(ClockTolerance/time.Second) || skew < -int64(ClockTolerance/time.Second) {
		return deny(ReasonStaleTimestamp), nil
	}
	if !rel.incoming.token.Permissions[req.Action] {
		return deny(ReasonPermissionDenied), nil
	}

	a := &Authorization{
		RequestRef:      req.Nonce,
		Authorized:      true,
		AuthorizationID: newID(),
		AuthorizedAt:    m.clock.Now().Unix(),
		Authorizer:      m.self.ID,
	}
	SignAuthorization(a, rel.outgoing.priv)
	return a, nil
}

// CheckAuthorization verifies an authorization received from peer against
// the peer's relationship key and the nonce of the request it answers.
func (m *Manager) CheckAuthorization(peer fort.ID, req *SignedRequest, a *Authorization) bool {
	rel := m.get(peer)
	if rel == nil {
		return false
	}
	rel.mu.Lock()
	defer rel.mu.Unlock()
	if rel.incoming == nil {
		return false
	}
	if a.Authorizer != peer || a.RequestRef != req.Nonce {
		return false
	}
	return VerifyAuthorization(a, rel.incoming.pub)
}

// Revoke withdraws the selected side(s) of the relationship. The
// relationship transitions to revoked; re-establishment requires both
// sides to establish afresh. Outgoing revocations return a notice the
// caller should transport to the peer as a notification.
func (m *Manager) Revoke(peer fort.ID, dir Direction) (*RevocationNotice, error) {
	rel := m.get(peer)
	if rel == nil {
		return nil, ErrNoRelationship
	}
	rel.mu.Lock()
	defer rel.mu.Unlock()
	if rel.state == StateRevoked {
		return nil, ErrRevoked
	}

	now := m.clock.Now().Unix()
	if dir == DirOutgoing || dir == DirBoth {
		rel.outgoing = nil
	}
	if dir == DirIncoming || dir == DirBoth {
		rel.incoming = nil
	}
	rel.state = StateRevoked
	rel.revokedAt = now
	m.persist(rel)

	m.log.Info("Relationship revoked", "peer", peer.TerminalString(), "direction", dir)
	if dir == DirOutgoing || dir == DirBoth {
		return &RevocationNotice{Revoker: m.self.ID, Peer: peer, RevokedAt: now}, nil
	}
	return nil, nil
}

// HandleRevocation applies a peer's revocation notice: the incoming side
// is dropped and the relationship is marked revoked. Unknown peers are a
// no-op.
func (m *Manager) HandleRevocation(notice *RevocationNotice) {
	if notice.Peer != m.self.ID {
		return
	}
	rel := m.get(notice.Revoker)
	if rel == nil {
		return
	}
	rel.mu.Lock()
	defer rel.mu.Unlock()
	if rel.state == StateRevoked {
		return
	}
	rel.incoming = nil
	rel.state = StateRevoked
	rel.revokedAt = notice.RevokedAt
	m.persist(rel)
	m.log.Info("Peer revoked relationship", "peer", notice.Revoker.TerminalString())
}

// State reports the relationship state with peer.
func (m *Manager) State(peer fort.ID) (State, bool) {
	rel := m.get(peer)
	if rel == nil {
		return 0, false
	}
	rel.mu.Lock()
	defer rel.mu.Unlock()
	return rel.state, true
}

// Relationships returns a read-only summary of every relationship, sorted
// by peer ID.
func (m *Manager) Relationships() []RelationshipSummary {
	m.mu.RLock()
	rels := make([]*relationship, 0, len(m.rels))
	for _, rel := range m.rels {
		rels = append(rels, rel)
	}
	m.mu.RUnlock()

	summaries := make([]RelationshipSummary, 0, len(rels))
	for _, rel := range rels {
		rel.mu.Lock()
		s := RelationshipSummary{
			Peer:        rel.peer,
			State:       rel.state,
			Fingerprint: fingerprint(m.self.ID, rel.peer),
		}
		if rel.outgoing != nil {
			s.IssuedAt = rel.outgoing.token.IssuedAt
			s.ExpiresAt = rel.outgoing.token.ExpiresAt
			s.Granted = rel.outgoing.token.Permissions
		}
		if rel.incoming != nil {
			s.Received = rel.incoming.token.Permissions
		}
		rel.mu.Unlock()
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Peer.String() < summaries[j].Peer.String()
	})
	return summaries
}

// Snapshot compacts the relationship log to one record per peer,
// dropping superseded history. Safe to call periodically.
func (m *Manager) Snapshot() error {
	if m.store == nil {
		return nil
	}
	m.mu.RLock()
	rels := make([]*relationship, 0, len(m.rels))
	for _, rel := range m.rels {
		rels = append(rels, rel)
	}
	m.mu.RUnlock()

	now := m.clock.Now().Unix()
	records := make([]*Record, 0, len(rels))
	for _, rel := range rels {
		rel.mu.Lock()
		records = append(records, newRecord(rel, now))
		rel.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Peer.String() < records[j].Peer.String()
	})
	return m.store.Compact(records)
}

// expiredAt reports whether a unix expiry instant has passed, allowing
// for clock skew.
func (m *Manager) expiredAt(expiresAt int64) bool {
	return m.clock.Now().Unix() > expiresAt+int64(ClockTolerance/time.Second)
}

func cloneToken(t *Token) *Token {
	if t == nil {
		return nil
	}
	cpy := *t
	cpy.Permissions = make(Permissions, len(t.Permissions))
	for k, v := range t.Permissions {
		cpy.Permissions[k] = v
	}
	return &cpy
}

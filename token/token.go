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

// Package token implements the asymmetric peer-authorization model. Every
// relationship between two forts owns four keys: each side holds its own
// outgoing private key and exposes the matching public key to the peer.
// Requests are signed with the sender's outgoing key for that relationship
// and authorizations with the responder's. The long-term identity key only
// bootstraps the handshake; it never signs actions.
package token

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/openred/go-openred/crypto"
	"github.com/openred/go-openred/fort"
)

// DefaultTokenLifetime is how long an issued token stays valid.
const DefaultTokenLifetime = 365 * 24 * time.Hour

// ClockTolerance absorbs wall-clock skew between peers when comparing
// timestamps.
const ClockTolerance = 30 * time.Second

// Permissions maps action names to grants. Absent actions are denied.
type Permissions map[string]bool

// Token is the permissions record one fort issues to a peer. It is signed
// with the issuer's outgoing private key for this relationship.
type Token struct {
	TokenID     string      `json:"token_id"`
	Issuer      fort.ID     `json:"issuer"`
	Holder      fort.ID     `json:"holder"`
	IssuedAt    int64       `json:"issued_at"`
	ExpiresAt   int64       `json:"expires_at"`
	Permissions Permissions `json:"permissions"`
	Fingerprint string      `json:"relationship_fingerprint"`
	Signature   string      `json:"signature,omitempty"`
}

// SignedRequest is an action request signed with the requester's outgoing
// key for the requester→target relationship.
type SignedRequest struct {
	Requester fort.ID         `json:"requester"`
	Target    fort.ID         `json:"target"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Nonce     string          `json:"nonce"`
	TokenID   string          `json:"token_id"`
	Signature string          `json:"signature,omitempty"`
}

// Authorization is the responder's signed verdict on a request. Denials
// carry a reason; grants carry an authorization ID and timestamp.
type Authorization struct {
	RequestRef      string  `json:"request_ref"`
	Authorized      bool    `json:"authorized"`
	Reason          string  `json:"reason,omitempty"`
	AuthorizationID string  `json:"authorization_id,omitempty"`
	AuthorizedAt    int64   `json:"authorized_at,omitempty"`
	Authorizer      fort.ID `json:"authorizer"`
	Signature       string  `json:"signature,omitempty"`
}

// Denial reasons. Peers receive only these strings, never the detail of
// which cryptographic check failed.
const (
	ReasonBadSignature     = "bad_signature"
	ReasonPermissionDenied = "permission_denied"
	ReasonStaleTimestamp   = "stale_timestamp"
)

// signable produces the canonical bytes covered by a signature: the JSON
// encoding of v with its signature field already cleared. Go's encoder
// emits struct fields in declaration order and sorts map keys, so the
// encoding is deterministic.
func signable(v interface{}) []byte {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return crypto.Hash(buf)
}

// SignToken signs t in place with the issuer's outgoing private key.
func SignToken(t *Token, priv ed25519.PrivateKey) {
	cpy := *t
	cpy.Signature = ""
	t.Signature = hex.EncodeToString(crypto.Sign(priv, signable(&cpy)))
}

// VerifyToken checks t's signature against the issuer's outgoing public key.
func VerifyToken(t *Token, pub ed25519.PublicKey) bool {
	sig, err := hex.DecodeString(t.Signature)
	if err != nil || len(sig) == 0 {
		return false
	}
	cpy := *t
	cpy.Signature = ""
	return crypto.Verify(pub, signable(&cpy), sig)
}

// SignRequest signs r in place.
func SignRequest(r *SignedRequest, priv ed25519.PrivateKey) {
	cpy := *r
	cpy.Signature = ""
	r.Signature = hex.EncodeToString(crypto.Sign(priv, signable(&cpy)))
}

// VerifyRequest checks r's signature.
func VerifyRequest(r *SignedRequest, pub ed25519.PublicKey) bool {
	sig, err := hex.DecodeString(r.Signature)
	if err != nil || len(sig) == 0 {
		return false
	}
	cpy := *r
	cpy.Signature = ""
	return crypto.Verify(pub, signable(&cpy), sig)
}

// SignAuthorization signs a in place.
func SignAuthorization(a *Authorization, priv ed25519.PrivateKey) {
	cpy := *a
	cpy.Signature = ""
	a.Signature = hex.EncodeToString(crypto.Sign(priv, signable(&cpy)))
}

// VerifyAuthorization checks a's signature.
func VerifyAuthorization(a *Authorization, pub ed25519.PublicKey) bool {
	sig, err := hex.DecodeString(a.Signature)
	if err != nil || len(sig) == 0 {
		return false
	}
	cpy := *a
	cpy.Signature = ""
	return crypto.Verify(pub, signable(&cpy), sig)
}

// newID returns a fresh opaque identifier for tokens, nonces and
// authorizations.
func newID() string {
	return uuid.NewString()
}

// fingerprint derives the stable relationship fingerprint of an ordered
// fort pair.
func fingerprint(issuer, holder fort.ID) string {
	return hex.EncodeToString(crypto.Hash(issuer[:], holder[:])[:8])
}

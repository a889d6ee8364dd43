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
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openred/go-openred/crypto"
	"github.com/openred/go-openred/fort"
)

// MsgType identifies the envelope variant. Unknown types are dropped with a
// counter increment, never dispatched.
type MsgType string

const (
	MsgPing          MsgType = "ping"
	MsgPong          MsgType = "pong"
	MsgHello         MsgType = "hello"
	MsgHelloAck      MsgType = "hello_ack"
	MsgRequest       MsgType = "request"
	MsgResponse      MsgType = "response"
	MsgNotification  MsgType = "notification"
	MsgError         MsgType = "error"
	MsgProjection    MsgType = "projection"
	MsgProjectionAck MsgType = "projection_ack"
)

// Broadcast is the recipient value of envelopes addressed to everyone.
const Broadcast = "broadcast"

var knownTypes = map[MsgType]bool{
	MsgPing: true, MsgPong: true, MsgHello: true, MsgHelloAck: true,
	MsgRequest: true, MsgResponse: true, MsgNotification: true,
	MsgError: true, MsgProjection: true, MsgProjectionAck: true,
}

// Reply types must reference the message they answer.
var replyTypes = map[MsgType]bool{
	MsgPong: true, MsgHelloAck: true, MsgResponse: true, MsgProjectionAck: true,
}

var (
	// ErrMalformed covers structural and consistency validation failures.
	// Malformed envelopes are dropped silently and counted, never answered.
	ErrMalformed = errors.New("malformed message")
)

// Envelope is the unit of transport. It is serialized as one UTF-8 JSON
// object per datagram. created_at + ttl_seconds is the absolute wall-clock
// expiry instant.
type Envelope struct {
	Type      MsgType         `json:"type"`
	ID        string          `json:"message_id"`
	Sender    fort.ID         `json:"sender_fort_id"`
	Recipient string          `json:"recipient_fort_id"`
	CreatedAt int64           `json:"created_at"`
	TTL       uint64          `json:"ttl_seconds"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Signature string          `json:"signature,omitempty"`
	RepliesTo string          `json:"replies_to,omitempty"`
}

// DefaultTTL is applied by NewEnvelope.
const DefaultTTL = 30

// NewEnvelope builds an envelope with a fresh unique message ID. The
// payload is JSON-encoded; a nil payload yields an empty object.
func NewEnvelope(typ MsgType, sender fort.ID, recipient string, payload interface{}, now time.Time) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		raw = json.RawMessage("{}")
	}
	return &Envelope{
		Type:      typ,
		ID:        newMessageID(),
		Sender:    sender,
		Recipient: recipient,
		CreatedAt: now.Unix(),
		TTL:       DefaultTTL,
		Payload:   raw,
	}, nil
}

// newMessageID returns a random 128-bit hex identifier, unique per sender.
func newMessageID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("message id entropy unavailable: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a datagram into an envelope and runs structural and
// consistency validation.
func Decode(buf []byte) (*Envelope, error) {
	e := new(Envelope)
	if err := json.Unmarshal(buf, e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the required fields (structural validation) and the
// type-specific sub-fields (consistency validation).
func (e *Envelope) Validate() error {
	switch {
	case e.Type == "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	case !knownTypes[e.Type]:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, e.Type)
	case e.ID == "":
		return fmt.Errorf("%w: missing message_id", ErrMalformed)
	case e.Sender.IsZero():
		return fmt.Errorf("%w: missing sender", ErrMalformed)
	case e.Recipient == "":
		return fmt.Errorf("%w: missing recipient", ErrMalformed)
	case e.CreatedAt == 0:
		return fmt.Errorf("%w: missing created_at", ErrMalformed)
	case e.TTL == 0:
		return fmt.Errorf("%w: missing ttl_seconds", ErrMalformed)
	}
	if e.Recipient != Broadcast {
		if _, err := fort.ParseID(e.Recipient); err != nil {
			return fmt.Errorf("%w: bad recipient: %v", ErrMalformed, err)
		}
	}
	if replyTypes[e.Type] && e.RepliesTo == "" {
		return fmt.Errorf("%w: %s requires replies_to", ErrMalformed, e.Type)
	}
	return nil
}

// ExpiresAt returns the absolute expiry instant.
func (e *Envelope) ExpiresAt() time.Time {
	return time.Unix(e.CreatedAt+int64(e.TTL), 0)
}

// Expired reports whether the envelope is past its expiry at the given
// instant. Expired envelopes are discarded on receipt, never forwarded.
func (e *Envelope) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt())
}

// IsBroadcast reports whether the envelope is addressed to everyone.
func (e *Envelope) IsBroadcast() bool {
	return e.Recipient == Broadcast
}

// RecipientID returns the unicast recipient. ok is false for broadcasts.
func (e *Envelope) RecipientID() (fort.ID, bool) {
	if e.IsBroadcast() {
		return fort.ID{}, false
	}
	id, err := fort.ParseID(e.Recipient)
	if err != nil {
		return fort.ID{}, false
	}
	return id, true
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// sigContent returns the bytes covered by the envelope signature: the
// canonical encoding of every field except the signature itself.
func (e *Envelope) sigContent() []byte {
	cpy := *e
	cpy.Signature = ""
	buf, err := json.Marshal(&cpy)
	if err != nil {
		// Envelope fields are all marshalable types; this cannot fail.
		panic(err)
	}
	return crypto.Hash(buf)
}

// Sign attaches a signature over the envelope content.
func (e *Envelope) Sign(priv ed25519.PrivateKey) {
	e.Signature = hex.EncodeToString(crypto.Sign(priv, e.sigContent()))
}

// VerifySignature checks the envelope signature against pub.
func (e *Envelope) VerifySignature(pub ed25519.PublicKey) bool {
	if e.Signature == "" {
		return false
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	return crypto.Verify(pub, e.sigContent(), sig)
}

// Reply builds an answer envelope of the given type referencing e.
func (e *Envelope) Reply(typ MsgType, sender fort.ID, payload interface{}, now time.Time) (*Envelope, error) {
	r, err := NewEnvelope(typ, sender, e.Sender.String(), payload, now)
	if err != nil {
		return nil, err
	}
	r.RepliesTo = e.ID
	return r, nil
}

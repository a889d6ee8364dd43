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

// Package projection implements protected content projection: fragmented,
// chiffered content bound to one named observer, valid for one lifetime,
// watermarked on a rotating schedule and armed with a tamper counter that
// destroys the projection when it trips.
package projection

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/openred/go-openred/crypto"
	"github.com/openred/go-openred/fort"
)

const (
	// FragmentSize is the plaintext bytes per fragment. The last fragment
	// may be shorter.
	FragmentSize = 64

	// MinLevel and MaxLevel bound the protection level.
	MinLevel = 1
	MaxLevel = 5

	// WatermarkCadence is the rotation period of the watermark schedule.
	WatermarkCadence = 5 * time.Second

	// TamperThreshold is the number of recorded tamper events that
	// triggers self-destruction.
	TamperThreshold = 5

	// checksumLen truncates fragment checksums and salts.
	checksumLen = 8
)

// temporalKeyLifetimes maps protection level (1-based) to key lifetime.
var temporalKeyLifetimes = [MaxLevel]time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

// Fragment is one chiffered slice of the projected content.
type Fragment struct {
	Index      int    `json:"index"`
	Ciphertext []byte `json:"ciphertext"` // base64 on the wire
	Checksum   string `json:"plaintext_checksum"`
	Salt       string `json:"salt"`
}

// TemporalKey is a derived value with a bounded lifetime. Reconstitution
// requires at least one key still to be live.
type TemporalKey struct {
	Level     int    `json:"level"`
	KeyHash   string `json:"key_hash"`
	ExpiresAt int64  `json:"expires_at"`
}

// Session tracks the single active observer of a projection.
type Session struct {
	SessionID   string  `json:"session_id"`
	Observer    fort.ID `json:"active_observer_fort_id"`
	StartedAt   int64   `json:"started_at"`
	LastTouchAt int64   `json:"last_touch_at"`
	AccessCount int     `json:"access_count"`
}

// Projection is content prepared for exactly one observer. Fragments hold
// the chiffered bytes; the clear content is never stored.
type Projection struct {
	ID            string        `json:"projection_id"`
	Owner         fort.ID       `json:"owner_fort_id"`
	Observer      fort.ID       `json:"observer_fort_id"`
	CreatedAt     int64         `json:"created_at"`
	ExpiresAt     int64         `json:"expires_at"`
	Level         int           `json:"protection_level"`
	Fragments     []Fragment    `json:"fragments"`
	Watermarks    []string      `json:"watermark_schedule"`
	TemporalKeys  []TemporalKey `json:"temporal_keys"`
	ValidationSeq []int64       `json:"validation_sequence"`

	// Mutable session state, maintained by the owning engine and not
	// part of the signed wire record.
	Session     *Session `json:"session_state,omitempty"`
	TamperCount int      `json:"tamper_count,omitempty"`
	Destroyed   bool     `json:"destroyed,omitempty"`
	Degraded    bool     `json:"degraded,omitempty"`
}

// newProjectionID returns a fresh opaque 128-bit identifier.
func newProjectionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("projection id entropy unavailable: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// fragmentKey derives the key stream seed for the fragment at byte
// offset o.
func fragmentKey(projectionID string, offset int) []byte {
	return crypto.Hash([]byte(fmt.Sprintf("%s:%d", projectionID, offset)))
}

// cryptFragment XORs b with the key stream for offset o. The operation is
// its own inverse.
func cryptFragment(projectionID string, offset int, b []byte) []byte {
	stream := crypto.KeyStream(fragmentKey(projectionID, offset), len(b))
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ stream[i]
	}
	return out
}

// fragment splits content into chiffered fragments of FragmentSize bytes.
func fragment(projectionID string, content []byte, now time.Time) []Fragment {
	frags := make([]Fragment, 0, (len(content)+FragmentSize-1)/FragmentSize)
	for o := 0; o < len(content); o += FragmentSize {
		end := o + FragmentSize
		if end > len(content) {
			end = len(content)
		}
		b := content[o:end]
		frags = append(frags, Fragment{
			Index:      o / FragmentSize,
			Ciphertext: cryptFragment(projectionID, o, b),
			Checksum:   hex.EncodeToString(crypto.Hash(b)[:checksumLen]),
			Salt:       hex.EncodeToString(crypto.Hash([]byte(projectionID), binary.BigEndian.AppendUint64(nil, uint64(o)), binary.BigEndian.AppendUint64(nil, uint64(now.UnixNano())))[:checksumLen]),
		})
	}
	return frags
}

// watermarkSchedule produces the deterministic rotation strings for one
// observer: 5 + 2·level entries.
func watermarkSchedule(projectionID string, observer fort.ID, level int, now time.Time) []string {
	n := 5 + 2*level
	marks := make([]string, n)
	for i := 0; i < n; i++ {
		h := crypto.Hash(
			[]byte(projectionID),
			observer[:],
			binary.BigEndian.AppendUint64(nil, uint64(i)),
			binary.BigEndian.AppendUint64(nil, uint64(now.Unix())),
		)
		marks[i] = hex.EncodeToString(h[:6])
	}
	return marks
}

// temporalKeys derives one bounded-lifetime key per level up to the
// projection's protection level.
func temporalKeys(projectionID string, level int, now time.Time) []TemporalKey {
	keys := make([]TemporalKey, level)
	for l := 1; l <= level; l++ {
		lifetime := temporalKeyLifetimes[l-1]
		var nonce [8]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			panic("temporal key entropy unavailable: " + err.Error())
		}
		h := crypto.Hash(
			[]byte(projectionID),
			binary.BigEndian.AppendUint64(nil, uint64(l)),
			binary.BigEndian.AppendUint64(nil, uint64(now.Add(lifetime).Unix())),
			nonce[:],
		)
		keys[l-1] = TemporalKey{
			Level:     l,
			KeyHash:   hex.EncodeToString(h),
			ExpiresAt: now.Add(lifetime).Unix(),
		}
	}
	return keys
}

// validationSequence emits the anti-tamper check sequence: 10 + 2·level
// integers from a PRNG seeded by the projection ID.
func validationSequence(projectionID string, level int) []int64 {
	seed := int64(binary.BigEndian.Uint64(crypto.Hash([]byte(projectionID))[:8]))
	rng := mrand.New(mrand.NewSource(seed))
	seq := make([]int64, 10+2*level)
	for i := range seq {
		seq[i] = rng.Int63()
	}
	return seq
}

// CheckValidationSequence recomputes the expected sequence and compares.
// A mismatch means the record was altered in flight or at rest.
func (p *Projection) CheckValidationSequence() bool {
	want := validationSequence(p.ID, p.Level)
	if len(want) != len(p.ValidationSeq) {
		return false
	}
	for i := range want {
		if want[i] != p.ValidationSeq[i] {
			return false
		}
	}
	return true
}

// CurrentWatermark returns the schedule entry active at the given instant.
func (p *Projection) CurrentWatermark(now time.Time) string {
	if len(p.Watermarks) == 0 {
		return ""
	}
	elapsed := now.Unix() - p.CreatedAt
	if elapsed < 0 {
		elapsed = 0
	}
	idx := (elapsed / int64(WatermarkCadence/time.Second)) % int64(len(p.Watermarks))
	return p.Watermarks[idx]
}

// Expired reports whether the projection lifetime has elapsed.
func (p *Projection) Expired(now time.Time) bool {
	return now.Unix() >= p.ExpiresAt
}

// LiveKeys counts temporal keys whose lifetime has not elapsed.
func (p *Projection) LiveKeys(now time.Time) int {
	live := 0
	for _, k := range p.TemporalKeys {
		if now.Unix() < k.ExpiresAt {
			live++
		}
	}
	return live
}

// reconstruct decrypts the fragments in index order and verifies each
// plaintext checksum. It returns the original content byte-exact.
func (p *Projection) reconstruct() ([]byte, error) {
	out := make([]byte, 0, len(p.Fragments)*FragmentSize)
	for i, f := range p.Fragments {
		if f.Index != i {
			return nil, fmt.Errorf("fragment %d out of order", f.Index)
		}
		b := cryptFragment(p.ID, f.Index*FragmentSize, f.Ciphertext)
		sum := hex.EncodeToString(crypto.Hash(b)[:checksumLen])
		if sum != f.Checksum {
			return nil, fmt.Errorf("fragment %d checksum mismatch", f.Index)
		}
		out = append(out, b...)
	}
	return out, nil
}

// zeroize wipes the fragments, keys, watermarks and session. Destruction
// is terminal; the tombstone only records that it happened.
func (p *Projection) zeroize() {
	for i := range p.Fragments {
		for j := range p.Fragments[i].Ciphertext {
			p.Fragments[i].Ciphertext[j] = 0
		}
	}
	p.Fragments = nil
	p.TemporalKeys = nil
	p.Watermarks = nil
	p.ValidationSeq = nil
	p.Session = nil
	p.Destroyed = true
}

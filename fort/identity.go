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

// Package fort models participants of the OpenRed network. A fort's stable
// name is its ID, derived from the long-term public key; the keypair itself
// never leaves the fort's data directory.
package fort

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openred/go-openred/crypto"
)

// DefaultDomain is the cosmetic domain suffix of ORP addresses.
const DefaultDomain = "openred"

// IDLength is the byte length of a fort identifier (96 bits).
const IDLength = 12

// ID is the stable cryptographic identifier of a fort. It is the truncated
// SHA3-256 digest of the fort's long-term public key.
type ID [IDLength]byte

// PubkeyToID derives the fort identifier from a long-term public key.
func PubkeyToID(pub ed25519.PublicKey) ID {
	var id ID
	copy(id[:], crypto.Hash(pub))
	return id
}

// ParseID parses a 24-character hex string into an ID.
func ParseID(in string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(in)
	if err != nil {
		return id, fmt.Errorf("invalid fort ID %q: %v", in, err)
	}
	if len(b) != IDLength {
		return id, fmt.Errorf("invalid fort ID %q: wrong length, want %d hex chars", in, IDLength*2)
	}
	copy(id[:], b)
	return id, nil
}

// HexID converts a hex string to an ID, panicking on invalid input.
// It is intended for use in tests with hard coded IDs.
func HexID(in string) ID {
	id, err := ParseID(in)
	if err != nil {
		panic(err)
	}
	return id
}

// Bytes returns a byte slice representation of the ID.
func (id ID) Bytes() []byte {
	return id[:]
}

// String prints the ID as a long hexadecimal number.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// TerminalString returns a shortened hex string for terminal logging.
func (id ID) TerminalString() string {
	return hex.EncodeToString(id[:4])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(id[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IsZero reports whether the ID is all zeroes.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Identity is the complete identity of a local fort, private key included.
type Identity struct {
	ID     ID
	Name   string
	Domain string
	Pub    ed25519.PublicKey
	Priv   ed25519.PrivateKey
}

// Bundle is the public half of an identity, safe to put on the wire.
// Discovery hello messages carry a Bundle.
type Bundle struct {
	ID      ID     `json:"fort_id"`
	Name    string `json:"display_name"`
	Address string `json:"orp_address"`
	Pubkey  string `json:"public_key"`
}

// NewIdentity generates a fresh fort identity with the given display name.
func NewIdentity(name string) (*Identity, error) {
	pub, priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Identity{
		ID:     PubkeyToID(pub),
		Name:   name,
		Domain: DefaultDomain,
		Pub:    pub,
		Priv:   priv,
	}, nil
}

// Address returns the fort's ORP address, orp://<id>.<domain>/.
func (id *Identity) Address() string {
	return fmt.Sprintf("orp://%s.%s/", id.ID, id.Domain)
}

// Bundle returns the public identity bundle. The private key is never
// included.
func (id *Identity) Bundle() Bundle {
	return Bundle{
		ID:      id.ID,
		Name:    id.Name,
		Address: id.Address(),
		Pubkey:  hex.EncodeToString(id.Pub),
	}
}

// PublicKey decodes the bundle's hex public key.
func (b *Bundle) PublicKey() (ed25519.PublicKey, error) {
	return crypto.HexToPublicKey(b.Pubkey)
}

// Validate checks the bundle's internal consistency: the ID must match the
// advertised public key.
func (b *Bundle) Validate() error {
	pub, err := b.PublicKey()
	if err != nil {
		return err
	}
	if PubkeyToID(pub) != b.ID {
		return errors.New("fort ID does not match public key")
	}
	return nil
}

const (
	privFile = "identity.key"
	pubFile  = "identity.pub"
	nameFile = "identity.name"
)

// Load reads a fort identity from datadir.
func Load(datadir string) (*Identity, error) {
	priv, err := crypto.LoadPrivateKey(filepath.Join(datadir, privFile))
	if err != nil {
		return nil, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	name := ""
	if buf, err := os.ReadFile(filepath.Join(datadir, nameFile)); err == nil {
		name = string(buf)
		for len(name) > 0 && (name[len(name)-1] == '\n' || name[len(name)-1] == '\r') {
			name = name[:len(name)-1]
		}
	}
	return &Identity{
		ID:     PubkeyToID(pub),
		Name:   name,
		Domain: DefaultDomain,
		Pub:    pub,
		Priv:   priv,
	}, nil
}

// Store persists the identity under datadir: identity.key holds the private
// key, identity.pub the public key, identity.name the display name.
func (id *Identity) Store(datadir string) error {
	if err := os.MkdirAll(datadir, 0700); err != nil {
		return err
	}
	if err := crypto.SavePrivateKey(filepath.Join(datadir, privFile), id.Priv); err != nil {
		return err
	}
	if err := crypto.SavePublicKey(filepath.Join(datadir, pubFile), id.Pub); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(datadir, nameFile), []byte(id.Name+"\n"), 0644)
}

// LoadOrCreate loads the identity stored in datadir, generating and storing
// a fresh one if none exists yet.
func LoadOrCreate(datadir, name string) (*Identity, error) {
	id, err := Load(datadir)
	if err == nil {
		if name != "" {
			id.Name = name
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	id, err = NewIdentity(name)
	if err != nil {
		return nil, err
	}
	if err := id.Store(datadir); err != nil {
		return nil, err
	}
	return id, nil
}

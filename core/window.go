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
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/openred/go-openred/crypto"
	"github.com/openred/go-openred/fort"
)

// windowFile holds the window state inside the datadir. Unlike
// projections the window survives restarts.
const windowFile = "window.json"

// Publication is one entry of a fort's public window. Entries are signed
// with the author's long-term identity key, so any reader holding the
// identity bundle can check authorship.
type Publication struct {
	ID        string  `json:"publication_id"`
	Author    fort.ID `json:"author_fort_id"`
	Content   string  `json:"content"`
	CreatedAt int64   `json:"created_at"`
	Signature string  `json:"signature,omitempty"`
}

// sign signs the publication in place with the author's identity key.
func (p *Publication) sign(priv ed25519.PrivateKey) {
	cpy := *p
	cpy.Signature = ""
	buf, err := json.Marshal(&cpy)
	if err != nil {
		panic(err)
	}
	p.Signature = hex.EncodeToString(crypto.Sign(priv, crypto.Hash(buf)))
}

// Verify checks the publication signature against the author's identity
// public key.
func (p *Publication) Verify(pub ed25519.PublicKey) bool {
	sig, err := hex.DecodeString(p.Signature)
	if err != nil || len(sig) == 0 {
		return false
	}
	cpy := *p
	cpy.Signature = ""
	buf, err := json.Marshal(&cpy)
	if err != nil {
		return false
	}
	return crypto.Verify(pub, crypto.Hash(buf), sig)
}

// Window is the public window record as it travels inside a window
// projection: the fort's greeting plus its publications, oldest first.
type Window struct {
	Fort         fort.ID       `json:"fort_id"`
	Name         string        `json:"display_name"`
	Greeting     string        `json:"greeting"`
	Publications []Publication `json:"publications"`
}

// ParseWindow decodes a window record received through a projection.
func ParseWindow(b []byte) (*Window, error) {
	w := new(Window)
	if err := json.Unmarshal(b, w); err != nil {
		return nil, fmt.Errorf("invalid window record: %v", err)
	}
	return w, nil
}

// SetGreeting replaces the window's greeting line.
func (c *Core) SetGreeting(greeting string) error {
	c.windowMu.Lock()
	defer c.windowMu.Unlock()
	c.greeting = greeting
	return c.saveWindow()
}

// AddPublication signs content with the fort's identity key and appends
// it to the public window.
func (c *Core) AddPublication(content string) (*Publication, error) {
	p := &Publication{
		ID:        uuid.NewString(),
		Author:    c.ident.ID,
		Content:   content,
		CreatedAt: c.clock.Now().Unix(),
	}
	p.sign(c.ident.Priv)

	c.windowMu.Lock()
	defer c.windowMu.Unlock()
	c.pubs = append(c.pubs, *p)
	if err := c.saveWindow(); err != nil {
		return nil, err
	}
	c.log.Info("Publication added", "id", p.ID)
	return p, nil
}

// Publications returns a copy of the window's publication list.
func (c *Core) Publications() []Publication {
	c.windowMu.RLock()
	defer c.windowMu.RUnlock()
	return append([]Publication(nil), c.pubs...)
}

// Window assembles the current public window record.
func (c *Core) Window() *Window {
	c.windowMu.RLock()
	defer c.windowMu.RUnlock()
	return &Window{
		Fort:         c.ident.ID,
		Name:         c.ident.Name,
		Greeting:     c.greeting,
		Publications: append([]Publication(nil), c.pubs...),
	}
}

// windowBytes serializes the window record for projection.
func (c *Core) windowBytes() []byte {
	blob, err := json.Marshal(c.Window())
	if err != nil {
		panic(err)
	}
	return blob
}

// windowState is the on-disk shape of the window.
type windowState struct {
	Greeting     string        `json:"greeting"`
	Publications []Publication `json:"publications"`
}

// loadWindow restores the window from the datadir. A missing file leaves
// the defaults in place.
func (c *Core) loadWindow() error {
	if c.cfg.Datadir == "" {
		return nil
	}
	blob, err := os.ReadFile(filepath.Join(c.cfg.Datadir, windowFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var state windowState
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("corrupt window file: %v", err)
	}
	c.greeting = state.Greeting
	c.pubs = state.Publications
	return nil
}

// saveWindow persists the window. Callers hold windowMu.
func (c *Core) saveWindow() error {
	if c.cfg.Datadir == "" {
		return nil
	}
	blob, err := json.Marshal(windowState{Greeting: c.greeting, Publications: c.pubs})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.cfg.Datadir, windowFile), blob, 0600)
}

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

// Package routedb persists the discovery route cache: the network endpoints
// at which fort IDs were last confirmed reachable.
package routedb

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/openred/go-openred/common/mclock"
	"github.com/openred/go-openred/fort"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Keys in the route database.
const (
	dbVersionKey  = "version"
	dbRoutePrefix = "r:"
)

const (
	dbVersion          = 1
	DefaultStaleness   = 24 * time.Hour // Entries unconfirmed for this long are evicted.
	dbCleanupCycle     = time.Hour
	confirmedThreshold = 0.5 // Minimum confidence for a cache hit without rediscovery.
)

// Record is a cached route for one fort.
type Record struct {
	Endpoint      string  `json:"endpoint"`
	LastConfirmed int64   `json:"last_confirmed_at"`
	Confidence    float64 `json:"confidence"`
}

// DB is the route database. All methods are safe for concurrent use.
type DB struct {
	lvl       *leveldb.DB
	clock     mclock.Clock
	staleness time.Duration
	runner    sync.Once
	quit      chan struct{}
}

// Open opens a route database at path, or an in-memory database if path is
// empty. A zero staleness selects DefaultStaleness.
func Open(path string, clock mclock.Clock, staleness time.Duration) (*DB, error) {
	if clock == nil {
		clock = mclock.System{}
	}
	if staleness == 0 {
		staleness = DefaultStaleness
	}
	var (
		lvl *leveldb.DB
		err error
	)
	if path == "" {
		lvl, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		lvl, err = openPersistent(path)
	}
	if err != nil {
		return nil, err
	}
	return &DB{lvl: lvl, clock: clock, staleness: staleness, quit: make(chan struct{})}, nil
}

func openPersistent(path string) (*leveldb.DB, error) {
	opts := &opt.Options{OpenFilesCacheCapacity: 5}
	lvl, err := leveldb.OpenFile(path, opts)
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		lvl, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	// Flush the cache on version mismatch.
	ver := []byte{dbVersion}
	blob, err := lvl.Get([]byte(dbVersionKey), nil)
	switch err {
	case leveldb.ErrNotFound:
		if err := lvl.Put([]byte(dbVersionKey), ver, nil); err != nil {
			lvl.Close()
			return nil, err
		}
	case nil:
		if len(blob) != 1 || blob[0] != dbVersion {
			lvl.Close()
			if err := wipe(path); err != nil {
				return nil, err
			}
			return openPersistent(path)
		}
	default:
		lvl.Close()
		return nil, err
	}
	return lvl, nil
}

func wipe(path string) error {
	lvl, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return err
	}
	defer lvl.Close()
	it := lvl.NewIterator(nil, nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(it.Key())
	}
	return lvl.Write(batch, nil)
}

func routeKey(id fort.ID) []byte {
	return append([]byte(dbRoutePrefix), id.Bytes()...)
}

// Update stores or replaces the endpoint for id with the given confidence,
// stamping it confirmed now.
func (db *DB) Update(id fort.ID, addr *net.UDPAddr, confidence float64) error {
	db.ensureExpirer()
	rec := Record{
		Endpoint:      addr.String(),
		LastConfirmed: db.clock.Now().Unix(),
		Confidence:    clamp(confidence),
	}
	blob, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	return db.lvl.Put(routeKey(id), blob, nil)
}

// Confirm refreshes the confirmation timestamp of an existing entry and
// raises its confidence. Unknown IDs are a no-op.
func (db *DB) Confirm(id fort.ID) error {
	db.ensureExpirer()
	blob, err := db.lvl.Get(routeKey(id), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil
		}
		return err
	}
	var rec Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return err
	}
	rec.LastConfirmed = db.clock.Now().Unix()
	rec.Confidence = clamp(rec.Confidence + 0.25)
	blob, err = json.Marshal(&rec)
	if err != nil {
		return err
	}
	return db.lvl.Put(routeKey(id), blob, nil)
}

// Lookup returns the cached endpoint for id. Stale entries behave as
// missing and are removed.
func (db *DB) Lookup(id fort.ID) (addr *net.UDPAddr, confidence float64, ok bool) {
	db.ensureExpirer()
	blob, err := db.lvl.Get(routeKey(id), nil)
	if err != nil {
		return nil, 0, false
	}
	var rec Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		db.lvl.Delete(routeKey(id), nil)
		return nil, 0, false
	}
	if db.stale(rec.LastConfirmed) {
		db.lvl.Delete(routeKey(id), nil)
		return nil, 0, false
	}
	udp, err := net.ResolveUDPAddr("udp", rec.Endpoint)
	if err != nil {
		db.lvl.Delete(routeKey(id), nil)
		return nil, 0, false
	}
	return udp, rec.Confidence, true
}

// Confident reports whether a cached entry is trustworthy enough to use
// without a fresh discovery round.
func (db *DB) Confident(id fort.ID) bool {
	_, conf, ok := db.Lookup(id)
	return ok && conf >= confirmedThreshold
}

// Delete removes the entry for id.
func (db *DB) Delete(id fort.ID) error {
	return db.lvl.Delete(routeKey(id), nil)
}

// Close flushes and closes the database.
func (db *DB) Close() {
	select {
	case <-db.quit:
	default:
		close(db.quit)
	}
	db.lvl.Close()
}

func (db *DB) stale(lastConfirmed int64) bool {
	return db.clock.Now().Unix()-lastConfirmed > int64(db.staleness/time.Second)
}

func clamp(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// ensureExpirer starts the staleness sweeper on first use. Starting it
// lazily keeps route entries of mostly-offline forts alive across quick
// restarts while still converging on a bounded cache.
func (db *DB) ensureExpirer() {
	db.runner.Do(func() { go db.expirer() })
}

func (db *DB) expirer() {
	tick := time.NewTicker(dbCleanupCycle)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			db.expireRoutes()
		case <-db.quit:
			return
		}
	}
}

// expireRoutes iterates the database and deletes all entries that have not
// been confirmed within the staleness window.
func (db *DB) expireRoutes() {
	it := db.lvl.NewIterator(util.BytesPrefix([]byte(dbRoutePrefix)), nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil || db.stale(rec.LastConfirmed) {
			batch.Delete(append([]byte{}, it.Key()...))
		}
	}
	db.lvl.Write(batch, nil)
}

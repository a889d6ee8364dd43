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
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/openred/go-openred/crypto"
	"github.com/openred/go-openred/fort"
	"github.com/openred/go-openred/log"
)

// logFile is the append-only relationship log inside a fort's datadir,
// one JSON record per line. On replay the latest record per peer wins.
const logFile = "relationships.log"

// writeQueueSize bounds the persistence queue. Appends block when the
// background writer falls this far behind.
const writeQueueSize = 128

// Record is one persisted relationship snapshot.
type Record struct {
	Peer      fort.ID `json:"peer_id"`
	State     State   `json:"state"`
	OutKey    string  `json:"outgoing_key,omitempty"` // hex private seed
	OutToken  *Token  `json:"outgoing_token,omitempty"`
	InPubkey  string  `json:"incoming_pubkey,omitempty"`
	InToken   *Token  `json:"incoming_token,omitempty"`
	RevokedAt int64   `json:"revoked_at,omitempty"`
	UpdatedAt int64   `json:"updated_at"`
}

// newRecord snapshots a relationship. The caller holds rel.mu.
func newRecord(rel *relationship, now int64) *Record {
	rec := &Record{
		Peer:      rel.peer,
		State:     rel.state,
		RevokedAt: rel.revokedAt,
		UpdatedAt: now,
	}
	if rel.outgoing != nil {
		rec.OutKey = hex.EncodeToString(rel.outgoing.priv.Seed())
		rec.OutToken = cloneToken(rel.outgoing.token)
	}
	if rel.incoming != nil {
		rec.InPubkey = hex.EncodeToString(rel.incoming.pub)
		rec.InToken = cloneToken(rel.incoming.token)
	}
	return rec
}

// restore rebuilds the in-memory relationship from a persisted record.
func (rec *Record) restore() (*relationship, error) {
	rel := &relationship{
		peer:      rec.Peer,
		state:     rec.State,
		revokedAt: rec.RevokedAt,
	}
	if rec.OutKey != "" {
		priv, err := crypto.HexToPrivateKey(rec.OutKey)
		if err != nil {
			return nil, err
		}
		rel.outgoing = &outgoingSide{
			priv:  priv,
			pub:   priv.Public().(ed25519.PublicKey),
			token: cloneToken(rec.OutToken),
		}
	}
	if rec.InPubkey != "" {
		pub, err := crypto.HexToPublicKey(rec.InPubkey)
		if err != nil {
			return nil, err
		}
		rel.incoming = &incomingSide{pub: pub, token: cloneToken(rec.InToken)}
	}
	return rel, nil
}

// Store is the append-only relationship log. Appends are offloaded to a
// background writer so token operations never block on disk.
type Store struct {
	path string
	log  log.Logger

	queue    chan *Record
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup

	fileMu sync.Mutex // serializes appends against compaction
}

// OpenStore opens (or creates) the relationship log under datadir and
// starts the background writer.
func OpenStore(datadir string, logger log.Logger) (*Store, error) {
	if err := os.MkdirAll(datadir, 0700); err != nil {
		return nil, err
	}
	s := &Store{
		path:  filepath.Join(datadir, logFile),
		log:   logger,
		queue: make(chan *Record, writeQueueSize),
		quit:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Replay streams every persisted record in log order. Call it before the
// first Append; records written later are not observed.
func (s *Store) Replay(fn func(*Record)) error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		rec := new(Record)
		if err := json.Unmarshal(scanner.Bytes(), rec); err != nil {
			// A torn tail write is recoverable; skip the line.
			s.log.Warn("Skipping corrupt relationship log line", "line", line, "err", err)
			continue
		}
		fn(rec)
	}
	return scanner.Err()
}

// Append queues a record for the background writer. It blocks only when
// the writer is writeQueueSize records behind.
func (s *Store) Append(rec *Record) {
	select {
	case s.queue <- rec:
	case <-s.quit:
	}
}

// Compact rewrites the log with exactly the given records, dropping
// superseded history. The rewrite is atomic via rename.
func (s *Store) Compact(records []*Record) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, rec := range records {
		blob, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		w.Write(blob)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

// Close drains pending appends and stops the writer. It is safe to call
// more than once.
func (s *Store) Close() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.wg.Wait()
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		case <-s.quit:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case rec := <-s.queue:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) write(rec *Record) {
	blob, err := json.Marshal(rec)
	if err != nil {
		s.log.Error("Cannot encode relationship record", "peer", rec.Peer, "err", err)
		return
	}
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		s.log.Error("Cannot open relationship log", "err", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(blob, '\n')); err != nil {
		s.log.Error("Relationship log write failed", "err", err)
	}
}

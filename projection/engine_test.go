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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openred/go-openred/common/mclock"
	"github.com/openred/go-openred/fort"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var strangerID = fort.HexID("cccccccccccccccccccccccc")

func newTestEngine(t *testing.T, clock mclock.Clock) *Engine {
	t.Helper()
	e, err := New(ownerID, Config{Clock: clock})
	require.NoError(t, err)
	return e
}

func TestCreateAndAccess(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	e := newTestEngine(t, clock)
	content := []byte("window content for one observer")

	p, err := e.Create(content, observerID, 60*time.Second, 3)
	require.NoError(t, err)
	assert.Len(t, p.Watermarks, 5+2*3)
	assert.Len(t, p.TemporalKeys, 3)
	assert.True(t, p.CheckValidationSequence())

	res, err := e.Access(p.ID, observerID, "")
	require.NoError(t, err)
	assert.Equal(t, content, res.Content)
	assert.NotEmpty(t, res.Watermark)
	assert.NotEmpty(t, res.SessionID)

	// Subsequent accesses reuse the session.
	res2, err := e.Access(p.ID, observerID, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, content, res2.Content)
	assert.Equal(t, res.SessionID, res2.SessionID)
}

func TestCreateValidation(t *testing.T) {
	e := newTestEngine(t, mclock.NewSimulated(testTime))

	_, err := e.Create([]byte("x"), observerID, time.Minute, 0)
	assert.ErrorIs(t, err, ErrBadLevel)
	_, err = e.Create([]byte("x"), observerID, time.Minute, 6)
	assert.ErrorIs(t, err, ErrBadLevel)
	_, err = e.Create(make([]byte, MaxContentSize+1), observerID, time.Minute, 1)
	assert.ErrorIs(t, err, ErrOversize)
}

func TestAccessWrongObserver(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	e := newTestEngine(t, clock)
	p, err := e.Create([]byte("secret"), observerID, 60*time.Second, 3)
	require.NoError(t, err)

	res, err := e.Access(p.ID, strangerID, "intruder-session")
	assert.ErrorIs(t, err, ErrWrongObserver)
	assert.Nil(t, res)

	count, ok := e.TamperCount(p.ID)
	require.True(t, ok)
	assert.Equal(t, 1, count)

	// The legitimate observer is unaffected.
	_, err = e.Access(p.ID, observerID, "")
	require.NoError(t, err)
}

func TestAccessSessionMismatch(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	e := newTestEngine(t, clock)
	p, err := e.Create([]byte("secret"), observerID, 60*time.Second, 2)
	require.NoError(t, err)

	res, err := e.Access(p.ID, observerID, "session-one")
	require.NoError(t, err)
	require.Equal(t, "session-one", res.SessionID)

	_, err = e.Access(p.ID, observerID, "session-two")
	assert.ErrorIs(t, err, ErrSessionMismatch)
	count, _ := e.TamperCount(p.ID)
	assert.Equal(t, 1, count)
}

func TestAccessExpiryBoundary(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	e := newTestEngine(t, clock)
	p, err := e.Create([]byte("short lived"), observerID, 300*time.Second, 5)
	require.NoError(t, err)

	clock.Run(299 * time.Second)
	_, err = e.Access(p.ID, observerID, "s")
	require.NoError(t, err, "one second before expiry the content is served")

	clock.Run(2 * time.Second)
	_, err = e.Access(p.ID, observerID, "s")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestAccessAllTemporalKeysExpired(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	e := newTestEngine(t, clock)
	// Level 5: the longest key lives 600s. The projection itself lives
	// longer, so the key check fires first.
	p, err := e.Create([]byte("keyed"), observerID, 3600*time.Second, 5)
	require.NoError(t, err)

	clock.Run(601 * time.Second)
	_, err = e.Access(p.ID, observerID, "s")
	assert.ErrorIs(t, err, ErrKeysExpired)
}

func TestAccessScrapingRate(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	e := newTestEngine(t, clock)
	p, err := e.Create([]byte("scraped"), observerID, 3600*time.Second, 5)
	require.NoError(t, err)

	res, err := e.Access(p.ID, observerID, "")
	require.NoError(t, err)
	for i := 0; i < sessionRateLimit-1; i++ {
		_, err = e.Access(p.ID, observerID, res.SessionID)
		require.NoError(t, err)
	}
	// Access 51 within the first minute of the session is scraping.
	_, err = e.Access(p.ID, observerID, res.SessionID)
	assert.ErrorIs(t, err, ErrScraping)
	count, _ := e.TamperCount(p.ID)
	assert.Equal(t, 1, count)

	// Outside the opening window the rate heuristic no longer applies.
	clock.Run(61 * time.Second)
	_, err = e.Access(p.ID, observerID, res.SessionID)
	require.NoError(t, err)
}

func TestSelfDestruction(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	e := newTestEngine(t, clock)
	p, err := e.Create([]byte("doomed"), observerID, 3600*time.Second, 3)
	require.NoError(t, err)

	res, err := e.Access(p.ID, observerID, "")
	require.NoError(t, err)

	for i := 0; i < TamperThreshold; i++ {
		require.NoError(t, e.RegisterTamper(p.ID, TamperCopy))
	}

	// Even the legitimate observer with the right session gets nothing.
	_, err = e.Access(p.ID, observerID, res.SessionID)
	assert.ErrorIs(t, err, ErrDestroyed)

	select {
	case ev := <-e.Events():
		assert.Equal(t, EventDestroyed, ev.Type)
		assert.Equal(t, p.ID, ev.Projection)
		assert.Equal(t, observerID, ev.Observer)
	default:
		t.Fatal("no destruction event emitted")
	}

	// Destruction is terminal.
	assert.ErrorIs(t, e.RegisterTamper(p.ID, TamperCopy), ErrDestroyed)
}

func TestDeniedAccessesAccumulateToDestruction(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	e := newTestEngine(t, clock)
	p, err := e.Create([]byte("probed"), observerID, 3600*time.Second, 3)
	require.NoError(t, err)

	for i := 0; i < TamperThreshold; i++ {
		_, err = e.Access(p.ID, strangerID, "x")
		assert.ErrorIs(t, err, ErrWrongObserver)
	}
	_, err = e.Access(p.ID, observerID, "")
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestAdoptAndReconstruct(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	owner := newTestEngine(t, clock)
	content := []byte("travelling content")
	p, err := owner.Create(content, observerID, 60*time.Second, 2)
	require.NoError(t, err)

	// The record crosses the wire as JSON.
	blob, err := json.Marshal(p)
	require.NoError(t, err)
	received := new(Projection)
	require.NoError(t, json.Unmarshal(blob, received))

	observer, err := New(observerID, Config{Clock: clock})
	require.NoError(t, err)
	require.NoError(t, observer.Adopt(received))

	res, err := observer.Access(p.ID, observerID, "")
	require.NoError(t, err)
	assert.Equal(t, content, res.Content)
}

func TestAdoptEmptyContent(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	owner := newTestEngine(t, clock)
	p, err := owner.Create([]byte{}, observerID, 60*time.Second, 2)
	require.NoError(t, err)
	assert.Empty(t, p.Fragments)

	blob, err := json.Marshal(p)
	require.NoError(t, err)
	received := new(Projection)
	require.NoError(t, json.Unmarshal(blob, received))

	observer, err := New(observerID, Config{Clock: clock})
	require.NoError(t, err)
	require.NoError(t, observer.Adopt(received))

	res, err := observer.Access(p.ID, observerID, "")
	require.NoError(t, err)
	assert.Empty(t, res.Content)
	assert.NotEmpty(t, res.Watermark)
}

func TestAdoptRejectsTampered(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	owner := newTestEngine(t, clock)
	p, err := owner.Create([]byte("tampered"), observerID, 60*time.Second, 2)
	require.NoError(t, err)

	p.ValidationSeq[0]++
	observer, err := New(observerID, Config{Clock: clock})
	require.NoError(t, err)
	assert.Error(t, observer.Adopt(p))
}

func TestRevoke(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	e := newTestEngine(t, clock)
	p, err := e.Create([]byte("withdrawn"), observerID, 3600*time.Second, 1)
	require.NoError(t, err)

	require.NoError(t, e.Revoke(p.ID))
	_, err = e.Access(p.ID, observerID, "")
	assert.ErrorIs(t, err, ErrDestroyed)

	select {
	case ev := <-e.Events():
		assert.Equal(t, EventRevoked, ev.Type)
	default:
		t.Fatal("no revocation event emitted")
	}
}

func TestSchedulerExpiry(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	e := newTestEngine(t, clock)
	p, err := e.Create([]byte("ticking"), observerID, 30*time.Second, 1)
	require.NoError(t, err)

	e.Start()
	defer e.Stop()

	clock.WaitForTimers(1)
	clock.Run(31 * time.Second)

	select {
	case ev := <-e.Events():
		assert.Equal(t, EventExpired, ev.Type)
		assert.Equal(t, p.ID, ev.Projection)
	case <-time.After(2 * time.Second):
		t.Fatal("no expiry event")
	}

	_, err = e.Access(p.ID, observerID, "")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestSchedulerDegrade(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	e := newTestEngine(t, clock)
	// The level 1 key dies after 30s while the projection lives on.
	_, err := e.Create([]byte("degrading"), observerID, 3600*time.Second, 1)
	require.NoError(t, err)

	e.Start()
	defer e.Stop()

	clock.WaitForTimers(1)
	clock.Run(31 * time.Second)

	select {
	case ev := <-e.Events():
		assert.Equal(t, EventDegraded, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no degrade event")
	}
}

func TestPersistenceLifecycle(t *testing.T) {
	clock := mclock.NewSimulated(testTime)
	dir := t.TempDir()
	e, err := New(ownerID, Config{Clock: clock, Datadir: dir})
	require.NoError(t, err)

	p, err := e.Create([]byte("on disk"), observerID, 3600*time.Second, 1)
	require.NoError(t, err)
	file := filepath.Join(dir, projectionsDir, p.ID+".json")
	_, err = os.Stat(file)
	require.NoError(t, err, "projection record written to datadir")

	require.NoError(t, e.Revoke(p.ID))
	_, err = os.Stat(file)
	assert.True(t, os.IsNotExist(err), "revocation removes the record")

	p2, err := e.Create([]byte("gone on shutdown"), observerID, 3600*time.Second, 1)
	require.NoError(t, err)
	e.Stop()
	_, err = os.Stat(filepath.Join(dir, projectionsDir, p2.ID+".json"))
	assert.True(t, os.IsNotExist(err), "shutdown wipes the projections directory")
}

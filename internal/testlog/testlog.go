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

// Package testlog provides a log handler for unit tests.
package testlog

import (
	"sync"
	"testing"

	"github.com/openred/go-openred/log"
)

// relay buffers records so the logger methods can emit them through
// t.Logf after marking themselves as helpers. Without the buffer the
// file and line reported by the test runner would point here instead of
// the call site.
type relay struct {
	records []*log.Record
	format  log.Format
}

func (r *relay) Log(rec *log.Record) error {
	r.records = append(r.records, rec)
	return nil
}

type tlogger struct {
	t     *testing.T
	inner log.Logger
	mu    *sync.Mutex
	out   *relay
}

// Logger returns a logger which writes to the unit test log of t.
func Logger(t *testing.T, level log.Lvl) log.Logger {
	l := &tlogger{
		t:     t,
		inner: log.New(),
		mu:    new(sync.Mutex),
		out:   &relay{format: log.TerminalFormat(false)},
	}
	l.inner.SetHandler(log.LvlFilterHandler(level, l.out))
	return l
}

func (l *tlogger) write(emit func(string, ...interface{}), msg string, ctx []interface{}) {
	l.t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	emit(msg, ctx...)
	for _, rec := range l.out.records {
		l.t.Logf("%s", l.out.format.Format(rec))
	}
	l.out.records = nil
}

func (l *tlogger) Trace(msg string, ctx ...interface{}) {
	l.t.Helper()
	l.write(l.inner.Trace, msg, ctx)
}

func (l *tlogger) Debug(msg string, ctx ...interface{}) {
	l.t.Helper()
	l.write(l.inner.Debug, msg, ctx)
}

func (l *tlogger) Info(msg string, ctx ...interface{}) {
	l.t.Helper()
	l.write(l.inner.Info, msg, ctx)
}

func (l *tlogger) Warn(msg string, ctx ...interface{}) {
	l.t.Helper()
	l.write(l.inner.Warn, msg, ctx)
}

func (l *tlogger) Error(msg string, ctx ...interface{}) {
	l.t.Helper()
	l.write(l.inner.Error, msg, ctx)
}

func (l *tlogger) Crit(msg string, ctx ...interface{}) {
	l.t.Helper()
	l.write(l.inner.Crit, msg, ctx)
}

func (l *tlogger) New(ctx ...interface{}) log.Logger {
	return &tlogger{l.t, l.inner.New(ctx...), l.mu, l.out}
}

func (l *tlogger) GetHandler() log.Handler {
	return l.inner.GetHandler()
}

func (l *tlogger) SetHandler(h log.Handler) {
	l.inner.SetHandler(h)
}

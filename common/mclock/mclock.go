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

// Package mclock abstracts the clock so that envelope expiry, temporal keys
// and watermark rotation can be tested on a simulated timescale.
package mclock

import "time"

// Clock makes it possible to replace the system clock with a simulated one.
// All expiry comparisons in the core go through a Clock.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable event returned by AfterFunc.
type Timer interface {
	Stop() bool
}

// System implements Clock using the system clock.
type System struct{}

// Now returns the current time.
func (System) Now() time.Time { return time.Now() }

// Sleep blocks for the given duration.
func (System) Sleep(d time.Duration) { time.Sleep(d) }

// After returns a channel which receives the current time after d has elapsed.
func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

// AfterFunc runs fn on a new goroutine after d has elapsed.
func (System) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

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

// Package metrics provides the lightweight counters used for drop, dedup
// and tamper accounting. Counters are owned by their component; there is no
// process-global registry, so two cores in one process never share state.
package metrics

import "sync/atomic"

// Counter holds an int64 value that can be incremented and read concurrently.
type Counter struct {
	count atomic.Int64
}

// NewCounter constructs a new Counter.
func NewCounter() *Counter {
	return new(Counter)
}

// Inc increments the counter by the given amount.
func (c *Counter) Inc(i int64) {
	c.count.Add(i)
}

// Count returns the current value.
func (c *Counter) Count() int64 {
	return c.count.Load()
}

// Clear resets the counter to zero.
func (c *Counter) Clear() {
	c.count.Store(0)
}

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

// Package version holds the release version of the fort software.
package version

import (
	"fmt"
	"runtime/debug"
)

const (
	Major = 0  // Major version component of the current release
	Minor = 4  // Minor version component of the current release
	Patch = 0  // Patch version component of the current release
	Meta  = "" // Version metadata to append to the version string
)

// Semantic holds the textual version string.
var Semantic = func() string {
	v := fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)
	if Meta != "" {
		v += "-" + Meta
	}
	return v
}()

// WithCommit appends the VCS commit to the version string when the binary
// was built from a checkout.
func WithCommit() string {
	v := Semantic
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 8 {
				return v + "-" + s.Value[:8]
			}
		}
	}
	return v
}

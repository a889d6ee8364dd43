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

// Package orp implements the OpenRed Protocol addressing scheme:
//
//	orp://<fort-id>[.<domain>][:port]/<path>[?<query>]
//
// The fort-id is the hex identifier of the target fort; the domain part is
// cosmetic and only aids human recognition.
package orp

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/openred/go-openred/fort"
)

// ErrInvalidURL is returned for any syntactically malformed ORP URL.
var ErrInvalidURL = errors.New("invalid ORP URL")

// PathClass is the workflow classification of an ORP path.
type PathClass int

const (
	PathRoot PathClass = iota
	PathWindow
	PathProjection
	PathOther
)

func (c PathClass) String() string {
	switch c {
	case PathRoot:
		return "root"
	case PathWindow:
		return "window"
	case PathProjection:
		return "projection"
	default:
		return "other"
	}
}

// Address is a parsed ORP URL.
type Address struct {
	FortID fort.ID
	Domain string
	Port   int
	Path   string
	Query  url.Values
}

// Parse parses rawurl into an Address. The path is cleaned and
// percent-decoded; the query string is split into a map.
func Parse(rawurl string) (*Address, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "orp" {
		return nil, fmt.Errorf("%w: scheme must be \"orp\"", ErrInvalidURL)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing fort ID", ErrInvalidURL)
	}
	idPart, domain := host, ""
	if i := strings.IndexByte(host, '.'); i >= 0 {
		idPart, domain = host[:i], host[i+1:]
	}
	id, err := fort.ParseID(idPart)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: invalid port %q", ErrInvalidURL, p)
		}
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: bad query: %v", ErrInvalidURL, err)
	}
	return &Address{
		FortID: id,
		Domain: domain,
		Port:   port,
		Path:   normalizePath(u.Path),
		Query:  q,
	}, nil
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	p = path.Clean(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Class classifies the address path for workflow dispatch. Unknown paths
// classify as PathOther and are delivered to the catch-all handler.
func (a *Address) Class() PathClass {
	switch {
	case a.Path == "/":
		return PathRoot
	case a.Path == "/window":
		return PathWindow
	case strings.HasPrefix(a.Path, "/projection/"):
		if a.ProjectionID() == "" {
			return PathOther
		}
		return PathProjection
	default:
		return PathOther
	}
}

// ProjectionID returns the projection identifier for projection paths, or
// the empty string for any other path.
func (a *Address) ProjectionID() string {
	const prefix = "/projection/"
	if !strings.HasPrefix(a.Path, prefix) {
		return ""
	}
	id := a.Path[len(prefix):]
	if id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

// String reassembles the address into URL form.
func (a *Address) String() string {
	var b strings.Builder
	b.WriteString("orp://")
	b.WriteString(a.FortID.String())
	if a.Domain != "" {
		b.WriteByte('.')
		b.WriteString(a.Domain)
	}
	if a.Port != 0 {
		fmt.Fprintf(&b, ":%d", a.Port)
	}
	b.WriteString(a.Path)
	if len(a.Query) > 0 {
		b.WriteByte('?')
		b.WriteString(a.Query.Encode())
	}
	return b.String()
}

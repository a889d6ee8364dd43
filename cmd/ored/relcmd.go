// Copyright 2025 The go-openred Authors
// This file is part of go-openred.
//
// go-openred is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-openred is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-openred. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/openred/go-openred/fort"
	"github.com/openred/go-openred/token"
	"github.com/urfave/cli/v2"
)

var peerFlag = &cli.StringFlag{
	Name:     "peer",
	Usage:    "Fort ID of the peer (24 hex characters)",
	Category: "FORT",
}

var establishCommand = &cli.Command{
	Name:   "establish",
	Usage:  "Exchange relationship tokens with a peer fort",
	Flags:  []cli.Flag{peerFlag},
	Action: establish,
	Description: `
Discovers the peer on the local network, issues it a relationship token
signed with a dedicated keypair and, when the peer reciprocates, stores
its token in the relationship log.`,
}

var revokeCommand = &cli.Command{
	Name:   "revoke",
	Usage:  "Withdraw the relationship with a peer fort",
	Flags:  []cli.Flag{peerFlag},
	Action: revoke,
}

var listRelationshipsCommand = &cli.Command{
	Name:   "list-relationships",
	Usage:  "Print every known relationship and its state",
	Action: listRelationships,
}

func fortArg(ctx *cli.Context, flag string) (fort.ID, error) {
	raw := ctx.String(flag)
	if raw == "" {
		return fort.ID{}, fmt.Errorf("%w: --%s is required", errUsage, flag)
	}
	id, err := fort.ParseID(raw)
	if err != nil {
		return fort.ID{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	return id, nil
}

func establish(ctx *cli.Context) error {
	peer, err := fortArg(ctx, peerFlag.Name)
	if err != nil {
		return err
	}
	c, err := startCore(ctx, true)
	if err != nil {
		return err
	}
	defer c.Stop()

	cctx, cancel := timedContext(ctx)
	defer cancel()
	if err := c.EstablishRelationship(cctx, peer); err != nil {
		return err
	}
	state, _ := c.Tokens().State(peer)
	fmt.Printf("Relationship with %s: %s\n", peer, state)
	return nil
}

func revoke(ctx *cli.Context) error {
	peer, err := fortArg(ctx, peerFlag.Name)
	if err != nil {
		return err
	}
	c, err := startCore(ctx, true)
	if err != nil {
		return err
	}
	defer c.Stop()

	if err := c.RevokeRelationship(peer); err != nil {
		return err
	}
	fmt.Printf("Relationship with %s revoked\n", peer)
	return nil
}

func listRelationships(ctx *cli.Context) error {
	c, err := startCore(ctx, true)
	if err != nil {
		return err
	}
	defer c.Stop()

	rels := c.Tokens().Relationships()
	if len(rels) == 0 {
		fmt.Println("No relationships")
		return nil
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Peer", "State", "Fingerprint", "Expires", "Granted"})
	for _, rel := range rels {
		expires := "-"
		if rel.ExpiresAt != 0 {
			expires = time.Unix(rel.ExpiresAt, 0).UTC().Format("2006-01-02")
		}
		table.Append([]string{
			rel.Peer.String(),
			rel.State.String(),
			rel.Fingerprint,
			expires,
			permList(rel.Granted),
		})
	}
	table.Render()
	return nil
}

func permList(perms token.Permissions) string {
	var granted []string
	for name, ok := range perms {
		if ok {
			granted = append(granted, name)
		}
	}
	sort.Strings(granted)
	if len(granted) == 0 {
		return "-"
	}
	return strings.Join(granted, ",")
}

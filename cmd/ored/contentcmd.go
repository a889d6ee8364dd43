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
	"io"
	"os"
	"time"

	"github.com/openred/go-openred/core"
	"github.com/openred/go-openred/orp"
	"github.com/urfave/cli/v2"
)

var (
	observerFlag = &cli.StringFlag{
		Name:     "observer",
		Usage:    "Fort ID the projection is bound to",
		Category: "PROJECTION",
	}
	lifetimeFlag = &cli.DurationFlag{
		Name:     "lifetime",
		Usage:    "Lifetime of the projection",
		Value:    core.DefaultProjectionLifetime,
		Category: "PROJECTION",
	}
	levelFlag = &cli.IntFlag{
		Name:     "level",
		Usage:    "Protection level (1..5)",
		Value:    core.DefaultProtectionLevel,
		Category: "PROJECTION",
	}
)

var openCommand = &cli.Command{
	Name:      "open",
	Usage:     "Resolve an ORP URL and print the content behind it",
	ArgsUsage: "<orp-url>",
	Action:    open,
	Description: `
Resolves the fort named in the URL, authenticates with the relationship
token and reconstitutes the projected content. Window URLs read the
peer's public window, projection URLs re-request a specific projection.`,
}

var projectCommand = &cli.Command{
	Name:      "project",
	Usage:     "Project content from stdin to an observer fort",
	ArgsUsage: "< content",
	Flags:     []cli.Flag{observerFlag, lifetimeFlag, levelFlag},
	Action:    project,
}

var publishCommand = &cli.Command{
	Name:      "publish",
	Usage:     "Add a signed publication to the fort's public window",
	ArgsUsage: "<content>",
	Action:    publish,
	Description: `
Signs the given content with the fort's identity key and appends it to
the public window. Peers see the publication the next time they observe
the window.`,
}

func open(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("%w: expected exactly one ORP URL", errUsage)
	}
	c, err := startCore(ctx, true)
	if err != nil {
		return err
	}
	defer c.Stop()

	cctx, cancel := timedContext(ctx)
	defer cancel()
	out, err := c.HandleURL(cctx, ctx.Args().First())
	if err != nil {
		return err
	}
	switch {
	case out.Class == orp.PathWindow && out.Content != nil:
		w, err := core.ParseWindow(out.Content)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n%s\n", w.Name, w.Fort, w.Greeting)
		for _, p := range w.Publications {
			fmt.Printf("- [%s] %s\n", time.Unix(p.CreatedAt, 0).UTC().Format(time.RFC3339), p.Content)
		}
		fmt.Fprintf(os.Stderr, "watermark=%s session=%s\n", out.Watermark, out.Session)
	case out.Content != nil:
		os.Stdout.Write(out.Content)
		fmt.Fprintf(os.Stderr, "\nwatermark=%s session=%s\n", out.Watermark, out.Session)
	default:
		fmt.Printf("Fort %s reachable at %s\n", out.URL.FortID, out.Endpoint)
	}
	return nil
}

func publish(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("%w: expected the publication content", errUsage)
	}
	c, err := core.New(makeConfig(ctx, true))
	if err != nil {
		return err
	}
	defer c.Stop()

	p, err := c.AddPublication(ctx.Args().First())
	if err != nil {
		return err
	}
	fmt.Printf("Publication %s added %s\n", p.ID, time.Unix(p.CreatedAt, 0).UTC().Format(time.RFC3339))
	return nil
}

func project(ctx *cli.Context) error {
	observer, err := fortArg(ctx, observerFlag.Name)
	if err != nil {
		return err
	}
	content, err := io.ReadAll(os.Stdin)
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
	p, err := c.Project(cctx, content, observer, ctx.Duration(lifetimeFlag.Name), ctx.Int(levelFlag.Name))
	if err != nil {
		return err
	}
	fmt.Printf("Projection %s for %s, expires %s\n",
		p.ID, observer, time.Unix(p.ExpiresAt, 0).UTC().Format(time.RFC3339))
	return nil
}

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

// ored is the command line interface for running an OpenRed fort.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openred/go-openred/core"
	"github.com/openred/go-openred/crypto"
	"github.com/openred/go-openred/internal/debug"
	"github.com/openred/go-openred/internal/flags"
	"github.com/openred/go-openred/log"
	"github.com/openred/go-openred/orp"
	"github.com/openred/go-openred/orp/resolver"
	"github.com/openred/go-openred/projection"
	"github.com/openred/go-openred/transport"
	"github.com/urfave/cli/v2"
)

var (
	datadirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Data directory for the fort identity, relationships and projections",
		Category: "FORT",
	}
	nameFlag = &cli.StringFlag{
		Name:     "name",
		Usage:    "Display name used when a fresh identity is generated",
		Value:    "fort",
		Category: "FORT",
	}
	portFlag = &cli.IntFlag{
		Name:     "port",
		Usage:    "UDP listening port",
		Value:    transport.DefaultDiscoveryPort,
		Category: "NETWORK",
	}
	broadcastFlag = &cli.StringSliceFlag{
		Name:     "broadcast",
		Usage:    "Discovery broadcast targets (host:port, repeatable)",
		Category: "NETWORK",
	}
	deadlineFlag = &cli.DurationFlag{
		Name:     "deadline",
		Usage:    "Resolution deadline for fort discovery",
		Value:    resolver.DefaultDeadline,
		Category: "NETWORK",
	}
	autoEstablishFlag = &cli.BoolFlag{
		Name:     "auto-establish",
		Usage:    "Answer incoming establishment requests with a reciprocal token",
		Value:    true,
		Category: "FORT",
	}
)

var fortFlags = []cli.Flag{
	datadirFlag, nameFlag, portFlag, broadcastFlag, deadlineFlag, autoEstablishFlag,
}

// errUsage marks command line mistakes, mapped to exit code 64.
var errUsage = errors.New("usage error")

var app = flags.NewApp("the OpenRed fort command line interface")

func init() {
	app.Flags = flags.Merge(fortFlags, debug.Flags)
	app.Before = func(ctx *cli.Context) error {
		return debug.Setup(ctx)
	}
	app.Commands = []*cli.Command{
		serveCommand,
		establishCommand,
		revokeCommand,
		listRelationshipsCommand,
		openCommand,
		projectCommand,
		publishCommand,
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented process exit codes: 64 for
// usage mistakes, 69 for unreachable forts, 71 for key failures, 75 for
// conditions worth retrying and 74 for everything else.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage),
		errors.Is(err, orp.ErrInvalidURL),
		errors.Is(err, transport.ErrOversize),
		errors.Is(err, projection.ErrOversize),
		errors.Is(err, projection.ErrBadLevel):
		return 64
	case errors.Is(err, resolver.ErrNotFound),
		errors.Is(err, core.ErrTimeout):
		return 69
	case errors.Is(err, crypto.ErrKeyGen):
		return 71
	case errors.Is(err, transport.ErrQueueFull):
		return 75
	default:
		return 74
	}
}

// makeConfig assembles the core configuration from the global flags.
// Commands that run next to a serving fort bind an ephemeral port unless
// one was given explicitly.
func makeConfig(ctx *cli.Context, ephemeral bool) core.Config {
	port := ctx.Int(portFlag.Name)
	if ephemeral && !ctx.IsSet(portFlag.Name) {
		port = 0
	}
	return core.Config{
		Name:            ctx.String(nameFlag.Name),
		Datadir:         ctx.String(datadirFlag.Name),
		ListenAddr:      fmt.Sprintf(":%d", port),
		BroadcastAddrs:  ctx.StringSlice(broadcastFlag.Name),
		AutoEstablish:   ctx.Bool(autoEstablishFlag.Name),
		ResolveDeadline: ctx.Duration(deadlineFlag.Name),
	}
}

// startCore builds and starts a fort, returning it with a stop function.
func startCore(ctx *cli.Context, ephemeral bool) (*core.Core, error) {
	c, err := core.New(makeConfig(ctx, ephemeral))
	if err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		c.Stop()
		return nil, err
	}
	return c, nil
}

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "Run a fort until interrupted",
	Action: serve,
}

func serve(ctx *cli.Context) error {
	c, err := startCore(ctx, false)
	if err != nil {
		return err
	}
	defer c.Stop()

	fmt.Println("Fort ID:     ", c.ID())
	fmt.Println("ORP address: ", c.Identity().Address())
	fmt.Println("Listening on:", c.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down")
	return nil
}

// timedContext bounds one-shot commands so a dead peer cannot hang the
// process.
func timedContext(ctx *cli.Context) (context.Context, context.CancelFunc) {
	timeout := ctx.Duration(deadlineFlag.Name) + core.DefaultRequestTimeout + time.Second
	return context.WithTimeout(context.Background(), timeout)
}

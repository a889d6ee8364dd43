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

// Package debug wires logging options into command line apps.
package debug

import (
	"os"
	"runtime"

	"github.com/mattn/go-isatty"
	"github.com/openred/go-openred/log"
	"github.com/urfave/cli/v2"
)

var (
	verbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:    3,
		Category: "LOGGING",
	}
	logFileFlag = &cli.StringFlag{
		Name:     "log.file",
		Usage:    "Write logs to a file, rotated at log.maxsize",
		Category: "LOGGING",
	}
	logMaxSizeFlag = &cli.IntFlag{
		Name:     "log.maxsize",
		Usage:    "Rotation threshold of the log file in megabytes",
		Value:    100,
		Category: "LOGGING",
	}
	goMaxProcsFlag = &cli.IntFlag{
		Name:     "gomaxprocs",
		Usage:    "Maximum number of simultaneously executing OS threads",
		Value:    runtime.NumCPU(),
		Category: "PERFORMANCE",
	}
)

// Flags holds all command-line flags required for debugging.
var Flags = []cli.Flag{
	verbosityFlag, logFileFlag, logMaxSizeFlag, goMaxProcsFlag,
}

// Setup initializes logging based on the CLI flags. It should be called
// as early as possible in the program.
func Setup(ctx *cli.Context) error {
	runtime.GOMAXPROCS(ctx.Int(goMaxProcsFlag.Name))

	usecolor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
	handler := log.StreamHandler(os.Stderr, log.TerminalFormat(usecolor))
	if path := ctx.String(logFileFlag.Name); path != "" {
		file := log.RotatingFileHandler(path, ctx.Int(logMaxSizeFlag.Name), log.LogfmtFormat())
		handler = log.MultiHandler(handler, file)
	}
	verbosity := log.Lvl(ctx.Int(verbosityFlag.Name))
	log.Root().SetHandler(log.LvlFilterHandler(verbosity, handler))
	return nil
}

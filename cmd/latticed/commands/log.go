package commands

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
	"github.com/roasbeef/lattice/internal/actor"
	"github.com/roasbeef/lattice/internal/build"
	"github.com/roasbeef/lattice/internal/client"
	"github.com/roasbeef/lattice/internal/db"
	"github.com/roasbeef/lattice/internal/gateway"
	"github.com/roasbeef/lattice/internal/node"
	"github.com/roasbeef/lattice/internal/registry"
	"github.com/roasbeef/lattice/internal/server"
	"github.com/roasbeef/lattice/internal/state"
	"github.com/roasbeef/lattice/internal/stream"
	"github.com/roasbeef/lattice/internal/transport"
)

// setupLogging builds the dual-stream log pipeline: console plus rotating
// file, both behind one level-controlled handler set, and hands every
// package its subsystem logger.
func setupLogging(logDir, debugLevel string) (*build.RotatingLogWriter,
	btclogv2.Logger, error) {

	logWriter := build.NewRotatingLogWriter()

	rotatorCfg := build.DefaultLogRotatorConfig()
	rotatorCfg.LogDir = logDir
	if err := logWriter.InitLogRotator(rotatorCfg); err != nil {
		return nil, nil, fmt.Errorf("failed to init log rotator: %w",
			err)
	}

	handlers := build.NewHandlerSet(
		btclogv2.NewDefaultHandler(os.Stdout),
		btclogv2.NewDefaultHandler(logWriter),
	)

	level, ok := btclog.LevelFromString(debugLevel)
	if !ok {
		return nil, nil, fmt.Errorf("invalid debug level %q",
			debugLevel)
	}
	handlers.SetLevel(level)

	subLogger := func(tag string) btclogv2.Logger {
		return btclogv2.NewSLogger(handlers.SubSystem(tag))
	}

	actor.UseLogger(subLogger("ACTR"))
	transport.UseLogger(subLogger("TRNS"))
	stream.UseLogger(subLogger("STRM"))
	node.UseLogger(subLogger("NODE"))
	server.UseLogger(subLogger("SRVR"))
	client.UseLogger(subLogger("CLNT"))
	gateway.UseLogger(subLogger("GTWY"))
	state.UseLogger(subLogger("STAT"))
	registry.UseLogger(subLogger("SREG"))
	db.UseLogger(subLogger("LDB"))

	return logWriter, subLogger("LTCD"), nil
}

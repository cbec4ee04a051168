package btcanchoring

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/csales1987/exonum-btc-anchoring/anchordb"
	"github.com/csales1987/exonum-btc-anchoring/anchoring"
	"github.com/csales1987/exonum-btc-anchoring/anchornode"
	"github.com/csales1987/exonum-btc-anchoring/anchortx"
	"github.com/csales1987/exonum-btc-anchoring/btcrpc"
	"github.com/csales1987/exonum-btc-anchoring/build"
	"github.com/csales1987/exonum-btc-anchoring/lect"
	"github.com/csales1987/exonum-btc-anchoring/monitoring"
	"github.com/csales1987/exonum-btc-anchoring/multisig"
	"github.com/csales1987/exonum-btc-anchoring/replog"
	"github.com/csales1987/exonum-btc-anchoring/sigcollect"
	"github.com/csales1987/exonum-btc-anchoring/signal"
	"github.com/csales1987/exonum-btc-anchoring/transition"
)

// Subsystem is the logging tag of the daemon itself.
const Subsystem = "ANCD"

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, register them in SetupLoggers.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup.
var ancdLog = btclog.Disabled

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager) {
	genLogger := root.GenSubLogger

	ancdLog = build.NewSubLogger(Subsystem, genLogger)

	AddSubLogger(root, multisig.Subsystem, multisig.UseLogger)
	AddSubLogger(root, anchortx.Subsystem, anchortx.UseLogger)
	AddSubLogger(root, sigcollect.Subsystem, sigcollect.UseLogger)
	AddSubLogger(root, lect.Subsystem, lect.UseLogger)
	AddSubLogger(root, transition.Subsystem, transition.UseLogger)
	AddSubLogger(root, anchoring.Subsystem, anchoring.UseLogger)
	AddSubLogger(root, anchordb.Subsystem, anchordb.UseLogger)
	AddSubLogger(root, btcrpc.Subsystem, btcrpc.UseLogger)
	AddSubLogger(root, replog.Subsystem, replog.UseLogger)
	AddSubLogger(root, anchornode.Subsystem, anchornode.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
	AddSubLogger(root, signal.Subsystem, signal.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

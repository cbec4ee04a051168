// Package btcanchoring is the anchoring daemon: it loads the configuration,
// wires the anchoring node to its database and Bitcoin backend and runs it
// until shutdown is requested.
package btcanchoring

import (
	"fmt"

	"github.com/csales1987/exonum-btc-anchoring/build"
	"github.com/csales1987/exonum-btc-anchoring/signal"
)

// Main is the true entry point for anchord. It's required since defers
// created in the top-level scope of a main method aren't executed if
// os.Exit() is called.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		ancdLog.Info("Shutdown complete")
		if err := cfg.logRotator.Close(); err != nil {
			fmt.Printf("Could not close log rotator: %v\n", err)
		}
	}()

	ancdLog.Infof("Version: %s commit=%s, build=%s", build.Version(),
		build.Commit, build.Deployment)

	server, err := newServer(cfg, interceptor)
	if err != nil {
		return fmt.Errorf("unable to create server: %w", err)
	}

	if err := server.Start(); err != nil {
		if stopErr := server.Stop(); stopErr != nil {
			ancdLog.Errorf("Unable to stop server: %v", stopErr)
		}

		return fmt.Errorf("unable to start server: %w", err)
	}
	defer func() {
		if err := server.Stop(); err != nil {
			ancdLog.Errorf("Unable to stop server: %v", err)
		}
	}()

	ancdLog.Infof("Anchoring daemon is active")

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	<-interceptor.ShutdownChannel()

	return nil
}

//go:build windows

package main

import (
	"log"
	"os"
	"os/signal"
)

// registerSignals arms the channel for graceful shutdown. Windows has no
// SIGUSR1/SIGUSR2 equivalent, so metrics toggling is unavailable there.
func registerSignals(sig chan os.Signal) {
	signal.Notify(sig, os.Interrupt)
}

func handleSignal(sig os.Signal, logger *log.Logger, metrics *metricsController) bool {
	return false
}

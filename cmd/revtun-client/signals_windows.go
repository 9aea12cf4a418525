//go:build windows

package main

import (
	"os"
	"os/signal"
)

// registerSignals arms the channel for graceful shutdown.
func registerSignals(sig chan os.Signal) {
	signal.Notify(sig, os.Interrupt)
}

package engine

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the engine's logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// DisableLog disables all engine log output.
func DisableLog() {
	log = btclog.Disabled
}

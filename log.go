package main

import (
	"fmt"
	"os"
	"sync/atomic"

	"example.com/libdescwallet/internal/dispatch"
	"example.com/libdescwallet/internal/electrum"
	"example.com/libdescwallet/internal/engine"
	"example.com/libdescwallet/internal/registry"
	"example.com/libdescwallet/internal/store"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

var (
	// feeding is set once Feed has registered a subscriber.
	feeding  atomic.Bool
	feedChan = make(chan string, 64)

	backendLog = btclog.NewBackend(logWriter{})
	log        = backendLog.Logger("GLNK")
)

// subsystemLoggers maps each subsystem identifier to its associated logger.
// The loggers are never replaced, so log calls may run alongside Feed.
var subsystemLoggers = map[string]btclog.Logger{
	"GLNK": log,
	"DSPT": backendLog.Logger("DSPT"),
	"RGST": backendLog.Logger("RGST"),
	"ENGN": backendLog.Logger("ENGN"),
	"STOR": backendLog.Logger("STOR"),
	"TMGR": backendLog.Logger("TMGR"),
	"ELCT": backendLog.Logger("ELCT"),
}

func init() {
	dispatch.UseLogger(subsystemLoggers["DSPT"])
	registry.UseLogger(subsystemLoggers["RGST"])
	engine.UseLogger(subsystemLoggers["ENGN"])
	store.UseLogger(subsystemLoggers["STOR"])
	wtxmgr.UseLogger(subsystemLoggers["TMGR"])
	electrum.UseLogger(subsystemLoggers["ELCT"])
	for _, lggr := range subsystemLoggers {
		lggr.SetLevel(btclog.LevelInfo)
	}
}

// setLogLevel applies level to every subsystem.
func setLogLevel(level string) error {
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return fmt.Errorf("unknown log level %q", level)
	}
	for _, lggr := range subsystemLoggers {
		lggr.SetLevel(lvl)
	}
	log.Infof("Log level set to %s", lvl)
	return nil
}

// logWriter writes to stdout and, once feeding, to the Feed subscribers.
// Lines are dropped while the subscribers fall behind.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if feeding.Load() {
		select {
		case feedChan <- string(p):
		default:
		}
	}
	return len(p), nil
}

// startFeed hands every later log line to deliver, in order.
func startFeed(deliver func(line string)) {
	go func() {
		for line := range feedChan {
			deliver(line)
		}
	}()
	feeding.Store(true)
}

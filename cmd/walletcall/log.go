package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"example.com/libdescwallet/internal/dispatch"
	"example.com/libdescwallet/internal/electrum"
	"example.com/libdescwallet/internal/engine"
	"example.com/libdescwallet/internal/registry"
	"example.com/libdescwallet/internal/store"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/jrick/logrotate/rotator"
)

// logWriter writes to stderr, keeping stdout for results, and to the log
// rotator when one is running.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stderr.Write(p)
	if logRotatorPipe != nil {
		logRotatorPipe.Write(p)
	}
	return len(p), nil
}

var (
	backendLog = btclog.NewBackend(logWriter{})

	logRotator     *rotator.Rotator
	logRotatorPipe *io.PipeWriter

	log = backendLog.Logger("WCLI")
)

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"WCLI": log,
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
}

// initLogRotator starts writing log output to logFile, rolling it over
// every 10 MiB and keeping three old files.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %v", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %v", err)
	}
	pr, pw := io.Pipe()
	go r.Run(pr)

	logRotator = r
	logRotatorPipe = pw
	return nil
}

func closeLogRotator() {
	if logRotator != nil {
		logRotatorPipe.Close()
		logRotator.Close()
	}
}

// setLogLevels sets the level of every subsystem.
func setLogLevels(level string) error {
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return fmt.Errorf("unknown log level %q", level)
	}
	for _, logger := range subsystemLoggers {
		logger.SetLevel(lvl)
	}
	return nil
}

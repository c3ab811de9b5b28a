//go:build !windows

package main

import (
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/ssekeep/ssekeep/metrics"
	"github.com/ssekeep/ssekeep/mlog"
	"github.com/ssekeep/ssekeep/seal"
)

// notifyLockSignals makes USR1 lock and USR2 unlock the key file.
func notifyLockSignals(log mlog.Log, k *seal.Keyfile) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		defer func() {
			x := recover()
			if x != nil {
				log.Error("lock signal handler panic", slog.Any("panic", x))
				debug.PrintStack()
				metrics.PanicInc(metrics.Serve)
			}
		}()

		for sig := range sigc {
			setSealerLocked(log, k, sig == syscall.SIGUSR1)
		}
	}()
}

package main

import (
	"github.com/ssekeep/ssekeep/mlog"
	"github.com/ssekeep/ssekeep/seal"
)

// No USR1/USR2 on windows, the key file stays unlocked while serving.
func notifyLockSignals(log mlog.Log, k *seal.Keyfile) {
	log.Debug("lock signals not available on windows")
}

package ssekeep

import (
	"context"
	"fmt"

	"github.com/ssekeep/ssekeep/mlog"
	"github.com/ssekeep/ssekeep/seal"
	"github.com/ssekeep/ssekeep/store"
)

// DBFilename is the name of the database file in the data directory.
const DBFilename = "ssekeep.db"

// OpenSealer opens the key file from the loaded config.
func OpenSealer(log mlog.Log) (*seal.Keyfile, error) {
	k, err := seal.OpenKeyfile(log.WithPkg("seal"), ConfigDirPath(Conf.Static.KeyFile))
	if err != nil {
		return nil, err
	}
	k.WaitUnlock = Conf.Static.WaitUnlock
	return k, nil
}

// OpenStore opens the key file and the store in the data directory, with the
// encryption mode from the loaded config.
func OpenStore(ctx context.Context, log mlog.Log) (*store.Store, *seal.Keyfile, error) {
	k, err := OpenSealer(log)
	if err != nil {
		return nil, nil, fmt.Errorf("open sealer: %w", err)
	}
	s, err := store.Open(ctx, log, DataDirPath(DBFilename), k, Conf.Static.ParsedEncryptionMode)
	if err != nil {
		return nil, nil, err
	}
	return s, k, nil
}

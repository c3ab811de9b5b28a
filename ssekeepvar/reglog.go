package ssekeepvar

import (
	"log/slog"
	"os"
	"testing"
)

// RegisterLogger returns the logger for bstore.Options.RegisterLogger, for
// logging schema changes when opening the database at path.
//
// Tests create many fresh databases, registering types in a new database file is
// not logged under test.
func RegisterLogger(path string, log *slog.Logger) *slog.Logger {
	if !testing.Testing() {
		return log
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return log
}

// Package seal defines the secure encryption capability used to protect secrets
// at rest, and the errors it can fail with.
//
// A Sealer is typically backed by a platform secure enclave (a keystore or
// keychain) holding a device-scoped master key that never leaves the enclave.
// Callers treat it as a black box: both operations may block, for example when
// the device must be unlocked first, and both can fail in one of three distinct
// ways that require different reactions:
//
//   - ErrUnavailable: the enclave is temporarily unusable, e.g. locked. Retry
//     after the device is unlocked.
//   - ErrKeyInvalidated: the master key was reset, e.g. after a change in
//     biometric enrollment. All data sealed with the old key is lost, the caller
//     must discard it and register again. Never retry the same ciphertext.
//   - ErrCorrupt: the ciphertext is malformed. Possibly tampering, should be
//     logged and alerted on.
//
// Keyfile is a software implementation for hosts without an enclave.
package seal

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnavailable    = errors.New("seal: capability temporarily unavailable")
	ErrKeyInvalidated = errors.New("seal: key permanently invalidated")
	ErrCorrupt        = errors.New("seal: malformed ciphertext")
)

// Mode is the strength of user presence the enclave requires before using the
// key.
type Mode string

const (
	ModeDeviceLock     Mode = "devicelock"     // Usable while the device is unlocked.
	ModeSystemPassword Mode = "systempassword" // Requires entering the system password.
	ModeBiometrics     Mode = "biometrics"     // Requires biometric authentication.
)

// Modes lists all known modes.
var Modes = []Mode{ModeDeviceLock, ModeSystemPassword, ModeBiometrics}

// ParseMode parses the name of a mode as used in configuration files.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown encryption mode %q", s)
}

// Sealer encrypts and decrypts secrets with a key held by the platform.
//
// Implementations must return errors for which errors.Is matches one of
// ErrUnavailable, ErrKeyInvalidated or ErrCorrupt when applicable. Both
// operations may block until the enclave becomes usable, and must return when
// ctx is done.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte, mode Mode) ([]byte, error)
	Unseal(ctx context.Context, ciphertext []byte, mode Mode) ([]byte, error)
}

// Kind returns a short name for the class of err, for use in metrics and logging:
// "ok", "unavailable", "invalidated", "corrupt", or "error" for any other error.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrKeyInvalidated):
		return "invalidated"
	case errors.Is(err, ErrCorrupt):
		return "corrupt"
	}
	return "error"
}

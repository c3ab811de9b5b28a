// Package store is the on-device store for push notification state of all users
// signed in on a device.
//
// It holds, in a single bstore database:
//
//   - Scalar settings: the device push identifier and server origin, connect
//     timeout, last processed notification and last missed-notification check.
//   - Users and the session keys of their push identifiers. Session keys are only
//     stored sealed by a seal.Sealer, i.e. encrypted with a key held by the
//     platform secure enclave.
//   - The notification mode per user: how much of a message is revealed in a
//     notification.
//   - Alarm notifications, the durable record of locally scheduled alarms used to
//     reschedule alarms after a reboot.
//
// A user and the session key stored for that user are written in a single
// transaction. Readers never observe a user without key, or a key without user.
// Sealing and unsealing happen outside of transactions, they can block
// indefinitely, e.g. while waiting for the device to be unlocked.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/ssekeep/ssekeep/mlog"
	"github.com/ssekeep/ssekeep/seal"
	"github.com/ssekeep/ssekeep/ssekeepio"
	"github.com/ssekeep/ssekeep/ssekeepvar"
)

var (
	metricSeal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssekeep_seal_total",
			Help: "Number of seal/unseal operations on the encryption capability, by operation and result.",
		},
		[]string{
			"op",     // seal, unseal
			"result", // ok, unavailable, invalidated, corrupt, error
		},
	)
)

// ErrInvalid is returned for invalid parameters, e.g. empty identifiers.
var ErrInvalid = errors.New("invalid parameter")

var timeNow = time.Now // Tests override this.

// Setting is a scalar value, stored by name. Only one of Text, Number and Blob
// is used, depending on the setting.
type Setting struct {
	Name    string
	Text    string
	Number  int64
	Blob    []byte
	Updated time.Time
}

// User is a user signed in on this device. A user is only present while at least
// one of its push identifier keys is stored: it is removed with RemoveUser, Clear,
// or when its last key is stored for another user.
type User struct {
	UserID string
	Added  time.Time
}

// PushIdentifierKey is the session key for a push identifier of a user, sealed
// with the encryption capability.
type PushIdentifierKey struct {
	PushIdentifierID    string
	UserID              string `bstore:"nonzero,ref User"`
	DeviceEncSessionKey []byte `bstore:"nonzero"`
	Mode                seal.Mode // Mode the key was sealed with, also used for unsealing.
	Updated             time.Time
}

// DBTypes are the types stored in the database.
var DBTypes = []any{Setting{}, User{}, PushIdentifierKey{}, NotificationPolicy{}, AlarmNotification{}}

// Store gives access to the database with push notification state. Safe for
// concurrent use.
type Store struct {
	DB *bstore.DB // Exported for the command-line tools.

	log    mlog.Log
	sealer seal.Sealer
	mode   seal.Mode // For sealing new session keys.

	watchMutex sync.Mutex
	watchers   map[*UserWatch]struct{}
}

// Open opens the database at path, creating it if needed. New session keys are
// sealed with sealer using mode.
func Open(ctx context.Context, log mlog.Log, path string, sealer seal.Sealer, mode seal.Mode) (*Store, error) {
	log = log.WithPkg("store")
	if _, err := seal.ParseMode(string(mode)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	os.MkdirAll(filepath.Dir(path), 0770)
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0600, RegisterLogger: ssekeepvar.RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{
		DB:       db,
		log:      log,
		sealer:   sealer,
		mode:     mode,
		watchers: map[*UserWatch]struct{}{},
	}
	return s, nil
}

// Close ends all user watches and closes the database.
func (s *Store) Close() error {
	s.watchMutex.Lock()
	for w := range s.watchers {
		s.unwatchLocked(w)
	}
	s.watchMutex.Unlock()

	return s.DB.Close()
}

// Mode returns the mode used for sealing new session keys.
func (s *Store) Mode() seal.Mode {
	return s.mode
}

// seal calls the encryption capability, keeping track of the result.
func (s *Store) seal(ctx context.Context, log mlog.Log, plaintext []byte) ([]byte, error) {
	start := time.Now()
	buf, err := s.sealer.Seal(ctx, plaintext, s.mode)
	kind := seal.Kind(err)
	metricSeal.WithLabelValues("seal", kind).Inc()
	log.Debugx("seal", err, slog.String("result", kind), slog.Any("mode", s.mode), slog.Duration("duration", time.Since(start)))
	return buf, err
}

func (s *Store) unseal(ctx context.Context, log mlog.Log, ciphertext []byte, mode seal.Mode) ([]byte, error) {
	start := time.Now()
	buf, err := s.sealer.Unseal(ctx, ciphertext, mode)
	kind := seal.Kind(err)
	metricSeal.WithLabelValues("unseal", kind).Inc()
	log.Debugx("unseal", err, slog.String("result", kind), slog.Any("mode", mode), slog.Duration("duration", time.Since(start)))
	return buf, err
}

// checkWrite adds context to an error from a write transaction.
func (s *Store) checkWrite(log mlog.Log, err error, msg string) error {
	if err == nil {
		return nil
	}
	if ssekeepio.IsStorageSpace(err) {
		log.Errorx("out of storage space", err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mjl-/bstore"

	"github.com/ssekeep/ssekeep/seal"
)

// Called in the transaction of StoreSessionKey after writing the user and before
// writing the key. Tests set it to inject failures.
var testHookKeyWrite func() error

// StoreSessionKey seals sessionKey and stores it for the push identifier of the
// user. An existing key for the push identifier is replaced.
//
// If the user is new on this device, its notification mode is set to
// NewUserMode. If the push identifier belonged to another user, that user is
// removed when it has no keys left. The mode, users and key are written in a
// single transaction.
//
// Errors from the encryption capability can be matched against
// seal.ErrUnavailable, seal.ErrKeyInvalidated and seal.ErrCorrupt. Nothing is
// written when sealing fails, or when ctx is canceled while sealing.
func (s *Store) StoreSessionKey(ctx context.Context, userID, pushIdentifierID string, sessionKey []byte) error {
	log := s.log.WithContext(ctx).With(slog.String("userid", userID), slog.String("pushidentifierid", pushIdentifierID))

	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalid)
	} else if pushIdentifierID == "" {
		return fmt.Errorf("%w: empty push identifier id", ErrInvalid)
	} else if len(sessionKey) == 0 {
		return fmt.Errorf("%w: empty session key", ErrInvalid)
	}

	sealed, err := s.seal(ctx, log, sessionKey)
	if err != nil {
		return fmt.Errorf("sealing session key: %w", err)
	}

	var added, moved bool
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		u := User{UserID: userID}
		if err := tx.Get(&u); errors.Is(err, bstore.ErrAbsent) {
			if err := notificationModeSet(tx, userID, NewUserMode); err != nil {
				return err
			}
			u = User{UserID: userID, Added: timeNow()}
			if err := tx.Insert(&u); err != nil {
				return fmt.Errorf("inserting user: %w", err)
			}
			added = true
			log.Debug("adding user", slog.Any("notificationmode", NewUserMode))
		} else if err != nil {
			return fmt.Errorf("get user: %w", err)
		}

		if testHookKeyWrite != nil {
			if err := testHookKeyWrite(); err != nil {
				return err
			}
		}

		pik := PushIdentifierKey{PushIdentifierID: pushIdentifierID}
		err := tx.Get(&pik)
		if err != nil && !errors.Is(err, bstore.ErrAbsent) {
			return fmt.Errorf("get push identifier key: %w", err)
		}
		exists := err == nil
		prevUserID := pik.UserID
		pik = PushIdentifierKey{
			PushIdentifierID:    pushIdentifierID,
			UserID:              userID,
			DeviceEncSessionKey: sealed,
			Mode:                s.mode,
			Updated:             timeNow(),
		}
		if exists {
			err = tx.Update(&pik)
		} else {
			err = tx.Insert(&pik)
		}
		if err != nil {
			return fmt.Errorf("storing push identifier key: %w", err)
		}

		if exists && prevUserID != userID {
			moved = true
			if err := removeUserWithoutKeys(tx, prevUserID); err != nil {
				return err
			}
			log.Info("push identifier moved to other user", slog.String("previoususerid", prevUserID))
		}
		return nil
	})
	if err := s.checkWrite(log, err, "storing session key"); err != nil {
		return err
	}
	log.Info("session key stored", slog.Bool("newuser", added))

	if added || moved {
		s.notifyUsers(ctx)
	}
	return nil
}

// removeUserWithoutKeys removes the user if none of its push identifier keys are
// left. Users are never present without a key.
func removeUserWithoutKeys(tx *bstore.Tx, userID string) error {
	q := bstore.QueryTx[PushIdentifierKey](tx)
	q.FilterNonzero(PushIdentifierKey{UserID: userID})
	n, err := q.Count()
	if err != nil {
		return fmt.Errorf("counting push identifier keys: %w", err)
	}
	if n > 0 {
		return nil
	}
	u := User{UserID: userID}
	if err := tx.Delete(&u); err != nil && !errors.Is(err, bstore.ErrAbsent) {
		return fmt.Errorf("removing user without keys: %w", err)
	}
	return nil
}

// UserExists returns whether the user is present on the device.
func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	u := User{UserID: userID}
	if err := s.DB.Get(ctx, &u); errors.Is(err, bstore.ErrAbsent) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("get user: %w", err)
	}
	return true, nil
}

// LoadSessionKey returns the unsealed session key for the push identifier.
//
// If no key is stored for the push identifier, ok is false and err nil. Errors
// from the encryption capability are returned with their kind intact, so callers
// can distinguish seal.ErrUnavailable (retry later), seal.ErrKeyInvalidated (key
// lost, remove the user and register again) and seal.ErrCorrupt. The stored key
// is never removed by LoadSessionKey.
func (s *Store) LoadSessionKey(ctx context.Context, pushIdentifierID string) (sessionKey []byte, ok bool, rerr error) {
	log := s.log.WithContext(ctx).With(slog.String("pushidentifierid", pushIdentifierID))

	pik := PushIdentifierKey{PushIdentifierID: pushIdentifierID}
	if err := s.DB.Get(ctx, &pik); errors.Is(err, bstore.ErrAbsent) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("get push identifier key: %w", err)
	}

	mode := pik.Mode
	if mode == "" {
		mode = s.mode
	}
	key, err := s.unseal(ctx, log, pik.DeviceEncSessionKey, mode)
	if err != nil {
		if errors.Is(err, seal.ErrCorrupt) {
			log.Errorx("stored session key is corrupt, possibly tampered with", err, slog.String("userid", pik.UserID))
		}
		return nil, false, fmt.Errorf("unsealing session key: %w", err)
	}
	return key, true, nil
}

// ListUsers returns all users, sorted by id.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	l, err := bstore.QueryDB[User](ctx, s.DB).SortAsc("UserID").List()
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return l, nil
}

// UserKeyCount returns the number of push identifier keys stored for the user.
func (s *Store) UserKeyCount(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: empty user id", ErrInvalid)
	}
	q := bstore.QueryDB[PushIdentifierKey](ctx, s.DB)
	q.FilterNonzero(PushIdentifierKey{UserID: userID})
	n, err := q.Count()
	if err != nil {
		return 0, fmt.Errorf("counting push identifier keys: %w", err)
	}
	return n, nil
}

// RemoveUser removes the user and all its push identifier keys. Other users are
// not affected. Removing an absent user is not an error.
//
// The notification mode of the user is kept.
func (s *Store) RemoveUser(ctx context.Context, userID string) error {
	log := s.log.WithContext(ctx).With(slog.String("userid", userID))

	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalid)
	}

	var removed bool
	var nkeys int
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[PushIdentifierKey](tx)
		q.FilterNonzero(PushIdentifierKey{UserID: userID})
		var err error
		nkeys, err = q.Delete()
		if err != nil {
			return fmt.Errorf("removing push identifier keys: %w", err)
		}

		u := User{UserID: userID}
		if err := tx.Delete(&u); errors.Is(err, bstore.ErrAbsent) {
			return nil
		} else if err != nil {
			return fmt.Errorf("removing user: %w", err)
		}
		removed = true
		return nil
	})
	if err := s.checkWrite(log, err, "removing user"); err != nil {
		return err
	}

	if removed {
		log.Info("user removed", slog.Int("keys", nkeys))
		s.notifyUsers(ctx)
	} else {
		log.Debug("user to remove not present")
	}
	return nil
}

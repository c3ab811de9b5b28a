package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mjl-/bstore"
)

// NotificationMode is how much of a message a notification reveals.
type NotificationMode int

const (
	NotificationNone             NotificationMode = 0 // No sender or subject.
	NotificationSenderOnly       NotificationMode = 1
	NotificationSenderAndSubject NotificationMode = 2
)

// DefaultMode is the mode for users without stored mode.
const DefaultMode = NotificationNone

var notificationModeNames = map[NotificationMode]string{
	NotificationNone:             "none",
	NotificationSenderOnly:       "sender",
	NotificationSenderAndSubject: "sendersubject",
}

func (m NotificationMode) String() string {
	if s, ok := notificationModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("(invalid %d)", int(m))
}

// Valid returns whether m is a known mode.
func (m NotificationMode) Valid() bool {
	_, ok := notificationModeNames[m]
	return ok
}

// ParseNotificationMode parses a mode as returned by String.
func ParseNotificationMode(s string) (NotificationMode, error) {
	for m, name := range notificationModeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown notification mode %q", ErrInvalid, s)
}

// NewUserMode is set for a user when its first session key is stored on the
// device, replacing any mode kept from an earlier sign-in. Users that were never
// signed in read as DefaultMode.
const NewUserMode = NotificationSenderOnly

// NotificationPolicy is the notification mode for a user. Kept when the user is
// removed.
type NotificationPolicy struct {
	UserID  string
	Mode    NotificationMode
	Updated time.Time
}

// NotificationModeGet returns the notification mode for the user, or DefaultMode
// if none was set.
func (s *Store) NotificationModeGet(ctx context.Context, userID string) (NotificationMode, error) {
	np := NotificationPolicy{UserID: userID}
	if err := s.DB.Get(ctx, &np); errors.Is(err, bstore.ErrAbsent) {
		return DefaultMode, nil
	} else if err != nil {
		return 0, fmt.Errorf("get notification policy: %w", err)
	}
	return np.Mode, nil
}

// NotificationModeSet sets the notification mode for the user, which does not
// have to be present as user.
func (s *Store) NotificationModeSet(ctx context.Context, userID string, mode NotificationMode) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalid)
	}
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		return notificationModeSet(tx, userID, mode)
	})
	return s.checkWrite(s.log.WithContext(ctx), err, "setting notification mode")
}

func notificationModeSet(tx *bstore.Tx, userID string, mode NotificationMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown notification mode %d", ErrInvalid, mode)
	}
	np := NotificationPolicy{UserID: userID}
	err := tx.Get(&np)
	if err != nil && !errors.Is(err, bstore.ErrAbsent) {
		return fmt.Errorf("get notification policy: %w", err)
	}
	exists := err == nil
	np.Mode = mode
	np.Updated = timeNow()
	if exists {
		err = tx.Update(&np)
	} else {
		err = tx.Insert(&np)
	}
	if err != nil {
		return fmt.Errorf("storing notification policy: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjl-/bstore"
)

// Names of settings.
const (
	settingPushIdentifier                  = "pushIdentifier"
	settingSSEOrigin                       = "sseOrigin"
	settingLastProcessedNotificationID     = "lastProcessedNotificationId"
	settingLastMissedNotificationCheckTime = "lastMissedNotificationCheckTime"
	settingConnectTimeout                  = "connectTimeoutSeconds"
)

// setting returns the setting by name. ok is false if it is absent.
func (s *Store) setting(ctx context.Context, name string) (st Setting, ok bool, rerr error) {
	st = Setting{Name: name}
	if err := s.DB.Get(ctx, &st); errors.Is(err, bstore.ErrAbsent) {
		return Setting{}, false, nil
	} else if err != nil {
		return Setting{}, false, fmt.Errorf("get setting %s: %w", name, err)
	}
	return st, true, nil
}

func settingPut(tx *bstore.Tx, st Setting) error {
	st.Updated = timeNow()
	ost := Setting{Name: st.Name}
	err := tx.Get(&ost)
	if err == nil {
		err = tx.Update(&st)
	} else if errors.Is(err, bstore.ErrAbsent) {
		err = tx.Insert(&st)
	}
	if err != nil {
		return fmt.Errorf("storing setting %s: %w", st.Name, err)
	}
	return nil
}

func settingDelete(tx *bstore.Tx, name string) error {
	st := Setting{Name: name}
	if err := tx.Delete(&st); err != nil && !errors.Is(err, bstore.ErrAbsent) {
		return fmt.Errorf("removing setting %s: %w", name, err)
	}
	return nil
}

func (s *Store) settingWrite(ctx context.Context, name string, fn func(tx *bstore.Tx) error) error {
	log := s.log.WithContext(ctx)
	err := s.DB.Write(ctx, fn)
	if err := s.checkWrite(log, err, "writing setting"); err != nil {
		return err
	}
	log.Debug("setting written", slog.String("name", name))
	return nil
}

// PushIdentifier returns the identifier the push server knows this device by.
// Empty if the device is not registered.
func (s *Store) PushIdentifier(ctx context.Context) (string, error) {
	st, _, err := s.setting(ctx, settingPushIdentifier)
	return st.Text, err
}

// SSEOrigin returns the origin of the server the device registered with. Empty if
// the device is not registered.
func (s *Store) SSEOrigin(ctx context.Context) (string, error) {
	st, _, err := s.setting(ctx, settingSSEOrigin)
	return st.Text, err
}

// StorePushIdentifier stores the device push identifier with the server origin
// it is registered at. Both are written in one transaction, so they are always
// seen together.
func (s *Store) StorePushIdentifier(ctx context.Context, identifier, origin string) error {
	if identifier == "" {
		return fmt.Errorf("%w: empty push identifier", ErrInvalid)
	} else if origin == "" {
		return fmt.Errorf("%w: empty origin", ErrInvalid)
	}
	return s.settingWrite(ctx, settingPushIdentifier, func(tx *bstore.Tx) error {
		if err := settingPut(tx, Setting{Name: settingPushIdentifier, Text: identifier}); err != nil {
			return err
		}
		return settingPut(tx, Setting{Name: settingSSEOrigin, Text: origin})
	})
}

// LastProcessedNotificationID returns the id of the last notification that was
// processed. Empty if none.
func (s *Store) LastProcessedNotificationID(ctx context.Context) (string, error) {
	st, _, err := s.setting(ctx, settingLastProcessedNotificationID)
	return st.Text, err
}

// SetLastProcessedNotificationID stores the id of the last processed
// notification. An empty id removes it.
func (s *Store) SetLastProcessedNotificationID(ctx context.Context, id string) error {
	return s.settingWrite(ctx, settingLastProcessedNotificationID, func(tx *bstore.Tx) error {
		if id == "" {
			return settingDelete(tx, settingLastProcessedNotificationID)
		}
		return settingPut(tx, Setting{Name: settingLastProcessedNotificationID, Text: id})
	})
}

// LastMissedNotificationCheckTime returns when missed notifications were last
// checked for. ok is false if never checked, or since Clear.
func (s *Store) LastMissedNotificationCheckTime(ctx context.Context) (tm time.Time, ok bool, rerr error) {
	st, ok, err := s.setting(ctx, settingLastMissedNotificationCheckTime)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.UnixMilli(st.Number), true, nil
}

// SetLastMissedNotificationCheckTime stores the time of the last check for missed
// notifications, with millisecond precision. A nil tm removes it.
func (s *Store) SetLastMissedNotificationCheckTime(ctx context.Context, tm *time.Time) error {
	return s.settingWrite(ctx, settingLastMissedNotificationCheckTime, func(tx *bstore.Tx) error {
		if tm == nil {
			return settingDelete(tx, settingLastMissedNotificationCheckTime)
		}
		return settingPut(tx, Setting{Name: settingLastMissedNotificationCheckTime, Number: tm.UnixMilli()})
	})
}

// ConnectTimeout returns the timeout for connecting to the server, if set. It is
// stored with a resolution of seconds.
func (s *Store) ConnectTimeout(ctx context.Context) (d time.Duration, ok bool, rerr error) {
	st, ok, err := s.setting(ctx, settingConnectTimeout)
	if err != nil || !ok {
		return 0, false, err
	}
	return time.Duration(st.Number) * time.Second, true, nil
}

// SetConnectTimeout stores the connect timeout, rounded down to whole seconds.
func (s *Store) SetConnectTimeout(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: negative connect timeout %v", ErrInvalid, d)
	}
	return s.settingWrite(ctx, settingConnectTimeout, func(tx *bstore.Tx) error {
		return settingPut(tx, Setting{Name: settingConnectTimeout, Number: int64(d / time.Second)})
	})
}

// reservedSetting returns whether name is used for a setting with its own
// accessors.
func reservedSetting(name string) bool {
	switch name {
	case settingPushIdentifier, settingSSEOrigin, settingLastProcessedNotificationID, settingLastMissedNotificationCheckTime, settingConnectTimeout:
		return true
	}
	return false
}

// BlobSetting returns the byte value stored under name. ok is false if it is
// absent. Names of the settings with their own accessors, like the push
// identifier, are not valid.
func (s *Store) BlobSetting(ctx context.Context, name string) (buf []byte, ok bool, rerr error) {
	if name == "" || reservedSetting(name) {
		return nil, false, fmt.Errorf("%w: setting name %q", ErrInvalid, name)
	}
	st, ok, err := s.setting(ctx, name)
	return st.Blob, ok, err
}

// SetBlobSetting stores buf under name. An empty buf removes the setting.
func (s *Store) SetBlobSetting(ctx context.Context, name string, buf []byte) error {
	if name == "" || reservedSetting(name) {
		return fmt.Errorf("%w: setting name %q", ErrInvalid, name)
	}
	return s.settingWrite(ctx, name, func(tx *bstore.Tx) error {
		if len(buf) == 0 {
			return settingDelete(tx, name)
		}
		return settingPut(tx, Setting{Name: name, Blob: buf})
	})
}

// Clear removes all state of signed in users: users and their session keys, the
// device registration, the last missed-notification check time and all alarm
// notifications. It is used when signing out all users.
//
// Notification modes, the connect timeout and the last processed notification
// id are kept.
func (s *Store) Clear(ctx context.Context) error {
	log := s.log.WithContext(ctx)

	var nusers, nkeys, nalarms int
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		nkeys, err = bstore.QueryTx[PushIdentifierKey](tx).Delete()
		if err != nil {
			return fmt.Errorf("removing push identifier keys: %w", err)
		}
		nusers, err = bstore.QueryTx[User](tx).Delete()
		if err != nil {
			return fmt.Errorf("removing users: %w", err)
		}
		nalarms, err = bstore.QueryTx[AlarmNotification](tx).Delete()
		if err != nil {
			return fmt.Errorf("removing alarm notifications: %w", err)
		}
		for _, name := range []string{settingPushIdentifier, settingSSEOrigin, settingLastMissedNotificationCheckTime} {
			if err := settingDelete(tx, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err := s.checkWrite(log, err, "clearing store"); err != nil {
		return err
	}
	log.Info("store cleared", slog.Int("users", nusers), slog.Int("keys", nkeys), slog.Int("alarms", nalarms))

	if nusers > 0 {
		s.notifyUsers(ctx)
	}
	return nil
}

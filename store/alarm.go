package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjl-/bstore"
)

// AlarmNotification is a scheduled alarm, kept so alarms can be scheduled again
// after the device restarted. The payload is opaque to the store.
type AlarmNotification struct {
	AlarmIdentifier string
	UserID          string `bstore:"index"` // May be empty.
	EventStart      time.Time
	Payload         []byte
	Inserted        time.Time
}

// InsertAlarm stores the alarm notification, replacing an existing alarm with
// the same identifier.
func (s *Store) InsertAlarm(ctx context.Context, a AlarmNotification) error {
	log := s.log.WithContext(ctx).With(slog.String("alarmid", a.AlarmIdentifier))

	if a.AlarmIdentifier == "" {
		return fmt.Errorf("%w: empty alarm identifier", ErrInvalid)
	}
	a.Inserted = timeNow()

	var replaced bool
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		oa := AlarmNotification{AlarmIdentifier: a.AlarmIdentifier}
		err := tx.Get(&oa)
		if err == nil {
			replaced = true
			err = tx.Update(&a)
		} else if errors.Is(err, bstore.ErrAbsent) {
			err = tx.Insert(&a)
		}
		if err != nil {
			return fmt.Errorf("storing alarm notification: %w", err)
		}
		return nil
	})
	if err := s.checkWrite(log, err, "inserting alarm"); err != nil {
		return err
	}
	log.Debug("alarm notification stored", slog.Bool("replaced", replaced))
	return nil
}

// DeleteAlarm removes the alarm notification. Removing an absent alarm is not an
// error.
func (s *Store) DeleteAlarm(ctx context.Context, alarmIdentifier string) error {
	log := s.log.WithContext(ctx).With(slog.String("alarmid", alarmIdentifier))

	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		a := AlarmNotification{AlarmIdentifier: alarmIdentifier}
		if err := tx.Delete(&a); err != nil && !errors.Is(err, bstore.ErrAbsent) {
			return fmt.Errorf("removing alarm notification: %w", err)
		}
		return nil
	})
	return s.checkWrite(log, err, "deleting alarm")
}

// ListAlarms returns all alarm notifications, ordered by event start and
// identifier.
func (s *Store) ListAlarms(ctx context.Context) ([]AlarmNotification, error) {
	l, err := bstore.QueryDB[AlarmNotification](ctx, s.DB).SortAsc("EventStart", "AlarmIdentifier").List()
	if err != nil {
		return nil, fmt.Errorf("listing alarm notifications: %w", err)
	}
	return l, nil
}

// ClearAlarms removes all alarm notifications, returning how many were removed.
func (s *Store) ClearAlarms(ctx context.Context) (int, error) {
	var n int
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		n, err = bstore.QueryTx[AlarmNotification](tx).Delete()
		return err
	})
	if err := s.checkWrite(s.log.WithContext(ctx), err, "clearing alarms"); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteAlarmsForUser removes the alarm notifications of a user, returning how
// many were removed.
func (s *Store) DeleteAlarmsForUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: empty user id", ErrInvalid)
	}
	var n int
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[AlarmNotification](tx)
		q.FilterNonzero(AlarmNotification{UserID: userID})
		var err error
		n, err = q.Delete()
		return err
	})
	if err := s.checkWrite(s.log.WithContext(ctx), err, "deleting alarms for user"); err != nil {
		return 0, err
	}
	return n, nil
}

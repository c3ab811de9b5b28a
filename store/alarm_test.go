package store

import (
	"fmt"
	"testing"
	"time"
)

func TestAlarms(t *testing.T) {
	s := newTestStore(t, &fakeSealer{})

	tcheckAlarms := func(exp ...string) {
		t.Helper()
		l, err := s.ListAlarms(ctxbg)
		tcheck(t, err, "list alarms")
		var ids []string
		for _, a := range l {
			ids = append(ids, a.AlarmIdentifier)
		}
		if fmt.Sprint(ids) != fmt.Sprint(exp) {
			t.Fatalf("alarms: got %v, expected %v", ids, exp)
		}
	}

	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	tcheckAlarms()
	err := s.InsertAlarm(ctxbg, AlarmNotification{AlarmIdentifier: "a", UserID: "u1", EventStart: t1, Payload: []byte("one")})
	tcheck(t, err, "insert alarm")
	err = s.InsertAlarm(ctxbg, AlarmNotification{AlarmIdentifier: "c", UserID: "u2", EventStart: t0})
	tcheck(t, err, "insert alarm")
	err = s.InsertAlarm(ctxbg, AlarmNotification{AlarmIdentifier: "b", UserID: "u1", EventStart: t0})
	tcheck(t, err, "insert alarm")
	tcheckAlarms("b", "c", "a")

	// Replace.
	err = s.InsertAlarm(ctxbg, AlarmNotification{AlarmIdentifier: "a", UserID: "u1", EventStart: t0.Add(-time.Hour), Payload: []byte("two")})
	tcheck(t, err, "replace alarm")
	tcheckAlarms("a", "b", "c")
	l, err := s.ListAlarms(ctxbg)
	tcheck(t, err, "list alarms")
	if string(l[0].Payload) != "two" || l[0].Inserted.IsZero() {
		t.Fatalf("replaced alarm %#v", l[0])
	}

	err = s.InsertAlarm(ctxbg, AlarmNotification{EventStart: t0})
	tneedError(t, err, ErrInvalid, "insert alarm without identifier")

	err = s.DeleteAlarm(ctxbg, "b")
	tcheck(t, err, "delete alarm")
	err = s.DeleteAlarm(ctxbg, "b")
	tcheck(t, err, "delete absent alarm")
	tcheckAlarms("a", "c")

	// Removing a user does not touch its alarms.
	err = s.StoreSessionKey(ctxbg, "u1", "p1", []byte("key"))
	tcheck(t, err, "store session key")
	err = s.RemoveUser(ctxbg, "u1")
	tcheck(t, err, "remove user")
	tcheckAlarms("a", "c")

	n, err := s.DeleteAlarmsForUser(ctxbg, "u1")
	tcheck(t, err, "delete alarms for user")
	if n != 1 {
		t.Fatalf("deleted %d alarms for user, expected 1", n)
	}
	tcheckAlarms("c")
	_, err = s.DeleteAlarmsForUser(ctxbg, "")
	tneedError(t, err, ErrInvalid, "delete alarms for empty user")

	err = s.InsertAlarm(ctxbg, AlarmNotification{AlarmIdentifier: "d", EventStart: t1})
	tcheck(t, err, "insert alarm")
	n, err = s.ClearAlarms(ctxbg)
	tcheck(t, err, "clear alarms")
	if n != 2 {
		t.Fatalf("cleared %d alarms, expected 2", n)
	}
	tcheckAlarms()
}

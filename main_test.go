package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/ssekeep/ssekeep/mlog"
	"github.com/ssekeep/ssekeep/seal"
	"github.com/ssekeep/ssekeep/store"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	err := g.Write(&m)
	tcheck(t, err, "reading gauge")
	return m.GetGauge().GetValue()
}

func TestCommandUsage(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range cmds {
		c.gather()
		name := strings.Join(c.words, " ")
		if seen[name] {
			t.Fatalf("duplicate command %q", name)
		}
		seen[name] = true
		if c.help == "" {
			t.Fatalf("command %q without help", name)
		}
		if u := c.makeUsage(); !strings.HasPrefix(strings.TrimSpace(u), "usage: ssekeep "+name) {
			t.Fatalf("command %q, unexpected usage %q", name, u)
		}
	}
}

func TestObserveHandler(t *testing.T) {
	log := mlog.New("serve", nil)
	h := observeHandler(log, "test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok"))
	}))

	for _, tc := range []struct {
		path string
		code int
	}{
		{"/", http.StatusOK},
		{"/missing", http.StatusNotFound},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", tc.path, nil))
		if rec.Code != tc.code {
			t.Fatalf("%s: status %d, expected %d", tc.path, rec.Code, tc.code)
		}
	}

	sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	sw.WriteHeader(http.StatusTeapot)
	sw.WriteHeader(http.StatusOK)
	if sw.code != http.StatusTeapot {
		t.Fatalf("status %d, expected first written status", sw.code)
	}
}

func TestWatchUsers(t *testing.T) {
	log := mlog.New("serve", nil)
	dir := t.TempDir()
	kp := filepath.Join(dir, "seal.key")
	err := seal.GenerateKeyfile(log, kp)
	tcheck(t, err, "generate key file")
	k, err := seal.OpenKeyfile(log, kp)
	tcheck(t, err, "open key file")
	st, err := store.Open(context.Background(), log, filepath.Join(dir, "ssekeep.db"), k, seal.ModeDeviceLock)
	tcheck(t, err, "open store")

	w, err := st.ObserveUsers(context.Background())
	tcheck(t, err, "observe users")
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchUsers(log, w)
	}()

	err = st.StoreSessionKey(context.Background(), "u1", "p1", []byte("key"))
	tcheck(t, err, "store session key")
	// Closing the store ends the watch, after the pending users are delivered.
	err = st.Close()
	tcheck(t, err, "close store")
	<-done
	if v := gaugeValue(t, metricUsers); v != 1 {
		t.Fatalf("users gauge %v, expected 1", v)
	}

	setSealerLocked(log, k, true)
	if !k.Locked() || gaugeValue(t, metricSealerLocked) != 1 {
		t.Fatalf("sealer not locked")
	}
	setSealerLocked(log, k, false)
	if k.Locked() || gaugeValue(t, metricSealerLocked) != 0 {
		t.Fatalf("sealer still locked")
	}
}

func TestRemoveUser(t *testing.T) {
	log := mlog.New("ssekeep", nil)
	ctx := context.Background()
	dir := t.TempDir()
	kp := filepath.Join(dir, "seal.key")
	err := seal.GenerateKeyfile(log, kp)
	tcheck(t, err, "generate key file")
	k, err := seal.OpenKeyfile(log, kp)
	tcheck(t, err, "open key file")
	st, err := store.Open(ctx, log, filepath.Join(dir, "ssekeep.db"), k, seal.ModeDeviceLock)
	tcheck(t, err, "open store")
	defer st.Close()

	// Storing the only key of u1 for u2 removes u1.
	err = st.StoreSessionKey(ctx, "u1", "p1", []byte("key1"))
	tcheck(t, err, "store session key")
	err = st.StoreSessionKey(ctx, "u2", "p1", []byte("key2"))
	tcheck(t, err, "store session key for other user")
	err = st.InsertAlarm(ctx, store.AlarmNotification{AlarmIdentifier: "a1", UserID: "u2"})
	tcheck(t, err, "insert alarm")

	r, err := removeUser(ctx, st, "u1", true)
	tcheck(t, err, "remove absent user")
	if r != (removeResult{}) {
		t.Fatalf("removing absent user: %#v", r)
	}

	r, err = removeUser(ctx, st, "u2", true)
	tcheck(t, err, "remove user")
	if r != (removeResult{existed: true, keys: 1, alarms: 1}) {
		t.Fatalf("removing user: %#v", r)
	}
	users, err := st.ListUsers(ctx)
	tcheck(t, err, "list users")
	if len(users) != 0 {
		t.Fatalf("users after remove: %#v", users)
	}

	r, err = removeUser(ctx, st, "u2", false)
	tcheck(t, err, "remove user again")
	if r.existed {
		t.Fatalf("user still present after remove")
	}

	_, err = removeUser(ctx, st, "", false)
	if !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("removing empty user id: got %v, expected ErrInvalid", err)
	}
}

package settingsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime/debug"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/sherpa"

	"github.com/ssekeep/ssekeep/mlog"
	"github.com/ssekeep/ssekeep/seal"
	"github.com/ssekeep/ssekeep/store"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tneedErrorCode(t *testing.T, code string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		x := recover()
		if x == nil {
			debug.PrintStack()
			t.Fatalf("expected sherpa user error, saw success")
		}
		if err, ok := x.(*sherpa.Error); !ok {
			debug.PrintStack()
			t.Fatalf("expected sherpa error, saw %#v", x)
		} else if err.Code != code {
			debug.PrintStack()
			t.Fatalf("expected sherpa error code %q, saw other sherpa error %#v", code, err)
		}
	}()

	fn()
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	gotbuf, err := json.Marshal(got)
	tcheck(t, err, "marshal")
	expbuf, err := json.Marshal(exp)
	tcheck(t, err, "marshal")
	if string(gotbuf) != string(expbuf) {
		t.Fatalf("got:\n%s\nexpected:\n%s", gotbuf, expbuf)
	}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	log := mlog.New("settingsapi", nil)
	dir := t.TempDir()
	kp := filepath.Join(dir, "seal.key")
	err := seal.GenerateKeyfile(log, kp)
	tcheck(t, err, "generate key file")
	k, err := seal.OpenKeyfile(log, kp)
	tcheck(t, err, "open key file")
	st, err := store.Open(ctxbg, log, filepath.Join(dir, "ssekeep.db"), k, seal.ModeDeviceLock)
	tcheck(t, err, "open store")
	t.Cleanup(func() {
		err := st.Close()
		if err != nil {
			t.Errorf("closing store: %v", err)
		}
	})
	return st
}

func TestSettings(t *testing.T) {
	st := newStore(t)
	api := Settings{}
	reqInfo := requestInfo{pkglog, st, 30 * time.Second}
	ctx := context.WithValue(ctxbg, requestInfoCtxKey, reqInfo)

	tcompare(t, api.DeviceRegistration(ctx), DeviceRegistration{})
	api.DeviceRegistrationSave(ctx, DeviceRegistration{"pushid", "https://app.example"})
	tcompare(t, api.DeviceRegistration(ctx), DeviceRegistration{"pushid", "https://app.example"})
	tneedErrorCode(t, "user:error", func() { api.DeviceRegistrationSave(ctx, DeviceRegistration{"", "https://app.example"}) })

	tcompare(t, api.Users(ctx), []UserInfo{})
	err := st.StoreSessionKey(ctxbg, "u1", "p1", []byte("key1"))
	tcheck(t, err, "store session key")
	err = st.StoreSessionKey(ctxbg, "u1", "p2", []byte("key2"))
	tcheck(t, err, "store session key")
	err = st.StoreSessionKey(ctxbg, "u2", "p3", []byte("key3"))
	tcheck(t, err, "store session key")
	users := api.Users(ctx)
	if len(users) != 2 || users[0].UserID != "u1" || users[0].Keys != 2 || users[0].NotificationMode != "sender" || users[1].NotificationMode != "sender" {
		t.Fatalf("unexpected users %#v", users)
	}

	api.NotificationModeSave(ctx, "u1", "sendersubject")
	if m := api.NotificationMode(ctx, "u1"); m != "sendersubject" {
		t.Fatalf("notification mode %q", m)
	}
	tneedErrorCode(t, "user:error", func() { api.NotificationModeSave(ctx, "u1", "everything") })
	tneedErrorCode(t, "user:error", func() { api.NotificationModeSave(ctx, "", "none") })

	// The last key of u2 moving to u3 takes u2 along.
	err = st.StoreSessionKey(ctxbg, "u3", "p3", []byte("key3b"))
	tcheck(t, err, "move session key")
	if users := api.Users(ctx); len(users) != 2 || users[0].UserID != "u1" || users[1].UserID != "u3" {
		t.Fatalf("users after moving key %#v", users)
	}

	// Removing is idempotent.
	api.UserRemove(ctx, "u2")
	api.UserRemove(ctx, "u3")
	api.UserRemove(ctx, "u3")
	if users := api.Users(ctx); len(users) != 1 {
		t.Fatalf("users after remove %#v", users)
	}
	tneedErrorCode(t, "user:error", func() { api.UserRemove(ctx, "") })

	secs, stored := api.ConnectTimeout(ctx)
	if secs != 30 || stored {
		t.Fatalf("connect timeout %d, stored %v, expected default", secs, stored)
	}
	api.ConnectTimeoutSave(ctx, 10)
	secs, stored = api.ConnectTimeout(ctx)
	if secs != 10 || !stored {
		t.Fatalf("connect timeout %d, stored %v", secs, stored)
	}
	tneedErrorCode(t, "user:error", func() { api.ConnectTimeoutSave(ctx, -1) })

	api.LastProcessedNotificationIDSave(ctx, "n1")
	if id := api.LastProcessedNotificationID(ctx); id != "n1" {
		t.Fatalf("last processed %q", id)
	}

	if tm := api.LastMissedNotificationCheckTime(ctx); tm != nil {
		t.Fatalf("last missed check time %v, expected nil", tm)
	}
	now := time.Now().Truncate(time.Millisecond)
	api.LastMissedNotificationCheckTimeSave(ctx, &now)
	if tm := api.LastMissedNotificationCheckTime(ctx); tm == nil || !tm.Equal(now) {
		t.Fatalf("last missed check time %v, expected %v", tm, now)
	}

	tcompare(t, api.Alarms(ctx), []store.AlarmNotification{})
	err = st.InsertAlarm(ctxbg, store.AlarmNotification{AlarmIdentifier: "a1", UserID: "u1", EventStart: now})
	tcheck(t, err, "insert alarm")
	if l := api.Alarms(ctx); len(l) != 1 || l[0].AlarmIdentifier != "a1" {
		t.Fatalf("alarms %#v", l)
	}
	api.AlarmRemove(ctx, "a1")
	api.AlarmRemove(ctx, "a1")
	tcompare(t, api.Alarms(ctx), []store.AlarmNotification{})

	if v, found := api.BlobSetting(ctx, "certPins"); found || v != nil {
		t.Fatalf("blob setting %x (found %v), expected none", v, found)
	}
	api.BlobSettingSave(ctx, "certPins", []byte{0, 0xff})
	if v, found := api.BlobSetting(ctx, "certPins"); !found || string(v) != "\x00\xff" {
		t.Fatalf("blob setting %x (found %v)", v, found)
	}
	tneedErrorCode(t, "user:error", func() { api.BlobSettingSave(ctx, "pushIdentifier", []byte{1}) })
	tneedErrorCode(t, "user:error", func() { api.BlobSetting(ctx, "") })

	api.Clear(ctx)
	tcompare(t, api.Users(ctx), []UserInfo{})
	tcompare(t, api.DeviceRegistration(ctx), DeviceRegistration{})
	if tm := api.LastMissedNotificationCheckTime(ctx); tm != nil {
		t.Fatalf("last missed check time %v after clear", tm)
	}
	if m := api.NotificationMode(ctx, "u1"); m != "sendersubject" {
		t.Fatalf("notification mode %q after clear", m)
	}
	if _, found := api.BlobSetting(ctx, "certPins"); !found {
		t.Fatalf("blob setting removed by clear")
	}
}

func TestHandler(t *testing.T) {
	st := newStore(t)
	h := Handler(st, 30*time.Second)

	call := func(fn, params string) map[string]json.RawMessage {
		t.Helper()
		req := httptest.NewRequest("POST", "/api/"+fn, strings.NewReader(`{"params": `+params+`}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("calling %s: status %d, body %s", fn, rec.Code, rec.Body.String())
		}
		var resp map[string]json.RawMessage
		err := json.Unmarshal(rec.Body.Bytes(), &resp)
		tcheck(t, err, "parsing response")
		return resp
	}

	err := st.StoreSessionKey(ctxbg, "u1", "p1", []byte("key1"))
	tcheck(t, err, "store session key")

	resp := call("Users", "[]")
	var users []UserInfo
	err = json.Unmarshal(resp["result"], &users)
	tcheck(t, err, "parsing users")
	if len(users) != 1 || users[0].UserID != "u1" {
		t.Fatalf("users %#v", users)
	}
	if strings.Contains(string(resp["result"]), "key1") {
		t.Fatalf("session key exposed in response")
	}

	resp = call("NotificationModeSave", `["u1", "bogus"]`)
	var serr sherpa.Error
	err = json.Unmarshal(resp["error"], &serr)
	tcheck(t, err, "parsing error")
	if serr.Code != "user:error" {
		t.Fatalf("error code %q, expected user:error", serr.Code)
	}
}

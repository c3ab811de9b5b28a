// Package settingsapi provides an HTTP JSON API for the settings layer: the
// device registration, users and their notification modes, connect timeout,
// notification progress and alarms.
//
// Session keys are never exposed.
package settingsapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/ssekeep/ssekeep/metrics"
	"github.com/ssekeep/ssekeep/mlog"
	"github.com/ssekeep/ssekeep/ssekeepvar"
	"github.com/ssekeep/ssekeep/store"
)

var pkglog = mlog.New("settingsapi", nil)

//go:embed api.json
var settingsapiJSON []byte

var settingsDoc = mustParseAPI("settings", settingsapiJSON)

var settingsSherpaHandler http.Handler

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

func init() {
	collector, err := sherpaprom.NewCollector("ssekeepsettings", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}

	settingsSherpaHandler, err = sherpa.NewHandler("/api/", ssekeepvar.Version, Settings{}, &settingsDoc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		pkglog.Fatalx("sherpa handler", err)
	}
}

type ctxKey string

// requestInfoCtxKey holds the requestInfo for API calls.
var requestInfoCtxKey ctxKey = "requestInfo"

type requestInfo struct {
	Log                   mlog.Log
	Store                 *store.Store
	DefaultConnectTimeout time.Duration
}

// Handler returns the handler for the API, mounted at /api/, operating on st.
// The defaultConnectTimeout is returned by ConnectTimeout while none is stored.
func Handler(st *store.Store, defaultConnectTimeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := mlog.Cid()
		log := pkglog.WithCid(cid)
		log.Debug("settings api request", slog.String("method", r.Method), slog.String("path", r.URL.Path))
		defer func() {
			x := recover()
			if x == nil {
				return
			} else if x == http.ErrAbortHandler {
				panic(x)
			}
			log.Error("unhandled panic in settings api", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.SettingsAPI)
			http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		}()

		ctx := context.WithValue(r.Context(), mlog.CidKey, cid)
		reqInfo := requestInfo{log, st, defaultConnectTimeout}
		ctx = context.WithValue(ctx, requestInfoCtxKey, reqInfo)
		settingsSherpaHandler.ServeHTTP(w, r.WithContext(ctx))
	})
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	if errors.Is(err, store.ErrInvalid) {
		xcheckuserf(ctx, err, format, args...)
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "user:error", Message: errmsg})
}

// Settings exports web API functions for the settings of a device. All its
// methods are exported under api/.
type Settings struct{}

func reqStore(ctx context.Context) (requestInfo, *store.Store) {
	reqInfo := ctx.Value(requestInfoCtxKey).(requestInfo)
	return reqInfo, reqInfo.Store
}

// DeviceRegistration is the identifier the push server knows this device by,
// and the server origin it is registered with.
type DeviceRegistration struct {
	PushIdentifier string // Empty if not registered.
	Origin         string
}

// DeviceRegistration returns the current device registration.
func (Settings) DeviceRegistration(ctx context.Context) (r DeviceRegistration) {
	_, st := reqStore(ctx)
	var err error
	r.PushIdentifier, err = st.PushIdentifier(ctx)
	xcheckf(ctx, err, "get push identifier")
	r.Origin, err = st.SSEOrigin(ctx)
	xcheckf(ctx, err, "get origin")
	return r
}

// DeviceRegistrationSave stores a new device registration.
func (Settings) DeviceRegistrationSave(ctx context.Context, r DeviceRegistration) {
	_, st := reqStore(ctx)
	err := st.StorePushIdentifier(ctx, r.PushIdentifier, r.Origin)
	xcheckf(ctx, err, "storing device registration")
}

// UserInfo is a user signed in on the device.
type UserInfo struct {
	UserID           string
	Added            time.Time
	Keys             int    // Number of push identifiers with a stored session key.
	NotificationMode string // none, sender or sendersubject.
}

// Users returns all users, sorted by id.
func (Settings) Users(ctx context.Context) []UserInfo {
	_, st := reqStore(ctx)
	users, err := st.ListUsers(ctx)
	xcheckf(ctx, err, "listing users")
	l := []UserInfo{}
	for _, u := range users {
		n, err := st.UserKeyCount(ctx, u.UserID)
		xcheckf(ctx, err, "counting keys")
		mode, err := st.NotificationModeGet(ctx, u.UserID)
		xcheckf(ctx, err, "get notification mode")
		l = append(l, UserInfo{u.UserID, u.Added, n, mode.String()})
	}
	return l
}

// UserRemove removes a user and its session keys from the device. Removing an
// absent user is not an error.
func (Settings) UserRemove(ctx context.Context, userID string) {
	reqInfo, st := reqStore(ctx)
	exists, err := st.UserExists(ctx, userID)
	xcheckf(ctx, err, "looking up user")
	err = st.RemoveUser(ctx, userID)
	xcheckf(ctx, err, "removing user")
	reqInfo.Log.Info("user removed through settings api", slog.String("userid", userID), slog.Bool("existed", exists))
}

// NotificationMode returns the notification mode for the user: none, sender or
// sendersubject.
func (Settings) NotificationMode(ctx context.Context, userID string) string {
	_, st := reqStore(ctx)
	mode, err := st.NotificationModeGet(ctx, userID)
	xcheckf(ctx, err, "get notification mode")
	return mode.String()
}

// NotificationModeSave sets the notification mode for the user.
func (Settings) NotificationModeSave(ctx context.Context, userID, mode string) {
	_, st := reqStore(ctx)
	m, err := store.ParseNotificationMode(mode)
	xcheckuserf(ctx, err, "parsing notification mode")
	err = st.NotificationModeSet(ctx, userID, m)
	xcheckf(ctx, err, "setting notification mode")
}

// ConnectTimeout returns the connect timeout in seconds, and whether it was
// explicitly stored. If not, the default timeout is returned.
func (Settings) ConnectTimeout(ctx context.Context) (seconds int64, stored bool) {
	reqInfo, st := reqStore(ctx)
	d, ok, err := st.ConnectTimeout(ctx)
	xcheckf(ctx, err, "get connect timeout")
	if !ok {
		d = reqInfo.DefaultConnectTimeout
	}
	return int64(d / time.Second), ok
}

// ConnectTimeoutSave stores the connect timeout in seconds.
func (Settings) ConnectTimeoutSave(ctx context.Context, seconds int64) {
	_, st := reqStore(ctx)
	err := st.SetConnectTimeout(ctx, time.Duration(seconds)*time.Second)
	xcheckf(ctx, err, "storing connect timeout")
}

// LastProcessedNotificationID returns the id of the last processed notification,
// empty if none.
func (Settings) LastProcessedNotificationID(ctx context.Context) string {
	_, st := reqStore(ctx)
	id, err := st.LastProcessedNotificationID(ctx)
	xcheckf(ctx, err, "get last processed notification id")
	return id
}

// LastProcessedNotificationIDSave stores the id of the last processed
// notification. An empty id clears it.
func (Settings) LastProcessedNotificationIDSave(ctx context.Context, id string) {
	_, st := reqStore(ctx)
	err := st.SetLastProcessedNotificationID(ctx, id)
	xcheckf(ctx, err, "storing last processed notification id")
}

// LastMissedNotificationCheckTime returns when missed notifications were last
// checked for, or null if never.
func (Settings) LastMissedNotificationCheckTime(ctx context.Context) *time.Time {
	_, st := reqStore(ctx)
	tm, ok, err := st.LastMissedNotificationCheckTime(ctx)
	xcheckf(ctx, err, "get last missed notification check time")
	if !ok {
		return nil
	}
	return &tm
}

// LastMissedNotificationCheckTimeSave stores the time of the last check for
// missed notifications. Null clears it.
func (Settings) LastMissedNotificationCheckTimeSave(ctx context.Context, tm *time.Time) {
	_, st := reqStore(ctx)
	err := st.SetLastMissedNotificationCheckTime(ctx, tm)
	xcheckf(ctx, err, "storing last missed notification check time")
}

// BlobSetting returns the binary setting stored under name, and whether it is
// present.
func (Settings) BlobSetting(ctx context.Context, name string) (value []byte, found bool) {
	_, st := reqStore(ctx)
	buf, ok, err := st.BlobSetting(ctx, name)
	xcheckf(ctx, err, "get blob setting")
	return buf, ok
}

// BlobSettingSave stores a binary setting under name. An empty value removes it.
func (Settings) BlobSettingSave(ctx context.Context, name string, value []byte) {
	_, st := reqStore(ctx)
	err := st.SetBlobSetting(ctx, name, value)
	xcheckf(ctx, err, "storing blob setting")
}

// Alarms returns all stored alarm notifications, ordered by event start.
func (Settings) Alarms(ctx context.Context) []store.AlarmNotification {
	_, st := reqStore(ctx)
	l, err := st.ListAlarms(ctx)
	xcheckf(ctx, err, "listing alarms")
	if l == nil {
		l = []store.AlarmNotification{}
	}
	return l
}

// AlarmRemove removes an alarm notification.
func (Settings) AlarmRemove(ctx context.Context, alarmIdentifier string) {
	_, st := reqStore(ctx)
	err := st.DeleteAlarm(ctx, alarmIdentifier)
	xcheckf(ctx, err, "removing alarm")
}

// Clear signs out all users: users, session keys, device registration, the last
// missed-notification check time and alarms are removed.
func (Settings) Clear(ctx context.Context) {
	reqInfo, st := reqStore(ctx)
	err := st.Clear(ctx)
	xcheckf(ctx, err, "clearing store")
	reqInfo.Log.Info("store cleared through settings api")
}

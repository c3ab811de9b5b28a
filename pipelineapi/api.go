// Package pipelineapi provides an HTTP JSON API for the push and alarm
// pipelines running next to the daemon: storing and loading session keys, and
// maintaining the alarm ledger.
//
// Errors of the encryption capability get their own codes: "user:unavailable"
// (retry when unlocked), "user:invalidated" (register again) and
// "server:corrupt".
package pipelineapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/ssekeep/ssekeep/metrics"
	"github.com/ssekeep/ssekeep/mlog"
	"github.com/ssekeep/ssekeep/seal"
	"github.com/ssekeep/ssekeep/ssekeepvar"
	"github.com/ssekeep/ssekeep/store"
)

var pkglog = mlog.New("pipelineapi", nil)

//go:embed api.json
var pipelineapiJSON []byte

var pipelineDoc = mustParseAPI("pipeline", pipelineapiJSON)

var pipelineSherpaHandler http.Handler

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

func init() {
	collector, err := sherpaprom.NewCollector("ssekeeppipeline", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}

	pipelineSherpaHandler, err = sherpa.NewHandler("/pipeline/", ssekeepvar.Version, Pipeline{}, &pipelineDoc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		pkglog.Fatalx("sherpa handler", err)
	}
}

type ctxKey string

var storeCtxKey ctxKey = "store"

// Handler returns the handler for the API, mounted at /pipeline/, operating on
// st.
func Handler(st *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := mlog.Cid()
		log := pkglog.WithCid(cid)
		defer func() {
			x := recover()
			if x == nil {
				return
			} else if x == http.ErrAbortHandler {
				panic(x)
			}
			log.Error("unhandled panic in pipeline api", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.PipelineAPI)
			http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		}()

		ctx := context.WithValue(r.Context(), mlog.CidKey, cid)
		ctx = context.WithValue(ctx, storeCtxKey, st)
		pipelineSherpaHandler.ServeHTTP(w, r.WithContext(ctx))
	})
}

// errorCode returns the sherpa error code for err.
func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrInvalid):
		return "user:error"
	case errors.Is(err, seal.ErrUnavailable):
		return "user:unavailable"
	case errors.Is(err, seal.ErrKeyInvalidated):
		return "user:invalidated"
	case errors.Is(err, seal.ErrCorrupt):
		return "server:corrupt"
	}
	return "server:error"
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	code := errorCode(err)
	log := pkglog.WithContext(ctx)
	if code == "server:error" || code == "server:corrupt" {
		log.Errorx(msg, err)
	} else {
		log.Infox(msg, err, slog.String("code", code))
	}
	panic(&sherpa.Error{Code: code, Message: errmsg})
}

// Pipeline exports web API functions for the push and alarm pipelines of the
// device: storing and loading session keys, and the alarm ledger. All its
// methods are exported under pipeline/.
type Pipeline struct{}

func ctxStore(ctx context.Context) *store.Store {
	return ctx.Value(storeCtxKey).(*store.Store)
}

// SessionKeyStore seals and stores the session key for the push identifier of
// the user. A user new on the device is shown the sender in notifications.
//
// Errors with code user:unavailable mean the encryption capability is locked,
// the call can be retried later.
func (Pipeline) SessionKeyStore(ctx context.Context, userID, pushIdentifierID string, sessionKey []byte) {
	err := ctxStore(ctx).StoreSessionKey(ctx, userID, pushIdentifierID, sessionKey)
	xcheckf(ctx, err, "storing session key")
}

// SessionKeyLoad returns the unsealed session key for the push identifier, and
// whether one is stored.
//
// Errors with code user:unavailable mean the encryption capability is locked.
// Code user:invalidated means the key can never be unsealed again, the user has
// to register again. Code server:corrupt means the stored key is damaged.
func (Pipeline) SessionKeyLoad(ctx context.Context, pushIdentifierID string) (sessionKey []byte, found bool) {
	key, ok, err := ctxStore(ctx).LoadSessionKey(ctx, pushIdentifierID)
	xcheckf(ctx, err, "loading session key")
	return key, ok
}

// AlarmInsert stores an alarm notification, replacing one with the same
// identifier.
func (Pipeline) AlarmInsert(ctx context.Context, alarm store.AlarmNotification) {
	err := ctxStore(ctx).InsertAlarm(ctx, alarm)
	xcheckf(ctx, err, "inserting alarm")
}

// AlarmDelete removes an alarm notification. Removing an absent alarm is not an
// error.
func (Pipeline) AlarmDelete(ctx context.Context, alarmIdentifier string) {
	err := ctxStore(ctx).DeleteAlarm(ctx, alarmIdentifier)
	xcheckf(ctx, err, "removing alarm")
}

// AlarmList returns all alarm notifications, ordered by event start.
func (Pipeline) AlarmList(ctx context.Context) []store.AlarmNotification {
	l, err := ctxStore(ctx).ListAlarms(ctx)
	xcheckf(ctx, err, "listing alarms")
	if l == nil {
		l = []store.AlarmNotification{}
	}
	return l
}

// AlarmClear removes all alarm notifications, returning how many were removed.
func (Pipeline) AlarmClear(ctx context.Context) (removed int64) {
	n, err := ctxStore(ctx).ClearAlarms(ctx)
	xcheckf(ctx, err, "clearing alarms")
	return int64(n)
}

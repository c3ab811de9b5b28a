// Package mlog provides helpers on top of slog.Logger.
//
// Packages of ssekeep are allowed their own log level. Messages are logged with
// a constant string, variable data goes into attributes. Errors get their own
// functions with an "x" suffix, e.g. Errorx and Infox, taking the error as second
// parameter.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
package mlog

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Logfmt enabled output in logfmt, instead of output more suitable for
// command-line tools. Must be set early in a program lifecycle.
var Logfmt bool

// LogStringer is used when formatting field values during logging. If a value
// implements it, LogString is called for the value to log.
type LogStringer interface {
	LogString() string
}

// Extra log levels in addition to those of slog.
const (
	LevelTrace slog.Level = -8 // Below debug.
	LevelPrint slog.Level = 12 // Printed regardless of configured log level.
	LevelFatal slog.Level = 16 // Printed regardless of configured log level.
)

// Levels maps the names used in configuration files and flags to levels.
var Levels = map[string]slog.Level{
	"error": slog.LevelError,
	"info":  slog.LevelInfo,
	"debug": slog.LevelDebug,
	"trace": LevelTrace,
}

// LevelStrings is the inverse of Levels.
var LevelStrings = map[slog.Level]string{
	LevelFatal:      "fatal",
	LevelPrint:      "print",
	slog.LevelError: "error",
	slog.LevelWarn:  "warn",
	slog.LevelInfo:  "info",
	slog.LevelDebug: "debug",
	LevelTrace:      "trace",
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log
// level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": slog.LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id to be used for connections/sessions/requests.
func Cid() int64 {
	return cid.Add(1)
}

// Log wraps an slog.Logger, providing convenience functions.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If logger is nil, a new
// Logger is created with a custom handler.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{w: os.Stderr})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithCid adds an attribute "cid".
// Also see WithContext.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present. Context are often passed to
// functions, especially between packages, to pass a "cid" for an operation. At the
// start of a function (especially if exported) a variable "log" is often
// instantiated from a package-level logger, with WithContext for its cid.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// With adds attributes to to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	return Log{slog.New(l.Logger.Handler().WithAttrs(attrs))}
}

// WithPkg ensures pkg is added as attribute to logged lines. If the handler is
// an mlog handler, pkg is only added if not already the last added package.
func (l Log) WithPkg(pkg string) Log {
	h := l.Logger.Handler()
	if ph, ok := h.(*handler); ok {
		if len(ph.pkgs) > 0 && ph.pkgs[len(ph.pkgs)-1] == pkg {
			return l
		}
		return Log{slog.New(ph.WithPkg(pkg))}
	}
	return Log{slog.New(h.WithAttrs([]slog.Attr{slog.String("pkg", pkg)}))}
}

// WithFunc sets fn to be called for additional attributes. Used for ongoing
// operations whose state changes while logging.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	if h, ok := l.Logger.Handler().(*handler); ok {
		nh := *h
		nh.fn = fn
		return Log{slog.New(&nh)}
	}
	return l
}

// Check logs an error if err is not nil. Intended for logging errors that are good
// to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func errAttr(err error) slog.Attr {
	return slog.Any("err", err)
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelFatal, msg, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelPrint, msg, attrs...)
}
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelPrint, msg, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, slog.LevelDebug, msg, attrs...)
}
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, slog.LevelDebug, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, slog.LevelInfo, msg, attrs...)
}
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, slog.LevelInfo, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, slog.LevelError, msg, attrs...)
}
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, slog.LevelError, msg, attrs...)
}

func (l Log) Trace(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelTrace, msg, attrs...)
}

// handler writes logfmt or human-readable lines to w, filtering on the level
// configured for the packages in pkgs.
type handler struct {
	w     io.Writer
	pkgs  []string
	attrs []slog.Attr
	group string
	fn    func() []slog.Attr
}

var writeMutex sync.Mutex

var _ slog.Handler = (*handler)(nil)

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *handler) match(level slog.Level) bool {
	if level >= LevelPrint {
		return true
	}

	cl := config.Load().(map[string]slog.Level)
	for i := len(h.pkgs) - 1; i >= 0; i-- {
		if v, ok := cl[h.pkgs[i]]; ok {
			return level >= v
		}
	}
	v, ok := cl[""]
	return ok && level >= v
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if !h.match(r.Level) {
		return nil
	}

	var attrs []slog.Attr
	if len(h.pkgs) > 0 {
		attrs = append(attrs, slog.String("pkg", h.pkgs[len(h.pkgs)-1]))
	}
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	if h.fn != nil {
		attrs = append(attrs, h.fn()...)
	}

	// We build up a buffer so we can do a single atomic write of the data.
	// Otherwise partial log lines may interleave.
	b := &bytes.Buffer{}
	level := LevelStrings[r.Level]
	if level == "" {
		level = r.Level.String()
	}
	if Logfmt {
		fmt.Fprintf(b, "l=%s m=%s", level, logfmtValue(r.Message))
		for _, a := range attrs {
			fmt.Fprintf(b, " %s%s=%s", h.group, a.Key, logfmtValue(stringValue(a.Key == "cid", a.Value)))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", level, r.Message)
		if len(attrs) > 0 {
			b.WriteString(" (")
			for i, a := range attrs {
				if i > 0 {
					b.WriteString("; ")
				}
				fmt.Fprintf(b, "%s%s: %s", h.group, a.Key, logfmtValue(stringValue(a.Key == "cid", a.Value)))
			}
			b.WriteString(")")
		}
	}
	b.WriteString("\n")

	writeMutex.Lock()
	defer writeMutex.Unlock()
	_, err := h.w.Write(b.Bytes())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.group = h.group + name + "."
	return &nh
}

// WithPkg returns a handler that also filters on the level configured for pkg.
func (h *handler) WithPkg(pkg string) *handler {
	nh := *h
	nh.pkgs = append(append([]string{}, h.pkgs...), pkg)
	return &nh
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(iscid bool, v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		if iscid {
			return fmt.Sprintf("%x", v.Int64())
		}
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindGroup:
		var l []string
		for _, a := range v.Group() {
			l = append(l, a.Key+"="+logfmtValue(stringValue(false, a.Value)))
		}
		return strings.Join(l, " ")
	}

	x := v.Any()
	if x == nil {
		return ""
	}
	switch r := x.(type) {
	case LogStringer:
		return r.LogString()
	case error:
		return r.Error()
	case []byte:
		return base64.RawURLEncoding.EncodeToString(r)
	case []string:
		return "[" + strings.Join(r, ",") + "]"
	case fmt.Stringer:
		return r.String()
	}
	rv := reflect.ValueOf(x)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return ""
	}
	return fmt.Sprintf("%v", x)
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := fmt.Errorf("%s", strings.TrimSpace(string(buf)))
	w.log.Logger.LogAttrs(noctx, w.level, w.msg, errAttr(err))
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error.
// Can be used for making a Go log.Logger for use in http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}

package main

import (
	"context"
	"errors"
	golog "log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssekeep/ssekeep/metrics"
	"github.com/ssekeep/ssekeep/mlog"
	"github.com/ssekeep/ssekeep/pipelineapi"
	"github.com/ssekeep/ssekeep/seal"
	"github.com/ssekeep/ssekeep/settingsapi"
	"github.com/ssekeep/ssekeep/ssekeep-"
	"github.com/ssekeep/ssekeep/ssekeepio"
	"github.com/ssekeep/ssekeep/ssekeepvar"
	"github.com/ssekeep/ssekeep/store"
)

var (
	metricUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ssekeep_users",
			Help: "Number of users with stored session keys.",
		},
	)
	metricSealerLocked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ssekeep_sealer_locked",
			Help: "Whether the encryption capability is locked (1) or available (0).",
		},
	)
)

// statusWriter records the status code of a response for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(buf []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(buf)
}

func observeHandler(log mlog.Log, name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			code := sw.code
			if code == 0 {
				code = http.StatusOK
			}
			metrics.HTTPServerObserve(log, name, r.Method, code, start)
		}()
		h.ServeHTTP(sw, r)
	})
}

// listenHTTP starts an HTTP server on addr in the background. The returned
// server is used for shutting down.
func listenHTTP(log mlog.Log, name, addr string, handler http.Handler) *http.Server {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalx("listen for http", err, slog.String("name", name), slog.String("address", addr))
	}
	server := &http.Server{
		Handler:           observeHandler(log, name, handler),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       65 * time.Second,
		ErrorLog:          golog.New(mlog.ErrWriter(log.With(slog.String("pkg", "net/http")), slog.LevelInfo, name+" http error"), "", 0),
		BaseContext:       func(net.Listener) context.Context { return ssekeep.Context },
	}
	log.Print("http listener", slog.String("name", name), slog.String("address", addr))
	go func() {
		err := server.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalx("http serve", err, slog.String("name", name))
		}
	}()
	return server
}

// watchUsers keeps the users gauge current and logs changes, until the watch
// is closed.
func watchUsers(log mlog.Log, w *store.UserWatch) {
	defer func() {
		// On error, don't bring down the entire server.
		x := recover()
		if x != nil {
			log.Error("watch users panic", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Serve)
		}
	}()

	prev := -1
	for users := range w.C {
		metricUsers.Set(float64(len(users)))
		if prev >= 0 && len(users) != prev {
			log.Info("users changed", slog.Int("previous", prev), slog.Int("users", len(users)))
		}
		prev = len(users)
	}
}

func setSealerLocked(log mlog.Log, k *seal.Keyfile, locked bool) {
	if locked {
		k.Lock()
		metricSealerLocked.Set(1)
	} else {
		k.Unlock()
		metricSealerLocked.Set(0)
	}
	log.Print("encryption capability changed", slog.Bool("locked", locked))
}

func shutdown(log mlog.Log, servers []*http.Server) {
	// New requests are refused, pending requests get up to 3 seconds to finish.
	ssekeep.ShutdownCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			log.Errorx("shutting down http server, closing", err)
			err := s.Close()
			log.Check(err, "closing http server")
		}
	}
	ssekeep.ContextCancel()
}

func cmdServe(c *cmd) {
	c.help = `Start ssekeep, serving the settings API and prometheus metrics.

The settings API is served at /api/ on the API address from the config file. It
gives access to the device registration, users, notification modes, connect
timeout, notification progress and alarms. Session keys are never exposed
there.

The pipeline API is served at /pipeline/ on the same address, for the push and
alarm pipelines of the device. It stores and loads session keys, and maintains
the alarm ledger. The API address must be a loopback address.

While serving, the database is locked. Other commands that open the store, like
"ssekeep users list", fail until serve is stopped.

On unix systems, signal USR1 locks the encryption capability, like a locked
device. Signal USR2 unlocks it again.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	ssekeep.MustLoadConfig()
	if level, ok := mlog.Levels[loglevel]; loglevel != "" && ok {
		ssekeep.Conf.Log[""] = level
		mlog.SetConfig(ssekeep.Conf.Log)
	}

	log := c.log
	if err := ssekeepio.CheckUmask(); err != nil {
		log.Errorx("bad umask", err)
	}

	log.Print("starting up", slog.String("version", ssekeepvar.Version), slog.String("encryptionmode", string(ssekeep.Conf.Static.ParsedEncryptionMode)))

	st, k, err := ssekeep.OpenStore(ssekeep.Context, log)
	if err != nil {
		log.Fatalx("open store", err)
	}

	w, err := st.ObserveUsers(ssekeep.Context)
	if err != nil {
		log.Fatalx("observing users", err)
	}
	go watchUsers(log, w)

	var servers []*http.Server
	lst := ssekeep.Conf.Static.Listener
	if lst.APIAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/api/", settingsapi.Handler(st, ssekeep.Conf.Static.ConnectTimeout))
		mux.Handle("/pipeline/", pipelineapi.Handler(st))
		servers = append(servers, listenHTTP(log, "api", lst.APIAddress, mux))
	}
	if lst.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, listenHTTP(log, "metrics", lst.MetricsAddress, mux))
	}

	notifyLockSignals(log, k)

	// Graceful shutdown.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down, waiting max 3s for pending requests", slog.Any("signal", sig))
	shutdown(log, servers)
	err = st.Close()
	log.Check(err, "closing store")
	if num, ok := sig.(syscall.Signal); ok {
		os.Exit(int(num))
	} else {
		os.Exit(1)
	}
}

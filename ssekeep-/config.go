package ssekeep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mjl-/sconf"

	"github.com/ssekeep/ssekeep/config"
	"github.com/ssekeep/ssekeep/mlog"
	"github.com/ssekeep/ssekeep/seal"
)

var pkglog = mlog.New("ssekeep", nil)

// ConfigStaticPath is set early in program startup.
var (
	ConfigStaticPath string
	Conf             = Config{Log: map[string]slog.Level{"": slog.LevelError}}
)

var ErrConfig = errors.New("config error")

// Config as used in the code, a processed version of what is in the config file.
type Config struct {
	Static config.Static // Does not change during the lifetime of a running instance.

	logMutex sync.Mutex // For accessing the log levels.
	Log      map[string]slog.Level
}

// LogLevelSet sets a new log level for pkg. An empty pkg sets the default log
// value that is used if no explicit log level is configured for a package.
// This change is ephemeral, no config file is changed.
func (c *Config) LogLevelSet(log mlog.Log, pkg string, level slog.Level) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	l := c.copyLogLevels()
	l[pkg] = level
	c.Log = l
	log.Print("log level changed", slog.String("pkg", pkg), slog.Any("level", mlog.LevelStrings[level]))
	mlog.SetConfig(c.Log)
}

// copyLogLevels returns a copy of c.Log, for modifications.
// must be called with log lock held.
func (c *Config) copyLogLevels() map[string]slog.Level {
	m := map[string]slog.Level{}
	for pkg, level := range c.Log {
		m[pkg] = level
	}
	return m
}

// LogLevels returns a copy of the current log levels.
func (c *Config) LogLevels() map[string]slog.Level {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	return c.copyLogLevels()
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig() {
	errs := LoadConfig(context.Background(), pkglog)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig attempts to parse and load a config, returning any errors
// encountered.
func LoadConfig(ctx context.Context, log mlog.Log) []error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	c, errs := ParseConfig(ctx, log, ConfigStaticPath)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig sets a new config. Not to be used during normal operation.
func SetConfig(c *Config) {
	// Cannot just assign *c to Conf, it would copy the mutex.
	Conf = Config{c.Static, sync.Mutex{}, c.Log}
}

// ParseConfig parses the static config at path p, checking all fields and
// setting the parsed fields.
func ParseConfig(ctx context.Context, log mlog.Log, p string) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("SSEKEEPCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use ssekeep -config ... or set SSEKEEPCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, p, c); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// PrepareStaticConfig checks the static config and sets the parsed fields.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, configFile string, conf *Config) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...)))
	}

	c := &conf.Static

	// Post-process logging config.
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if mode, err := seal.ParseMode(c.EncryptionMode); err != nil {
		addErrorf("encryption mode: %v", err)
	} else {
		c.ParsedEncryptionMode = mode
	}

	if c.KeyFile == "" {
		addErrorf("missing key file")
	}

	if c.DefaultConnectTimeout < 0 {
		addErrorf("default connect timeout must be >= 0, got %d", c.DefaultConnectTimeout)
	} else if c.DefaultConnectTimeout == 0 {
		c.ConnectTimeout = config.DefaultConnectTimeout
	} else {
		c.ConnectTimeout = time.Duration(c.DefaultConnectTimeout) * time.Second
	}

	if c.Listener.APIAddress != "" {
		if !loopbackAddress(c.Listener.APIAddress) {
			addErrorf("api address %s must be a loopback address, the api gives access to session keys", c.Listener.APIAddress)
		}
		if c.Listener.APIAddress == c.Listener.MetricsAddress {
			addErrorf("api and metrics cannot listen on the same address %s", c.Listener.APIAddress)
		}
	}

	return
}

// loopbackAddress returns whether addr, a host:port, can only be reached from
// this machine.
func loopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

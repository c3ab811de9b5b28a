package config

import (
	"time"

	"github.com/ssekeep/ssekeep/seal"
)

// DefaultConnectTimeout is used when neither the store nor the config file has a
// connect timeout.
const DefaultConnectTimeout = 30 * time.Second

// Static is a parsed form of the ssekeep.conf configuration file, before
// converting it into a ssekeep.Config after additional processing.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the database with users, session keys, notification modes and alarms is stored. If this is a relative path, it is relative to the directory of ssekeep.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. store, seal, settingsapi, serve)."`
	EncryptionMode   string            `sconf-doc:"How session keys are protected by the encryption capability, one of: devicelock (available when the device is unlocked), systempassword (requires the system password), biometrics (requires biometric authentication). Keys are unsealed with the mode they were sealed with, changing the mode only affects newly stored keys."`
	KeyFile          string            `sconf-doc:"File with the master key of the encryption capability, generated with \"ssekeep sealer genkey\". If this is a relative path, it is relative to the directory of ssekeep.conf."`
	WaitUnlock       bool              `sconf:"optional" sconf-doc:"If set, operations needing the encryption capability while it is locked wait until it is unlocked or the operation is canceled. By default such operations fail immediately."`

	DefaultConnectTimeout int `sconf:"optional" sconf-doc:"Timeout in seconds for connecting to the server, used when no connect timeout has been stored for the device. Default 30."`

	Listener struct {
		APIAddress     string `sconf:"optional" sconf-doc:"Address for the HTTP APIs, e.g. 127.0.0.1:1080. Serves the settings API at /api/ and the pipeline API, which gives access to session keys, at /pipeline/. Must be a loopback address. If empty, the APIs are not served."`
		MetricsAddress string `sconf:"optional" sconf-doc:"Address for serving Prometheus metrics at /metrics, e.g. 127.0.0.1:1081. If empty, metrics are not served."`
	} `sconf:"optional" sconf-doc:"Addresses to listen on for the \"serve\" command."`

	// Parsed fields.
	ParsedEncryptionMode seal.Mode     `sconf:"-" json:"-"`
	ConnectTimeout       time.Duration `sconf:"-" json:"-"`
}

/*
Package config holds the configuration file definition.

The configuration file, ssekeep.conf, is read at startup and never reloaded
while ssekeep is running. After changes, ssekeep must be restarted for the
changes to take effect. Per-device state such as the push identifier, server
origin and connect timeout is not configured in this file, it is kept in the
store and managed through the settings API or the command-line.

Below is an "empty" config file, generated from the config file definition in
the source code, along with comments explaining the fields. Fields named "x" are
placeholders for user-chosen map keys.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# ssekeep.conf

	# NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be
	# on their own line, they don't end a line. Do not escape or quote strings.
	# Details: https://pkg.go.dev/github.com/mjl-/sconf.


	# Directory where the database with users, session keys, notification modes and
	# alarms is stored. If this is a relative path, it is relative to the directory of
	# ssekeep.conf.
	DataDir:

	# Default log level, one of: error, info, debug, trace.
	LogLevel:

	# Overrides of log level per package (e.g. store, seal, settingsapi, serve).
	# (optional)
	PackageLogLevels:
		x:

	# How session keys are protected by the encryption capability, one of: devicelock
	# (available when the device is unlocked), systempassword (requires the system
	# password), biometrics (requires biometric authentication). Keys are unsealed
	# with the mode they were sealed with, changing the mode only affects newly stored
	# keys.
	EncryptionMode:

	# File with the master key of the encryption capability, generated with "ssekeep
	# sealer genkey". If this is a relative path, it is relative to the directory of
	# ssekeep.conf.
	KeyFile:

	# If set, operations needing the encryption capability while it is locked wait
	# until it is unlocked or the operation is canceled. By default such operations
	# fail immediately. (optional)
	WaitUnlock: false

	# Timeout in seconds for connecting to the server, used when no connect timeout
	# has been stored for the device. Default 30. (optional)
	DefaultConnectTimeout: 0

	# Addresses to listen on for the "serve" command. (optional)
	Listener:

		# Address for the HTTP APIs, e.g. 127.0.0.1:1080. Serves the settings API at
		# /api/ and the pipeline API, which gives access to session keys, at /pipeline/.
		# Must be a loopback address. If empty, the APIs are not served. (optional)
		APIAddress:

		# Address for serving Prometheus metrics at /metrics, e.g. 127.0.0.1:1081. If
		# empty, metrics are not served. (optional)
		MetricsAddress:

# Examples

A minimal config file:

	DataDir: data
	LogLevel: info
	EncryptionMode: devicelock
	KeyFile: seal.key
	Listener:
		APIAddress: 127.0.0.1:1080
*/
package config

/*
Command ssekeep is a secure store for the notification and credential state of
a device receiving server-sent event notifications.

  - Session keys per user and push identifier, sealed with a key file standing in
    for the platform keychain.
  - Users with change notification.
  - Alarm notifications, notification modes per user and the device
    registration.
  - HTTP JSON settings and pipeline APIs, and prometheus metrics.

# Commands

	ssekeep [-config config/ssekeep.conf] [-loglevel level] ...
	ssekeep serve
	ssekeep users list
	ssekeep users rm [-alarms] userid
	ssekeep policy get userid
	ssekeep policy set userid none|sender|sendersubject
	ssekeep alarms list
	ssekeep alarms rm alarmid
	ssekeep alarms clear
	ssekeep device show
	ssekeep device clear
	ssekeep sealer genkey
	ssekeep sealer reset
	ssekeep config test
	ssekeep config describe-static >ssekeep.conf
	ssekeep version
	ssekeep help [command ...]

Commands that open the store cannot run while "ssekeep serve" is running, the
database is locked by the serving process.

Run "ssekeep help command" for the full help text of a command.
*/
package main

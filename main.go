package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/mjl-/sconf"

	"github.com/ssekeep/ssekeep/config"
	"github.com/ssekeep/ssekeep/mlog"
	"github.com/ssekeep/ssekeep/seal"
	"github.com/ssekeep/ssekeep/ssekeep-"
	"github.com/ssekeep/ssekeep/ssekeepvar"
	"github.com/ssekeep/ssekeep/store"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"users list", cmdUsersList},
	{"users rm", cmdUsersRemove},
	{"policy get", cmdPolicyGet},
	{"policy set", cmdPolicySet},
	{"alarms list", cmdAlarmsList},
	{"alarms rm", cmdAlarmsRemove},
	{"alarms clear", cmdAlarmsClear},
	{"device show", cmdDeviceShow},
	{"device clear", cmdDeviceClear},
	{"sealer genkey", cmdSealerGenkey},
	{"sealer reset", cmdSealerReset},
	{"config test", cmdConfigTest},
	{"config describe-static", cmdConfigDescribeStatic},
	{"version", cmdVersion},
	{"help", cmdHelp},
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("ssekeep "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "ssekeep " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "ssekeep " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# ssekeep %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "ssekeep [-config config/ssekeep.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"ssekeep"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string // Empty will be interpreted as info, except by serve.

// subcommands that are not "serve" should use this function to load the config, it
// restores any loglevel specified on the command-line, instead of using the
// loglevels from the config file.
func mustLoadConfig() {
	ssekeep.MustLoadConfig()
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		ssekeep.Conf.Log[""] = level
		mlog.SetConfig(ssekeep.Conf.Log)
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&ssekeep.ConfigStaticPath, "config", envString("SSEKEEPCONF", filepath.FromSlash("config/ssekeep.conf")), "configuration file, relative paths in it are resolved against its directory, defaults to $SSEKEEPCONF with a fallback to config/ssekeep.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	var cpuprofile, memprofile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	defer profile(cpuprofile, memprofile)()

	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		ssekeep.Conf.Log[""] = level
		mlog.SetConfig(ssekeep.Conf.Log)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("ssekeep "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

// xopenStore loads the config and opens the store. The database cannot be opened
// while "ssekeep serve" is running.
func xopenStore(c *cmd) *store.Store {
	mustLoadConfig()
	st, _, err := ssekeep.OpenStore(context.Background(), c.log)
	xcheckf(err, "open store (is ssekeep serve running?)")
	return st
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := ssekeep.ParseConfig(context.Background(), c.log, ssekeep.ConfigStaticPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribeStatic(c *cmd) {
	c.params = ">ssekeep.conf"
	c.help = `Prints an annotated empty configuration for use as ssekeep.conf.

The configuration file is only read at startup. Ssekeep has to be restarted for
changes to take effect.

This configuration file needs modifications to make it valid. For example, the
encryption mode must be set.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this ssekeep version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(ssekeepvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func cmdUsersList(c *cmd) {
	c.help = `List users with stored session keys.

For each user, the time it was added, the number of push identifiers with a
session key and the notification mode are printed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	st := xopenStore(c)
	defer st.Close()

	ctx := context.Background()
	users, err := st.ListUsers(ctx)
	xcheckf(err, "listing users")
	for _, u := range users {
		n, err := st.UserKeyCount(ctx, u.UserID)
		xcheckf(err, "counting keys")
		mode, err := st.NotificationModeGet(ctx, u.UserID)
		xcheckf(err, "get notification mode")
		fmt.Printf("%s\tadded %s\tkeys %d\tmode %s\n", u.UserID, u.Added.Format(time.RFC3339), n, mode)
	}
}

func cmdUsersRemove(c *cmd) {
	c.params = "[-alarms] userid"
	c.help = `Remove a user and all its session keys.

Removing a user that is not present is not an error. The notification mode of the user is kept. Alarms of the user are only removed
with -alarms.
`
	var alarms bool
	c.flag.BoolVar(&alarms, "alarms", false, "also remove the alarms of the user")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	st := xopenStore(c)
	defer st.Close()

	r, err := removeUser(context.Background(), st, args[0], alarms)
	xcheckf(err, "removing user")
	if !r.existed {
		fmt.Printf("user not present\n")
	} else {
		fmt.Printf("user removed, %d session keys\n", r.keys)
	}
	if alarms {
		fmt.Printf("%d alarms removed\n", r.alarms)
	}
}

type removeResult struct {
	existed bool
	keys    int
	alarms  int
}

// removeUser removes the user, and its alarms if alarms is set. Removing an absent
// user is not an error.
func removeUser(ctx context.Context, st *store.Store, userID string, alarms bool) (r removeResult, rerr error) {
	var err error
	r.existed, err = st.UserExists(ctx, userID)
	if err != nil {
		return r, err
	}
	r.keys, err = st.UserKeyCount(ctx, userID)
	if err != nil {
		return r, err
	}
	if err := st.RemoveUser(ctx, userID); err != nil {
		return r, err
	}
	if alarms {
		r.alarms, err = st.DeleteAlarmsForUser(ctx, userID)
		if err != nil {
			return r, fmt.Errorf("removing alarms of user: %w", err)
		}
	}
	return r, nil
}

func cmdPolicyGet(c *cmd) {
	c.params = "userid"
	c.help = `Print the notification mode for a user.

Users get mode "sender" when first signed in on the device. Users that were never
signed in have mode "none".
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	st := xopenStore(c)
	defer st.Close()

	mode, err := st.NotificationModeGet(context.Background(), args[0])
	xcheckf(err, "get notification mode")
	fmt.Println(mode)
}

func cmdPolicySet(c *cmd) {
	c.params = "userid none|sender|sendersubject"
	c.help = `Set the notification mode for a user.

Mode "none" shows no message details in notifications, "sender" shows the
sender, "sendersubject" shows the sender and subject.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}

	mode, err := store.ParseNotificationMode(args[1])
	xcheckf(err, "parsing mode")

	st := xopenStore(c)
	defer st.Close()

	err = st.NotificationModeSet(context.Background(), args[0], mode)
	xcheckf(err, "setting notification mode")
}

func cmdAlarmsList(c *cmd) {
	c.help = `List stored alarm notifications, ordered by event start.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	st := xopenStore(c)
	defer st.Close()

	alarms, err := st.ListAlarms(context.Background())
	xcheckf(err, "listing alarms")
	for _, a := range alarms {
		fmt.Printf("%s\tuser %q\tstart %s\tpayload %d bytes\n", a.AlarmIdentifier, a.UserID, a.EventStart.Format(time.RFC3339), len(a.Payload))
	}
}

func cmdAlarmsRemove(c *cmd) {
	c.params = "alarmid"
	c.help = `Remove a stored alarm notification.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	st := xopenStore(c)
	defer st.Close()

	err := st.DeleteAlarm(context.Background(), args[0])
	xcheckf(err, "removing alarm")
}

func cmdAlarmsClear(c *cmd) {
	c.help = `Remove all stored alarm notifications.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	st := xopenStore(c)
	defer st.Close()

	n, err := st.ClearAlarms(context.Background())
	xcheckf(err, "clearing alarms")
	fmt.Printf("%d alarms removed\n", n)
}

func cmdDeviceShow(c *cmd) {
	c.help = `Print the device registration and notification state.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	st := xopenStore(c)
	defer st.Close()

	ctx := context.Background()
	id, err := st.PushIdentifier(ctx)
	xcheckf(err, "get push identifier")
	origin, err := st.SSEOrigin(ctx)
	xcheckf(err, "get origin")
	last, err := st.LastProcessedNotificationID(ctx)
	xcheckf(err, "get last processed notification id")
	checked, checkedOK, err := st.LastMissedNotificationCheckTime(ctx)
	xcheckf(err, "get last missed notification check time")
	timeout, timeoutOK, err := st.ConnectTimeout(ctx)
	xcheckf(err, "get connect timeout")

	fmt.Printf("push identifier: %s\n", id)
	fmt.Printf("origin: %s\n", origin)
	fmt.Printf("last processed notification: %s\n", last)
	if checkedOK {
		fmt.Printf("last missed notification check: %s\n", checked.Format(time.RFC3339))
	} else {
		fmt.Printf("last missed notification check: never\n")
	}
	if timeoutOK {
		fmt.Printf("connect timeout: %v\n", timeout)
	} else {
		fmt.Printf("connect timeout: %v (default)\n", ssekeep.Conf.Static.ConnectTimeout)
	}
	fmt.Printf("encryption mode: %s\n", st.Mode())
}

func cmdDeviceClear(c *cmd) {
	c.help = `Sign out all users.

Removes all users with their session keys, the device registration, the last
missed notification check time and all alarms. Notification modes and the
connect timeout are kept.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	st := xopenStore(c)
	defer st.Close()

	err := st.Clear(context.Background())
	xcheckf(err, "clearing")
}

func cmdSealerGenkey(c *cmd) {
	c.help = `Generate a new key file for the encryption capability.

The key file is written to the path from the configuration file. An existing
key file is never overwritten.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	mustLoadConfig()
	p := ssekeep.ConfigDirPath(ssekeep.Conf.Static.KeyFile)
	err := seal.GenerateKeyfile(c.log, p)
	xcheckf(err, "generating key file")
	fmt.Printf("key file written to %s\n", p)
}

func cmdSealerReset(c *cmd) {
	c.help = `Replace the master key of the encryption capability.

All stored session keys become unusable: loading them fails with "key
invalidated", after which users have to register again. Like a secure enclave
after a change in biometric enrollment.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	mustLoadConfig()
	k, err := ssekeep.OpenSealer(c.log)
	xcheckf(err, "open key file")
	old := k.ID()
	err = k.Reset()
	xcheckf(err, "resetting key")
	fmt.Printf("master key %s replaced with %s\n", old, k.ID())
}

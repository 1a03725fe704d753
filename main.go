// Command mailgw is a mail submission gateway: it accepts messages over a
// JSON HTTP API, composes them into MIME, and delivers them to an upstream
// SMTP server with STARTTLS and authentication.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/mailgw/mailgw/config"
	"github.com/mailgw/mailgw/message"
	"github.com/mailgw/mailgw/mlog"
	"github.com/mailgw/mailgw/smtpclient"
)

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"send", cmdSend},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"loglevels", cmdLoglevels},
	{"version", cmdVersion},
	{"help", cmdHelp},
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
	params string // Arguments to command.
	help   string // Additional explanation. First line is synopsis.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause
	// this panic after the command has registered its flags and set its params
	// and help information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("mailgw "+strings.Join(c.words, " "), flag.ExitOnError)
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
	cs := "mailgw " + strings.Join(c.words, " ")
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

func usage(l []cmd) {
	var lines []string
	lines = append(lines, "mailgw [-config mailgw.conf] [-loglevel level] ...")
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"mailgw"}, c.words...)
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

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their
help text. If a single command matches, its usage and full help text is
printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		for i, w := range pre {
			if l[i] != w {
				return false
			}
		}
		return true
	}

	var partial []cmd
	for _, c := range cmds {
		if len(c.words) == len(args) && prefix(c.words, args) {
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
		fmt.Printf("mailgw %s\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdVersion(c *cmd) {
	c.help = `Prints the version of this mailgw binary.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(version())
}

func version() string {
	v := "(devel)"
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	v = buildInfo.Main.Version
	if v != "(devel)" {
		return v
	}
	var vcsRev, vcsMod string
	for _, setting := range buildInfo.Settings {
		if setting.Key == "vcs.revision" {
			vcsRev = setting.Value
		} else if setting.Key == "vcs.modified" {
			vcsMod = setting.Value
		}
	}
	if vcsRev == "" {
		return v
	}
	v = vcsRev
	switch vcsMod {
	case "false":
	case "true":
		v += "+modifications"
	default:
		v += "+unknown"
	}
	return v
}

func cmdLoglevels(c *cmd) {
	c.help = `List available log levels.

The level can be set globally with the -loglevel flag or per package in the
configuration file with PackageLogLevels. Level trace logs the SMTP protocol
transcript, traceauth also logs lines containing credentials.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	var names []string
	for name := range mlog.Levels {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return mlog.Levels[names[i]] > mlog.Levels[names[j]] })
	for _, name := range names {
		fmt.Println(name)
	}
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If invalid, all errors encountered
are printed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	_, err := config.Load(configPath)
	xcheckf(err, "checking config")
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">mailgw.conf"
	c.help = `Prints an example configuration file with documentation.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	err := config.Describe(os.Stdout)
	xcheckf(err, "describing config")
}

func cmdSend(c *cmd) {
	var host, user, pass, helo, from, subject string
	var port int
	var secure bool
	c.flag.StringVar(&host, "host", "", "host to dial for delivery, e.g. mail.example.org")
	c.flag.IntVar(&port, "port", 587, "port to dial, e.g. 587 for submission or 465 for submissions")
	c.flag.BoolVar(&secure, "secure", false, "connect with immediate TLS instead of STARTTLS, usually for port 465")
	c.flag.StringVar(&user, "user", "", "username for SMTP authentication")
	c.flag.StringVar(&pass, "pass", "", "password for SMTP authentication")
	c.flag.StringVar(&helo, "helo", "", "name to use in EHLO/HELO, defaults to the local hostname")
	c.flag.StringVar(&from, "from", "", "sender address, used for MAIL FROM and the From header")
	c.flag.StringVar(&subject, "subject", "", "message subject")
	c.params = "-host host -from address [options] recipient ..."
	c.help = `Send a message to an upstream SMTP server, reading the text body from stdin.

The message is composed as multipart/alternative with only a text part, then
delivered in a single SMTP transaction: EHLO, STARTTLS when offered, AUTH when
credentials are given, MAIL FROM, RCPT TO, DATA.
`
	args := c.Parse()
	if host == "" || from == "" || len(args) == 0 {
		c.Usage()
	}

	body, err := io.ReadAll(os.Stdin)
	xcheckf(err, "reading message body from stdin")

	if helo == "" {
		helo, err = os.Hostname()
		xcheckf(err, "get hostname for ehlo")
	}

	m := message.Message{
		From:    from,
		To:      args,
		Subject: subject,
		Text:    string(body),
	}
	msgID := m.MessageID()
	msg := m.Compose(time.Now(), msgID)

	ctx := context.Background()
	transport, err := smtpclient.Dial(ctx, host, port, secure)
	xcheckf(err, "dialing %s:%d", host, port)

	opts := smtpclient.Opts{
		HeloName:       helo,
		Username:       user,
		Password:       pass,
		RemoteHostname: host,
	}
	err = smtpclient.Send(ctx, c.log.Logger, transport, opts, from, args, strings.NewReader(msg))
	xcheckf(err, "delivering message")
	fmt.Println(msgID)
}

var configPath string
var loglevel string

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("MAILGWCONF", "mailgw.conf"), "configuration file, defaults to $MAILGWCONF with a fallback to mailgw.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	var cpuprofile, memprofile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	defer profile(cpuprofile, memprofile)()

	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		mlog.SetConfig(map[string]slog.Level{"": level})
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
		c.flag = flag.NewFlagSet("mailgw "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial)
	}
	usage(cmds)
}

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

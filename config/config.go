// Package config holds the configuration file format for mailgw.
//
// The file is in sconf format, see https://pkg.go.dev/github.com/mjl-/sconf.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mjl-/sconf"

	"github.com/mailgw/mailgw/mlog"
)

// Static is the parsed form of the mailgw.conf configuration file.
type Static struct {
	LogLevel         string            `sconf-doc:"Default log level, one of: error, warn, info, debug, trace, traceauth. Trace logs SMTP protocol transcripts, traceauth also lines with credentials."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. smtpclient, webapi)."`
	Listen           string            `sconf-doc:"Address the HTTP submission API listens on, e.g. localhost:8520."`
	AdminListen      string            `sconf:"optional" sconf-doc:"Address serving prometheus metrics on /metrics. Metrics are disabled when empty."`
	HeloName         string            `sconf-doc:"Name used in EHLO/HELO when a request does not specify one, e.g. the machine hostname."`
	DKIM             *DKIM             `sconf:"optional" sconf-doc:"If set, outgoing messages are DKIM-signed."`
}

// DKIM configures signing of outgoing messages.
type DKIM struct {
	Domain   string `sconf-doc:"Domain the messages are signed for, the d= value."`
	Selector string `sconf-doc:"Selector pointing at the public key in DNS, the s= value."`
	KeyFile  string `sconf-doc:"Path to the PEM file with the RSA private key."`
}

// LogLevels converts the configured levels, verifying the names.
func (c Static) LogLevels() (map[string]slog.Level, error) {
	levels := map[string]slog.Level{}
	set := func(pkg, name string) error {
		level, ok := mlog.Levels[name]
		if !ok {
			return fmt.Errorf("unknown log level %q", name)
		}
		levels[pkg] = level
		return nil
	}
	if err := set("", c.LogLevel); err != nil {
		return nil, err
	}
	for pkg, name := range c.PackageLogLevels {
		if err := set(pkg, name); err != nil {
			return nil, err
		}
	}
	return levels, nil
}

// Load reads and checks the configuration file at path.
func Load(path string) (Static, error) {
	var c Static
	if err := sconf.ParseFile(path, &c); err != nil {
		return Static{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if _, err := c.LogLevels(); err != nil {
		return Static{}, fmt.Errorf("checking %s: %w", path, err)
	}
	if c.Listen == "" {
		return Static{}, fmt.Errorf("checking %s: missing Listen", path)
	}
	if c.HeloName == "" {
		return Static{}, fmt.Errorf("checking %s: missing HeloName", path)
	}
	if c.DKIM != nil {
		if _, err := os.ReadFile(c.DKIM.KeyFile); err != nil {
			return Static{}, fmt.Errorf("checking %s: reading dkim key: %w", path, err)
		}
	}
	return c, nil
}

// Describe writes an example configuration file with documentation to w.
func Describe(w io.Writer) error {
	c := Static{
		LogLevel: "info",
		Listen:   "localhost:8520",
		HeloName: "mail.example.org",
	}
	return sconf.Describe(w, &c)
}

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConf(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "mailgw.conf")
	if err := os.WriteFile(p, []byte(data), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return p
}

func TestLoad(t *testing.T) {
	p := writeConf(t, `LogLevel: debug
PackageLogLevels:
	smtpclient: trace
Listen: localhost:8520
HeloName: gw.mox.example
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if c.Listen != "localhost:8520" || c.HeloName != "gw.mox.example" {
		t.Fatalf("unexpected config %#v", c)
	}
	levels, err := c.LogLevels()
	if err != nil {
		t.Fatalf("log levels: %v", err)
	}
	if levels[""] != slog.LevelDebug || levels["smtpclient"] != -8 {
		t.Fatalf("unexpected levels %v", levels)
	}
}

func TestLoadErrors(t *testing.T) {
	check := func(data, errSubstr string) {
		t.Helper()
		_, err := Load(writeConf(t, data))
		if err == nil || !strings.Contains(err.Error(), errSubstr) {
			t.Fatalf("got %v, expected error containing %q", err, errSubstr)
		}
	}

	check("LogLevel: info\nHeloName: gw.mox.example\n", "Listen")
	check("LogLevel: info\nListen: localhost:8520\n", "HeloName")
	check("LogLevel: shouting\nListen: localhost:8520\nHeloName: gw.mox.example\n", "log level")
	check(`LogLevel: info
Listen: localhost:8520
HeloName: gw.mox.example
DKIM:
	Domain: mox.example
	Selector: 2024a
	KeyFile: /nonexistent/dkim.key
`, "dkim key")
}

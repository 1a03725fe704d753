package sasl

import (
	"bytes"
	"errors"
	"testing"
)

func TestSelectClient(t *testing.T) {
	check := func(mechanisms []string, expName string) {
		t.Helper()
		c, err := SelectClient(mechanisms, "user", "pass")
		if err != nil {
			t.Fatalf("select client for %v: %v", mechanisms, err)
		}
		name, _ := c.Info()
		if name != expName {
			t.Fatalf("got mechanism %s, expected %s, for %v", name, expName, mechanisms)
		}
	}

	check([]string{"PLAIN", "LOGIN"}, "PLAIN")
	check([]string{"LOGIN", "PLAIN"}, "PLAIN")
	check([]string{"LOGIN"}, "LOGIN")
	check([]string{"CRAM-MD5", "PLAIN"}, "PLAIN")

	if _, err := SelectClient([]string{"CRAM-MD5", "SCRAM-SHA-256"}, "user", "pass"); !errors.Is(err, ErrUnsupportedMechanisms) {
		t.Fatalf("got %v, expected ErrUnsupportedMechanisms", err)
	}
	if _, err := SelectClient(nil, "user", "pass"); !errors.Is(err, ErrUnsupportedMechanisms) {
		t.Fatalf("got %v, expected ErrUnsupportedMechanisms", err)
	}
}

func TestClientPlain(t *testing.T) {
	c := NewClientPlain("mjl", "secret")
	toServer, last, err := c.Next(nil)
	if err != nil {
		t.Fatalf("initial step: %v", err)
	}
	if !last {
		t.Fatalf("plain is a single step")
	}
	if !bytes.Equal(toServer, []byte("\u0000mjl\u0000secret")) {
		t.Fatalf("unexpected initial response %q", toServer)
	}
	if _, _, err := c.Next(nil); err == nil {
		t.Fatalf("expected error for step after last")
	}
}

func TestClientLogin(t *testing.T) {
	c := NewClientLogin("mjl", "secret")
	toServer, last, err := c.Next(nil)
	if err != nil || toServer != nil || last {
		t.Fatalf("initial step: got %q %v %v, expected no initial response", toServer, last, err)
	}
	toServer, last, err = c.Next([]byte("Username:"))
	if err != nil || last || string(toServer) != "mjl" {
		t.Fatalf("username step: got %q %v %v", toServer, last, err)
	}
	toServer, last, err = c.Next([]byte("Password:"))
	if err != nil || !last || string(toServer) != "secret" {
		t.Fatalf("password step: got %q %v %v", toServer, last, err)
	}
}

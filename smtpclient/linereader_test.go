package smtpclient

import (
	"reflect"
	"testing"
)

func TestLineReaderChunkInvariance(t *testing.T) {
	stream := []byte("220 mail.mox.example ESMTP\r\n250-PIPELINING\r\n250 AUTH PLAIN LOGIN\r\n")
	want := []string{"220 mail.mox.example ESMTP", "250-PIPELINING", "250 AUTH PLAIN LOGIN"}

	// Every split point must yield the same lines as delivering the stream in
	// one chunk, including splits in the middle of a CRLF.
	for split := 0; split <= len(stream); split++ {
		lr := &LineReader{}
		var lines []string
		lr.Subscribe(func(line string) {
			lines = append(lines, line)
		})
		lr.Feed(stream[:split])
		lr.Feed(stream[split:])
		if !reflect.DeepEqual(lines, want) {
			t.Fatalf("split at %d: got %v, expected %v", split, lines, want)
		}
	}

	// And byte-by-byte delivery.
	lr := &LineReader{}
	var lines []string
	lr.Subscribe(func(line string) {
		lines = append(lines, line)
	})
	for i := range stream {
		lr.Feed(stream[i : i+1])
	}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("byte-by-byte: got %v, expected %v", lines, want)
	}
}

func TestLineReaderSubscribers(t *testing.T) {
	lr := &LineReader{}
	var order []string
	first := lr.Subscribe(func(line string) {
		order = append(order, "a:"+line)
	})
	lr.Subscribe(func(line string) {
		order = append(order, "b:"+line)
	})

	lr.Feed([]byte("250 ok\r\n"))
	if want := []string{"a:250 ok", "b:250 ok"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("got %v, expected %v", order, want)
	}

	// After cancel, only the second subscriber sees lines.
	first.Cancel()
	order = nil
	lr.Feed([]byte("354 go ahead\r\n"))
	if want := []string{"b:354 go ahead"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("after cancel: got %v, expected %v", order, want)
	}
}

func TestLineReaderDetach(t *testing.T) {
	lr := &LineReader{}
	var lines []string
	lr.Subscribe(func(line string) {
		lines = append(lines, line)
	})
	lr.Feed([]byte("250 ok\r\npartial"))
	lr.Detach()
	lr.Feed([]byte(" more\r\n250 ignored\r\n"))
	if want := []string{"250 ok"}; !reflect.DeepEqual(lines, want) {
		t.Fatalf("got %v, expected %v", lines, want)
	}
}

func TestLineReaderPause(t *testing.T) {
	lr := &LineReader{}
	var lines []string
	lr.Subscribe(func(line string) {
		lines = append(lines, line)
		lr.Pause()
	})

	// One chunk carrying three lines: the pause after the first line must keep
	// the rest buffered, not emit and drop it.
	lr.Feed([]byte("220 go\r\n250 later\r\npartial"))
	if want := []string{"220 go"}; !reflect.DeepEqual(lines, want) {
		t.Fatalf("got %v, expected emission to stop at %v", lines, want)
	}

	// Bytes fed while paused accumulate silently.
	lr.Feed([]byte(" line\r\n"))
	if want := []string{"220 go"}; !reflect.DeepEqual(lines, want) {
		t.Fatalf("got %v, expected no emission while paused", lines)
	}

	lr.Resume()
	if want := []string{"220 go", "250 later"}; !reflect.DeepEqual(lines, want) {
		t.Fatalf("after resume: got %v, expected %v", lines, want)
	}
	lr.Resume()
	if want := []string{"220 go", "250 later", "partial line"}; !reflect.DeepEqual(lines, want) {
		t.Fatalf("after second resume: got %v, expected %v", lines, want)
	}
}

func TestLineReaderPendingAfterPause(t *testing.T) {
	lr := &LineReader{}
	lr.Subscribe(func(line string) {
		lr.Pause()
	})
	lr.Feed([]byte("220 go\r\n\x16\x03\x01\r\nAB"))
	// Everything past the first line must survive the pause, CRLF included.
	if got := string(lr.Pending()); got != "\x16\x03\x01\r\nAB" {
		t.Fatalf("pending: got %q, expected all unconsumed bytes", got)
	}
}

func TestLineReaderPending(t *testing.T) {
	lr := &LineReader{}
	lr.Subscribe(func(string) {})
	lr.Feed([]byte("220 go\r\n\x16\x03\x01"))
	if got := string(lr.Pending()); got != "\x16\x03\x01" {
		t.Fatalf("pending: got %q, expected tls handshake prefix", got)
	}
	if got := lr.Pending(); len(got) != 0 {
		t.Fatalf("pending drained twice: got %q", got)
	}
}

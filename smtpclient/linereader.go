package smtpclient

import (
	"bytes"
)

// LineReader turns a stream of byte chunks into CRLF-delimited lines. Chunks
// can be split at arbitrary points, including in the middle of the CRLF
// sequence; no bytes are lost or reordered across chunk boundaries.
//
// Lines are delivered to subscribers in registration order. LineReader is
// meant for a single goroutine, the one reading from the transport.
type LineReader struct {
	buf      []byte
	subs     []*Subscription
	paused   bool
	detached bool
}

// Subscription is a registered line callback. Cancel removes it.
type Subscription struct {
	lr *LineReader
	fn func(line string)
}

// Subscribe registers fn to be called for each complete line, after
// previously registered subscribers.
func (lr *LineReader) Subscribe(fn func(line string)) *Subscription {
	s := &Subscription{lr, fn}
	lr.subs = append(lr.subs, s)
	return s
}

// Cancel removes the subscription. Lines already emitted are unaffected.
func (s *Subscription) Cancel() {
	subs := s.lr.subs
	for i, o := range subs {
		if o == s {
			s.lr.subs = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Feed appends, then emits every complete line found. The trailing partial
// line, if any, is kept for the next call. After Detach, Feed is a no-op;
// while paused, bytes accumulate but nothing is emitted.
func (lr *LineReader) Feed(p []byte) {
	if lr.detached {
		return
	}
	lr.buf = append(lr.buf, p...)
	if lr.paused {
		return
	}
	lr.emit()
}

func (lr *LineReader) emit() {
	for {
		i := bytes.Index(lr.buf, []byte("\r\n"))
		if i < 0 {
			return
		}
		line := string(lr.buf[:i])
		lr.buf = lr.buf[i+2:]
		// Subscribers registered during emission only see later lines.
		for _, s := range lr.subs[:len(lr.subs):len(lr.subs)] {
			s.fn(line)
		}
		if lr.detached || lr.paused {
			return
		}
	}
}

// Pause stops emission after the line being delivered. Bytes already fed stay
// buffered. A subscriber that recognizes the end of a reply pauses so bytes
// arriving in the same chunk remain available, for the next reply or, during
// STARTTLS, for Pending.
func (lr *LineReader) Pause() {
	lr.paused = true
}

// Resume re-enables emission and emits any complete lines already buffered.
func (lr *LineReader) Resume() {
	lr.paused = false
	lr.emit()
}

// Pending returns and drains all buffered unconsumed bytes. Used during
// STARTTLS to hand them to the upgraded transport.
func (lr *LineReader) Pending() []byte {
	p := lr.buf
	lr.buf = nil
	return p
}

// Detach drops all subscriptions and stops further emission, even if more
// data is fed.
func (lr *LineReader) Detach() {
	lr.detached = true
	lr.subs = nil
}

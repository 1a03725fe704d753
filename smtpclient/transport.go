package smtpclient

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// Transport is the bidirectional byte stream a session runs over. It is owned
// by one Client for the duration of one send and closed on every exit path.
//
// Upgrade replaces the read/write path with TLS in place. The returned
// Transport must be used for all further I/O; bytes already read from the
// plaintext stream but not yet consumed are passed in pending and replayed
// into the TLS handshake so none are lost across the swap.
type Transport interface {
	io.Reader
	io.Writer
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error

	// TLS reports whether the transport is already encrypted. An encrypted
	// transport must not be upgraded again.
	TLS() bool

	Upgrade(ctx context.Context, config *tls.Config, pending []byte) (Transport, error)
}

// NetTransport is a Transport over a net.Conn, optionally one that is already
// a TLS connection (implicit TLS).
type NetTransport struct {
	net.Conn
}

var _ Transport = NetTransport{}

// NewTransport returns a Transport over conn.
func NewTransport(conn net.Conn) NetTransport {
	return NetTransport{conn}
}

func (t NetTransport) TLS() bool {
	_, ok := t.Conn.(*tls.Conn)
	return ok
}

func (t NetTransport) Upgrade(ctx context.Context, config *tls.Config, pending []byte) (Transport, error) {
	conn := t.Conn
	if len(pending) > 0 {
		conn = &prefixConn{pending, conn}
	}
	tlsconn := tls.Client(conn, config)
	if err := tlsconn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return NetTransport{tlsconn}, nil
}

// prefixConn is a net.Conn whose reads are first fulfilled from a prefix
// buffer. Used for STARTTLS where bytes beyond the reply may already have
// been read from the plaintext stream.
type prefixConn struct {
	prefix []byte
	net.Conn
}

func (c *prefixConn) Read(buf []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(buf, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(buf)
}

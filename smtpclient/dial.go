package smtpclient

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"
)

// DialTimeout is the maximum time for connecting, including the implicit TLS
// handshake when secure is set.
var DialTimeout = 30 * time.Second

// Dial connects to host:port and returns a Transport ready for New. With
// secure, TLS is started immediately on the TCP connection (implicit TLS, as
// used on port 465) and STARTTLS will be skipped during the session.
func Dial(ctx context.Context, host string, port int, secure bool) (Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	if secure {
		tlsconn := tls.Client(conn, &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
		if err := tlsconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsconn
	}
	return NewTransport(conn), nil
}

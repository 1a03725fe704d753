// Package smtpclient is an SMTP client for submitting a message to an SMTP
// server in one transaction.
//
// A session runs over a Transport and is strictly sequential: a command is
// written, then one complete (possibly multi-line) reply is awaited before the
// next command. The session optionally upgrades the transport in place with
// STARTTLS and authenticates with SASL PLAIN or LOGIN. The first failure at
// any step ends the whole send; there are no retries.
package smtpclient

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mailgw/mailgw/mlog"
	"github.com/mailgw/mailgw/sasl"
	"github.com/mailgw/mailgw/smtp"
	"github.com/mailgw/mailgw/stub"
)

var (
	// MetricCommands tracks command duration and result codes. The main
	// package installs a prometheus implementation.
	MetricCommands stub.HistogramVec = stub.HistogramVecIgnore{}
)

var (
	ErrStatus    = errors.New("smtp server sent unexpected response status code") // E.g. a 550 where a 250 was required.
	ErrProtocol  = errors.New("smtp protocol error")                              // Malformed or out-of-sync responses.
	ErrTimeout   = errors.New("no complete response within inactivity window")
	ErrTransport = errors.New("transport failure") // I/o error or connection closed before a complete response.
	ErrTLS       = errors.New("tls error")         // STARTTLS handshake failure.
	ErrAuth      = errors.New("no supported authentication mechanism")
	ErrClosed    = errors.New("client is closed")
)

// DefaultInactivityTimeout is how long a response wait may go without any
// data arriving before it fails with ErrTimeout.
const DefaultInactivityTimeout = 20 * time.Second

const writeTimeout = 30 * time.Second

// Response is one complete SMTP reply. Code is the numeric code of the
// terminal line (the line with a space separator); Lines holds every line
// observed for the reply, including malformed ones kept for diagnostics.
type Response struct {
	Code  int
	Lines []string
}

// Error represents a failed SMTP session or delivery.
type Error struct {
	// Session step or command during which the failure occurred, e.g.
	// "greeting", "ehlo", "starttls", "auth", "mailfrom", "rcptto", "data".
	Step string
	// SMTP response code for status errors, 0 otherwise.
	Code int
	// Full response lines for protocol/status errors.
	Lines []string
	// Underlying error, e.g. one of the Err variables in this package.
	Err error
}

func (e Error) Unwrap() error {
	return e.Err
}

func (e Error) Error() string {
	s := e.Err.Error()
	if e.Step != "" {
		s = e.Step + ": " + s
	}
	if len(e.Lines) > 0 {
		s += ": " + strings.Join(e.Lines, " / ")
	}
	return s
}

// Opts configure a session.
type Opts struct {
	// Name used in EHLO and HELO commands.
	HeloName string

	// If Username is non-empty, authentication is attempted after the
	// (post-STARTTLS) EHLO, with PLAIN preferred over LOGIN.
	Username, Password string

	// Server name for TLS verification and SNI during STARTTLS.
	RemoteHostname string

	// If nil, a default config based on RemoteHostname is used for STARTTLS.
	TLSConfig *tls.Config

	// Zero means DefaultInactivityTimeout.
	InactivityTimeout time.Duration
}

// Client is an SMTP client session on a Transport.
//
// Use New to set up the session, Deliver for the mail transaction, and Close
// to quit and release the transport. Send combines the three and guarantees
// the transport is closed on every path.
type Client struct {
	origTransport Transport
	transport     Transport
	lr            *LineReader
	log           mlog.Log

	heloName   string
	username   string
	password   string
	remoteName string
	tlsc       *tls.Config
	inactivity time.Duration

	step      string
	stepStart time.Time

	// Reply being assembled by the line subscriber.
	respLines []string
	respCode  int
	respDone  bool

	extStartTLS    bool
	authMechanisms []string

	botched bool // Protocol out of sync or transport failed; no QUIT on Close.
	closed  bool
}

// New initializes an SMTP session on transport: it awaits the 220 banner,
// greets with EHLO (falling back once to HELO), upgrades with STARTTLS when
// the server offers it and the transport is not already encrypted, and
// authenticates when credentials were supplied.
//
// On error the transport is not closed; the caller closes it. Send does this
// automatically.
func New(ctx context.Context, elog *slog.Logger, transport Transport, opts Opts) (*Client, error) {
	c := &Client{
		origTransport: transport,
		transport:     transport,
		heloName:      opts.HeloName,
		username:      opts.Username,
		password:      opts.Password,
		remoteName:    opts.RemoteHostname,
		tlsc:          opts.TLSConfig,
		inactivity:    opts.InactivityTimeout,
	}
	if c.inactivity == 0 {
		c.inactivity = DefaultInactivityTimeout
	}
	c.log = mlog.New("smtpclient", elog)
	c.rebind()

	if err := c.hello(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// rebind points all session I/O at the current transport: a fresh LineReader
// with the trace subscriber first and the reply collector second. Called at
// session start and again right after the STARTTLS upgrade.
func (c *Client) rebind() {
	c.lr = &LineReader{}
	c.lr.Subscribe(func(line string) {
		c.log.Trace(mlog.LevelTrace, "RS", line)
	})
	c.lr.Subscribe(c.collectLine)
}

func (c *Client) tlsClientConfig() *tls.Config {
	if c.tlsc != nil {
		return c.tlsc
	}
	return &tls.Config{ServerName: c.remoteName, MinVersion: tls.VersionTLS12}
}

// parseReplyLine parses an SMTP reply line: three digits, a space or dash
// separator, and text. more is true for a dash (continuation) separator.
func parseReplyLine(line string) (code int, more bool, text string, ok bool) {
	if len(line) < 4 {
		return 0, false, "", false
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, false, "", false
		}
		code = code*10 + int(line[i]-'0')
	}
	switch line[3] {
	case ' ':
	case '-':
		more = true
	default:
		return 0, false, "", false
	}
	return code, more, line[4:], true
}

// collectLine assembles the reply being awaited. Lines not matching the reply
// syntax are kept for diagnostics but are never terminal: only a well-formed
// line with a space separator completes the reply, and its code becomes the
// reply's code even if earlier continuation lines carried a different one.
func (c *Client) collectLine(line string) {
	if c.respDone {
		return
	}
	c.respLines = append(c.respLines, line)
	code, more, _, ok := parseReplyLine(line)
	if !ok {
		return
	}
	c.respCode = code
	if !more {
		c.respDone = true
		// Stop line emission at the terminal line. Bytes that arrived in the
		// same chunk stay buffered for the next reply, or for the STARTTLS
		// handover via Pending.
		c.lr.Pause()
	}
}

// readResponse awaits one complete reply. The inactivity window restarts on
// every chunk of data; when it lapses without a terminal line the wait fails
// with ErrTimeout. Transport errors and closes fail the wait immediately.
func (c *Client) readResponse() (Response, error) {
	c.respLines = nil
	c.respCode = 0
	c.respDone = false

	// Buffered lines from a previous chunk may already complete this reply.
	c.lr.Resume()

	buf := make([]byte, 4096)
	for !c.respDone {
		if err := c.transport.SetReadDeadline(time.Now().Add(c.inactivity)); err != nil {
			c.log.Errorx("setting read deadline", err)
		}
		n, err := c.transport.Read(buf)
		if n > 0 {
			c.lr.Feed(buf[:n])
		}
		if c.respDone {
			break
		}
		if err != nil {
			c.botched = true
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return Response{}, fmt.Errorf("%w (%v)", ErrTimeout, c.inactivity)
			}
			if err == io.EOF {
				return Response{}, fmt.Errorf("%w: connection closed before complete response", ErrTransport)
			}
			return Response{}, fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}

	resp := Response{c.respCode, c.respLines}
	MetricCommands.ObserveLabels(float64(time.Since(c.stepStart))/float64(time.Second), c.step, fmt.Sprintf("%d", resp.Code))
	c.log.Debug("smtp command result",
		slog.String("step", c.step),
		slog.Int("code", resp.Code),
		slog.Duration("duration", time.Since(c.stepStart)))
	return resp, nil
}

func (c *Client) xerrorf(code int, lines []string, format string, args ...any) {
	panic(Error{c.step, code, lines, fmt.Errorf(format, args...)})
}

func (c *Client) writeline(line string, level slog.Level) error {
	if err := c.transport.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		c.log.Errorx("setting write deadline", err)
	}
	c.log.Trace(level, "LC", line)
	if _, err := io.WriteString(c.transport, line+"\r\n"); err != nil {
		c.botched = true
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

func (c *Client) xwriteline(line string) {
	if err := c.writeline(line, mlog.LevelTrace); err != nil {
		panic(Error{c.step, 0, nil, err})
	}
}

// xwritelineAuth is xwriteline for lines carrying credentials, traced only at
// the traceauth level.
func (c *Client) xwritelineAuth(line string) {
	if err := c.writeline(line, mlog.LevelTraceauth); err != nil {
		panic(Error{c.step, 0, nil, err})
	}
}

func (c *Client) xwritelinef(format string, args ...any) {
	c.xwriteline(fmt.Sprintf(format, args...))
}

func (c *Client) xread() Response {
	resp, err := c.readResponse()
	if err != nil {
		panic(Error{c.step, 0, nil, err})
	}
	return resp
}

func (c *Client) xstep(step string) {
	c.step = step
	c.stepStart = time.Now()
}

func (c *Client) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	cerr, ok := x.(Error)
	if !ok {
		panic(x)
	}
	*rerr = cerr
}

func (c *Client) hello(ctx context.Context) (rerr error) {
	defer c.recover(&rerr)

	// Greet with EHLO and parse the advertised extensions, falling back once
	// to HELO (which advertises nothing) when the server rejects EHLO.
	greet := func() {
		c.xstep("ehlo")
		c.xwritelinef("EHLO %s", c.heloName)
		resp := c.xread()
		if resp.Code != smtp.C250Completed {
			c.xstep("helo")
			c.xwritelinef("HELO %s", c.heloName)
			hresp := c.xread()
			if hresp.Code != smtp.C250Completed {
				c.xerrorf(hresp.Code, hresp.Lines, "%w: expected 250 to HELO, got %d", ErrStatus, hresp.Code)
			}
			c.extStartTLS = false
			c.authMechanisms = nil
			return
		}

		c.extStartTLS = false
		c.authMechanisms = nil
		for _, line := range resp.Lines[1:] {
			_, _, text, ok := parseReplyLine(line)
			if !ok {
				continue
			}
			s := strings.ToUpper(strings.TrimSpace(text))
			if strings.Contains(s, "STARTTLS") {
				c.extStartTLS = true
			}
			// Both "AUTH PLAIN LOGIN" and the legacy "AUTH=PLAIN LOGIN".
			if strings.HasPrefix(s, "AUTH") && (len(s) == 4 || s[4] == ' ' || s[4] == '=') {
				c.authMechanisms = strings.Fields(strings.ReplaceAll(s[4:], "=", " "))
			}
		}
	}

	// Read server greeting.
	c.xstep("greeting")
	resp := c.xread()
	if resp.Code != smtp.C220ServiceReady {
		c.xerrorf(resp.Code, resp.Lines, "%w: expected 220 greeting, got %d", ErrStatus, resp.Code)
	}

	greet()

	if !c.transport.TLS() && c.extStartTLS {
		c.xstep("starttls")
		c.xwriteline("STARTTLS")
		resp := c.xread()
		if resp.Code != smtp.C220ServiceReady {
			c.xerrorf(resp.Code, resp.Lines, "%w: STARTTLS: expected 220, got %d", ErrStatus, resp.Code)
		}

		// Swap in the encrypted transport. Bytes already read from the
		// plaintext stream but not consumed belong to the TLS handshake; they
		// are handed over so none are dropped between detach and rebind.
		pending := c.lr.Pending()
		c.lr.Detach()

		nctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		nt, err := c.transport.Upgrade(nctx, c.tlsClientConfig(), pending)
		if err != nil {
			c.xerrorf(0, nil, "%w: starttls handshake: %v", ErrTLS, err)
		}
		c.transport = nt
		c.rebind()
		c.log.Debug("starttls handshake done", slog.String("servername", c.remoteName))

		// The pre-TLS extensions no longer count; greet again.
		greet()
	}

	if c.username != "" {
		return c.auth()
	}
	return nil
}

func (c *Client) auth() (rerr error) {
	defer c.recover(&rerr)

	c.xstep("auth")
	a, err := sasl.SelectClient(c.authMechanisms, c.username, c.password)
	if err != nil {
		c.xerrorf(0, nil, "%w, server offers %q", ErrAuth, strings.Join(c.authMechanisms, " "))
	}
	name, cleartext := a.Info()

	toServer, last, err := a.Next(nil)
	if err != nil {
		c.xerrorf(0, nil, "initial step in auth mechanism %s: %v", name, err)
	}
	writeauth := c.xwriteline
	if cleartext {
		writeauth = c.xwritelineAuth
	}
	if toServer == nil {
		c.xwriteline("AUTH " + name)
	} else {
		writeauth("AUTH " + name + " " + base64.StdEncoding.EncodeToString(toServer))
	}
	for {
		resp := c.xread()
		switch resp.Code {
		case smtp.C235AuthSuccess:
			if !last {
				c.xerrorf(resp.Code, resp.Lines, "%w: server completed authentication earlier than expected", ErrProtocol)
			}
			return nil
		case smtp.C334ContinueAuth:
			if last {
				c.xerrorf(resp.Code, resp.Lines, "%w: server requested unexpected continuation of authentication", ErrProtocol)
			}
			_, _, text, _ := parseReplyLine(resp.Lines[len(resp.Lines)-1])
			fromServer, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
			if err != nil {
				c.xerrorf(resp.Code, resp.Lines, "%w: malformed base64 in authentication challenge", ErrProtocol)
			}
			toServer, last, err = a.Next(fromServer)
			if err != nil {
				c.xerrorf(resp.Code, resp.Lines, "next step in auth mechanism %s: %v", name, err)
			}
			writeauth(base64.StdEncoding.EncodeToString(toServer))
		default:
			c.xerrorf(resp.Code, resp.Lines, "%w: expected 334 or 235 during authentication, got %d", ErrStatus, resp.Code)
		}
	}
}

// Deliver sends one message in a mail transaction: MAIL FROM, a RCPT TO per
// recipient (each must get 250 or 251; the first refusal aborts the whole
// send), DATA, then the message with dot stuffing and the end-of-data
// terminator. msg must be CRLF-normalized.
func (c *Client) Deliver(mailFrom string, rcptTo []string, msg io.Reader) (rerr error) {
	defer c.recover(&rerr)

	if c.closed {
		return ErrClosed
	}
	if len(rcptTo) == 0 {
		return fmt.Errorf("need at least one recipient")
	}

	c.xstep("mailfrom")
	c.xwritelinef("MAIL FROM:<%s>", mailFrom)
	resp := c.xread()
	if resp.Code != smtp.C250Completed {
		c.xerrorf(resp.Code, resp.Lines, "%w: expected 250 to MAIL FROM, got %d", ErrStatus, resp.Code)
	}

	for _, rcpt := range rcptTo {
		c.xstep("rcptto")
		c.xwritelinef("RCPT TO:<%s>", rcpt)
		resp = c.xread()
		if resp.Code != smtp.C250Completed && resp.Code != smtp.C251UserNotLocalWillForward {
			c.xerrorf(resp.Code, resp.Lines, "%w: recipient %s refused with %d", ErrStatus, rcpt, resp.Code)
		}
	}

	c.xstep("data")
	c.xwriteline("DATA")
	resp = c.xread()
	if resp.Code != smtp.C354Continue {
		c.xerrorf(resp.Code, resp.Lines, "%w: expected 354 to DATA, got %d", ErrStatus, resp.Code)
	}

	if err := c.transport.SetWriteDeadline(time.Now().Add(3 * time.Minute)); err != nil {
		c.log.Errorx("setting write deadline", err)
	}
	if err := smtp.DataWrite(c.transport, msg); err != nil {
		c.botched = true
		c.xerrorf(0, nil, "%w: writing message data: %v", ErrTransport, err)
	}
	resp = c.xread()
	if resp.Code != smtp.C250Completed {
		c.xerrorf(resp.Code, resp.Lines, "%w: expected 250 after message data, got %d", ErrStatus, resp.Code)
	}
	return nil
}

// Close sends QUIT unless the session is botched, reading its response with a
// short timeout and without enforcing a code, then closes the transport. Both
// the original and, after STARTTLS, the upgraded transport are closed.
func (c *Client) Close() (rerr error) {
	if c.closed {
		return ErrClosed
	}
	c.closed = true

	if !c.botched {
		c.xstep("quit")
		if err := c.writeline("QUIT", mlog.LevelTrace); err == nil {
			saved := c.inactivity
			c.inactivity = 5 * time.Second
			if _, err := c.readResponse(); err != nil {
				c.log.Debugx("reading quit response", err)
			}
			c.inactivity = saved
		}
	}

	err := c.origTransport.Close()
	if c.transport != c.origTransport {
		// The TLS transport. Its close notification will fail quickly since
		// the underlying socket is gone.
		c.transport.Close()
	}
	return err
}

// Send performs one complete submission over transport: session setup,
// delivery of msg to rcptTo, and QUIT. The transport is closed before Send
// returns, on success and on every failure path.
func Send(ctx context.Context, elog *slog.Logger, transport Transport, opts Opts, mailFrom string, rcptTo []string, msg io.Reader) error {
	c, err := New(ctx, elog, transport, opts)
	if err != nil {
		transport.Close()
		return err
	}
	defer c.Close()
	return c.Deliver(mailFrom, rcptTo, msg)
}

// Package sasl implements the SASL client mechanisms used for SMTP
// authentication, RFC 4422.
package sasl

import (
	"errors"
	"fmt"
)

// Client is a SASL client.
type Client interface {
	// Name as used in SMTP AUTH, e.g. PLAIN, LOGIN. cleartextCredentials
	// indicates if credentials are exchanged in clear text, which influences
	// whether they are logged.
	Info() (name string, cleartextCredentials bool)

	// Next is called for each step of the SASL exchange. The first call has a
	// nil fromServer and serves to get a possible "initial response" from the
	// client. If the client sends its final message it indicates so with last.
	// Returning an error aborts the authentication attempt.
	// For the first toServer ("initial response"), a nil toServer indicates
	// there is no data, which is different from a non-nil zero-length toServer.
	Next(fromServer []byte) (toServer []byte, last bool, err error)
}

// ErrUnsupportedMechanisms is returned by SelectClient when the server
// advertises no mechanism we can use with the given credentials.
var ErrUnsupportedMechanisms = errors.New("no supported authentication mechanism")

// SelectClient returns a client for the preferred mechanism among those
// advertised by the server: PLAIN if available, LOGIN otherwise. Mechanism
// names must be in upper case.
func SelectClient(mechanisms []string, username, password string) (Client, error) {
	var haveLogin bool
	for _, m := range mechanisms {
		switch m {
		case "PLAIN":
			return NewClientPlain(username, password), nil
		case "LOGIN":
			haveLogin = true
		}
	}
	if haveLogin {
		return NewClientLogin(username, password), nil
	}
	return nil, ErrUnsupportedMechanisms
}

type clientPlain struct {
	Username, Password string
	step               int
}

var _ Client = (*clientPlain)(nil)

// NewClientPlain returns a client for SASL PLAIN authentication.
func NewClientPlain(username, password string) Client {
	return &clientPlain{username, password, 0}
}

func (a *clientPlain) Info() (name string, hasCleartextCredentials bool) {
	return "PLAIN", true
}

func (a *clientPlain) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return []byte(fmt.Sprintf("\u0000%s\u0000%s", a.Username, a.Password)), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientLogin struct {
	Username, Password string
	step               int
}

var _ Client = (*clientLogin)(nil)

// NewClientLogin returns a client for the obsolete but still widespread SASL
// LOGIN authentication. The server sends two challenges, for the username and
// the password.
func NewClientLogin(username, password string) Client {
	return &clientLogin{username, password, 0}
}

func (a *clientLogin) Info() (name string, hasCleartextCredentials bool) {
	return "LOGIN", true
}

func (a *clientLogin) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		// No initial response, the server challenges first.
		return nil, false, nil
	case 1:
		return []byte(a.Username), false, nil
	case 2:
		return []byte(a.Password), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

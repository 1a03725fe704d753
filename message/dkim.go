package message

import (
	"fmt"

	dkim "github.com/toorop/go-dkim"
)

// DKIMSign returns msg with a DKIM-Signature header prepended, signing the
// usual structural headers and the body with relaxed/relaxed
// canonicalization. privateKeyPEM is an RSA private key in PEM form.
func DKIMSign(msg string, domain, selector string, privateKeyPEM []byte) (string, error) {
	options := dkim.NewSigOptions()
	options.PrivateKey = privateKeyPEM
	options.Domain = domain
	options.Selector = selector
	options.SignatureExpireIn = 3600
	options.Headers = []string{"from", "to", "subject", "date", "message-id", "mime-version"}
	options.AddSignatureTimestamp = true
	options.Canonicalization = "relaxed/relaxed"

	b := []byte(msg)
	if err := dkim.Sign(&b, options); err != nil {
		return "", fmt.Errorf("dkim sign: %w", err)
	}
	return string(b), nil
}

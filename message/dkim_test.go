package message

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
)

func TestDKIMSign(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	m := Message{
		From:    "mjl@mox.example",
		To:      []string{"a@mox.example"},
		Subject: "hello",
		Text:    "body",
	}
	doc := m.Compose(date, m.MessageID())

	signed, err := DKIMSign(doc, "mox.example", "2024a", keyPEM)
	if err != nil {
		t.Fatalf("dkim sign: %v", err)
	}
	if !strings.HasPrefix(signed, "DKIM-Signature:") {
		t.Fatalf("signed message must start with a DKIM-Signature header, got %q", signed[:60])
	}
	if !strings.Contains(signed, "d=mox.example") || !strings.Contains(signed, "s=2024a") {
		t.Fatalf("signature must carry domain and selector, got %q", signed[:strings.Index(signed, "\r\nFrom:")])
	}
	// The signature is prepended; the message itself must be unchanged.
	if !strings.HasSuffix(signed, doc) {
		t.Fatalf("message altered by signing")
	}

	if _, err := DKIMSign(doc, "mox.example", "2024a", []byte("not a key")); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}

// Package message composes outgoing mail messages: RFC 5322 headers and a
// MIME body, single-part or multipart, with optional attachments.
package message

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mailgw/mailgw/smtp"
)

// Attachment is a file added to a message.
type Attachment struct {
	Filename string
	// Base64-encoded content, written to the message verbatim.
	ContentBase64 string
	ContentType   string
}

// Message is the input for Compose. From and at least one recipient in To are
// required by callers; Compose itself renders whatever it is given.
type Message struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
}

// Recipients returns to, cc and bcc concatenated in order. Duplicates are not
// removed; each address gets its own RCPT TO.
func (m Message) Recipients() []string {
	r := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	r = append(r, m.To...)
	r = append(r, m.Cc...)
	return append(r, m.Bcc...)
}

// token returns a random hex string, for boundaries and message-ids.
func token() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // Only fails when the system random source is broken.
	}
	return hex.EncodeToString(buf)
}

// MessageID returns a unique message-id based on the sender's domain.
func (m Message) MessageID() string {
	domain := "localhost"
	if _, d, ok := strings.Cut(m.From, "@"); ok && d != "" {
		domain = d
	}
	return fmt.Sprintf("<%s@%s>", token(), domain)
}

// Compose renders the message with CRLF line endings.
//
// Headers are written in fixed order: From, To, Cc and Bcc when present,
// Subject (always, possibly empty), Date, Message-ID, MIME-Version. Without
// attachments the body is a multipart/alternative with a text/plain and a
// text/html part, both 7bit, empty when absent. With attachments the
// alternative body becomes the first part of a multipart/mixed, followed by
// one base64 part per attachment in input order.
func (m Message) Compose(now time.Time, messageID string) string {
	var b strings.Builder
	header := func(k, v string) {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}

	header("From", m.From)
	header("To", strings.Join(m.To, ", "))
	if len(m.Cc) > 0 {
		header("Cc", strings.Join(m.Cc, ", "))
	}
	if len(m.Bcc) > 0 {
		header("Bcc", strings.Join(m.Bcc, ", "))
	}
	header("Subject", m.Subject)
	header("Date", now.Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	header("Message-ID", messageID)
	header("MIME-Version", "1.0")

	altBoundary := "alt-" + token()
	alternative := func() {
		fmt.Fprintf(&b, "--%s\r\n", altBoundary)
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		b.WriteString("Content-Transfer-Encoding: 7bit\r\n\r\n")
		b.WriteString(smtp.NormalizeCRLF(m.Text))
		fmt.Fprintf(&b, "\r\n--%s\r\n", altBoundary)
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
		b.WriteString("Content-Transfer-Encoding: 7bit\r\n\r\n")
		b.WriteString(smtp.NormalizeCRLF(m.HTML))
		fmt.Fprintf(&b, "\r\n--%s--\r\n", altBoundary)
	}

	if len(m.Attachments) == 0 {
		fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", altBoundary)
		alternative()
		return b.String()
	}

	mixedBoundary := "mixed-" + token()
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=\"%s\"\r\n\r\n", mixedBoundary)
	fmt.Fprintf(&b, "--%s\r\n", mixedBoundary)
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", altBoundary)
	alternative()
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, "\r\n--%s\r\n", mixedBoundary)
		fmt.Fprintf(&b, "Content-Type: %s; name=\"%s\"\r\n", a.ContentType, a.Filename)
		b.WriteString("Content-Transfer-Encoding: base64\r\n")
		fmt.Fprintf(&b, "Content-Disposition: attachment; filename=\"%s\"\r\n\r\n", a.Filename)
		b.WriteString(smtp.NormalizeCRLF(a.ContentBase64))
	}
	fmt.Fprintf(&b, "\r\n--%s--\r\n", mixedBoundary)
	return b.String()
}

package message

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

var date = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRecipients(t *testing.T) {
	m := Message{
		To:  []string{"a@mox.example", "b@mox.example"},
		Cc:  []string{"c@mox.example"},
		Bcc: []string{"a@mox.example"},
	}
	got := m.Recipients()
	want := []string{"a@mox.example", "b@mox.example", "c@mox.example", "a@mox.example"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, expected %v (order kept, no dedup)", got, want)
	}
}

func TestComposeAlternative(t *testing.T) {
	m := Message{
		From:    "mjl@mox.example",
		To:      []string{"a@mox.example"},
		Subject: "hello",
		Text:    "plain\nbody",
		HTML:    "<p>html</p>",
	}
	doc := m.Compose(date, m.MessageID())

	headers, body, ok := strings.Cut(doc, "\r\n\r\n")
	if !ok {
		t.Fatalf("no header/body separator in %q", doc)
	}

	wantHeaders := []string{
		"From: mjl@mox.example",
		"To: a@mox.example",
		"Subject: hello",
		"Date: Fri, 01 Mar 2024 12:00:00 +0000",
		"MIME-Version: 1.0",
	}
	lines := strings.Split(headers, "\r\n")
	// Fixed order: From, To, Subject, Date, Message-ID, MIME-Version, Content-Type.
	for i, want := range []int{0, 1, 2, 3, 5} {
		if lines[want] != wantHeaders[i] {
			t.Fatalf("header line %d: got %q, expected %q", want, lines[want], wantHeaders[i])
		}
	}
	if !strings.HasPrefix(lines[4], "Message-ID: <") || !strings.HasSuffix(lines[4], "@mox.example>") {
		t.Fatalf("bad message-id header %q", lines[4])
	}
	if strings.Contains(headers, "Cc:") || strings.Contains(headers, "Bcc:") {
		t.Fatalf("absent cc/bcc must not be emitted: %q", headers)
	}

	boundary := boundaryOf(t, lines[6], "multipart/alternative")
	parts := strings.Split(body, "--"+boundary)
	// Leading text, two parts, closing marker.
	if len(parts) != 4 || !strings.HasPrefix(parts[3], "--") {
		t.Fatalf("got %d segments, expected exactly 2 parts under one boundary", len(parts)-2)
	}
	if !strings.Contains(parts[1], "Content-Type: text/plain") || !strings.Contains(parts[1], "plain\r\nbody") {
		t.Fatalf("first part must be normalized text/plain: %q", parts[1])
	}
	if !strings.Contains(parts[2], "Content-Type: text/html") || !strings.Contains(parts[2], "<p>html</p>") {
		t.Fatalf("second part must be text/html: %q", parts[2])
	}
}

func TestComposeEmptyParts(t *testing.T) {
	m := Message{From: "mjl@mox.example", To: []string{"a@mox.example"}}
	doc := m.Compose(date, m.MessageID())
	if !strings.Contains(doc, "Subject: \r\n") {
		t.Fatalf("absent subject must still be emitted, empty")
	}
	if n := strings.Count(doc, "Content-Transfer-Encoding: 7bit"); n != 2 {
		t.Fatalf("got %d 7bit parts, expected 2 (empty text and html)", n)
	}
}

func TestComposeMixed(t *testing.T) {
	m := Message{
		From: "mjl@mox.example",
		To:   []string{"a@mox.example"},
		Text: "body",
		Attachments: []Attachment{
			{Filename: "a.pdf", ContentBase64: "QUJD", ContentType: "application/pdf"},
			{Filename: "b.txt", ContentBase64: "REVG", ContentType: "text/plain"},
		},
	}
	doc := m.Compose(date, m.MessageID())

	headers, body, _ := strings.Cut(doc, "\r\n\r\n")
	ctLine := ""
	for _, l := range strings.Split(headers, "\r\n") {
		if strings.HasPrefix(l, "Content-Type: ") {
			ctLine = l
		}
	}
	mixed := boundaryOf(t, ctLine, "multipart/mixed")

	parts := strings.Split(body, "--"+mixed)
	if len(parts) != 5 || !strings.HasPrefix(parts[4], "--") {
		t.Fatalf("got %d segments, expected alternative block plus 2 attachments", len(parts)-2)
	}
	if !strings.Contains(parts[1], "multipart/alternative") {
		t.Fatalf("first mixed part must be the alternative block: %q", parts[1])
	}
	alt := boundaryOf(t, strings.Split(strings.TrimSpace(parts[1]), "\r\n")[0], "multipart/alternative")
	if mixed == alt {
		t.Fatalf("mixed and alternative boundaries must differ")
	}
	if !strings.Contains(parts[2], `Content-Type: application/pdf; name="a.pdf"`) ||
		!strings.Contains(parts[2], `Content-Disposition: attachment; filename="a.pdf"`) ||
		!strings.Contains(parts[2], "QUJD") {
		t.Fatalf("bad first attachment part: %q", parts[2])
	}
	if !strings.Contains(parts[3], `name="b.txt"`) || !strings.Contains(parts[3], "REVG") {
		t.Fatalf("bad second attachment part: %q", parts[3])
	}
}

func TestMessageIDUnique(t *testing.T) {
	m := Message{From: "mjl@mox.example"}
	if m.MessageID() == m.MessageID() {
		t.Fatalf("message-ids must be unique per call")
	}
}

func boundaryOf(t *testing.T, contentType, wantType string) string {
	t.Helper()
	re := regexp.MustCompile(regexp.QuoteMeta(wantType) + `; boundary="([^"]+)"`)
	sub := re.FindStringSubmatch(contentType)
	if sub == nil {
		t.Fatalf("no %s boundary in %q", wantType, contentType)
	}
	return sub[1]
}

package smtp

import (
	"io"
	"strings"
)

var dotcrlf = []byte(".\r\n")

// NormalizeCRLF returns s with all line endings (bare LF, bare CR, CRLF)
// rewritten to CRLF. Message data must be normalized before it is written to
// an SMTP connection.
func NormalizeCRLF(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\r':
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			b.WriteString("\r\n")
		case '\n':
			b.WriteString("\r\n")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// DataWrite reads a CRLF-normalized mail message from r and writes it to smtp
// connection w with dot stuffing, as required by the SMTP data command. The
// end-of-data sequence CRLF "." CRLF is written last, with the leading CRLF
// omitted when the message already ends with one.
func DataWrite(w io.Writer, r io.Reader) error {
	var prevlast, last byte = '\r', '\n' // Start on a new line, so we insert a dot if the first byte is a dot.
	buf := make([]byte, 8*1024)
	for {
		nr, err := r.Read(buf)
		if nr > 0 {
			// Process buf a line at a time, inserting an extra dot before any
			// line that starts with one.
			p := buf[:nr]
			for len(p) > 0 {
				if p[0] == '.' && prevlast == '\r' && last == '\n' {
					if _, err := w.Write([]byte{'.'}); err != nil {
						return err
					}
				}
				n := 0
				for n < len(p) {
					c := p[n]
					n++
					if c == '\n' {
						break
					}
				}
				if _, err := w.Write(p[:n]); err != nil {
					return err
				}
				if n == 1 {
					prevlast, last = last, p[0]
				} else {
					prevlast, last = p[n-2], p[n-1]
				}
				p = p[n:]
			}
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	if prevlast != '\r' || last != '\n' {
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
	}
	if _, err := w.Write(dotcrlf); err != nil {
		return err
	}
	return nil
}

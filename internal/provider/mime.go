package provider

import (
	"bytes"
	"fmt"
	"html"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	breakTags  = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</h[1-6]>|</li>|</tr>`)
	blockDrop  = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)>`)
	anyTag     = regexp.MustCompile(`<[^>]*>`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// PlainText derives a text body from HTML by dropping markup.
func PlainText(htmlBody string) string {
	s := blockDrop.ReplaceAllString(htmlBody, "")
	s = breakTags.ReplaceAllString(s, "\n")
	s = anyTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// textBody returns the message's text part, deriving it when absent.
func textBody(msg *Message) string {
	if strings.TrimSpace(msg.TextBody) != "" {
		return msg.TextBody
	}
	return PlainText(msg.HTMLBody)
}

// buildMIME renders msg as a multipart/alternative RFC 5322 message with
// CRLF line endings.
func buildMIME(msg *Message, messageID string, date time.Time) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	from := (&mail.Address{Name: msg.FromName, Address: msg.From}).String()
	to := (&mail.Address{Address: msg.To}).String()

	headers := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject),
		"Date: " + date.Format(time.RFC1123Z),
		"Message-ID: " + messageID,
		"MIME-Version: 1.0",
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if isReservedHeader(k) {
			continue
		}
		v := strings.NewReplacer("\r", "", "\n", "").Replace(msg.Headers[k])
		headers = append(headers, textproto.CanonicalMIMEHeaderKey(k)+": "+v)
	}
	headers = append(headers, fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q", mw.Boundary()))

	var out bytes.Buffer
	out.WriteString(strings.Join(headers, "\r\n"))
	out.WriteString("\r\n\r\n")

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", textBody(msg)},
		{"text/html; charset=utf-8", msg.HTMLBody},
	}
	for _, p := range parts {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", p.contentType)
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("create mime part: %w", err)
		}
		qp := quotedprintable.NewWriter(w)
		if _, err := qp.Write([]byte(p.body)); err != nil {
			return nil, fmt.Errorf("encode mime part: %w", err)
		}
		if err := qp.Close(); err != nil {
			return nil, fmt.Errorf("encode mime part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mime writer: %w", err)
	}

	out.Write(buf.Bytes())
	return out.Bytes(), nil
}

func isReservedHeader(k string) bool {
	switch strings.ToLower(k) {
	case "from", "to", "subject", "date", "message-id", "mime-version", "content-type", "content-transfer-encoding":
		return true
	}
	return false
}

package provider

import (
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
	"time"
)

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hello", want: "hello"},
		{name: "tags stripped", in: "<p>Hello <b>world</b></p>", want: "Hello world"},
		{name: "breaks", in: "one<br>two<br/>three", want: "one\ntwo\nthree"},
		{name: "entities", in: "Tom &amp; Jerry &lt;3", want: "Tom & Jerry <3"},
		{name: "script dropped", in: "<script>alert(1)</script><p>body</p>", want: "body"},
		{name: "style dropped", in: "<style>p{color:red}</style>text", want: "text"},
		{name: "blank lines collapsed", in: "<p>a</p><p></p><p></p><p>b</p>", want: "a\n\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlainText(tt.in); got != tt.want {
				t.Errorf("PlainText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildMIME(t *testing.T) {
	msg := &Message{
		From:     "sender@example.com",
		FromName: "Sender",
		To:       "rcpt@example.org",
		Subject:  "Hello",
		HTMLBody: "<p>Hi there</p>",
		Headers: map[string]string{
			"X-Campaign": "spring\r\nBcc: evil@example.com",
			"Subject":    "overridden",
		},
	}
	date := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	raw, err := buildMIME(msg, "<id-1@example.com>", date)
	if err != nil {
		t.Fatalf("buildMIME: %v", err)
	}

	parsed, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("output is not a valid message: %v", err)
	}
	h := parsed.Header
	if h.Get("Subject") != "Hello" {
		t.Errorf("expected subject Hello, got %q", h.Get("Subject"))
	}
	if h.Get("Message-Id") != "<id-1@example.com>" {
		t.Errorf("unexpected message id %q", h.Get("Message-Id"))
	}
	if h.Get("X-Campaign") != "springBcc: evil@example.com" {
		t.Errorf("expected header injection stripped, got %q", h.Get("X-Campaign"))
	}
	if h.Get("Bcc") != "" {
		t.Error("expected no Bcc header")
	}
	from, err := mail.ParseAddress(h.Get("From"))
	if err != nil || from.Address != "sender@example.com" || from.Name != "Sender" {
		t.Errorf("unexpected from %q (%v)", h.Get("From"), err)
	}

	mediaType, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil || mediaType != "multipart/alternative" {
		t.Fatalf("unexpected content type %q (%v)", h.Get("Content-Type"), err)
	}
	mr := multipart.NewReader(parsed.Body, params["boundary"])

	var types, bodies []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		b, _ := io.ReadAll(p)
		types = append(types, p.Header.Get("Content-Type"))
		bodies = append(bodies, string(b))
	}
	if len(types) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(types))
	}
	if !strings.HasPrefix(types[0], "text/plain") || !strings.HasPrefix(types[1], "text/html") {
		t.Errorf("unexpected part order %v", types)
	}
	if bodies[0] != "Hi there" {
		t.Errorf("expected derived text part, got %q", bodies[0])
	}
	if bodies[1] != "<p>Hi there</p>" {
		t.Errorf("unexpected html part %q", bodies[1])
	}
}

func TestBuildMIME_EncodesSubject(t *testing.T) {
	msg := &Message{From: "a@example.com", To: "b@example.com", Subject: "Grüße", HTMLBody: "x"}
	raw, err := buildMIME(msg, "<x@example.com>", time.Now())
	if err != nil {
		t.Fatalf("buildMIME: %v", err)
	}
	if !strings.Contains(string(raw), "Subject: =?utf-8?q?") {
		t.Errorf("expected encoded subject in:\n%s", raw)
	}
}

// Package mimeparse extracts the deliverable parts of an RFC 5322 message
// submitted over SMTP: decoded subject, text and HTML bodies, and a summary
// of any attachments.
package mimeparse

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

// ErrMissingBoundary is returned for multipart messages without a boundary.
var ErrMissingBoundary = errors.New("mimeparse: multipart message missing boundary")

// Content is what a submitted message contributes to an enqueue request.
type Content struct {
	Subject   string
	From      string
	MessageID string
	Headers   mail.Header
	TextBody  string
	HTMLBody  string
	// Attachments lists parts that are neither the text nor the HTML body.
	// Only their shape is kept.
	Attachments []Attachment
}

// Attachment describes a non-body MIME part.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
	Inline      bool
}

// HasAttachments reports whether the message carried any non-body parts.
func (c *Content) HasAttachments() bool {
	return len(c.Attachments) > 0
}

var wordDecoder = mime.WordDecoder{}

// Parse reads a raw message. Non-multipart bodies land in TextBody or
// HTMLBody by Content-Type; multipart bodies are walked recursively and the
// first text/plain and text/html parts win.
func Parse(r io.Reader) (*Content, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("mimeparse: read message: %w", err)
	}

	c := &Content{
		Headers:   msg.Header,
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		From:      decodeHeader(msg.Header.Get("From")),
		MessageID: strings.Trim(msg.Header.Get("Message-Id"), "<> "),
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("mimeparse: parse content type: %w", err)
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if params["boundary"] == "" {
			return nil, ErrMissingBoundary
		}
		if err := c.walk(msg.Body, params["boundary"]); err != nil {
			return nil, err
		}
		return c, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("mimeparse: read body: %w", err)
	}
	if mediaType == "text/html" {
		c.HTMLBody = string(body)
	} else {
		c.TextBody = string(body)
	}
	return c, nil
}

func (c *Content) walk(r io.Reader, boundary string) error {
	mr := multipart.NewReader(r, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mimeparse: next part: %w", err)
		}

		mediaType := "text/plain"
		var params map[string]string
		if ct := part.Header.Get("Content-Type"); ct != "" {
			mediaType, params, err = mime.ParseMediaType(ct)
			if err != nil {
				mediaType = "application/octet-stream"
			}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if params["boundary"] == "" {
				continue
			}
			if err := c.walk(part, params["boundary"]); err != nil {
				return err
			}
			continue
		}

		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return fmt.Errorf("mimeparse: read part: %w", err)
		}

		disposition, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		isAttachment := strings.EqualFold(disposition, "attachment")

		switch {
		case mediaType == "text/plain" && c.TextBody == "" && !isAttachment:
			c.TextBody = string(body)
		case mediaType == "text/html" && c.HTMLBody == "" && !isAttachment:
			c.HTMLBody = string(body)
		default:
			name := dispParams["filename"]
			if name == "" {
				name = params["name"]
			}
			c.Attachments = append(c.Attachments, Attachment{
				Filename:    name,
				ContentType: mediaType,
				Size:        len(body),
				Inline:      strings.EqualFold(disposition, "inline"),
			})
		}
	}
}

// decodeHeader decodes RFC 2047 encoded words, keeping the raw value when
// the encoding is unknown.
func decodeHeader(v string) string {
	if v == "" {
		return ""
	}
	dec, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return dec
}

func decodeBody(r io.Reader, transferEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, r))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const mailgunDefaultEndpoint = "https://api.mailgun.net"

// Mailgun submits messages through the Mailgun v3 HTTP API. The sending
// account is carried in the From field; the domain is fixed per transport.
type Mailgun struct {
	base     string
	auth     string
	fromName string
	client   HTTPClient
}

func NewMailgun(cfg Config, client HTTPClient) *Mailgun {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = mailgunDefaultEndpoint
	}
	return &Mailgun{
		base:     endpoint + "/v3/" + url.PathEscape(cfg.Domain),
		auth:     "Basic " + base64.StdEncoding.EncodeToString([]byte("api:"+cfg.APIKey)),
		fromName: cfg.FromName,
		client:   client,
	}
}

func (m *Mailgun) GetName() string { return TypeMailgun }

type mailgunAccepted struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (m *Mailgun) Send(ctx context.Context, msg *Message) (*DeliveryResult, error) {
	body := m.buildForm(msg).Encode()
	resp, err := m.client.Do(ctx, &HTTPRequest{
		Method: http.MethodPost,
		URL:    m.base + "/messages",
		Headers: map[string]string{
			"Authorization": m.auth,
			"Content-Type":  "application/x-www-form-urlencoded",
		},
		Body: []byte(body),
	})
	if err != nil {
		return nil, &ProviderError{Provider: TypeMailgun, Kind: Classify(err), Message: err.Error()}
	}
	if resp.StatusCode/100 != 2 {
		return nil, ClassifyHTTPError(TypeMailgun, resp.StatusCode, string(resp.Body))
	}

	var acc mailgunAccepted
	_ = json.Unmarshal(resp.Body, &acc)
	return &DeliveryResult{
		// Webhooks report the id without the angle brackets.
		ProviderMessageID: strings.Trim(acc.ID, "<>"),
		Timestamp:         time.Now(),
		Metadata: map[string]string{
			"message":     acc.Message,
			"status_code": strconv.Itoa(resp.StatusCode),
		},
	}, nil
}

// HealthCheck fetches the sending domain record.
func (m *Mailgun) HealthCheck(ctx context.Context) error {
	resp, err := m.client.Do(ctx, &HTTPRequest{
		Method:  http.MethodGet,
		URL:     strings.Replace(m.base, "/v3/", "/v3/domains/", 1),
		Headers: map[string]string{"Authorization": m.auth},
	})
	if err != nil {
		return fmt.Errorf("mailgun: health check: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return ClassifyHTTPError(TypeMailgun, resp.StatusCode, string(resp.Body))
	}
	return nil
}

// buildForm maps msg onto the messages endpoint's form fields. The queue id
// rides along as a custom variable so webhooks can be correlated.
func (m *Mailgun) buildForm(msg *Message) url.Values {
	name := msg.FromName
	if name == "" {
		name = m.fromName
	}

	form := url.Values{
		"from":    {(&mail.Address{Name: name, Address: msg.From}).String()},
		"to":      {msg.To},
		"subject": {msg.Subject},
		"text":    {textBody(msg)},
	}
	if msg.HTMLBody != "" {
		form.Set("html", msg.HTMLBody)
	}
	if msg.ID != "" {
		form.Set("v:message_id", msg.ID)
	}
	for k, v := range msg.Headers {
		form.Set("h:"+k, v)
	}
	return form
}

// Package mail exposes the one interface the core consumes: send this
// email. Rendering of real templates happens elsewhere.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Message is a single outbound email
type Message struct {
	To      string
	ToName  string
	Subject string
	Text    string
	HTML    string
}

type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Config for the HTTP mail provider
type Config struct {
	APIURL    string `toml:"api_url"`
	APIToken  string `toml:"api_token"`
	FromEmail string `toml:"from_email"`
	FromName  string `toml:"from_name"`
}

// HTTPSender posts messages to a transactional mail API (Mailtrap-style
// JSON contract).
type HTTPSender struct {
	config Config
	client *http.Client
}

var _ Sender = (*HTTPSender)(nil)

func NewHTTPSender(config Config) *HTTPSender {
	return &HTTPSender{config: config, client: &http.Client{}}
}

type person struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type payload struct {
	From     person   `json:"from"`
	To       []person `json:"to"`
	Subject  string   `json:"subject"`
	Text     string   `json:"text,omitempty"`
	HTML     string   `json:"html,omitempty"`
	Category string   `json:"category,omitempty"`
}

func (s *HTTPSender) Send(ctx context.Context, msg *Message) error {
	if s.config.APIURL == "" || s.config.APIToken == "" {
		return errors.New("mail provider credentials not configured")
	}

	body, err := json.Marshal(payload{
		From:     person{Email: s.config.FromEmail, Name: s.config.FromName},
		To:       []person{{Email: msg.To, Name: msg.ToName}},
		Subject:  msg.Subject,
		Text:     msg.Text,
		HTML:     msg.HTML,
		Category: "Transactional",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", s.config.APIToken))
	req.Header.Add("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to call mail provider")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("mail provider returned status %d", resp.StatusCode)
	}

	return nil
}

// LogSender writes messages to the log instead of sending them, used
// when no provider is configured (local development, tests).
type LogSender struct{}

var _ Sender = (*LogSender)(nil)

func (LogSender) Send(_ context.Context, msg *Message) error {
	log.WithFields(log.Fields{"to": msg.To, "subject": msg.Subject}).Info("mail sending disabled, skipping")
	return nil
}

// NewSender picks the HTTP provider when configured, the log fallback
// otherwise.
func NewSender(config Config) Sender {
	if config.APIURL == "" || config.APIToken == "" {
		return LogSender{}
	}

	return NewHTTPSender(config)
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const sendgridURL = "https://api.sendgrid.com/v3/mail/send"

type Sendgrid struct {
	apiKey   string
	from     string
	to       []string
	subject  string
	endpoint string
	http     *http.Client
}

var _ Mailer = (*Sendgrid)(nil)

func NewSendgrid(apiKey, from string, to []string, subject string) *Sendgrid {
	if subject == "" {
		subject = "archiver report"
	}
	return &Sendgrid{apiKey: apiKey, from: from, to: to, subject: subject, endpoint: sendgridURL, http: defaultClient()}
}

func (s *Sendgrid) WithEndpoint(endpoint string, c *http.Client) *Sendgrid {
	s.endpoint = endpoint
	if c != nil {
		s.http = c
	}
	return s
}

func (s *Sendgrid) String() string {
	return fmt.Sprintf("notify.Sendgrid{from: %s, to: %v, api_key: ...}", s.from, s.to)
}

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPersonalization struct {
	To []sgAddress `json:"to"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgMail struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
}

// SendReport mails the report as plain text. The receipt is Sendgrid's X-Message-Id.
func (s *Sendgrid) SendReport(ctx context.Context, report string) (string, error) {
	var p sgPersonalization
	for _, to := range s.to {
		p.To = append(p.To, sgAddress{Email: to, Name: "archiver recipient"})
	}
	m := sgMail{
		Personalizations: []sgPersonalization{p},
		From:             sgAddress{Email: s.from},
		Subject:          s.subject,
		Content:          []sgContent{{Type: "text/plain", Value: report}},
	}

	body, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("sendgrid: %w", err)
	}
	defer resp.Body.Close()

	if _, err := checkResponse("sendgrid", resp); err != nil {
		return "", err
	}
	return resp.Header.Get("X-Message-Id"), nil
}

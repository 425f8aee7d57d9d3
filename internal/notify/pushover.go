package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const pushoverURL = "https://api.pushover.net/1/messages.json"

// pushover caps message bodies at 1024 characters
const pushoverMaxMessage = 1024

type Pushover struct {
	token     string
	recipient string
	endpoint  string
	http      *http.Client
}

var _ Notifier = (*Pushover)(nil)

func NewPushover(token, recipient string) *Pushover {
	return &Pushover{token: token, recipient: recipient, endpoint: pushoverURL, http: defaultClient()}
}

// WithEndpoint points the notifier somewhere else (tests use httptest).
func (p *Pushover) WithEndpoint(endpoint string, c *http.Client) *Pushover {
	p.endpoint = endpoint
	if c != nil {
		p.http = c
	}
	return p
}

func (p *Pushover) String() string {
	return fmt.Sprintf("notify.Pushover{recipient: %s, token: ...}", p.recipient)
}

func (p *Pushover) Notify(ctx context.Context, msg string) error {
	if r := []rune(msg); len(r) > pushoverMaxMessage {
		msg = string(r[:pushoverMaxMessage-1]) + "…"
	}
	form := url.Values{
		"token":   {p.token},
		"user":    {p.recipient},
		"message": {msg},
		"title":   {"archiver"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("pushover: %w", err)
	}
	defer resp.Body.Close()

	body, err := checkResponse("pushover", resp)
	if err != nil {
		return err
	}
	var out struct {
		Status int      `json:"status"`
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(body, &out); err == nil && out.Status != 1 {
		return fmt.Errorf("pushover: rejected: %s", strings.Join(out.Errors, "; "))
	}
	return nil
}

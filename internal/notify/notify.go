// Package notify tells a human how a run went: short push messages while it
// runs, and the full report by mail at the end.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Mailer sends the rendered report and returns the transport's receipt, if any.
type Mailer interface {
	SendReport(ctx context.Context, report string) (string, error)
}

// None is used when nothing is configured. It always succeeds.
type None struct{}

func (None) Notify(context.Context, string) error               { return nil }
func (None) SendReport(context.Context, string) (string, error) { return "", nil }

var (
	_ Notifier = None{}
	_ Mailer   = None{}
)

// HTTPError is a non-2xx answer from a notification API.
type HTTPError struct {
	Service string
	Status  int
	Body    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %d %s: %s", e.Service, e.Status, http.StatusText(e.Status), e.Body)
}

func defaultClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func checkResponse(service string, resp *http.Response) ([]byte, error) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	if resp.StatusCode/100 != 2 {
		return nil, &HTTPError{Service: service, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

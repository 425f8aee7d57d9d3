package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError is a non-2xx answer from Dropbox.
type APIError struct {
	Status  int
	Summary string
}

func (e *APIError) Error() string {
	if e.Summary != "" {
		return fmt.Sprintf("dropbox: %d %s", e.Status, e.Summary)
	}
	return fmt.Sprintf("dropbox: %d %s", e.Status, http.StatusText(e.Status))
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict &&
		strings.Contains(apiErr.Summary, "not_found")
}

func isConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict &&
		strings.Contains(apiErr.Summary, "conflict")
}

// rpc is an RPC-style endpoint: JSON in, JSON out.
func (a *Adaptor) rpc(ctx context.Context, endpoint string, arg any, out any) error {
	body, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, out)
}

// contentCall is a content-upload endpoint: arguments in the Dropbox-API-Arg header, bytes in the body.
func (a *Adaptor) contentCall(ctx context.Context, endpoint string, arg any, body io.Reader, size int64, out any) error {
	argJSON, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	// the caller owns body; keep the transport from closing it
	rc := io.NopCloser(body)
	if size == 0 {
		rc = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.contentURL+endpoint, rc)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Dropbox-API-Arg", headerSafe(string(argJSON)))
	return a.do(req, out)
}

func (a *Adaptor) do(req *http.Request, out any) error {
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var e struct {
			ErrorSummary string `json:"error_summary"`
		}
		if json.Unmarshal(b, &e) != nil || e.ErrorSummary == "" {
			e.ErrorSummary = strings.TrimSpace(string(b))
		}
		return &APIError{Status: resp.StatusCode, Summary: e.ErrorSummary}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// headerSafe escapes non-ASCII the way Dropbox expects in Dropbox-API-Arg.
func headerSafe(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r > 0x7e {
			if r > 0xffff {
				// encode as a UTF-16 surrogate pair
				r -= 0x10000
				fmt.Fprintf(&b, "\\u%04x\\u%04x", 0xd800+(r>>10), 0xdc00+(r&0x3ff))
				continue
			}
			fmt.Fprintf(&b, "\\u%04x", r)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

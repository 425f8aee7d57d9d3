// Package dropbox uploads staged files to Dropbox. Dropbox exposes the same
// block-chained content hash the staging area computes, so existence checks
// need no download.
package dropbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"archiver/internal/hash"
	"archiver/internal/model"
	"archiver/internal/storage"

	"golang.org/x/oauth2"
)

const (
	defaultAPIURL     = "https://api.dropboxapi.com/2"
	defaultContentURL = "https://content.dropboxapi.com/2"
	tokenURL          = "https://api.dropboxapi.com/oauth2/token"
	authURL           = "https://www.dropbox.com/oauth2/authorize"

	// single-request uploads are capped at 150 MiB by the API
	singleUploadLimit = 150 * 1024 * 1024
	defaultChunkSize  = 8 * 1024 * 1024
)

// Credentials either carry a long-lived access token or an app key/secret plus refresh token.
type Credentials struct {
	AccessToken  string
	AppKey       string
	AppSecret    string
	RefreshToken string
}

func (c Credentials) String() string {
	return "dropbox.Credentials{...}"
}

type Adaptor struct {
	logger     *log.Logger
	http       *http.Client
	root       string
	apiURL     string
	contentURL string
	chunkSize  int64
	singleMax  int64
}

var _ storage.Adaptor = (*Adaptor)(nil)

type Option func(*Adaptor)

// WithEndpoints points the adaptor at another API host (tests use httptest).
func WithEndpoints(apiURL, contentURL string) Option {
	return func(a *Adaptor) {
		a.apiURL = strings.TrimRight(apiURL, "/")
		a.contentURL = strings.TrimRight(contentURL, "/")
	}
}

// WithChunkSize sets the upload-session chunk and the single-request cutoff.
func WithChunkSize(chunk, singleMax int64) Option {
	return func(a *Adaptor) {
		a.chunkSize = chunk
		a.singleMax = singleMax
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adaptor) { a.http = c }
}

// New builds an adaptor that files everything under root (e.g. "/Footage").
func New(ctx context.Context, logger *log.Logger, creds Credentials, root string, opts ...Option) (*Adaptor, error) {
	a := &Adaptor{
		logger:     logger,
		root:       path.Join("/", root),
		apiURL:     defaultAPIURL,
		contentURL: defaultContentURL,
		chunkSize:  defaultChunkSize,
		singleMax:  singleUploadLimit,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.http == nil {
		ts, err := tokenSource(ctx, creds)
		if err != nil {
			return nil, err
		}
		a.http = oauth2.NewClient(ctx, ts)
		a.http.Timeout = 30 * time.Minute
	}
	return a, nil
}

func tokenSource(ctx context.Context, creds Credentials) (oauth2.TokenSource, error) {
	switch {
	case creds.RefreshToken != "":
		if creds.AppKey == "" {
			return nil, errors.New("dropbox: refresh token needs an app key")
		}
		cfg := &oauth2.Config{
			ClientID:     creds.AppKey,
			ClientSecret: creds.AppSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
		}
		return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}), nil
	case creds.AccessToken != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"}), nil
	}
	return nil, errors.New("dropbox: no access token or refresh token configured")
}

func (a *Adaptor) Name() string { return "dropbox" }

func (a *Adaptor) remotePath(d *model.UploadDescriptor) string {
	return path.Join(a.root, d.RemotePath())
}

type metadata struct {
	Tag         string `json:".tag"`
	Name        string `json:"name"`
	PathDisplay string `json:"path_display"`
	Size        int64  `json:"size"`
	ContentHash string `json:"content_hash"`
}

// AlreadyUploaded asks for the metadata at the remote path and compares content hashes.
func (a *Adaptor) AlreadyUploaded(ctx context.Context, d *model.UploadDescriptor) bool {
	var md metadata
	err := a.rpc(ctx, "/files/get_metadata", map[string]any{"path": a.remotePath(d)}, &md)
	if err != nil {
		if !isNotFound(err) {
			a.logger.Printf("[dropbox] metadata lookup for %s failed: %v", a.remotePath(d), err)
		}
		return false
	}
	return md.Tag == "file" && strings.EqualFold(md.ContentHash, d.ContentHash.String())
}

// Upload commits with mode=add and autorename off: a retry of identical bytes is a no-op
// on Dropbox's side and different bytes at the same path surface as a conflict.
func (a *Adaptor) Upload(ctx context.Context, content io.Reader, d *model.UploadDescriptor) (storage.Status, error) {
	var (
		md  *metadata
		err error
	)
	if d.Size <= a.singleMax {
		md, err = a.uploadSingle(ctx, content, d)
	} else {
		md, err = a.uploadSession(ctx, content, d)
	}
	if err != nil {
		if isConflict(err) {
			return storage.StatusFailure, fmt.Errorf("%s: %w", a.remotePath(d), storage.ErrConflict)
		}
		return storage.StatusFailure, err
	}
	if !strings.EqualFold(md.ContentHash, d.ContentHash.String()) {
		return storage.StatusFailure, fmt.Errorf("dropbox stored %s with hash %s, expected %s", md.PathDisplay, md.ContentHash, d.ContentHash)
	}
	return storage.StatusSuccess, nil
}

type commitInfo struct {
	Path           string `json:"path"`
	Mode           string `json:"mode"`
	Autorename     bool   `json:"autorename"`
	Mute           bool   `json:"mute"`
	ClientModified string `json:"client_modified,omitempty"`
}

func (a *Adaptor) commit(d *model.UploadDescriptor) commitInfo {
	c := commitInfo{Path: a.remotePath(d), Mode: "add", Mute: true}
	if !d.CapturedAt.IsZero() {
		c.ClientModified = d.CapturedAt.UTC().Format(time.RFC3339)
	}
	return c
}

func (a *Adaptor) uploadSingle(ctx context.Context, content io.Reader, d *model.UploadDescriptor) (*metadata, error) {
	var md metadata
	if err := a.contentCall(ctx, "/files/upload", a.commit(d), content, d.Size, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

type cursor struct {
	SessionID string `json:"session_id"`
	Offset    int64  `json:"offset"`
}

// uploadSession streams content in chunks. Every attempt opens a fresh session, so a
// failed attempt only leaves an abandoned session behind, which Dropbox expires.
func (a *Adaptor) uploadSession(ctx context.Context, content io.Reader, d *model.UploadDescriptor) (*metadata, error) {
	buf := make([]byte, a.chunkSize)

	n, err := io.ReadFull(content, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	var start struct {
		SessionID string `json:"session_id"`
	}
	if err := a.contentCall(ctx, "/files/upload_session/start", map[string]any{"close": false}, bytes.NewReader(buf[:n]), int64(n), &start); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	c := cursor{SessionID: start.SessionID, Offset: int64(n)}
	h := hash.New()
	h.Write(buf[:n])

	for {
		n, err := io.ReadFull(content, buf)
		if n > 0 {
			h.Write(buf[:n])
			arg := map[string]any{"cursor": c, "close": false}
			if err := a.contentCall(ctx, "/files/upload_session/append_v2", arg, bytes.NewReader(buf[:n]), int64(n), nil); err != nil {
				return nil, fmt.Errorf("append at %d: %w", c.Offset, err)
			}
			c.Offset += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	if got := h.Digest(); got != d.ContentHash {
		return nil, fmt.Errorf("staged content changed under us: read %s, manifest says %s", got, d.ContentHash)
	}

	var md metadata
	arg := map[string]any{"cursor": c, "commit": a.commit(d)}
	if err := a.contentCall(ctx, "/files/upload_session/finish", arg, http.NoBody, 0, &md); err != nil {
		return nil, fmt.Errorf("finish session: %w", err)
	}
	return &md, nil
}

// Package backend is the HTTP client for the social backend's user directory.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/dmchat/internal/core/directory"
	"github.com/hay-kot/dmchat/internal/core/messaging"
)

const maxBodySize = 1 << 20

// Client talks to the backend REST API. It implements directory.Resolver and
// directory.Lister.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds each request. A timeout surfaces as directory.ErrTransport.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a Client for baseURL. The token is sent as a bearer token when
// non-empty.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimPrefix(token, "Bearer "),
		http:    &http.Client{},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveUserID implements directory.Resolver using GET /user/id/{username}.
func (c *Client) ResolveUserID(ctx context.Context, username string) (messaging.UserID, error) {
	body, err := c.get(ctx, "/user/id/"+url.PathEscape(username))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", username, err)
	}

	id, err := parseUserID(body)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", username, err)
	}

	c.log.Debug().Str("username", username).Str("user_id", id.String()).Msg("resolved user")
	return id, nil
}

// Following implements directory.Lister using GET /user/following/list.
func (c *Client) Following(ctx context.Context) ([]directory.Participant, error) {
	return c.list(ctx, "/user/following/list")
}

// Followers implements directory.Lister using GET /user/followers/list.
func (c *Client) Followers(ctx context.Context) ([]directory.Participant, error) {
	return c.list(ctx, "/user/followers/list")
}

func (c *Client) list(ctx context.Context, path string) ([]directory.Participant, error) {
	body, err := c.get(ctx, path)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	var raw []userRecord
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("list %s: decode: %w: %w", path, directory.ErrTransport, err)
	}

	out := make([]directory.Participant, 0, len(raw))
	for _, r := range raw {
		p := r.participant()
		if p.ID.IsZero() {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// get performs an authenticated GET and maps failures onto the directory
// error taxonomy. A 404 or an empty body is ErrNotFound, everything else that
// is not a 2xx is ErrTransport.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", directory.ErrTransport, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", directory.ErrTransport, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, directory.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: unexpected status %s", directory.ErrTransport, resp.Status)
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, directory.ErrNotFound
	}
	return body, nil
}

// userRecord accepts the field spellings the backend uses for users.
type userRecord struct {
	ID          messaging.UserID `json:"id"`
	UserID      messaging.UserID `json:"userId"`
	Username    string           `json:"username"`
	DisplayName string           `json:"displayName"`
	Name        string           `json:"name"`
}

func (r userRecord) participant() directory.Participant {
	p := directory.Participant{
		ID:          r.ID,
		Username:    r.Username,
		DisplayName: r.DisplayName,
	}
	if p.ID.IsZero() {
		p.ID = r.UserID
	}
	if p.DisplayName == "" {
		p.DisplayName = r.Name
	}
	return p
}

// parseUserID decodes a bare number, a bare string, or an object carrying
// an id field.
func parseUserID(body []byte) (messaging.UserID, error) {
	var id messaging.UserID
	if body[0] == '{' {
		var rec userRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			return "", fmt.Errorf("%w: decode user: %w", directory.ErrTransport, err)
		}
		id = rec.participant().ID
	} else if err := json.Unmarshal(body, &id); err != nil {
		return "", fmt.Errorf("%w: decode user id: %w", directory.ErrTransport, err)
	}

	if id.IsZero() {
		return "", directory.ErrNotFound
	}
	return id, nil
}

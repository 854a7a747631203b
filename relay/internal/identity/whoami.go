package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WhoAmIClient asks the identity service who owns a credential by replaying
// it as the access cookie on GET <url>.
type WhoAmIClient struct {
	url        string
	cookieName string
	client     *http.Client
}

func NewWhoAmIClient(url, cookieName string, timeout time.Duration) *WhoAmIClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WhoAmIClient{
		url:        url,
		cookieName: cookieName,
		client:     &http.Client{Timeout: timeout},
	}
}

// whoamiResponse accepts both numeric and string ids.
type whoamiResponse struct {
	ID json.RawMessage `json:"id"`
}

func (c *WhoAmIClient) WhoAmI(ctx context.Context, credential string) (UserID, error) {
	if credential == "" {
		return "", ErrUnauthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.AddCookie(&http.Cookie{Name: c.cookieName, Value: credential})
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", ErrUnauthenticated
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: whoami returned %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	var out whoamiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode whoami: %v", ErrUnavailable, err)
	}
	id, err := parseID(out.ID)
	if err != nil {
		return "", err
	}
	return id, nil
}

func parseID(raw json.RawMessage) (UserID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ErrUnauthenticated
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: bad id: %v", ErrUnavailable, err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", ErrUnauthenticated
		}
		return UserID(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: bad id: %v", ErrUnavailable, err)
	}
	return UserID(n.String()), nil
}

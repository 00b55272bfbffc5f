package device

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/camkit/camkit/api"
)

// requestBuilder produces a fresh request per authentication attempt.
// Request bodies are single-use, so a retry cannot reuse the request.
type requestBuilder func(ctx context.Context) (*http.Request, error)

// doAuthenticated sends the request with preemptive basic credentials and
// answers at most one digest challenge. The final response is returned
// as-is; a 401 in it means the credentials are wrong.
func (c *Client) doAuthenticated(ctx context.Context, build requestBuilder) (*http.Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.target.Username, c.target.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge, err := api.ParseDigestChallenge(resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		// No digest on offer; the basic attempt was the final word.
		return resp, nil
	}
	drainBody(resp)

	req, err = build(ctx)
	if err != nil {
		return nil, err
	}
	cnonce, err := newCNonce()
	if err != nil {
		return nil, err
	}
	authz, err := challenge.Authorization(c.target.Username, c.target.Password,
		req.Method, req.URL.RequestURI(), cnonce, 1)
	if err != nil {
		return nil, fmt.Errorf("answering digest challenge: %w", err)
	}
	req.Header.Set("Authorization", authz)

	return c.http.Do(req)
}

func newCNonce() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating cnonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

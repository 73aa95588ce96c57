// Package auth verifies session tokens against the external authority before
// a client is admitted to a room.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseSize = 64 * 1024

var (
	// ErrUnavailable means the authority could not be reached in time.
	ErrUnavailable = errors.New("authentication service unavailable")
	// ErrBadResponse means the authority answered with something other than
	// a {"validated": bool} document.
	ErrBadResponse = errors.New("unexpected authentication response")
)

// Gate checks whether a token is valid.
type Gate interface {
	Verify(ctx context.Context, token string) (bool, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, token string) (bool, error)

// Verify calls f.
func (f GateFunc) Verify(ctx context.Context, token string) (bool, error) {
	return f(ctx, token)
}

// HTTPGate asks an HTTP endpoint about each token. The request URL is the base
// URL with the escaped token appended.
type HTTPGate struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPGate creates a gate that issues GET <baseURL><token>.
func NewHTTPGate(baseURL string, timeout time.Duration) *HTTPGate {
	return &HTTPGate{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type verifyResponse struct {
	Validated *bool `json:"validated"`
}

// Verify implements Gate.
func (g *HTTPGate) Verify(ctx context.Context, token string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+url.PathEscape(token), nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var result verifyResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if result.Validated == nil {
		return false, fmt.Errorf("%w: no validated field", ErrBadResponse)
	}

	return *result.Validated, nil
}

// StaticGate accepts a fixed set of tokens. It is meant for local development
// when no authority is running.
type StaticGate struct {
	tokens map[string]struct{}
}

// NewStaticGate creates a gate accepting exactly tokens.
func NewStaticGate(tokens ...string) *StaticGate {
	g := &StaticGate{tokens: make(map[string]struct{}, len(tokens))}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			g.tokens[t] = struct{}{}
		}
	}
	return g
}

// Verify implements Gate.
func (g *StaticGate) Verify(ctx context.Context, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	_, ok := g.tokens[token]
	return ok, nil
}

// internal/identity/client.go
// Package identity confirms that token subjects calling the internal
// endpoints are known, active principals of the identity service.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Client for the identity service.
type Client struct {
	base string       // Base URL of the identity service
	hc   *http.Client // HTTP client with custom configuration
}

// Record is the identity service's view of a principal.
type Record struct {
	DID       string `json:"did"`
	Status    string `json:"status"` // "active" or "revoked"; empty means active
	CreatedAt string `json:"createdAt"`
}

// Active reports whether the principal may call the service.
func (r Record) Active() bool {
	return r.Status == "" || r.Status == "active"
}

var (
	// ErrNotFound is returned when an identity record is not found.
	ErrNotFound = errors.New("identity not found")
	// ErrInactive is returned by Confirm for revoked principals.
	ErrInactive = errors.New("identity not active")
)

// New creates a new identity client with the specified base URL.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// Get retrieves the identity record of subject.
func (c *Client) Get(ctx context.Context, subject string) (Record, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return Record{}, fmt.Errorf("invalid identity base URL: %w", err)
	}
	u.Path = "/xrpc/com.registryaccord.identity.get"
	q := u.Query()
	q.Set("did", subject)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Record{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return Record{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var rec Record
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return Record{}, err
		}
		return rec, nil
	case http.StatusNotFound:
		return Record{}, ErrNotFound
	default:
		return Record{}, fmt.Errorf("identity get failed: %s", resp.Status)
	}
}

// Confirm returns nil when subject resolves to an active principal.
func (c *Client) Confirm(ctx context.Context, subject string) error {
	rec, err := c.Get(ctx, subject)
	if err != nil {
		return err
	}
	if !rec.Active() {
		return fmt.Errorf("%w: %s is %s", ErrInactive, subject, rec.Status)
	}
	return nil
}

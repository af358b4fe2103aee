package xmpp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"mellium.im/xmpp/jid"
)

// redirect is the answer of the endpoint redirector. Newer deployments
// return a ready endpoint, older ones a host and port.
type redirect struct {
	Endpoint string `json:"endpoint"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Secure   bool   `json:"secure"`
}

func (r redirect) url() (string, error) {
	if r.Endpoint != "" {
		return r.Endpoint, nil
	}
	if r.Host == "" {
		return "", fmt.Errorf("redirector returned no endpoint")
	}
	scheme := "ws"
	if r.Secure {
		scheme = "wss"
	}
	host := r.Host
	if r.Port != 0 {
		host = net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
	}
	u := url.URL{Scheme: scheme, Host: host, Path: "/"}
	return u.String(), nil
}

// resolveEndpoint returns the cached endpoint, asks the redirector for one or
// falls back to the configured static endpoint.
func (c *Client) resolveEndpoint(ctx context.Context, addr jid.JID) (string, error) {
	c.mu.RLock()
	endpoint := c.endpoint
	c.mu.RUnlock()
	if endpoint != "" {
		return endpoint, nil
	}
	if c.cfg.RedirectorURL == "" {
		return c.cfg.Endpoint, nil
	}

	endpoint, err := c.lookupEndpoint(ctx, addr.Bare().String())
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.endpoint = endpoint
	c.mu.Unlock()
	c.log.Debug().Str("jid", addr.Bare().String()).Str("endpoint", endpoint).Msg("resolved endpoint")
	return endpoint, nil
}

func (c *Client) lookupEndpoint(ctx context.Context, user string) (string, error) {
	u, err := url.Parse(c.cfg.RedirectorURL)
	if err != nil {
		return "", fmt.Errorf("invalid redirector URL: %w", err)
	}
	q := u.Query()
	q.Set("user", user)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build redirector request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("redirector lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("redirector returned %s: %s", resp.Status, body)
	}

	var r redirect
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", fmt.Errorf("failed to decode redirector response: %w", err)
	}
	return r.url()
}

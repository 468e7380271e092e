// Package testutil provides testing utilities for integration tests.
package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

// Client is an HTTP client for the subscriber form endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new test client.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Subscribe posts the sign-up form.
func (c *Client) Subscribe(email string) (*http.Response, error) {
	return c.PostForm("/subscribe", url.Values{"email": {email}})
}

// FollowLink requests the path and query of a link taken from an email,
// against the test server instead of the public host.
func (c *Client) FollowLink(link string) (*http.Response, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("parse link: %w", err)
	}
	return c.GET(u.Path + "?" + u.RawQuery)
}

// GET performs a GET request.
func (c *Client) GET(path string) (*http.Response, error) {
	return c.HTTPClient.Get(c.BaseURL + path)
}

// PostForm performs a POST request with a urlencoded body.
func (c *Client) PostForm(path string, values url.Values) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.HTTPClient.Do(req)
}

// ReadBody reads and returns response body as string.
func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

// RandomEmail returns a unique address so tests sharing a database do not collide.
func RandomEmail(prefix string) string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s-%s@example.com", prefix, hex.EncodeToString(b))
}

// Package upstream provides the shared HTTP clients used for all provider
// calls, with proxy support and the timeout profile the gateway needs:
// bounded for buffered completions, unbounded body reads for streams.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const (
	bufferedTimeout = 300 * time.Second
	connectTimeout  = 60 * time.Second
)

// Error is an upstream HTTP failure carrying the status and response body.
type Error struct {
	Code int
	Body string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// StatusCode returns the upstream HTTP status.
func (e *Error) StatusCode() int { return e.Code }

// Client wraps the two shared http.Clients. Safe for concurrent use.
type Client struct {
	buffered  *http.Client
	streaming *http.Client
}

// NewClient builds the shared clients, optionally routing through proxyURL
// (http, https or socks5).
func NewClient(proxyURL string) *Client {
	base := func() *http.Transport {
		return &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: connectTimeout,
		}
	}
	bufferedTransport := applyProxy(base(), proxyURL)
	streamingTransport := applyProxy(base(), proxyURL)
	return &Client{
		buffered:  &http.Client{Transport: bufferedTransport, Timeout: bufferedTimeout},
		streaming: &http.Client{Transport: streamingTransport},
	}
}

func applyProxy(transport *http.Transport, proxyURL string) *http.Transport {
	if strings.TrimSpace(proxyURL) == "" {
		return transport
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		log.Errorf("invalid proxy url %q: %v", proxyURL, err)
		return transport
	}
	switch parsed.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return transport
		}
		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	default:
		log.Errorf("unsupported proxy scheme %q", parsed.Scheme)
	}
	return transport
}

// endpoint joins a provider base URL and path without doubling slashes.
func endpoint(baseURL, path string) string {
	return strings.TrimSuffix(baseURL, "/") + path
}

// PostJSON sends a buffered POST and returns the status and body. Non-2xx
// responses are returned as *Error with the drained body.
func (c *Client) PostJSON(ctx context.Context, baseURL, path string, headers http.Header, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(baseURL, path), bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	applyHeaders(req, headers)
	resp, err := c.buffered.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, respBody, &Error{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return resp.StatusCode, respBody, nil
}

// OpenStream issues a streaming POST. On success the caller owns resp.Body.
// Non-2xx responses are drained, closed, and returned as *Error.
func (c *Client) OpenStream(ctx context.Context, baseURL, path string, headers http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(baseURL, path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	applyHeaders(req, headers)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streaming.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		return nil, &Error{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return resp, nil
}

// GetJSON fetches a JSON document, used for provider /models passthrough.
func (c *Client) GetJSON(ctx context.Context, baseURL, path string, headers http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(baseURL, path), nil)
	if err != nil {
		return nil, err
	}
	applyHeaders(req, headers)
	resp, err := c.buffered.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

func applyHeaders(req *http.Request, headers http.Header) {
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
}

// Package transport implements the authenticated HTTP client:
// signed requests against the control plane, TLS policy, and connection
// reuse. It performs transport-level retries only; application-level retry
// and backoff is the reporter pool's job (internal/reporter).
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alpacax/alpamon-go/internal/alog"
	"github.com/alpacax/alpamon-go/internal/config"
)

var log = alog.New("transport")

const maxTransportRetries = 3

var idempotentMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// Response is the decoded result of a Do call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Client wraps http.Client with the agent's auth header, base URL
// resolution, and TLS policy.
type Client struct {
	baseURL string
	auth    string
	hc      *http.Client
}

// New builds a Client from validated settings. If verification is
// disabled, all certificate checks are skipped and a warning is logged;
// otherwise a configured CA bundle is used as the sole trust anchor, else
// system defaults apply.
func New(s *config.Settings, poolSize int) *Client {
	tlsConfig := &tls.Config{}
	if s.TLSConfig != nil {
		tlsConfig = s.TLSConfig.Clone()
	}
	if s.UseSSL && !s.SSLVerify {
		log.Warnf("SSL certificate verification is disabled; all certificate checks will be skipped")
	}

	tr := &http.Transport{
		MaxIdleConns:        poolSize * 2,
		MaxIdleConnsPerHost: poolSize,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     tlsConfig,
	}

	return &Client{
		baseURL: s.ServerURL,
		auth:    s.AuthHeader(),
		hc:      &http.Client{Transport: tr},
	}
}

// Do issues method against pathOrURL (resolved against the base URL unless
// it is already absolute), with the given JSON body and timeout, and
// returns the raw response. It retries up to three times on transport-level
// (connection) errors for idempotent methods.
func (c *Client) Do(ctx context.Context, method, pathOrURL string, body any, timeout time.Duration) (*Response, error) {
	url := pathOrURL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = c.baseURL + url
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		payload = b
	}

	attempts := 1
	if idempotentMethods[method] {
		attempts = 1 + maxTransportRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := c.doOnce(reqCtx, method, url, payload)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var netErr net.Error
		if !isNetError(err, &netErr) {
			return nil, err
		}
		log.Debugf("transport retry %d/%d for %s %s: %v", attempt+1, attempts, method, url, err)
	}
	return nil, lastErr
}

func isNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok
}

func (c *Client) doOnce(ctx context.Context, method, url string, payload []byte) (*Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", c.auth)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// Get is a convenience wrapper over Do for GET requests.
func (c *Client) Get(ctx context.Context, pathOrURL string, timeout time.Duration) (*Response, error) {
	return c.Do(ctx, http.MethodGet, pathOrURL, nil, timeout)
}

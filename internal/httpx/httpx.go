package httpx

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"resty.dev/v3"
)

const (
	defaultRetryCount       = 2
	defaultRetryWaitTime    = 300 * time.Millisecond
	defaultRetryMaxWaitTime = 2 * time.Second
)

// Client is a small wrapper around http.Client with sane defaults for
// upstream quote providers.
type Client struct {
	HTTP      *http.Client
	UserAgent string
	Headers   map[string]string
}

func New(timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &Client{HTTP: &http.Client{Timeout: timeout, Transport: transport}, UserAgent: "quote-resolver/1.0"}
}

// Do sends req with the default headers applied.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	for k, v := range c.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return c.HTTP.Do(req)
}

// Resty returns a retrying resty client sharing this client's transport.
func (c *Client) Resty(baseURL string) *resty.Client {
	rc := resty.NewWithClient(c.HTTP).
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetRetryCount(defaultRetryCount).
		SetRetryWaitTime(defaultRetryWaitTime).
		SetRetryMaxWaitTime(defaultRetryMaxWaitTime).
		AddRetryConditions(retryCondition).
		AddRetryHooks(retryHook)
	if c.UserAgent != "" {
		rc.SetHeader("User-Agent", c.UserAgent)
	}
	for k, v := range c.Headers {
		rc.SetHeader(k, v)
	}
	return rc
}

// retryCondition retries network errors, throttling and server errors.
func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	switch code := r.StatusCode(); {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	}
	return false
}

func retryHook(r *resty.Response, err error) {
	if err != nil {
		slog.Debug("retrying provider request", "url", r.Request.URL, "attempt", r.Request.Attempt, "error", err.Error())
		return
	}
	slog.Debug("retrying provider request", "url", r.Request.URL, "attempt", r.Request.Attempt, "status_code", r.StatusCode())
}

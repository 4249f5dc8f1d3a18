// Package transport provides the per-backend HTTP session. One Client
// per backend holds the cookie jar, the credentials and the TLS and
// proxy settings, so distinct backends never share connection state.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/polymon/polymon/pkg/monitor"
	"golang.org/x/net/html"
)

// Result is the envelope every request returns. Transport faults land
// in Err, the transport itself never panics. The body is returned raw,
// callers pick the decoding they need via JSON, XML or HTML.
type Result struct {
	Body       []byte
	StatusCode int
	Err        error
}

// JSON decodes the body into v, surfacing a transport error first.
func (r Result) JSON(v any) error {
	if r.Err != nil {
		return r.Err
	}

	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.Wrap(err, "can't decode JSON response")
	}

	return nil
}

// XML decodes the body into v, surfacing a transport error first.
func (r Result) XML(v any) error {
	if r.Err != nil {
		return r.Err
	}

	if err := xml.Unmarshal(r.Body, v); err != nil {
		return errors.Wrap(err, "can't decode XML response")
	}

	return nil
}

// HTML parses the body into a document tree, surfacing a transport
// error first. html.Parse tolerates the malformed markup monitoring
// CGIs tend to emit.
func (r Result) HTML() (*html.Node, error) {
	if r.Err != nil {
		return nil, r.Err
	}

	doc, err := html.Parse(bytes.NewReader(r.Body))
	if err != nil {
		return nil, errors.Wrap(err, "can't parse HTML response")
	}

	return doc, nil
}

// Client is the HTTP session of one backend.
type Client struct {
	http *http.Client
	opts *monitor.Options

	mu     sync.Mutex
	bearer string
	digest *digestChallenge
}

// NewClient builds the session for the given backend entry.
func NewClient(opts *monitor.Options) (*Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: opts.IgnoreCert} //nolint:gosec

	if opts.CustomCert && opts.CustomCertCAFile != "" {
		raw, err := os.ReadFile(opts.CustomCertCAFile)
		if err != nil {
			return nil, errors.Wrap(err, "can't read CA file")
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(raw) {
			return nil, errors.Errorf("can't parse CA file %q", opts.CustomCertCAFile)
		}

		tlsConfig.RootCAs = pool
	}

	proxy, err := proxyFunc(opts)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "can't create cookie jar")
	}

	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
				Proxy:           proxy,
			},
			Jar:     jar,
			Timeout: opts.Timeout,
		},
		opts:   opts,
		bearer: opts.BearerToken,
	}, nil
}

func proxyFunc(opts *monitor.Options) (func(*http.Request) (*url.URL, error), error) {
	switch {
	case opts.UseProxyFromOS:
		return http.ProxyFromEnvironment, nil
	case opts.UseProxy && opts.ProxyAddress != "":
		proxyURL, err := url.Parse(opts.ProxyAddress)
		if err != nil {
			return nil, errors.Wrap(err, "can't parse proxy address")
		}

		if opts.ProxyUsername != "" {
			proxyURL.User = url.UserPassword(opts.ProxyUsername, opts.ProxyPassword)
		}

		return http.ProxyURL(proxyURL), nil
	}

	return nil, nil
}

// SetBearer replaces the bearer token, e.g. after a login call returned
// a fresh session token.
func (c *Client) SetBearer(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bearer = token
}

// Cookie returns the named cookie currently stored for rawURL.
func (c *Client) Cookie(rawURL, name string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}

	for _, cookie := range c.http.Jar.Cookies(u) {
		if cookie.Name == name {
			return cookie.Value, true
		}
	}

	return "", false
}

// ResetSession discards all cookies and any cached digest challenge so
// the next request starts a fresh session.
func (c *Client) ResetSession() {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.http.Jar = jar
	c.digest = nil
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL string) Result {
	return c.do(ctx, http.MethodGet, rawURL, "", nil)
}

// PostForm issues a POST request with URL-encoded form values.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values) Result {
	return c.do(ctx, http.MethodPost, rawURL, "application/x-www-form-urlencoded", []byte(form.Encode()))
}

// PostJSON issues a POST request with v encoded as JSON body.
func (c *Client) PostJSON(ctx context.Context, rawURL string, v any) Result {
	body, err := json.Marshal(v)
	if err != nil {
		return Result{Err: errors.Wrap(err, "can't encode JSON request")}
	}

	return c.do(ctx, http.MethodPost, rawURL, "application/json", body)
}

// Post issues a POST request with the given content type and raw body.
func (c *Client) Post(ctx context.Context, rawURL, contentType string, body []byte) Result {
	return c.do(ctx, http.MethodPost, rawURL, contentType, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, rawURL string) Result {
	return c.do(ctx, http.MethodDelete, rawURL, "", nil)
}

// Do issues a request with extra headers for the odd endpoints that
// need them, e.g. a login call that must not carry the session
// authorization. An Authorization header given here wins over the
// configured authentication mode.
func (c *Client) Do(ctx context.Context, method, rawURL, contentType string, body []byte, header http.Header) Result {
	req, err := c.newRequest(ctx, method, rawURL, contentType, body)
	if err != nil {
		return Result{Err: err}
	}

	for name, values := range header {
		req.Header[name] = values
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Err: errors.Wrap(err, "request failed")}
	}

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{StatusCode: resp.StatusCode, Err: errors.Wrap(err, "can't read response body")}
	}

	return Result{Body: raw, StatusCode: resp.StatusCode}
}

// do runs one request. There are no automatic retries, expired-session
// handling is a backend concern. The sole exception is HTTP digest:
// a 401 carrying a fresh challenge is answered once within the same
// call, as required by the handshake itself.
func (c *Client) do(ctx context.Context, method, rawURL, contentType string, body []byte) Result {
	req, err := c.newRequest(ctx, method, rawURL, contentType, body)
	if err != nil {
		return Result{Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Err: errors.Wrap(err, "request failed")}
	}

	if resp.StatusCode == http.StatusUnauthorized && c.opts.Authentication == monitor.AuthDigest {
		challenge := parseDigestChallenge(resp.Header.Get("WWW-Authenticate"))
		drain(resp)

		if challenge == nil {
			return Result{StatusCode: resp.StatusCode, Err: errors.New("authentication failed")}
		}

		c.mu.Lock()
		c.digest = challenge
		c.mu.Unlock()

		if req, err = c.newRequest(ctx, method, rawURL, contentType, body); err != nil {
			return Result{Err: err}
		}

		if resp, err = c.http.Do(req); err != nil {
			return Result{Err: errors.Wrap(err, "request failed")}
		}
	}

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{StatusCode: resp.StatusCode, Err: errors.Wrap(err, "can't read response body")}
	}

	return Result{Body: raw, StatusCode: resp.StatusCode}
}

func (c *Client) newRequest(ctx context.Context, method, rawURL, contentType string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, errors.Wrap(err, "can't create request")
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	c.authorize(req)

	return req, nil
}

func (c *Client) authorize(req *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.opts.Authentication {
	case monitor.AuthBasic:
		if c.opts.Username != "" {
			req.SetBasicAuth(c.opts.Username, c.opts.Password)
		}
	case monitor.AuthDigest:
		if c.digest != nil {
			req.Header.Set("Authorization", c.digest.authorize(c.opts.Username, c.opts.Password, req))
		}
	case monitor.AuthBearer:
		if c.bearer != "" {
			req.Header.Set("Authorization", "Bearer "+c.bearer)
		}
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

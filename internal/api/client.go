// Package api implements the narrow HTTP collaborators of the runtime: the
// authenticated on-device API client, the device key-value store, the local
// syncer API and the ad-hoc key based hosted API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/info-beamer/package-bload-auditorium/pkg/errors"
	"github.com/info-beamer/package-bload-auditorium/pkg/retry"
)

const userAgent = "signage-agent/1.0"

// indexValidityMargin is subtracted from the index expiry so a refresh
// happens before the server-side deadline.
const indexValidityMargin = 300 * time.Second

type indexEntry struct {
	URL string `json:"url"`
}

// Client fetches and caches the device's API index and hands out per-API
// proxies. Safe for concurrent use.
type Client struct {
	indexURL string
	session  string
	timeout  time.Duration
	hc       *http.Client
	log      *zap.SugaredLogger

	mu         sync.Mutex
	index      map[string]indexEntry
	validUntil time.Time
}

// NewClient creates an API client against the given index URL.
func NewClient(indexURL string, timeout time.Duration, log *zap.SugaredLogger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		indexURL: indexURL,
		session:  uuid.NewString(),
		timeout:  timeout,
		hc:       &http.Client{},
		log:      log,
	}
}

// Session returns the per-process session id sent with every request.
func (c *Client) Session() string {
	return c.session
}

// API returns a proxy for the named API.
func (c *Client) API(name string) *Proxy {
	return &Proxy{c: c, name: name}
}

// List returns the names of all available APIs.
func (c *Client) List(ctx context.Context) ([]string, error) {
	index, err := c.apiIndex(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}
	return names, nil
}

func (c *Client) apiIndex(ctx context.Context) (map[string]indexEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Now().Before(c.validUntil) {
		return c.index, nil
	}

	c.log.Infow("fetching api index")
	index, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (map[string]indexEntry, error) {
		return c.updateIndex(ctx)
	})
	if err != nil {
		return nil, err
	}
	c.index = index
	return c.index, nil
}

func (c *Client) updateIndex(ctx context.Context) (map[string]indexEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.indexURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeAPI, "cannot build index request")
	}
	c.setHeaders(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeAPI, "cannot fetch api index")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.CodeAPI, "api index returned status %d", resp.StatusCode)
	}

	var decoded struct {
		OK         bool                  `json:"ok"`
		APIs       map[string]indexEntry `json:"apis"`
		ValidUntil int64                 `json:"valid_until"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.Wrap(err, errors.CodeAPI, "malformed api index")
	}
	if !decoded.OK {
		return nil, errors.New(errors.CodeAPI, "cannot retrieve api index")
	}

	c.validUntil = time.Unix(decoded.ValidUntil, 0).Add(-indexValidityMargin)
	return decoded.APIs, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Device-Session", c.session)
}

// Proxy issues requests against one named API from the index.
type Proxy struct {
	c    *Client
	name string
}

func (p *Proxy) url(ctx context.Context) (string, error) {
	index, err := p.c.apiIndex(ctx)
	if err != nil {
		return "", err
	}
	entry, ok := index[p.name]
	if !ok {
		return "", errors.Newf(errors.CodeAPI, "api %q not available", p.name)
	}
	return entry.URL, nil
}

// Get issues a GET with the given query parameters.
func (p *Proxy) Get(ctx context.Context, params url.Values) (json.RawMessage, error) {
	endpoint, err := p.url(ctx)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return p.do(ctx, http.MethodGet, endpoint, "", nil)
}

// Post issues a POST with form data and optional file uploads. files maps
// form field names to paths of files to upload as multipart parts.
func (p *Proxy) Post(ctx context.Context, data url.Values, files map[string]string) (json.RawMessage, error) {
	endpoint, err := p.url(ctx)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return p.do(ctx, http.MethodPost, endpoint,
			"application/x-www-form-urlencoded", strings.NewReader(data.Encode()))
	}

	body, contentType, err := multipartBody(data, files)
	if err != nil {
		return nil, err
	}
	return p.do(ctx, http.MethodPost, endpoint, contentType, body)
}

// Delete issues a DELETE with the given query parameters.
func (p *Proxy) Delete(ctx context.Context, params url.Values) (json.RawMessage, error) {
	endpoint, err := p.url(ctx)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return p.do(ctx, http.MethodDelete, endpoint, "", nil)
}

func (p *Proxy) do(ctx context.Context, method, endpoint, contentType string, body io.Reader) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeAPI, "cannot build request")
	}
	p.c.setHeaders(req)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := p.c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeAPI, fmt.Sprintf("api %q call failed", p.name))
	}
	return p.unwrap(resp)
}

// unwrap checks the response status and peels the `{ok: ...}` envelope,
// returning the payload under this API's name. Non-JSON responses are
// returned as raw bytes.
func (p *Proxy) unwrap(resp *http.Response) (json.RawMessage, error) {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeAPI, "cannot read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Newf(errors.CodeAPI, "api %q returned status %d", p.name, resp.StatusCode)
	}

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return json.RawMessage(body), nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.Wrap(err, errors.CodeAPI, "malformed api response")
	}
	var ok bool
	if err := json.Unmarshal(envelope["ok"], &ok); err != nil || !ok {
		message := "<unknown error>"
		if raw, found := envelope["error"]; found {
			var decoded string
			if json.Unmarshal(raw, &decoded) == nil {
				message = decoded
			}
		}
		return nil, errors.Newf(errors.CodeAPI, "api call failed: %s", message)
	}
	return envelope[p.name], nil
}

func multipartBody(data url.Values, files map[string]string) (io.Reader, string, error) {
	var buf strings.Builder
	w := multipart.NewWriter(&buf)

	for field, values := range data {
		for _, value := range values {
			if err := w.WriteField(field, value); err != nil {
				return nil, "", errors.Wrap(err, errors.CodeAPI, "cannot build multipart body")
			}
		}
	}
	for field, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", errors.Wrap(err, errors.CodeAPI, "cannot open upload file")
		}
		part, err := w.CreateFormFile(field, filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return nil, "", errors.Wrap(err, errors.CodeAPI, "cannot build multipart body")
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, errors.CodeAPI, "cannot finish multipart body")
	}
	return strings.NewReader(buf.String()), w.FormDataContentType(), nil
}

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/info-beamer/package-bload-auditorium/pkg/errors"
)

// Syncer talks to the local syncer process's HTTP API.
type Syncer struct {
	base string
	hc   *http.Client
}

// NewSyncer creates a client for the syncer API on localhost.
func NewSyncer() *Syncer {
	return &Syncer{
		base: "http://127.0.0.1:81",
		hc:   &http.Client{},
	}
}

// Get issues a GET against the given syncer path.
func (s *Syncer) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	endpoint := s.base + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return s.do(ctx, http.MethodGet, endpoint, nil)
}

// Post issues a form POST against the given syncer path.
func (s *Syncer) Post(ctx context.Context, path string, data url.Values) (json.RawMessage, error) {
	return s.do(ctx, http.MethodPost, s.base+path, strings.NewReader(data.Encode()))
}

func (s *Syncer) do(ctx context.Context, method, endpoint string, body io.Reader) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeAPI, "cannot build syncer request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeAPI, "syncer call failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeAPI, "cannot read syncer response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Newf(errors.CodeAPI, "syncer returned status %d", resp.StatusCode)
	}
	if !json.Valid(payload) {
		return nil, errors.New(errors.CodeAPI, "malformed syncer response")
	}
	return json.RawMessage(payload), nil
}

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/info-beamer/package-bload-auditorium/pkg/errors"
)

// keyRefreshCooldown limits how often a failed ad-hoc key refresh may be
// retried.
const keyRefreshCooldown = 15 * time.Second

// Hosted calls the hosted API with short-lived ad-hoc keys minted from an
// on-device token. Keys carry a use budget and an expiry; the client
// refreshes them transparently.
type Hosted struct {
	keys  *Proxy
	token string
	hc    *http.Client
	log   *zap.SugaredLogger

	mu          sync.Mutex
	apiKey      string
	uses        int
	expire      time.Time
	nextRefresh time.Time
	baseURL     string
}

// NewHosted creates a hosted API client using onDeviceToken for key
// refreshes through c's api_key endpoint.
func NewHosted(c *Client, onDeviceToken string, log *zap.SugaredLogger) *Hosted {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hosted{
		keys:  c.API("api_key"),
		token: onDeviceToken,
		hc:    &http.Client{},
		log:   log,
	}
}

// useKey consumes one use of the current key, refreshing it when used up
// or expired.
func (h *Hosted) useKey(ctx context.Context) (key, base string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.uses--
	switch {
	case h.uses <= 0:
		h.log.Infow("hosted api adhoc key used up")
		h.apiKey = ""
	case now.After(h.expire):
		h.log.Infow("hosted api adhoc key expired")
		h.apiKey = ""
	default:
		h.log.Debugw("hosted api adhoc key usage",
			"uses_left", h.uses,
			"seconds_left", int(h.expire.Sub(now).Seconds()),
		)
	}

	if h.apiKey == "" {
		if now.Before(h.nextRefresh) {
			return "", "", errors.New(errors.CodeAPI, "cannot retrieve API key")
		}
		h.log.Infow("refreshing hosted api adhoc key")
		h.nextRefresh = now.Add(keyRefreshCooldown)

		raw, err := h.keys.Get(ctx, url.Values{"on_device_token": []string{h.token}})
		if err != nil {
			return "", "", errors.Wrap(err, errors.CodeAPI, "cannot retrieve API key")
		}
		var decoded struct {
			APIKey  string  `json:"api_key"`
			Uses    int     `json:"uses"`
			Expire  float64 `json:"expire"`
			BaseURL string  `json:"base_url"`
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return "", "", errors.Wrap(err, errors.CodeAPI, "malformed api key response")
		}
		h.apiKey = decoded.APIKey
		h.uses = decoded.Uses
		h.expire = now.Add(time.Duration(decoded.Expire-1) * time.Second)
		h.baseURL = decoded.BaseURL
	}
	return h.apiKey, h.baseURL, nil
}

// Get issues an authenticated GET against endpoint.
func (h *Hosted) Get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return h.do(ctx, http.MethodGet, endpoint, nil)
}

// Post issues an authenticated form POST against endpoint.
func (h *Hosted) Post(ctx context.Context, endpoint string, data url.Values) (json.RawMessage, error) {
	return h.do(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
}

// Delete issues an authenticated DELETE against endpoint.
func (h *Hosted) Delete(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return h.do(ctx, http.MethodDelete, endpoint, nil)
}

func (h *Hosted) do(ctx context.Context, method, endpoint string, body io.Reader) (json.RawMessage, error) {
	key, base, err := h.useKey(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, base+endpoint, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeAPI, "cannot build hosted api request")
	}
	req.Header.Set("User-Agent", userAgent)
	req.SetBasicAuth("", key)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := h.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeAPI, "hosted api call failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeAPI, "cannot read hosted api response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Newf(errors.CodeAPI, "hosted api returned status %d", resp.StatusCode)
	}
	return json.RawMessage(payload), nil
}

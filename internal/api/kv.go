package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/url"
	"sync"
	"time"

	"github.com/info-beamer/package-bload-auditorium/pkg/errors"
)

// ErrNoSuchKey is returned by KV.Get for keys the store does not hold.
var ErrNoSuchKey = stderrors.New("api: no such key")

// kvRefreshInterval bounds how long the device may go without touching the
// kv API; a periodic empty write keeps the server-side state alive.
const kvRefreshInterval = time.Hour

// KV is the device key-value store backed by the kv API, with an optional
// write-through in-memory cache.
type KV struct {
	proxy *Proxy

	mu          sync.Mutex
	useCache    bool
	cache       map[string]string
	complete    bool
	nextRefresh time.Time
}

// NewKV creates the device key-value store client.
func NewKV(c *Client) *KV {
	return &KV{
		proxy:       c.API("kv"),
		useCache:    true,
		cache:       make(map[string]string),
		nextRefresh: time.Now().Add(kvRefreshInterval),
	}
}

// CacheEnabled toggles the in-memory cache and drops its contents.
func (kv *KV) CacheEnabled(enabled bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.useCache = enabled
	kv.cache = make(map[string]string)
	kv.complete = false
}

func (kv *KV) maybeRefreshLocked(ctx context.Context) error {
	if time.Now().Before(kv.nextRefresh) {
		return nil
	}
	kv.nextRefresh = time.Now().Add(kvRefreshInterval)
	_, err := kv.proxy.Post(ctx, url.Values{}, nil)
	return err
}

func (kv *KV) touchLocked() {
	kv.nextRefresh = time.Now().Add(kvRefreshInterval)
}

// Set stores one key.
func (kv *KV) Set(ctx context.Context, key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.useCache {
		if cached, ok := kv.cache[key]; ok && cached == value {
			return kv.maybeRefreshLocked(ctx)
		}
	}
	if _, err := kv.proxy.Post(ctx, url.Values{key: []string{value}}, nil); err != nil {
		return err
	}
	if kv.useCache {
		kv.touchLocked()
		kv.cache[key] = value
	}
	return nil
}

// Get fetches one key. Missing keys return ErrNoSuchKey.
func (kv *KV) Get(ctx context.Context, key string) (string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.useCache {
		if cached, ok := kv.cache[key]; ok {
			if err := kv.maybeRefreshLocked(ctx); err != nil {
				return "", err
			}
			return cached, nil
		}
	}

	raw, err := kv.proxy.Get(ctx, url.Values{"keys": []string{key}})
	if err != nil {
		return "", err
	}
	var decoded struct {
		V map[string]string `json:"v"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", errors.Wrap(err, errors.CodeAPI, "malformed kv response")
	}
	value, ok := decoded.V[key]
	if !ok {
		return "", ErrNoSuchKey
	}
	if kv.useCache {
		kv.touchLocked()
		kv.cache[key] = value
	}
	return value, nil
}

// GetDefault fetches one key, returning fallback for missing keys.
func (kv *KV) GetDefault(ctx context.Context, key, fallback string) (string, error) {
	value, err := kv.Get(ctx, key)
	if stderrors.Is(err, ErrNoSuchKey) {
		return fallback, nil
	}
	return value, err
}

// Delete removes one key. Deleting a missing key is not an error: the API
// cannot reliably distinguish that case.
func (kv *KV) Delete(ctx context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.useCache && kv.complete {
		if _, ok := kv.cache[key]; !ok {
			return kv.maybeRefreshLocked(ctx)
		}
	}
	if _, err := kv.proxy.Delete(ctx, url.Values{"keys": []string{key}}); err != nil {
		return err
	}
	if kv.useCache {
		if _, ok := kv.cache[key]; ok {
			kv.touchLocked()
			delete(kv.cache, key)
		}
	}
	return nil
}

// Update stores several keys in one call, skipping values the cache knows
// to be unchanged.
func (kv *KV) Update(ctx context.Context, values map[string]string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	pending := url.Values{}
	for key, value := range values {
		if kv.useCache {
			if cached, ok := kv.cache[key]; ok && cached == value {
				continue
			}
		}
		pending.Set(key, value)
	}
	if len(pending) == 0 {
		return kv.maybeRefreshLocked(ctx)
	}

	if _, err := kv.proxy.Post(ctx, pending, nil); err != nil {
		return err
	}
	if kv.useCache {
		kv.touchLocked()
		for key := range pending {
			kv.cache[key] = pending.Get(key)
		}
	}
	return nil
}

// Items returns all keys and values.
func (kv *KV) Items(ctx context.Context) (map[string]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.useCache && kv.complete {
		if err := kv.maybeRefreshLocked(ctx); err != nil {
			return nil, err
		}
		items := make(map[string]string, len(kv.cache))
		for key, value := range kv.cache {
			items[key] = value
		}
		return items, nil
	}

	raw, err := kv.proxy.Get(ctx, nil)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		V map[string]string `json:"v"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errors.Wrap(err, errors.CodeAPI, "malformed kv response")
	}
	if kv.useCache {
		kv.touchLocked()
		for key, value := range decoded.V {
			kv.cache[key] = value
		}
		kv.complete = true
	}
	return decoded.V, nil
}

// Clear removes all keys.
func (kv *KV) Clear(ctx context.Context) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if _, err := kv.proxy.Delete(ctx, nil); err != nil {
		return err
	}
	if kv.useCache {
		kv.cache = make(map[string]string)
		kv.complete = false
	}
	return nil
}

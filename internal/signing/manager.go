package signing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/akumarsingh35/dozlo-sub000/internal/retry"
)

const (
	requestTimeout    = 15 * time.Second
	signEndpoint      = "/v1/sign"
	mediaPrefix       = "/media/"
	fingerprintHeader = "X-Device-Fingerprint"
)

// Options configures the URL lifecycle manager.
type Options struct {
	BaseURL     string
	Secret      string
	Fingerprint string
	// Expiry is the local validity window assumed for issued URLs when
	// the endpoint does not return one. Zero means unlimited.
	Expiry           time.Duration
	RefreshThreshold time.Duration
}

// PlaybackTarget is what a refresh swaps the source under. Snapshot is
// taken before any mutation; Swap must restore position, volume and
// play state after loading the new URL.
type PlaybackTarget interface {
	Snapshot() (pos time.Duration, volumePercent int, playing bool)
	Swap(ctx context.Context, url string, pos time.Duration, volumePercent int, resume bool) error
}

// Manager issues, caches and refreshes signed media URLs. At most one
// issue or refresh is in flight per path; concurrent callers share the
// result.
type Manager struct {
	client *resty.Client
	opts   Options

	mu    sync.Mutex
	cache map[string]SignedURL

	group singleflight.Group
	now   func() time.Time
}

// NewManager creates a lifecycle manager talking to the given signing
// endpoint.
func NewManager(opts Options) *Manager {
	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(requestTimeout)
	if opts.Fingerprint != "" {
		client.SetHeader(fingerprintHeader, opts.Fingerprint)
	}

	return &Manager{
		client: client,
		opts:   opts,
		cache:  make(map[string]SignedURL),
		now:    time.Now,
	}
}

// Resolve returns a playable URL for path: a cached valid one, or a
// freshly issued one from the signing endpoint.
func (m *Manager) Resolve(ctx context.Context, path string) (SignedURL, error) {
	now := m.now()

	m.mu.Lock()
	cached, ok := m.cache[path]
	m.mu.Unlock()

	if ok && cached.Valid(now) && !cached.NeedsRefresh(now) {
		log.Debug().Str("path", path).Msg("Resolved signed URL from cache")
		return cached, nil
	}

	v, err, shared := m.group.Do("issue:"+path, func() (interface{}, error) {
		u, err := m.issue(ctx, path)
		if err != nil {
			return SignedURL{}, err
		}
		m.store(u)
		return u, nil
	})
	if err != nil {
		return SignedURL{}, err
	}
	if shared {
		log.Debug().Str("path", path).Msg("Joined in-flight URL issue")
	}
	return v.(SignedURL), nil
}

// NeedsRefresh reports whether the cached URL for path fell below the
// refresh threshold.
func (m *Manager) NeedsRefresh(path string) bool {
	m.mu.Lock()
	cached, ok := m.cache[path]
	m.mu.Unlock()
	return ok && cached.NeedsRefresh(m.now())
}

// Cached returns the cached URL for path, if any, regardless of
// validity.
func (m *Manager) Cached(path string) (SignedURL, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.cache[path]
	return u, ok
}

// Invalidate drops the cached URL for path. Called after an auth
// rejection so the next resolve issues a fresh one.
func (m *Manager) Invalidate(path string) {
	m.mu.Lock()
	delete(m.cache, path)
	m.mu.Unlock()
}

// RefreshInBackground swaps the playback target onto a fresh URL without
// losing position: it snapshots {position, volume, playing}, issues a new
// URL (falling back per the chain below on failure), loads it, re-seeks
// to the snapshot position and restores volume and play state.
//
// Exactly one refresh runs per path; concurrent callers await the same
// result. Fallback chain when the endpoint fails: previously cached URL,
// then a locally signed URL without a validation round-trip. If every
// step fails the classified error is returned so the caller can schedule
// a retry.
func (m *Manager) RefreshInBackground(ctx context.Context, path string, target PlaybackTarget) error {
	_, err, shared := m.group.Do("refresh:"+path, func() (interface{}, error) {
		pos, volume, playing := target.Snapshot()
		log.Debug().
			Str("path", path).
			Dur("pos", pos).
			Bool("playing", playing).
			Msg("Refreshing signed URL")

		u, err := m.issue(ctx, path)
		if err != nil {
			u, err = m.fallback(path, err)
			if err != nil {
				return nil, err
			}
		}
		m.store(u)

		if err := target.Swap(ctx, u.URL, pos, volume, playing); err != nil {
			return nil, fmt.Errorf("source swap failed: %w", err)
		}

		log.Debug().Str("path", path).Dur("pos", pos).Msg("Signed URL refreshed in place")
		return nil, nil
	})
	if shared {
		log.Debug().Str("path", path).Msg("Joined in-flight URL refresh")
	}
	return err
}

func (m *Manager) store(u SignedURL) {
	m.mu.Lock()
	m.cache[u.Path] = u
	m.mu.Unlock()
}

// fallback is tried in order when the signing endpoint fails: the stale
// cached URL first, then a locally generated signature. Auth rejections
// skip the cache step — the cached URL was just refused.
func (m *Manager) fallback(path string, issueErr error) (SignedURL, error) {
	kind := retry.Classify(issueErr)

	if kind != retry.KindAuth {
		m.mu.Lock()
		cached, ok := m.cache[path]
		m.mu.Unlock()
		if ok && cached.URL != "" {
			log.Warn().Err(issueErr).Str("path", path).Msg("Issue failed, falling back to cached URL")
			return cached, nil
		}
	}

	if m.opts.Secret != "" {
		log.Warn().Err(issueErr).Str("path", path).Msg("Issue failed, falling back to locally signed URL")
		return m.localSignedURL(path), nil
	}

	return SignedURL{}, issueErr
}

// localSignedURL builds a signed media URL without asking the endpoint
// to validate it. Used as the second fallback step.
func (m *Manager) localSignedURL(path string) SignedURL {
	now := m.now()
	ts := now.Unix()
	sig := signature(m.opts.Secret, ts, path, m.opts.Fingerprint)

	q := url.Values{}
	q.Set("ts", strconv.FormatInt(ts, 10))
	q.Set("sig", sig)
	if m.opts.Fingerprint != "" {
		q.Set("fp", m.opts.Fingerprint)
	}

	u := SignedURL{
		Path:             path,
		URL:              m.opts.BaseURL + mediaPrefix + path + "?" + q.Encode(),
		IssuedAt:         now,
		refreshThreshold: m.opts.RefreshThreshold,
	}
	if m.opts.Expiry > 0 {
		u.ExpiresAt = now.Add(m.opts.Expiry)
	}
	return u
}

type signResponse struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt"` // Unix seconds, 0 = unlimited
}

// issue requests a fresh signed URL from the endpoint and classifies
// failures into the retry taxonomy.
func (m *Manager) issue(ctx context.Context, path string) (SignedURL, error) {
	now := m.now()
	ts := now.Unix()
	sig := signature(m.opts.Secret, ts, path, m.opts.Fingerprint)

	resp, err := m.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"path":      path,
			"timestamp": strconv.FormatInt(ts, 10),
			"signature": sig,
		}).
		Get(signEndpoint)
	if err != nil {
		return SignedURL{}, retry.Wrap(retry.KindNetwork, fmt.Errorf("failed to reach signing endpoint: %w", err))
	}

	if !resp.IsSuccess() {
		return SignedURL{}, m.classifyStatus(resp, path)
	}

	var body signResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return SignedURL{}, retry.Wrap(retry.KindLoad, fmt.Errorf("failed to parse signing response: %w", err))
	}
	if body.URL == "" {
		return SignedURL{}, retry.Wrap(retry.KindLoad, fmt.Errorf("signing endpoint returned empty URL for %s", path))
	}

	u := SignedURL{
		Path:             path,
		URL:              body.URL,
		IssuedAt:         now,
		refreshThreshold: m.opts.RefreshThreshold,
	}
	switch {
	case body.ExpiresAt > 0:
		u.ExpiresAt = time.Unix(body.ExpiresAt, 0)
	case m.opts.Expiry > 0:
		u.ExpiresAt = now.Add(m.opts.Expiry)
	}

	log.Debug().
		Str("path", path).
		Time("expiresAt", u.ExpiresAt).
		Msg("Issued signed URL")
	return u, nil
}

func (m *Manager) classifyStatus(resp *resty.Response, path string) error {
	statusErr := fmt.Errorf("signing endpoint returned status %d for %s", resp.StatusCode(), path)

	switch resp.StatusCode() {
	case 401, 403:
		return retry.Wrap(retry.KindAuth, statusErr)
	case 404:
		return retry.Wrap(retry.KindLoad, statusErr)
	case 429:
		var after time.Duration
		if v := resp.Header().Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				after = time.Duration(secs) * time.Second
			}
		}
		return retry.WrapRateLimit(statusErr, after)
	default:
		if resp.StatusCode() >= 500 {
			return retry.Wrap(retry.KindNetwork, statusErr)
		}
		return retry.Wrap(retry.KindLoad, statusErr)
	}
}

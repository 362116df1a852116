package turncred

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crosstalk-io/crosstalk/internal/metrics"
	"github.com/crosstalk-io/crosstalk/internal/store"
)

// ExternalProvider fetches relay credentials from a third-party service
// (e.g. a managed TURN vendor's REST API).
type ExternalProvider interface {
	FetchCredentials(ctx context.Context, userID int64) (*store.CredentialRow, error)
}

// CachedFetcher wraps an ExternalProvider with a persisted cache and a
// process-wide single-flight lock, so concurrent cache misses for the same
// user produce exactly one upstream call.
type CachedFetcher struct {
	provider ExternalProvider
	cache    store.CredentialCache
	metrics  *metrics.Metrics
	ttl      time.Duration
	now      func() time.Time

	// fetchMu serializes upstream calls. This is the one place an explicit
	// mutual-exclusion primitive is warranted: it guards a costly external
	// network call, not local memory.
	fetchMu sync.Mutex
}

type CachedFetcherConfig struct {
	Provider ExternalProvider
	Cache    store.CredentialCache
	Metrics  *metrics.Metrics
	// TTL is the cache row lifetime. External rows expire sooner than minted
	// ones; 30 minutes by default.
	TTL time.Duration
	Now func() time.Time
}

func NewCachedFetcher(cfg CachedFetcherConfig) (*CachedFetcher, error) {
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CachedFetcher{
		provider: cfg.Provider,
		cache:    cfg.Cache,
		metrics:  cfg.Metrics,
		ttl:      cfg.TTL,
		now:      cfg.Now,
	}, nil
}

// Fetch returns a cached row when one is still fresh, otherwise performs the
// external call under the single-flight lock and persists the result.
func (f *CachedFetcher) Fetch(ctx context.Context, userID int64) (*store.CredentialRow, error) {
	if row, ok := f.cached(ctx, userID); ok {
		f.metrics.Inc(metrics.ExternalCredCacheHits)
		return row, nil
	}

	f.fetchMu.Lock()
	defer f.fetchMu.Unlock()

	// Another caller may have populated the cache while we waited on the lock.
	if row, ok := f.cached(ctx, userID); ok {
		f.metrics.Inc(metrics.ExternalCredCacheHits)
		return row, nil
	}

	row, err := f.provider.FetchCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("external credential fetch: %w", err)
	}
	f.metrics.Inc(metrics.ExternalCredFetches)

	row.UserID = userID
	if row.ExpiresAt.IsZero() {
		row.ExpiresAt = f.now().Add(f.ttl)
	}
	if err := f.cache.PutCredential(ctx, row); err != nil {
		return nil, fmt.Errorf("persist credential row: %w", err)
	}
	return row, nil
}

// MinterProvider adapts a local Minter to the ExternalProvider interface, so
// deployments without a third-party vendor still share credential rows through
// the cache and hand every user a stable username for the row's lifetime.
type MinterProvider struct {
	Minter   *Minter
	Validity time.Duration
	URLs     []string
}

func (p MinterProvider) FetchCredentials(_ context.Context, userID int64) (*store.CredentialRow, error) {
	creds := p.Minter.Mint(userID, p.Validity)
	return &store.CredentialRow{
		UserID:     userID,
		Username:   creds.Username,
		Credential: creds.Credential,
		URLs:       p.URLs,
		ExpiresAt:  time.Unix(creds.ExpiryUnix, 0).UTC(),
	}, nil
}

func (f *CachedFetcher) cached(ctx context.Context, userID int64) (*store.CredentialRow, bool) {
	row, err := f.cache.GetCredential(ctx, userID)
	if err != nil {
		return nil, false
	}
	// Treat rows near expiry as misses so clients never receive a credential
	// about to lapse mid-negotiation.
	if f.now().Add(time.Minute).After(row.ExpiresAt) {
		return nil, false
	}
	return row, true
}

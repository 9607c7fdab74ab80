package framenet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// ResolveTimeout bounds one identity lookup.
	ResolveTimeout = 15 * time.Second

	// DefaultResolverURL is the lookup endpoint used when none is
	// configured. It answers {"origin": "<public address>"}.
	DefaultResolverURL = "https://httpbin.org/ip"

	defaultCacheTTL = 5 * time.Minute
)

// IdentityResolver resolves the public identity of a peer whose socket
// address is private or local, by asking an HTTP service that reports the
// globally routable origin. Resolved identities can be cached in redis with
// a TTL so one peer reconnecting in a tight loop does not hammer the
// service.
type IdentityResolver struct {
	url    string
	client *http.Client
	cache  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// ResolverOption configures an IdentityResolver.
type ResolverOption func(*IdentityResolver)

// WithResolverCache caches resolved identities in rdb under the given TTL.
func WithResolverCache(rdb *redis.Client, ttl time.Duration) ResolverOption {
	return func(r *IdentityResolver) {
		r.cache = rdb
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithResolverHTTPClient replaces the HTTP client.
func WithResolverHTTPClient(c *http.Client) ResolverOption {
	return func(r *IdentityResolver) { r.client = c }
}

// WithResolverLogger sets the resolver's logger.
func WithResolverLogger(l zerolog.Logger) ResolverOption {
	return func(r *IdentityResolver) { r.logger = l }
}

// NewIdentityResolver returns a resolver for the given endpoint, or for
// DefaultResolverURL when url is empty.
func NewIdentityResolver(url string, opts ...ResolverOption) *IdentityResolver {
	if url == "" {
		url = DefaultResolverURL
	}
	r := &IdentityResolver{
		url:    url,
		client: &http.Client{Timeout: ResolveTimeout},
		ttl:    defaultCacheTTL,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the public identity for a peer seen as host locally.
func (r *IdentityResolver) Resolve(ctx context.Context, host string) (string, error) {
	key := "framenet:origin:" + host
	if r.cache != nil {
		if v, err := r.cache.Get(ctx, key).Result(); err == nil && v != "" {
			return v, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve %s: lookup returned %s", host, resp.Status)
	}

	var doc struct {
		Origin string `json:"origin"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	if doc.Origin == "" {
		return "", fmt.Errorf("resolve %s: empty origin", host)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, doc.Origin, r.ttl).Err(); err != nil {
			r.logger.Warn().Err(err).Str("host", host).Msg("identity cache write failed")
		}
	}
	return doc.Origin, nil
}

// keyset.go -- Cache of the provider's RSA signing keys, keyed by kid.
package oauth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tupalle/idlink/internal/metrics"
)

// jwkSet is the JSON document served by the certs endpoint.
type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// KeySet caches signing keys fetched from certsURL.
//
// Entries are never expired by age. A lookup for an unseen kid triggers one
// fetch of the whole set, which replaces the cache so rotated-out keys disappear.
// Concurrent misses share a single in-flight fetch.
type KeySet struct {
	certsURL string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[map[string]*rsa.PublicKey]
	group    singleflight.Group

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

// NewKeySet returns an empty cache for certsURL. client bounds each fetch with its Timeout.
// Five consecutive fetch failures open the breaker for 30s; lookups that miss
// during that window fail fast with ErrKeyFetchFailed.
func NewKeySet(certsURL string, client *http.Client) *KeySet {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeySet{
		certsURL: certsURL,
		client:   client,
		breaker: gobreaker.NewCircuitBreaker[map[string]*rsa.PublicKey](gobreaker.Settings{
			Name:        "google-certs",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("key set breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		keys: map[string]*rsa.PublicKey{},
	}
}

// Get returns the public key for kid, fetching the key set once if kid is not cached.
// Returns ErrUnknownSigningKey if kid is still absent after the fetch, ErrKeyFetchFailed
// if the fetch itself fails.
func (k *KeySet) Get(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := k.lookup(kid); ok {
		return key, nil
	}
	if err := k.refresh(ctx); err != nil {
		return nil, err
	}
	if key, ok := k.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q not in key set", ErrUnknownSigningKey, kid)
}

// Len reports how many keys are cached.
func (k *KeySet) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

func (k *KeySet) lookup(kid string) (*rsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[kid]
	return key, ok
}

// refresh fetches the key set and swaps it in. Concurrent callers join one fetch.
// The fetch runs detached from any single caller's cancellation so one
// disconnecting request can't fail the others waiting on it.
func (k *KeySet) refresh(ctx context.Context) error {
	ch := k.group.DoChan("keys", func() (any, error) {
		keys, err := k.breaker.Execute(func() (map[string]*rsa.PublicKey, error) {
			return k.fetch(context.WithoutCancel(ctx))
		})
		if err != nil {
			metrics.KeySetFetches.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.KeySetFetches.WithLabelValues("ok").Inc()

		k.mu.Lock()
		k.keys = keys
		k.mu.Unlock()
		slog.InfoContext(ctx, "key set refreshed", "keys", len(keys))
		return nil, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("%w: %w", ErrKeyFetchFailed, res.Err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrKeyFetchFailed, ctx.Err())
	}
}

// fetch downloads and parses the full key set.
func (k *KeySet) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.certsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building certs request: %w", err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching certs: %w", err)
	}
	defer func() {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching certs: unexpected status %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return nil, fmt.Errorf("decoding certs: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, j := range set.Keys {
		if j.Kty != "" && j.Kty != "RSA" {
			continue
		}
		if j.Kid == "" {
			return nil, errors.New("parsing certs: key without kid")
		}
		pub, err := parseRSAKey(j.N, j.E)
		if err != nil {
			return nil, fmt.Errorf("parsing certs: kid %q: %w", j.Kid, err)
		}
		keys[j.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("parsing certs: key set contains no RSA keys")
	}
	return keys, nil
}

// parseRSAKey builds a public key from base64url unsigned big-endian modulus and exponent.
func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(n, "="))
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(e, "="))
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	modulus := new(big.Int).SetBytes(nBytes)
	exponent := new(big.Int).SetBytes(eBytes)
	if modulus.Sign() == 0 {
		return nil, errors.New("empty modulus")
	}
	if !exponent.IsInt64() || exponent.Int64() < 2 || exponent.Int64() > 1<<31-1 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{N: modulus, E: int(exponent.Int64())}, nil
}

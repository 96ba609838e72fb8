// Package keydir is the client for the public key directory service. It
// caches fetched keys for a short window; identity keys rotate rarely, so
// staleness up to the TTL is acceptable.
package keydir

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"movemsg/internal/model"

	"golang.org/x/sync/errgroup"
)

// ErrKeyNotFound means the identity has never initialized encrypted
// messaging. It blocks sending to them; it does not block reading history
// that is already decryptable.
var ErrKeyNotFound = errors.New("public key not found")

const defaultTTL = 10 * time.Minute

type (
	Client struct {
		baseURL string
		bearer  string
		http    *http.Client
		ttl     time.Duration

		mu    sync.Mutex
		cache map[string]cachedKey
	}

	cachedKey struct {
		key       [32]byte
		fetchedAt time.Time
	}

	// Resolution partitions a participant set into resolved keys and
	// identities with no published key.
	Resolution struct {
		Keys    map[string][32]byte
		Missing []string
	}

	keyDocument struct {
		Identity  string `json:"identity"`
		PublicKey string `json:"public_key"`
	}
)

func NewClient(baseURL, bearer string) *Client {
	return &Client{
		baseURL: baseURL,
		bearer:  bearer,
		http:    &http.Client{Timeout: 10 * time.Second},
		ttl:     defaultTTL,
		cache:   make(map[string]cachedKey),
	}
}

// FetchPublicKey returns the published key for identity, serving from cache
// within the staleness window.
func (c *Client) FetchPublicKey(ctx context.Context, identity string) ([32]byte, error) {
	identity = model.NormalizeIdentity(identity)

	c.mu.Lock()
	if entry, ok := c.cache[identity]; ok && time.Since(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.key, nil
	}
	c.mu.Unlock()

	var zero [32]byte
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.keyURL(identity), nil)
	if err != nil {
		return zero, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, fmt.Errorf("fetch public key: %w", err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return zero, fmt.Errorf("%w: %s", ErrKeyNotFound, identity)
	}
	if resp.StatusCode != http.StatusOK {
		return zero, fmt.Errorf("fetch public key: unexpected status %d", resp.StatusCode)
	}

	var doc keyDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return zero, fmt.Errorf("decode key document: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(doc.PublicKey)
	if err != nil || len(raw) != 32 {
		return zero, fmt.Errorf("directory returned malformed key for %s", identity)
	}

	var key [32]byte
	copy(key[:], raw)

	c.mu.Lock()
	c.cache[identity] = cachedKey{key: key, fetchedAt: time.Now()}
	c.mu.Unlock()

	return key, nil
}

// UpsertMyPublicKey publishes the public half. Idempotent; safe to call on
// every session start.
func (c *Client) UpsertMyPublicKey(ctx context.Context, identity string, pub [32]byte) error {
	identity = model.NormalizeIdentity(identity)
	body, err := json.Marshal(keyDocument{
		Identity:  identity,
		PublicKey: base64.StdEncoding.EncodeToString(pub[:]),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.keyURL(identity), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("publish public key: %w", err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("publish public key: unexpected status %d", resp.StatusCode)
	}

	c.mu.Lock()
	c.cache[identity] = cachedKey{key: pub, fetchedAt: time.Now()}
	c.mu.Unlock()
	return nil
}

// ResolveAll fetches every participant key concurrently, partitioning the
// result into resolved keys and missing identities. Transport failures
// abort the whole resolution; only a clean 404 counts as missing.
func (c *Client) ResolveAll(ctx context.Context, identities []string) (*Resolution, error) {
	identities = model.NormalizeIdentities(identities)

	res := &Resolution{Keys: make(map[string][32]byte, len(identities))}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, identity := range identities {
		identity := identity
		g.Go(func() error {
			key, err := c.FetchPublicKey(ctx, identity)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrKeyNotFound):
				res.Missing = append(res.Missing, identity)
				return nil
			case err != nil:
				return err
			default:
				res.Keys[identity] = key
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(res.Missing)
	return res, nil
}

// Invalidate drops a cached entry, forcing a refetch on next use.
func (c *Client) Invalidate(identity string) {
	c.mu.Lock()
	delete(c.cache, model.NormalizeIdentity(identity))
	c.mu.Unlock()
}

func (c *Client) keyURL(identity string) string {
	return fmt.Sprintf("%s/keys/%s", c.baseURL, url.PathEscape(identity))
}

func (c *Client) authorize(req *http.Request) {
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
}

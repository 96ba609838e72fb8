package keydir

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func testKey(b byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return k
}

func directoryServer(t *testing.T, keys map[string][32]byte, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		identity := r.URL.Path[len("/keys/"):]
		key, ok := keys[identity]
		if !ok {
			http.Error(w, "no published key", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(keyDocument{
			Identity:  identity,
			PublicKey: base64.StdEncoding.EncodeToString(key[:]),
		})
	}))
}

func TestFetchPublicKeyCaches(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := directoryServer(t, map[string][32]byte{"alice@x.org": testKey(1)}, &hits)
	defer srv.Close()

	c := NewClient(srv.URL, "me@x.org")

	for i := 0; i < 3; i++ {
		key, err := c.FetchPublicKey(context.Background(), "Alice@X.org")
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if key != testKey(1) {
			t.Fatalf("fetch %d: wrong key", i)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected one directory hit, got %d", got)
	}

	c.Invalidate("alice@x.org")
	if _, err := c.FetchPublicKey(context.Background(), "alice@x.org"); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("invalidate did not force a refetch: %d hits", got)
	}
}

func TestFetchPublicKeyNotFound(t *testing.T) {
	t.Parallel()

	srv := directoryServer(t, nil, nil)
	defer srv.Close()

	c := NewClient(srv.URL, "me@x.org")
	if _, err := c.FetchPublicKey(context.Background(), "ghost@x.org"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestFetchPublicKeyRejectsMalformed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(keyDocument{Identity: "alice@x.org", PublicKey: "dG9vc2hvcnQ="})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "me@x.org")
	if _, err := c.FetchPublicKey(context.Background(), "alice@x.org"); err == nil {
		t.Fatal("short key accepted")
	}
}

func TestUpsertPrimesCache(t *testing.T) {
	t.Parallel()

	var puts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			puts.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		t.Errorf("unexpected %s after upsert", r.Method)
		http.Error(w, "unexpected", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "me@x.org")
	if err := c.UpsertMyPublicKey(context.Background(), "me@x.org", testKey(7)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if puts.Load() != 1 {
		t.Fatalf("puts %d", puts.Load())
	}

	key, err := c.FetchPublicKey(context.Background(), "me@x.org")
	if err != nil {
		t.Fatalf("fetch after upsert: %v", err)
	}
	if key != testKey(7) {
		t.Fatal("cache not primed by upsert")
	}
}

func TestResolveAllPartitions(t *testing.T) {
	t.Parallel()

	srv := directoryServer(t, map[string][32]byte{
		"alice@x.org": testKey(1),
		"bob@x.org":   testKey(2),
	}, nil)
	defer srv.Close()

	c := NewClient(srv.URL, "me@x.org")
	res, err := c.ResolveAll(context.Background(), []string{"alice@x.org", "Bob@X.org", "zed@x.org", "carol@x.org"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if len(res.Keys) != 2 || res.Keys["alice@x.org"] != testKey(1) || res.Keys["bob@x.org"] != testKey(2) {
		t.Fatalf("keys %v", res.Keys)
	}
	if len(res.Missing) != 2 || res.Missing[0] != "carol@x.org" || res.Missing[1] != "zed@x.org" {
		t.Fatalf("missing %v", res.Missing)
	}
}

func TestResolveAllAbortsOnTransportFailure(t *testing.T) {
	t.Parallel()

	srv := directoryServer(t, nil, nil)
	srv.Close() // refuse connections

	c := NewClient(srv.URL, "me@x.org")
	if _, err := c.ResolveAll(context.Background(), []string{"alice@x.org"}); err == nil {
		t.Fatal("expected transport failure to abort resolution")
	}
}

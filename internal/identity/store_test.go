package identity

import (
	"context"
	"errors"
	"testing"
)

type recordingPublisher struct {
	calls []string
	pub   [32]byte
	err   error
}

func (p *recordingPublisher) UpsertMyPublicKey(_ context.Context, identity string, pub [32]byte) error {
	p.calls = append(p.calls, identity)
	p.pub = pub
	return p.err
}

func TestGetOrCreateIsStablePerIdentity(t *testing.T) {
	t.Parallel()

	s := NewStore(Options{DataDir: t.TempDir(), DisableKeyring: true}, nil)

	first, err := s.GetOrCreate(context.Background(), "alice@x.org")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := s.GetOrCreate(context.Background(), "Alice@X.org")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Private != second.Private {
		t.Fatal("same identity returned different keypairs")
	}

	other, err := s.GetOrCreate(context.Background(), "bob@x.org")
	if err != nil {
		t.Fatalf("other: %v", err)
	}
	if other.Private == first.Private {
		t.Fatal("distinct identities share a keypair")
	}
}

func TestGetOrCreateSurvivesRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s1 := NewStore(Options{DataDir: dir, DisableKeyring: true}, nil)
	before, err := s1.GetOrCreate(context.Background(), "alice@x.org")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A fresh store over the same data dir models a process restart.
	s2 := NewStore(Options{DataDir: dir, DisableKeyring: true}, nil)
	after, err := s2.GetOrCreate(context.Background(), "alice@x.org")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if before.Private != after.Private || before.Public != after.Public {
		t.Fatal("keypair did not survive reload")
	}
	if s2.Degraded() {
		t.Fatal("reload should not degrade")
	}
}

func TestGetOrCreatePublishesPublicHalf(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	s := NewStore(Options{DataDir: t.TempDir(), DisableKeyring: true}, pub)

	kp, err := s.GetOrCreate(context.Background(), "alice@x.org")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(pub.calls) != 1 || pub.calls[0] != "alice@x.org" {
		t.Fatalf("publish calls %v", pub.calls)
	}
	if pub.pub != kp.Public {
		t.Fatal("published key does not match keypair")
	}

	// Cached loads never re-publish.
	if _, err := s.GetOrCreate(context.Background(), "alice@x.org"); err != nil {
		t.Fatalf("cached: %v", err)
	}
	if len(pub.calls) != 1 {
		t.Fatalf("publish repeated: %v", pub.calls)
	}
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{err: errors.New("directory down")}
	s := NewStore(Options{DataDir: t.TempDir(), DisableKeyring: true}, pub)

	if _, err := s.GetOrCreate(context.Background(), "alice@x.org"); err != nil {
		t.Fatalf("create should tolerate publish failure: %v", err)
	}
}

func TestDegradedModeStillYieldsKeypair(t *testing.T) {
	t.Parallel()

	// No keyring and no data dir: nothing can persist.
	s := NewStore(Options{DisableKeyring: true}, nil)

	kp, err := s.GetOrCreate(context.Background(), "alice@x.org")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if kp == nil {
		t.Fatal("expected an in-memory keypair")
	}
	if !s.Degraded() {
		t.Fatal("store should report degraded")
	}
	if !errors.Is(s.Err(), ErrStorageUnavailable) {
		t.Fatalf("Err() = %v", s.Err())
	}
}

// Package identity owns the per-user asymmetric keypair: created lazily,
// persisted on the device, private half never transmitted. Losing the
// private key makes prior ciphertext unrecoverable on this device — the
// server never holds plaintext or private keys, so there is no recovery
// path.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"movemsg/internal/cryptographic/dh"
	"movemsg/internal/model"
	"movemsg/internal/utils/log"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

const keyringService = "movemsg"

// ErrStorageUnavailable marks the degraded mode where neither the platform
// keyring nor the data dir accepted the keypair. Keys then live only in
// memory for the session: messages sent are unreadable after a restart.
var ErrStorageUnavailable = errors.New("identity storage unavailable")

type (
	Keypair struct {
		Public  [32]byte
		Private [32]byte
	}

	// Publisher pushes the public half to the key directory. Publication is
	// best-effort on first creation; a failure retries lazily on next use.
	Publisher interface {
		UpsertMyPublicKey(ctx context.Context, identity string, pub [32]byte) error
	}

	Options struct {
		DataDir        string
		DisableKeyring bool // used by tests and headless environments
	}

	Store struct {
		mu        sync.Mutex
		opts      Options
		publisher Publisher
		mem       map[string]*Keypair
		degraded  bool
	}

	storedKeypair struct {
		Identity   string `json:"identity"`
		PrivateKey string `json:"private_key"`
	}
)

func NewStore(opts Options, publisher Publisher) *Store {
	return &Store{
		opts:      opts,
		publisher: publisher,
		mem:       make(map[string]*Keypair),
	}
}

// GetOrCreate returns the existing local keypair for identity, or generates
// and persists a new one. It is deterministic per (device, identity) once
// created and performs no network I/O on the load path.
func (s *Store) GetOrCreate(ctx context.Context, identity string) (*Keypair, error) {
	identity = model.NormalizeIdentity(identity)

	s.mu.Lock()
	defer s.mu.Unlock()

	if kp, ok := s.mem[identity]; ok {
		return kp, nil
	}

	if kp := s.load(identity); kp != nil {
		s.mem[identity] = kp
		return kp, nil
	}

	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate identity keypair: %w", err)
	}
	kp := &Keypair{Public: pub, Private: priv}
	s.mem[identity] = kp

	if err := s.persist(identity, kp); err != nil {
		// Degraded, not fatal: the session keeps an ephemeral keypair.
		s.degraded = true
		log.Warn("identity keypair not persisted, using in-memory key",
			zap.String("identity", identity), zap.Error(err))
	}

	if s.publisher != nil {
		if err := s.publisher.UpsertMyPublicKey(ctx, identity, pub); err != nil {
			log.Warn("public key publish failed, will retry on next use",
				zap.String("identity", identity), zap.Error(err))
		}
	}

	return kp, nil
}

// Degraded reports whether the store fell back to in-memory keys. When
// true, Err returns ErrStorageUnavailable.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Store) Err() error {
	if s.Degraded() {
		return ErrStorageUnavailable
	}
	return nil
}

func (s *Store) load(identity string) *Keypair {
	if !s.opts.DisableKeyring {
		if secret, err := keyring.Get(keyringService, identity); err == nil {
			if kp, err := decodePrivate(secret); err == nil {
				return kp
			}
		}
	}

	data, err := os.ReadFile(s.filePath(identity))
	if err != nil {
		return nil
	}
	var stored storedKeypair
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil
	}
	kp, err := decodePrivate(stored.PrivateKey)
	if err != nil {
		return nil
	}
	return kp
}

func (s *Store) persist(identity string, kp *Keypair) error {
	encoded := base64.StdEncoding.EncodeToString(kp.Private[:])

	if !s.opts.DisableKeyring {
		if err := keyring.Set(keyringService, identity, encoded); err == nil {
			return nil
		}
	}

	if s.opts.DataDir == "" {
		return ErrStorageUnavailable
	}
	if err := os.MkdirAll(s.opts.DataDir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	data, err := json.Marshal(storedKeypair{Identity: identity, PrivateKey: encoded})
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.filePath(identity), data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) filePath(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	name := fmt.Sprintf("identity-%s.json", hex.EncodeToString(sum[:8]))
	return filepath.Join(s.opts.DataDir, name)
}

func decodePrivate(encoded string) (*Keypair, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, errors.New("stored private key has wrong length")
	}
	var priv [32]byte
	copy(priv[:], raw)
	return &Keypair{Private: priv, Public: dh.PublicKey(priv)}, nil
}

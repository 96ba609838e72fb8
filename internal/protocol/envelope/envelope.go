// Package envelope implements the wire form of encrypted message bodies:
// a single-recipient envelope for 1:1 conversations and a fan-out envelope
// for groups, where the same plaintext is encrypted independently under a
// pairwise key per current participant (sender included, so their own sent
// history stays readable on a new device).
//
// There is no ratcheting and no rekey on membership change: every group
// send re-encrypts to the current participant set, so a removed participant
// can still decrypt ciphertext they cached from before removal. That is an
// accepted trade-off at the 10-participant cap, not an oversight.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"movemsg/internal/cryptographic/encryption"
	"movemsg/internal/cryptographic/kdf"
	"movemsg/internal/model"

	"golang.org/x/crypto/curve25519"
)

const (
	versionSingle = 1
	versionGroup  = 2

	modeGroup = "group"

	pairwiseInfo = "movemsg-pairwise-v1"
)

var (
	ErrInvalidKey        = errors.New("invalid key material")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrNoRecipientEntry  = errors.New("no envelope entry for recipient")
)

type (
	// Envelope is the serialized encrypted body. Single form carries Data;
	// group form carries one single-form entry per normalized participant
	// identity in Recipients.
	Envelope struct {
		V          int                  `json:"v"`
		Mode       string               `json:"mode,omitempty"`
		Data       string               `json:"data,omitempty"`
		Recipients map[string]*Envelope `json:"recipients,omitempty"`
	}
)

// PairwiseKey derives the shared symmetric key for a pair of identities.
// Both sides derive the same key from their own private half and the other
// party's public half.
func PairwiseKey(myPriv, peerPub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(myPriv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	key := make([]byte, 32)
	if _, err := kdf.HKDF(shared, nil, []byte(pairwiseInfo), key); err != nil {
		return nil, fmt.Errorf("derive pairwise key: %w", err)
	}
	return key, nil
}

// EncryptText seals plaintext under key into a single-recipient envelope.
func EncryptText(plaintext string, key []byte) (*Envelope, error) {
	ct, err := encryption.AEADEncrypt(key, []byte(plaintext), nil)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		V:    versionSingle,
		Data: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// DecryptText opens a single-recipient envelope. It fails closed with
// ErrDecryptionFailed on a wrong key, tampered ciphertext or a corrupt
// envelope; callers render a placeholder and never retry.
func DecryptText(env *Envelope, key []byte) (string, error) {
	if env == nil || env.Data == "" {
		return "", ErrMalformedEnvelope
	}
	ct, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	plain, err := encryption.AEADDecrypt(key, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plain), nil
}

// EncryptGroup encrypts the same plaintext independently for every entry in
// keys, deriving a pairwise key per participant from the sender's private
// half. keys must include the sender's own public key.
func EncryptGroup(plaintext string, myPriv [32]byte, keys map[string][32]byte) (*Envelope, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: empty recipient set", ErrInvalidKey)
	}

	recipients := make(map[string]*Envelope, len(keys))
	for identity, pub := range keys {
		key, err := PairwiseKey(myPriv, pub)
		if err != nil {
			return nil, fmt.Errorf("derive key for %s: %w", identity, err)
		}
		entry, err := EncryptText(plaintext, key)
		if err != nil {
			return nil, fmt.Errorf("encrypt for %s: %w", identity, err)
		}
		recipients[model.NormalizeIdentity(identity)] = entry
	}

	return &Envelope{
		V:          versionGroup,
		Mode:       modeGroup,
		Recipients: recipients,
	}, nil
}

// ForRecipient selects the single-recipient entry addressed to identity.
// Single envelopes are returned as-is.
func (e *Envelope) ForRecipient(identity string) (*Envelope, error) {
	if e.Mode != modeGroup {
		return e, nil
	}
	entry, ok := e.Recipients[model.NormalizeIdentity(identity)]
	if !ok {
		return nil, ErrNoRecipientEntry
	}
	return entry, nil
}

// Pack serializes an envelope to the wire/storage string form.
func Pack(env *Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Unpack parses a packed envelope. Round-trips exactly with Pack.
func Unpack(body string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.V < versionSingle {
		return nil, ErrMalformedEnvelope
	}
	if env.Mode == modeGroup {
		if len(env.Recipients) == 0 {
			return nil, ErrMalformedEnvelope
		}
	} else if env.Data == "" {
		return nil, ErrMalformedEnvelope
	}
	return &env, nil
}

// IsEncryptedBody is a cheap, non-cryptographic shape check used to decide
// whether decryption should be attempted. Legacy plaintext bodies must not
// be mistaken for ciphertext.
func IsEncryptedBody(body string) bool {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "{") {
		return false
	}
	_, err := Unpack(body)
	return err == nil
}

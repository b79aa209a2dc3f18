package broker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"golang.org/x/crypto/nacl/secretbox"
)

// SessionStore persists the portal cookie jar in shared session storage so
// the three binaries share one login. Snapshots are sealed with
// nacl/secretbox; the key is derived from the configured secret. Only the
// session keeper writes, the other binaries load.
type SessionStore struct {
	client *goredis.Client
	key    [32]byte
	name   string
}

// storedCookie is the serialized subset of http.Cookie that survives a
// round-trip through storage.
type storedCookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Path    string    `json:"path,omitempty"`
	Domain  string    `json:"domain,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
	Secure  bool      `json:"secure,omitempty"`
}

// NewSessionStore creates a store for the named session (the portal
// username) on the given Redis client.
func NewSessionStore(client *goredis.Client, name, secret string) *SessionStore {
	return &SessionStore{
		client: client,
		key:    sha256.Sum256([]byte(secret)),
		name:   name,
	}
}

func (s *SessionStore) storageKey() string {
	return "session:" + s.name
}

// seal encrypts plain with a random nonce prepended to the box.
func (s *SessionStore) seal(plain []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("session store: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

// open decrypts a sealed snapshot.
func (s *SessionStore) open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, fmt.Errorf("session store: snapshot too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("session store: cannot open snapshot (wrong secret?)")
	}
	return plain, nil
}

// Save seals the cookie snapshot and writes it to storage.
func (s *SessionStore) Save(ctx context.Context, cookies []*http.Cookie) error {
	snapshot := make([]storedCookie, 0, len(cookies))
	for _, c := range cookies {
		snapshot = append(snapshot, storedCookie{
			Name:    c.Name,
			Value:   c.Value,
			Path:    c.Path,
			Domain:  c.Domain,
			Expires: c.Expires,
			Secure:  c.Secure,
		})
	}

	plain, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("session store: marshal: %w", err)
	}

	sealed, err := s.seal(plain)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.storageKey(), sealed, 0).Err(); err != nil {
		return fmt.Errorf("session store: set: %w", err)
	}
	return nil
}

// Load opens the stored snapshot. A missing snapshot returns an empty slice.
func (s *SessionStore) Load(ctx context.Context) ([]*http.Cookie, error) {
	sealed, err := s.client.Get(ctx, s.storageKey()).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session store: get: %w", err)
	}

	plain, err := s.open(sealed)
	if err != nil {
		return nil, err
	}

	var snapshot []storedCookie
	if err := json.Unmarshal(plain, &snapshot); err != nil {
		return nil, fmt.Errorf("session store: unmarshal: %w", err)
	}

	cookies := make([]*http.Cookie, 0, len(snapshot))
	for _, c := range snapshot {
		cookies = append(cookies, &http.Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Path:    c.Path,
			Domain:  c.Domain,
			Expires: c.Expires,
			Secure:  c.Secure,
		})
	}
	return cookies, nil
}

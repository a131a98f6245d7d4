// Package session mints and validates the opaque capability tokens returned
// by register. Raw tokens leave the broker exactly once; only a salted
// SHA-256 digest is kept, so a database leak does not leak live credentials.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ipcd/internal/monitoring"
	"github.com/adred-codev/ipcd/internal/store"
)

// tokenSalt is a deployment constant mixed into every token digest. Replace
// per deployment when building for production.
const tokenSalt = "ipcd-session-v1"

// tokenBytes of entropy per token, base64url encoded on the wire.
const tokenBytes = 32

// Manager owns session state. Persistence is the source of truth; the
// in-memory map is a cache rebuilt lazily after a restart. Callers serialize
// access under the broker mutex.
type Manager struct {
	store  *store.Store
	logger zerolog.Logger
	ttl    time.Duration
	cache  map[string]cached
}

type cached struct {
	instanceID string
	expiresAt  time.Time
}

// NewManager creates a session manager with the given token lifetime.
func NewManager(st *store.Store, ttl time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  st,
		logger: logger.With().Str("component", "sessions").Logger(),
		ttl:    ttl,
		cache:  make(map[string]cached),
	}
}

// HashToken derives the stored digest for a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(tokenSalt + ":" + token))
	return hex.EncodeToString(sum[:])
}

// RegistrationToken derives the shared-secret handshake value a client
// presents as auth_token when registering instanceID. Both sides compute it
// from the secret; it never crosses the wire in clear form.
func RegistrationToken(instanceID, secret string) string {
	sum := sha256.Sum256([]byte(instanceID + ":" + secret))
	return hex.EncodeToString(sum[:])
}

// Issue mints a fresh token for instanceID, persists its digest and returns
// the raw value. The previous token for the same instance, if any, is left
// to expire naturally. A persistence failure is logged but does not fail the
// registration; the token then simply does not survive a broker restart.
func (m *Manager) Issue(instanceID string, now time.Time) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	hash := HashToken(token)
	expiresAt := now.Add(m.ttl)
	if err := m.store.CreateSession(hash, instanceID, now, expiresAt); err != nil {
		m.logger.Error().Err(err).Str("instance_id", instanceID).Msg("Failed to persist session")
		monitoring.PersistenceErrors.Inc()
	}

	m.cache[hash] = cached{instanceID: instanceID, expiresAt: expiresAt}
	return token, nil
}

// Resolve maps a presented token to its bound instance. Returns false for
// missing, unknown and expired tokens alike.
func (m *Manager) Resolve(token string, now time.Time) (string, bool) {
	if token == "" {
		return "", false
	}
	hash := HashToken(token)

	if c, ok := m.cache[hash]; ok {
		if now.Before(c.expiresAt) {
			return c.instanceID, true
		}
		delete(m.cache, hash)
		return "", false
	}

	row, err := m.store.LookupSession(hash)
	if err != nil {
		m.logger.Error().Err(err).Msg("Session lookup failed")
		return "", false
	}
	if row == nil || !now.Before(row.ExpiresAt) {
		return "", false
	}

	m.cache[hash] = cached{instanceID: row.InstanceID, expiresAt: row.ExpiresAt}
	return row.InstanceID, true
}

// Rebind points every cached session for oldID at newID. The persistent
// rows move inside the rename transaction; this keeps the cache coherent.
func (m *Manager) Rebind(oldID, newID string) {
	for hash, c := range m.cache {
		if c.instanceID == oldID {
			c.instanceID = newID
			m.cache[hash] = c
		}
	}
}

// PurgeExpired drops expired sessions from cache and store. Returns the
// number of persistent rows removed.
func (m *Manager) PurgeExpired(now time.Time) int64 {
	for hash, c := range m.cache {
		if !now.Before(c.expiresAt) {
			delete(m.cache, hash)
		}
	}

	n, err := m.store.DeleteExpiredSessions(now)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to purge expired sessions")
		return 0
	}
	return n
}

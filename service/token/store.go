// Package token owns the bearer credential: in-memory for the session, and
// optionally mirrored to a file so it survives process restarts. Expiry is
// inspected locally from the JWT claims, without a server round-trip.
package token

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"PPClient/logger"
)

// Claims are the identity claims decoded from the credential.
type Claims struct {
	Subject   string    `json:"sub"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// Credential is replaced wholesale, never mutated.
type Credential struct {
	Token  string `json:"token"`
	Claims Claims `json:"claims"`
}

// Store is process-wide shared state. Writers are user-serialized in practice
// (login/logout); any component may read. Set and Clear notify subscribers
// synchronously, before the call returns.
type Store struct {
	mu   sync.RWMutex
	path string // empty => in-memory only
	cred *Credential

	subMu  sync.Mutex
	subs   map[int]func(*Credential)
	nextID int

	clock func() time.Time
}

// NewStore loads the credential from path when present. A stored credential
// that no longer decodes is swept and treated as absent.
func NewStore(path string) *Store {
	s := &Store{
		path:  path,
		subs:  make(map[int]func(*Credential)),
		clock: time.Now,
	}
	s.loadFromDisk()
	return s
}

// DecodeToken builds a Credential from a raw bearer token. The signature is
// not verified here; the client holds no key, and the server re-checks on
// every call anyway. Only the claims are read.
func DecodeToken(raw string) (Credential, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return Credential{}, err
	}
	c := Credential{Token: raw}
	if sub, err := claims.GetSubject(); err == nil {
		c.Claims.Subject = sub
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		c.Claims.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.Claims.ExpiresAt = exp.Time
	}
	return c, nil
}

// Set replaces the stored credential and notifies subscribers before
// returning, so dependent components observe the change ahead of the next
// scheduling point.
func (s *Store) Set(cred Credential) {
	s.mu.Lock()
	c := cred
	s.cred = &c
	s.persistLocked()
	s.mu.Unlock()

	s.notify(&c)
}

// SetToken decodes raw and stores the resulting credential.
func (s *Store) SetToken(raw string) (Credential, error) {
	cred, err := DecodeToken(raw)
	if err != nil {
		return Credential{}, err
	}
	s.Set(cred)
	return cred, nil
}

// Get returns the current credential, or nil when absent.
func (s *Store) Get() *Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return nil
	}
	c := *s.cred
	return &c
}

// Clear forgets the credential, removes the on-disk copy, and notifies
// subscribers synchronously.
func (s *Store) Clear() {
	s.mu.Lock()
	s.cred = nil
	if s.path != "" {
		_ = os.Remove(s.path)
	}
	s.mu.Unlock()

	s.notify(nil)
}

// IsExpired is a pure check against the exp claim. An unreadable claim counts
// as expired.
func (s *Store) IsExpired(cred *Credential) bool {
	if cred == nil || cred.Token == "" {
		return true
	}
	if cred.Claims.ExpiresAt.IsZero() {
		return true
	}
	return !s.clock().Before(cred.Claims.ExpiresAt)
}

// Subscribe registers fn for credential changes; the returned func removes
// the subscription. fn receives nil on Clear.
func (s *Store) Subscribe(fn func(*Credential)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(cred *Credential) {
	s.subMu.Lock()
	fns := make([]func(*Credential), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(cred)
	}
}

func (s *Store) loadFromDisk() {
	if s.path == "" {
		return
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var cred Credential
	if err := json.Unmarshal(b, &cred); err != nil || cred.Token == "" {
		// Stored garbage reads as absent; sweep it so the next start is clean.
		logger.Warnf("token: sweeping malformed credential file %s", s.path)
		_ = os.Remove(s.path)
		return
	}
	// Re-decode claims from the token itself rather than trusting the file.
	decoded, err := DecodeToken(cred.Token)
	if err != nil {
		logger.Warnf("token: stored credential no longer decodes, sweeping")
		_ = os.Remove(s.path)
		return
	}
	s.cred = &decoded
}

func (s *Store) persistLocked() {
	if s.path == "" || s.cred == nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		logger.Errorf("token: mkdir for credential file: %v", err)
		return
	}
	b, err := json.MarshalIndent(s.cred, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(s.path, b, 0o600); err != nil {
		logger.Errorf("token: persist credential: %v", err)
	}
}

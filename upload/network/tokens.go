package network

import "sync"

// TokenSource yields the access token to stamp on the next transfer attempt.
// Reading the token lazily, per attempt, is what lets a rotated token take
// effect on retries of an already in-flight unit of work.
type TokenSource interface {
	Token() string
}

// TokenStore is a TokenSource whose token can be rotated at runtime. One
// store is shared between the manager (which rotates) and the transports
// (which read).
type TokenStore struct {
	mu    sync.RWMutex
	token string
}

func NewTokenStore(token string) *TokenStore {
	return &TokenStore{token: token}
}

func (s *TokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Rotate swaps the stored token. In-flight attempts keep the header they were
// sent with; the next attempt picks up the new token.
func (s *TokenStore) Rotate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

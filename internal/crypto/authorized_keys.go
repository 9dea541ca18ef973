package crypto

import (
	"slices"
	"strings"
	"sync"
)

// AuthorizedKeys is a list of hex encoded client public keys. Comparison
// ignores case.
type AuthorizedKeys struct {
	mu   sync.RWMutex
	keys []string
}

// NewAuthorizedKeys builds a list from keys, dropping invalid entries and duplicates.
func NewAuthorizedKeys(keys []string) *AuthorizedKeys {
	a := &AuthorizedKeys{}
	for _, k := range keys {
		a.Add(k)
	}
	return a
}

func (a *AuthorizedKeys) index(key string) int {
	return slices.IndexFunc(a.keys, func(k string) bool { return strings.EqualFold(k, key) })
}

// Contains reports whether key is on the list.
func (a *AuthorizedKeys) Contains(key string) bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index(key) >= 0
}

// Add puts a key on the list. It returns false for malformed or already
// present keys.
func (a *AuthorizedKeys) Add(key string) bool {
	if _, err := ParsePublicKey(key); err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.index(key) >= 0 {
		return false
	}
	a.keys = append(a.keys, strings.ToUpper(key))
	return true
}

// Remove deletes a key; it returns false when the key was not present.
func (a *AuthorizedKeys) Remove(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.index(key)
	if i < 0 {
		return false
	}
	a.keys = slices.Delete(a.keys, i, i+1)
	return true
}

func (a *AuthorizedKeys) Len() int {
	if a == nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// Keys returns a copy of the list.
func (a *AuthorizedKeys) Keys() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.keys)
}

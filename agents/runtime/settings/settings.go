// Package settings implements the per-user key-value store and the
// provider API-key store: typed settings values, and encrypted-at-rest
// credentials for the model providers the platform talks to. Keys never
// leave this package in cleartext except via GetAPIKeyForUse, which
// callers must not forward to anything outside the process that needs the
// literal credential.
package settings

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/coreagent/platform/agents/runtime/apperrors"
)

// Kind tags the type of a stored settings value.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindJSON    Kind = "json"
)

// Value is one typed per-user setting.
type Value struct {
	Kind Kind
	Raw  json.RawMessage
}

// String returns v's string representation when Kind == KindString.
func (v Value) String() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v.Raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Number returns v's numeric value when Kind == KindNumber.
func (v Value) Number() (float64, bool) {
	if v.Kind != KindNumber {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(v.Raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

// Boolean returns v's boolean value when Kind == KindBoolean.
func (v Value) Boolean() (bool, bool) {
	if v.Kind != KindBoolean {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(v.Raw, &b); err != nil {
		return false, false
	}
	return b, true
}

// Provider identifies a model provider's API-key slot.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderGroq      Provider = "groq"
	ProviderXAI       Provider = "xai"
)

func validProvider(p Provider) bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderGroq, ProviderXAI:
		return true
	default:
		return false
	}
}

type sealedKey struct {
	nonce [24]byte
	box   []byte
}

// Store holds per-user settings values and encrypted API keys in memory,
// guarded by a single mutex. Production deployments back this with a
// relational table keyed by (user_id, key) and (user_id, provider); the
// in-memory shape here is what every call site depends on, so swapping in
// a persistent backend only touches this file.
type Store struct {
	secretKey [32]byte

	mu     sync.RWMutex
	values map[string]map[string]Value
	keys   map[string]map[Provider]sealedKey
}

// New builds a Store that encrypts API keys with secretKey. secretKey must
// be exactly 32 bytes; callers typically derive it once at process start
// from a configured secret and reuse it for the process lifetime.
func New(secretKey [32]byte) *Store {
	return &Store{
		secretKey: secretKey,
		values:    make(map[string]map[string]Value),
		keys:      make(map[string]map[Provider]sealedKey),
	}
}

// Set stores key=value for user, overwriting any previous value.
func (s *Store) Set(user, key string, value Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[user] == nil {
		s.values[user] = make(map[string]Value)
	}
	s.values[user][key] = value
}

// Get returns user's value for key.
func (s *Store) Get(user, key string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[user][key]
	return v, ok
}

// Delete removes user's value for key.
func (s *Store) Delete(user, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values[user], key)
}

// List returns every setting stored for user.
func (s *Store) List(user string) map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Value, len(s.values[user]))
	for k, v := range s.values[user] {
		out[k] = v
	}
	return out
}

// SetAPIKey encrypts plaintext with secretbox and stores it for
// (user, provider), overwriting any previous key.
func (s *Store) SetAPIKey(user string, provider Provider, plaintext string) error {
	if !validProvider(provider) {
		return apperrors.Validation(fmt.Sprintf("unknown provider: %s", provider), nil)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return apperrors.Internal("failed to generate nonce", err)
	}
	box := secretbox.Seal(nil, []byte(plaintext), &nonce, &s.secretKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[user] == nil {
		s.keys[user] = make(map[Provider]sealedKey)
	}
	s.keys[user][provider] = sealedKey{nonce: nonce, box: box}
	return nil
}

// GetAPIKeyMasked returns a masked form of user's key for provider,
// showing only the last 4 characters, safe to return over an external API.
func (s *Store) GetAPIKeyMasked(user string, provider Provider) (string, bool, error) {
	plaintext, ok, err := s.decryptAPIKey(user, provider)
	if err != nil || !ok {
		return "", ok, err
	}
	return mask(plaintext), true, nil
}

// GetAPIKeyForUse decrypts and returns user's literal key for provider, for
// use constructing a provider client. Callers must not log, echo, or
// otherwise expose the returned string.
func (s *Store) GetAPIKeyForUse(user string, provider Provider) (string, bool, error) {
	return s.decryptAPIKey(user, provider)
}

func (s *Store) decryptAPIKey(user string, provider Provider) (string, bool, error) {
	s.mu.RLock()
	sealed, ok := s.keys[user][provider]
	s.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	opened, ok := secretbox.Open(nil, sealed.box, &sealed.nonce, &s.secretKey)
	if !ok {
		return "", false, apperrors.Integrity("stored API key failed authentication on decrypt", nil)
	}
	return string(opened), true, nil
}

// DeleteAPIKey removes user's stored key for provider.
func (s *Store) DeleteAPIKey(user string, provider Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys[user], provider)
}

func mask(plaintext string) string {
	if len(plaintext) <= 4 {
		return "****"
	}
	return "****" + plaintext[len(plaintext)-4:]
}

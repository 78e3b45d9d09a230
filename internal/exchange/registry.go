package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Credentials are plaintext API credentials for one venue account. The
// hosting application owns decryption; nothing below this point ever sees
// ciphertext.
type Credentials struct {
	Key    string
	Secret string
}

// CredentialSource resolves the credentials behind a stored API key id.
type CredentialSource interface {
	Credentials(ctx context.Context, apiKeyID int64) (Credentials, error)
}

// Factory builds an adapter for one venue from credentials. Registered once
// per supported venue at startup.
type Factory func(creds Credentials, testnet bool, filters *FilterCache) (Adapter, error)

// Registry hands out adapters keyed by (user, venue, testnet). Clients are
// built lazily on first use and cached; a venue client carries per-account
// credentials so two users never share one.
type Registry struct {
	creds   CredentialSource
	filters *FilterCache

	mu        sync.Mutex
	factories map[string]Factory
	clients   map[clientKey]Adapter
}

type clientKey struct {
	userID  int64
	venue   string
	testnet bool
}

// NewRegistry creates an empty registry.
func NewRegistry(creds CredentialSource, filters *FilterCache) *Registry {
	return &Registry{
		creds:     creds,
		filters:   filters,
		factories: make(map[string]Factory),
		clients:   make(map[clientKey]Adapter),
	}
}

// Register installs the factory for a venue name.
func (r *Registry) Register(venue string, f Factory) {
	r.mu.Lock()
	r.factories[strings.ToLower(venue)] = f
	r.mu.Unlock()
}

// Adapter returns the cached client for (user, venue, testnet), building it
// from the stored API key on first use.
func (r *Registry) Adapter(ctx context.Context, userID, apiKeyID int64, venue string, testnet bool) (Adapter, error) {
	venue = strings.ToLower(venue)
	key := clientKey{userID: userID, venue: venue, testnet: testnet}

	r.mu.Lock()
	if a, ok := r.clients[key]; ok {
		r.mu.Unlock()
		return a, nil
	}
	factory, ok := r.factories[venue]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unsupported exchange %q", venue)
	}

	creds, err := r.creds.Credentials(ctx, apiKeyID)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for api key %d: %w", apiKeyID, err)
	}

	a, err := factory(creds, testnet, r.filters)
	if err != nil {
		return nil, fmt.Errorf("build %s client: %w", venue, err)
	}

	r.mu.Lock()
	// Another goroutine may have built it while we were fetching creds.
	if existing, ok := r.clients[key]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.clients[key] = a
	r.mu.Unlock()
	return a, nil
}

// Drop forgets the cached client for (user, venue, testnet). Used after an
// auth failure so a rotated key takes effect without a restart.
func (r *Registry) Drop(userID int64, venue string, testnet bool) {
	r.mu.Lock()
	delete(r.clients, clientKey{userID: userID, venue: strings.ToLower(venue), testnet: testnet})
	r.mu.Unlock()
}

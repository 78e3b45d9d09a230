package engine

import (
	"context"
	"sync"

	"github.com/web3guy0/tradepilot/internal/exchange"
	"github.com/web3guy0/tradepilot/internal/store"
)

// RegistrySource resolves order rows to registry clients, translating the
// stored exchange id into the venue name the registry keys on. Names are
// cached; the exchanges table never changes at runtime.
type RegistrySource struct {
	registry *exchange.Registry
	store    *store.Store

	mu    sync.Mutex
	names map[int64]string
}

// NewRegistrySource wires the registry to the store.
func NewRegistrySource(registry *exchange.Registry, st *store.Store) *RegistrySource {
	return &RegistrySource{
		registry: registry,
		store:    st,
		names:    make(map[int64]string),
	}
}

// AdapterFor returns the client the order trades through.
func (s *RegistrySource) AdapterFor(ctx context.Context, o *store.Order) (exchange.Adapter, error) {
	s.mu.Lock()
	name, ok := s.names[o.ExchangeID]
	s.mu.Unlock()
	if !ok {
		var err error
		if name, err = s.store.ExchangeName(ctx, o.ExchangeID); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.names[o.ExchangeID] = name
		s.mu.Unlock()
	}
	return s.registry.Adapter(ctx, o.UserID, o.APIKeyID, name, o.IsTestnet)
}

// Invalidate drops the cached venue client behind the order, so the next use
// rebuilds it from freshly loaded credentials.
func (s *RegistrySource) Invalidate(o *store.Order) {
	s.mu.Lock()
	name, ok := s.names[o.ExchangeID]
	s.mu.Unlock()
	if !ok {
		// No client was ever resolved through us; nothing cached to drop.
		return
	}
	s.registry.Drop(o.UserID, name, o.IsTestnet)
}

package store

import (
	"context"
	"fmt"

	"github.com/web3guy0/tradepilot/internal/exchange"
)

// Decryptor turns stored key ciphertext back into plaintext. Key management
// is owned by the hosting application; the service only carries the hook.
type Decryptor func(ciphertext string) (string, error)

// PlaintextDecryptor passes ciphertext through unchanged, for deployments
// that keep key material in the database as-is (testnets, development).
func PlaintextDecryptor(ciphertext string) (string, error) { return ciphertext, nil }

// CredentialProvider resolves api_keys rows into adapter credentials.
type CredentialProvider struct {
	store   *Store
	decrypt Decryptor
}

// CredentialSource returns a provider using the given decryptor.
func (s *Store) CredentialSource(decrypt Decryptor) *CredentialProvider {
	return &CredentialProvider{store: s, decrypt: decrypt}
}

// Credentials loads and decrypts one API key.
func (p *CredentialProvider) Credentials(ctx context.Context, apiKeyID int64) (exchange.Credentials, error) {
	k, err := p.store.APIKey(ctx, apiKeyID)
	if err != nil {
		return exchange.Credentials{}, err
	}
	key, err := p.decrypt(k.KeyCT)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("decrypt api key %d: %w", apiKeyID, err)
	}
	secret, err := p.decrypt(k.SecretCT)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("decrypt api key %d secret: %w", apiKeyID, err)
	}
	return exchange.Credentials{Key: key, Secret: secret}, nil
}

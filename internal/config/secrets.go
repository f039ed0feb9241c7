package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// SecretStore reads and writes secrets in the platform secret store.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// APIToken returns the bearer token protecting the management endpoints.
// RELAYFEED_API_TOKEN wins; otherwise the token is read from the secret
// store and generated on first use.
func APIToken(store SecretStore) (string, error) {
	if tok := os.Getenv("RELAYFEED_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := store.Get(secretService, "api_token"); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := store.Set(secretService, "api_token", tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

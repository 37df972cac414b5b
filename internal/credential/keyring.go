package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailsync"

// Secret names stored per account.
const (
	SecretRefreshToken = "refresh_token"
	SecretPassword     = "password"
)

// ErrNotFound is returned when no secret is stored under a key.
var ErrNotFound = errors.New("credential not found")

// Keyring stores account secrets in the system keyring, falling back to an
// encrypted file below dir.
type Keyring struct {
	ring keyring.Keyring
}

// OpenKeyring opens the keyring. filePassword protects the file backend.
func OpenKeyring(dir, filePassword string) (*Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

// NewKeyring wraps an already opened keyring.
func NewKeyring(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

// Key returns the keyring key of an account secret.
func Key(accountID, name string) string {
	return accountID + "/" + name
}

// Get retrieves a secret of an account.
func (k *Keyring) Get(accountID, name string) (string, error) {
	item, err := k.ring.Get(Key(accountID, name))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%s for %s: %w", name, accountID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting %s for %s: %w", name, accountID, err)
	}
	return string(item.Data), nil
}

// Set stores a secret of an account.
func (k *Keyring) Set(accountID, name, value string) error {
	err := k.ring.Set(keyring.Item{
		Key:   Key(accountID, name),
		Data:  []byte(value),
		Label: "mailsync " + name + " for " + accountID,
	})
	if err != nil {
		return fmt.Errorf("setting %s for %s: %w", name, accountID, err)
	}
	return nil
}

// Delete removes a secret of an account. Missing secrets are not an error.
func (k *Keyring) Delete(accountID, name string) error {
	err := k.ring.Remove(Key(accountID, name))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting %s for %s: %w", name, accountID, err)
	}
	return nil
}

// Package keystore wraps OS-backed secure storage (keychain / secret
// service / credential manager) for the local client's wrapped master
// key, so secureLogout can clear in-memory caches while the key material
// needed to re-derive contact secrets survives in the OS-native vault
// (spec §4.G). Grounded on actuallydan-pollis/internal/keystore's
// identical New/Store/Get/Delete wrapper over 99designs/keyring.
package keystore

import (
	"encoding/json"
	"fmt"

	"github.com/99designs/keyring"

	"securemsg/internal/aead"
)

// wrappedMasterKeyPrefix prefixes the single keyring item that holds the
// wrapped master key for each account digest.
const wrappedMasterKeyPrefix = "wrapped-master-key:"

// KeyStore wraps OS keychain access for the local client's secret
// material.
type KeyStore struct {
	ring keyring.Keyring
}

// New opens (or creates) the OS-backed keyring under the given service
// name, falling back through the platform-native backends to a file
// backend when none of them are available.
func New(serviceName string) (*KeyStore, error) {
	kr, err := keyring.Open(keyring.Config{
		ServiceName:             serviceName,
		KeychainName:            serviceName,
		KWalletAppID:            serviceName,
		KWalletFolder:           serviceName,
		WinCredPrefix:           serviceName,
		LibSecretCollectionName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.KWalletBackend,
			keyring.FileBackend,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: open keyring: %w", err)
	}
	return &KeyStore{ring: kr}, nil
}

// StoreWrappedMasterKey persists the Argon2id-wrapped master key for an
// account, keyed by account digest.
func (k *KeyStore) StoreWrappedMasterKey(accountDigest string, wrapped *aead.WrappedMasterKey) error {
	data, err := json.Marshal(wrapped)
	if err != nil {
		return fmt.Errorf("keystore: marshal wrapped master key: %w", err)
	}
	return k.ring.Set(keyring.Item{
		Key:  wrappedMasterKeyPrefix + accountDigest,
		Data: data,
	})
}

// LoadWrappedMasterKey retrieves the wrapped master key for an account;
// returns nil, nil if nothing has been stored yet.
func (k *KeyStore) LoadWrappedMasterKey(accountDigest string) (*aead.WrappedMasterKey, error) {
	item, err := k.ring.Get(wrappedMasterKeyPrefix + accountDigest)
	if err == keyring.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: get wrapped master key: %w", err)
	}
	var wrapped aead.WrappedMasterKey
	if err := json.Unmarshal(item.Data, &wrapped); err != nil {
		return nil, fmt.Errorf("keystore: decode wrapped master key: %w", err)
	}
	return &wrapped, nil
}

// Delete removes the wrapped master key for an account, part of
// secureLogout's cache-clearing step when the user asks to forget the
// device entirely rather than preserve contact secrets for re-login.
func (k *KeyStore) Delete(accountDigest string) error {
	if err := k.ring.Remove(wrappedMasterKeyPrefix + accountDigest); err != nil && err != keyring.ErrKeyNotFound {
		return fmt.Errorf("keystore: remove wrapped master key: %w", err)
	}
	return nil
}

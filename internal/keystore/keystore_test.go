package keystore

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/require"

	"securemsg/internal/aead"
)

func newTestKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	dir := t.TempDir()
	ring, err := keyring.Open(keyring.Config{
		ServiceName:     "securemsg-test",
		AllowedBackends: []keyring.BackendType{keyring.FileBackend},
		FileDir:         dir,
		FilePasswordFunc: func(prompt string) (string, error) {
			return "test-passphrase", nil
		},
	})
	require.NoError(t, err)
	return &KeyStore{ring: ring}
}

func TestStoreLoadWrappedMasterKeyRoundTrip(t *testing.T) {
	ks := newTestKeyStore(t)
	var mk [32]byte
	for i := range mk {
		mk[i] = byte(i)
	}
	wrapped, err := aead.WrapMasterKey([]byte("user-password"), mk, aead.DefaultArgon2Params)
	require.NoError(t, err)

	require.NoError(t, ks.StoreWrappedMasterKey("digest-1", wrapped))

	loaded, err := ks.LoadWrappedMasterKey("digest-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	got, err := aead.UnwrapMasterKey([]byte("user-password"), loaded)
	require.NoError(t, err)
	require.Equal(t, mk, got)
}

func TestLoadWrappedMasterKeyMissingReturnsNil(t *testing.T) {
	ks := newTestKeyStore(t)
	loaded, err := ks.LoadWrappedMasterKey("no-such-account")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestDeleteWrappedMasterKey(t *testing.T) {
	ks := newTestKeyStore(t)
	var mk [32]byte
	wrapped, err := aead.WrapMasterKey([]byte("pw"), mk, aead.DefaultArgon2Params)
	require.NoError(t, err)
	require.NoError(t, ks.StoreWrappedMasterKey("digest-2", wrapped))

	require.NoError(t, ks.Delete("digest-2"))

	loaded, err := ks.LoadWrappedMasterKey("digest-2")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	ks := newTestKeyStore(t)
	require.NoError(t, ks.Delete("never-stored"))
}

package sessionstore

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"securemsg/internal/ratchet"
	"securemsg/internal/storage"
	"securemsg/internal/x3dh"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&storage.SessionSnapshotRecord{},
		&storage.SessionMetaRecord{},
		&storage.SessionChecksumRecord{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func establishPair(t *testing.T) (*ratchet.DrState, *ratchet.DrState) {
	t.Helper()
	alice, err := x3dh.GenerateDevice()
	if err != nil {
		t.Fatalf("GenerateDevice alice: %v", err)
	}
	bob, err := x3dh.GenerateDevice()
	if err != nil {
		t.Fatalf("GenerateDevice bob: %v", err)
	}
	bundle, err := bob.PublishBundle(1)
	if err != nil {
		t.Fatalf("PublishBundle: %v", err)
	}
	initRes, err := x3dh.Initiate(alice, bundle)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	respRes, err := x3dh.Respond(bob, initRes.Handshake)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	return ratchet.NewFromInitiate(initRes, bob.SignedPrekey.Public), ratchet.NewFromRespond(respRes, bob.SignedPrekey, initRes.Handshake.EphemeralKey)
}

func TestPutGetRoundTrip(t *testing.T) {
	db := newTestDB(t)
	var mk [32]byte
	store := New(db, "digest-1", mk)

	alice, _ := establishPair(t)
	store.Put("peer-bob", alice)
	got, err := store.Get("peer-bob")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != alice {
		t.Fatalf("Get returned a different DrState pointer")
	}
}

func TestGetUnknownPeerErrors(t *testing.T) {
	db := newTestDB(t)
	var mk [32]byte
	store := New(db, "digest-1", mk)
	if _, err := store.Get("nope"); err == nil {
		t.Fatalf("expected ErrUnknownPeer")
	}
}

// P12-adjacent: flush then restore into a fresh Store yields a session
// that can decrypt the next live packet.
func TestFlushThenRestoreRoundTrip(t *testing.T) {
	db := newTestDB(t)
	var mk [32]byte
	for i := range mk {
		mk[i] = byte(i)
	}

	alice, bob := establishPair(t)
	pkt, err := ratchet.Encrypt(alice, []byte("hello"), ratchet.EncryptOptions{DeviceID: "alice-dev", Version: 1, MessageID: "m1"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	store := New(db, "digest-1", mk)
	store.Put("peer-alice", bob)
	if err := store.FlushSnapshot("peer-alice"); err != nil {
		t.Fatalf("FlushSnapshot: %v", err)
	}

	restoredStore := New(db, "digest-1", mk)
	restored, corrupt, err := restoredStore.RestoreAll()
	if err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	if restored != 1 || corrupt != 0 {
		t.Fatalf("expected 1 restored 0 corrupt, got restored=%d corrupt=%d", restored, corrupt)
	}

	got, err := restoredStore.Get("peer-alice")
	if err != nil {
		t.Fatalf("Get after restore: %v", err)
	}
	if _, err := ratchet.Decrypt(got, pkt, ratchet.DecryptOptions{DeviceID: "alice-dev", Version: 1}); err != nil {
		t.Fatalf("Decrypt on restored session: %v", err)
	}
}

func TestClearDrStateFlushesThenDeletes(t *testing.T) {
	db := newTestDB(t)
	var mk [32]byte
	store := New(db, "digest-1", mk)
	alice, _ := establishPair(t)

	var hookCalled bool
	store.RegisterBeforeClear(func(peerKey string, snap *ratchet.Snapshot) {
		hookCalled = true
		if peerKey != "peer-bob" {
			t.Fatalf("hook got wrong peerKey: %s", peerKey)
		}
	})
	store.Put("peer-bob", alice)
	if err := store.ClearDrState("peer-bob"); err != nil {
		t.Fatalf("ClearDrState: %v", err)
	}
	if !hookCalled {
		t.Fatalf("before-clear hook was not invoked")
	}
	if store.Has("peer-bob") {
		t.Fatalf("expected peer-bob to be cleared from memory")
	}

	var rec storage.SessionSnapshotRecord
	if err := db.Where("peer_key = ? AND slot = ?", "peer-bob", slotPrimary).First(&rec).Error; err != nil {
		t.Fatalf("expected a persisted snapshot after clear: %v", err)
	}
}

func TestRestoreDetectsChecksumCorruption(t *testing.T) {
	db := newTestDB(t)
	var mk [32]byte
	store := New(db, "digest-1", mk)
	alice, _ := establishPair(t)
	store.Put("peer-bob", alice)
	if err := store.FlushSnapshot("peer-bob"); err != nil {
		t.Fatalf("FlushSnapshot: %v", err)
	}

	if err := db.Model(&storage.SessionChecksumRecord{}).
		Where("peer_key = ? AND slot = ?", "peer-bob", slotPrimary).
		Update("checksum", "0000").Error; err != nil {
		t.Fatalf("corrupt checksum: %v", err)
	}

	fresh := New(db, "digest-1", mk)
	restored, corrupt, err := fresh.RestoreAll()
	if err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	if restored != 0 || corrupt != 1 {
		t.Fatalf("expected 0 restored 1 corrupt, got restored=%d corrupt=%d", restored, corrupt)
	}
	reasons := fresh.CorruptContacts()
	if _, ok := reasons["peer-bob"]; !ok {
		t.Fatalf("expected peer-bob in corruptContacts, got %v", reasons)
	}
}

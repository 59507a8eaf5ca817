package inbox

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
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&storage.InboxProcessedRecord{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fixedStore struct{ state *ratchet.DrState }

func (f *fixedStore) Get(peerKey string) (*ratchet.DrState, error) { return f.state, nil }

type noopPuller struct{ pulled [][2]int64 }

func (p *noopPuller) PullRange(conversationID string, from, to int64) {
	p.pulled = append(p.pulled, [2]int64{from, to})
}

type fixedCursor struct{ cursor int64 }

func (c *fixedCursor) DeletionCursor(conversationID string) int64 { return c.cursor }

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

func TestDeliverDedupsByServerMessageID(t *testing.T) {
	db := newTestDB(t)
	alice, bob := establishPair(t)
	r := New(db, &fixedStore{state: bob}, &noopPuller{}, &fixedCursor{cursor: -1})

	pkt, err := ratchet.Encrypt(alice, []byte("hi"), ratchet.EncryptOptions{DeviceID: "alice-dev", Version: 1, MessageID: "m1"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	d := Delivery{ConversationID: "c1", ServerMessageID: "s1", MessageID: "m1", Counter: 0, Packet: pkt}
	decOpts := ratchet.DecryptOptions{DeviceID: "alice-dev", Version: 1}

	msg, err := r.Deliver("peer-alice", d, decOpts)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if msg == nil || string(msg.Plaintext) != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	// Redeliver the same server message id: must be a safe no-op.
	msg2, err := r.Deliver("peer-alice", d, decOpts)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if msg2 != nil {
		t.Fatalf("expected nil on duplicate delivery, got %+v", msg2)
	}
}

// P11: once a deletion cursor is set, messages with counter <= cursor never
// surface.
func TestP11_DeletionCursorTombstones(t *testing.T) {
	db := newTestDB(t)
	alice, bob := establishPair(t)
	r := New(db, &fixedStore{state: bob}, &noopPuller{}, &fixedCursor{cursor: 5})

	pkt, err := ratchet.Encrypt(alice, []byte("old"), ratchet.EncryptOptions{DeviceID: "alice-dev", Version: 1, MessageID: "m-old"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	d := Delivery{ConversationID: "c1", ServerMessageID: "s-old", MessageID: "m-old", Counter: 3, Packet: pkt}
	msg, err := r.Deliver("peer-alice", d, ratchet.DecryptOptions{DeviceID: "alice-dev", Version: 1})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected tombstoned message to be dropped, got %+v", msg)
	}
}

func TestGapDetectionEmitsPlaceholdersAndSchedulesPull(t *testing.T) {
	db := newTestDB(t)
	alice, bob := establishPair(t)
	puller := &noopPuller{}
	r := New(db, &fixedStore{state: bob}, puller, &fixedCursor{cursor: -1})

	var pkts []*ratchet.Packet
	for i := 0; i < 4; i++ {
		pkt, err := ratchet.Encrypt(alice, []byte{byte(i)}, ratchet.EncryptOptions{DeviceID: "alice-dev", Version: 1, MessageID: string(rune('a' + i))})
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		pkts = append(pkts, pkt)
	}

	// Deliver counter 3 first: a gap over [0,2].
	d := Delivery{ConversationID: "c2", ServerMessageID: "s3", MessageID: "m3", Counter: 3, Packet: pkts[3]}
	if _, err := r.Deliver("peer-alice", d, ratchet.DecryptOptions{DeviceID: "alice-dev", Version: 1}); err != nil {
		t.Fatalf("Deliver gapped message: %v", err)
	}
	if len(puller.pulled) != 1 {
		t.Fatalf("expected exactly one b-route pull scheduled, got %d", len(puller.pulled))
	}
	placeholders := r.PendingPlaceholders("c2")
	if len(placeholders) != 3 {
		t.Fatalf("expected 3 placeholders for counters 0-2, got %d", len(placeholders))
	}
	for i, ph := range placeholders {
		if ph.Counter != int64(i) || ph.Type != MsgTypePlaceholder {
			t.Fatalf("unexpected placeholder at index %d: %+v", i, ph)
		}
	}
}

func TestControlMessageTyped(t *testing.T) {
	db := newTestDB(t)
	alice, bob := establishPair(t)
	r := New(db, &fixedStore{state: bob}, &noopPuller{}, &fixedCursor{cursor: -1})

	pkt, err := ratchet.Encrypt(alice, []byte("{}"), ratchet.EncryptOptions{DeviceID: "alice-dev", Version: 1, MessageID: "ctrl-1"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	d := Delivery{ConversationID: "c3", ServerMessageID: "s-ctrl", MessageID: "ctrl-1", Counter: 0, Packet: pkt, ControlSubtype: ControlContactRemoved}
	msg, err := r.Deliver("peer-alice", d, ratchet.DecryptOptions{DeviceID: "alice-dev", Version: 1})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if msg.Type != MsgTypeControl || msg.ControlSubtype != ControlContactRemoved {
		t.Fatalf("expected control message, got %+v", msg)
	}
}

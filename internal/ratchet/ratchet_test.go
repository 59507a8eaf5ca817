package ratchet

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"securemsg/internal/x3dh"
)

// establishPair wires a fresh initiator/responder DrState pair through a
// real X3DH handshake, exactly as the lifecycle coordinator does on first
// contact (spec §4.B then §4.C).
func establishPair(t *testing.T) (*DrState, *DrState) {
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

	aliceState := NewFromInitiate(initRes, bob.SignedPrekey.Public)
	bobState := NewFromRespond(respRes, bob.SignedPrekey, initRes.Handshake.EphemeralKey)
	return aliceState, bobState
}

var msgSeq int

func opts(device string) EncryptOptions {
	msgSeq++
	return EncryptOptions{DeviceID: device, Version: 1, ConversationID: "conv-1", MessageID: fmt.Sprintf("m-%s-%d", device, msgSeq)}
}

func decOpts(device string) DecryptOptions {
	return DecryptOptions{DeviceID: device, Version: 1, ConversationID: "conv-1"}
}

// P1: a message encrypted by one side decrypts to the original plaintext on
// the other.
func TestP1_EncryptDecryptRoundTrip(t *testing.T) {
	alice, bob := establishPair(t)
	pkt, err := Encrypt(alice, []byte("hello bob"), opts("alice-1"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := Decrypt(bob, pkt, decOpts("alice-1"))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("hello bob")) {
		t.Fatalf("plaintext mismatch: got %q", pt)
	}
}

// P2: ping-pong exchange ratchets every reply and keeps decrypting.
func TestP2_PingPongRatchetsEveryReply(t *testing.T) {
	alice, bob := establishPair(t)
	for i := 0; i < 5; i++ {
		pkt, err := Encrypt(alice, []byte("ping"), opts("alice-1"))
		if err != nil {
			t.Fatalf("round %d Encrypt(alice): %v", i, err)
		}
		if _, err := Decrypt(bob, pkt, decOpts("alice-1")); err != nil {
			t.Fatalf("round %d Decrypt(bob): %v", i, err)
		}
		reply, err := Encrypt(bob, []byte("pong"), opts("bob-1"))
		if err != nil {
			t.Fatalf("round %d Encrypt(bob): %v", i, err)
		}
		if _, err := Decrypt(alice, reply, decOpts("bob-1")); err != nil {
			t.Fatalf("round %d Decrypt(alice): %v", i, err)
		}
	}
}

// P3: monotonic in-order delivery never populates the skipped-key cache.
func TestP3_InOrderDeliveryKeepsSkipCacheEmpty(t *testing.T) {
	alice, bob := establishPair(t)
	for i := 0; i < 10; i++ {
		pkt, err := Encrypt(alice, []byte("msg"), opts("alice-1"))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if _, err := Decrypt(bob, pkt, decOpts("alice-1")); err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
	}
	if n := bob.SkippedKeyCount(); n != 0 {
		t.Fatalf("expected empty skip cache, got %d", n)
	}
}

// P4: burst exchange out of order still decrypts every message once, via the
// skipped-key cache, and each key is consumed exactly once.
func TestP4_BurstOutOfOrderDeliveryUsesSkipCache(t *testing.T) {
	alice, bob := establishPair(t)
	var pkts []*Packet
	for i := 0; i < 4; i++ {
		pkt, err := Encrypt(alice, []byte{byte(i)}, opts("alice-1"))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		pkts = append(pkts, pkt)
	}
	order := []int{2, 0, 3, 1}
	for _, idx := range order {
		pt, err := Decrypt(bob, pkts[idx], decOpts("alice-1"))
		if err != nil {
			t.Fatalf("Decrypt idx %d: %v", idx, err)
		}
		if pt[0] != byte(idx) {
			t.Fatalf("wrong plaintext for idx %d: got %v", idx, pt)
		}
	}
	if n := bob.SkippedKeyCount(); n != 0 {
		t.Fatalf("expected skip cache drained after full delivery, got %d", n)
	}
}

// P5: replay of an already-processed messageId is rejected without mutating
// ratchet counters.
func TestP5_ReplayDetected(t *testing.T) {
	alice, bob := establishPair(t)
	pkt, err := Encrypt(alice, []byte("once"), opts("alice-1"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(bob, pkt, decOpts("alice-1")); err != nil {
		t.Fatalf("first Decrypt: %v", err)
	}
	nrBefore := bob.Nr
	if _, err := Decrypt(bob, pkt, decOpts("alice-1")); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected ErrReplayDetected, got %v", err)
	}
	if bob.Nr != nrBefore {
		t.Fatalf("replay must not mutate Nr: before=%d after=%d", nrBefore, bob.Nr)
	}
}

// P6: a pn gap beyond the skip cap is rejected before any ratchet mutation.
func TestP6_PnGapExceedsLimitRejected(t *testing.T) {
	_, bob := establishPair(t)
	bogus := &Packet{
		Header: Header{EkPub: [32]byte{0x99}, PN: SkippedKeysPerChainMax + 1, N: 0},
		IV:     [12]byte{1},
	}
	rkBefore := bob.RK
	_, err := Decrypt(bob, bogus, decOpts("attacker"))
	if !errors.Is(err, ErrPnGapExceedsLimit) {
		t.Fatalf("expected ErrPnGapExceedsLimit, got %v", err)
	}
	if bob.RK != rkBefore {
		t.Fatalf("rejected pn gap must not mutate root key")
	}
}

// P7: AAD is mandatory; an empty deviceId is rejected before any crypto op.
func TestP7_EmptyDeviceIDRejected(t *testing.T) {
	alice, _ := establishPair(t)
	_, err := Encrypt(alice, []byte("x"), EncryptOptions{Version: 1})
	if !errors.Is(err, ErrAADUnavailable) {
		t.Fatalf("expected ErrAADUnavailable, got %v", err)
	}
}

// P8: the skip cache is strictly bounded at SkippedKeysPerChainMax; once a
// single chain would need more slots than that to catch up, the operation
// fails closed rather than growing the cache past the cap.
func TestP8_SkipCacheBounded(t *testing.T) {
	alice, bob := establishPair(t)
	var pkts []*Packet
	for i := 0; i < SkippedKeysPerChainMax+2; i++ {
		pkt, err := Encrypt(alice, []byte{byte(i % 256)}, opts("alice-1"))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		pkts = append(pkts, pkt)
	}
	// Deliver only the last packet first: bob must skip SkippedKeysPerChainMax+1
	// keys on the current chain, which exceeds the cap.
	_, err := Decrypt(bob, pkts[len(pkts)-1], decOpts("alice-1"))
	if !errors.Is(err, ErrSkipLimitExceeded) {
		t.Fatalf("expected ErrSkipLimitExceeded, got %v", err)
	}
}

// Scenario: tampered ciphertext fails closed with a generic crypto error,
// never a panic or a plaintext leak.
func TestScenario_TamperedCiphertextFailsClosed(t *testing.T) {
	alice, bob := establishPair(t)
	pkt, err := Encrypt(alice, []byte("sensitive"), opts("alice-1"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pkt.Ciphertext[0] ^= 0xFF
	if _, err := Decrypt(bob, pkt, decOpts("alice-1")); !errors.Is(err, ErrCryptoOpFailed) {
		t.Fatalf("expected ErrCryptoOpFailed, got %v", err)
	}
}

// Scenario: NsTotal is monotonic and never resets across a DH ratchet step,
// unlike Ns which resets every epoch.
func TestScenario_NsTotalMonotonicAcrossRatchetSteps(t *testing.T) {
	alice, bob := establishPair(t)
	pkt1, err := Encrypt(alice, []byte("a"), opts("alice-1"))
	if err != nil {
		t.Fatalf("Encrypt 1: %v", err)
	}
	if _, err := Decrypt(bob, pkt1, decOpts("alice-1")); err != nil {
		t.Fatalf("Decrypt 1: %v", err)
	}
	// Force bob to rotate by having it send, which pulls in alice's ratchet
	// key as the new peer key on alice's next receive.
	reply, err := Encrypt(bob, []byte("b"), opts("bob-1"))
	if err != nil {
		t.Fatalf("Encrypt(bob): %v", err)
	}
	if _, err := Decrypt(alice, reply, decOpts("bob-1")); err != nil {
		t.Fatalf("Decrypt(alice): %v", err)
	}
	pkt2, err := Encrypt(alice, []byte("c"), opts("alice-1"))
	if err != nil {
		t.Fatalf("Encrypt 2: %v", err)
	}
	if alice.NsTotal != 2 {
		t.Fatalf("expected NsTotal=2 after two sends across a ratchet step, got %d", alice.NsTotal)
	}
	if pkt2.Header.N != 0 {
		t.Fatalf("expected per-epoch Ns to reset to 0 after ratcheting, got %d", pkt2.Header.N)
	}
}

// P12: seal/unseal (here, Export/Import) of a DrState yields a state that
// decrypts the next live packet identically to the in-memory original.
func TestP12_SnapshotFidelity(t *testing.T) {
	alice, bob := establishPair(t)
	// Give bob some asymmetric history so the snapshot has non-trivial
	// fields to round-trip: a skipped key plus an advanced Nr.
	pkt1, err := Encrypt(alice, []byte("one"), opts("alice-1"))
	if err != nil {
		t.Fatalf("Encrypt 1: %v", err)
	}
	pkt2, err := Encrypt(alice, []byte("two"), opts("alice-2"))
	if err != nil {
		t.Fatalf("Encrypt 2: %v", err)
	}
	if _, err := Decrypt(bob, pkt2, decOpts("alice-2")); err != nil {
		t.Fatalf("Decrypt 2: %v", err)
	}

	snap := Export(bob)
	restored := Import(snap)

	pt, err := Decrypt(restored, pkt1, decOpts("alice-1"))
	if err != nil {
		t.Fatalf("Decrypt on restored state: %v", err)
	}
	if !bytes.Equal(pt, []byte("one")) {
		t.Fatalf("plaintext mismatch after restore: got %q", pt)
	}

	pkt3, err := Encrypt(alice, []byte("three"), opts("alice-3"))
	if err != nil {
		t.Fatalf("Encrypt 3: %v", err)
	}
	if _, err := Decrypt(restored, pkt3, decOpts("alice-3")); err != nil {
		t.Fatalf("Decrypt continuing packet on restored state: %v", err)
	}
}

// Package ratchet implements the per-peer Double Ratchet session engine
// (spec §4.C): root/chain-key ratcheting, the skipped-message-key cache,
// and header-carried counters. encrypt/decrypt are the only mutators of
// DrState; everything else in the module reaches the engine through this
// package.
package ratchet

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"

	"securemsg/internal/aead"
	"securemsg/internal/x3dh"
)

// SkippedKeysPerChainMax bounds the skipped-message-key cache per spec §3.
const SkippedKeysPerChainMax = 100

// processedIDCapacity bounds the replay-guard recency set (spec §3
// processedIds).
const processedIDCapacity = 2048

// Error kinds from spec §7. Decrypt/Encrypt never wrap these silently into
// a generic error — callers match with errors.Is.
var (
	ErrCryptoOpFailed       = aead.ErrCryptoOpFailed
	ErrReplayDetected       = errors.New("ratchet: replay detected")
	ErrPnGapExceedsLimit    = errors.New("ratchet: pn gap exceeds skipped-key limit")
	ErrSkipLimitExceeded    = errors.New("ratchet: skip limit exceeded")
	ErrMessageKeyUnavailable = errors.New("ratchet: message key unavailable")
	ErrAADUnavailable       = errors.New("ratchet: AAD unavailable")
	ErrNilSession           = errors.New("ratchet: nil session")
	ErrNilPacket            = errors.New("ratchet: nil packet")
)

var (
	randMu  sync.RWMutex
	randSrc io.Reader = rand.Reader
)

// UseDeterministicRandom swaps the IV/ephemeral-key randomness source for
// deterministic tests.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randSrc
	randSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// skippedKeyID identifies one cached message key by the peer ratchet public
// key it was derived under plus its counter.
type skippedKeyID struct {
	peerPub [32]byte
	counter uint32
}

// DrState is a single peer's hot ratchet state (spec §3). Exported fields
// are mutated exclusively by Encrypt/Decrypt or by an explicit restore from
// a sealed snapshot (internal/sessionstore).
type DrState struct {
	RK   [32]byte
	CkS  *[32]byte
	CkR  *[32]byte

	MyRatchetPriv [32]byte
	MyRatchetPub  [32]byte
	PeerRatchetPub *[32]byte

	Ns      uint32
	Nr      uint32
	PN      uint32
	NsTotal uint64

	skippedKeys  map[skippedKeyID][32]byte
	processedIDs []string
	processedSet map[string]struct{}

	mu sync.Mutex
}

// NewFromInitiate builds a send-first DrState from the result of
// x3dh.Initiate: ckS is primed, ckR is empty (spec §4.B).
func NewFromInitiate(result *x3dh.InitiateResult, peerSignedPrekey [32]byte) *DrState {
	ck := result.InitialChain
	peerPub := peerSignedPrekey
	return &DrState{
		RK:             result.InitialRK,
		CkS:            &ck,
		MyRatchetPriv:  result.Ephemeral.Private,
		MyRatchetPub:   result.Ephemeral.Public,
		PeerRatchetPub: &peerPub,
		skippedKeys:    make(map[skippedKeyID][32]byte),
		processedSet:   make(map[string]struct{}),
	}
}

// NewFromRespond builds a receive-first DrState from the result of
// x3dh.Respond: ckR is primed, ckS is empty until the first Encrypt call
// forces a ratchet step. peerEphemeralPub is the initiator's handshake
// ephemeral key (x3dh.HandshakeMessage.EphemeralKey) — the same key the
// initiator's first packet carries as Header.EkPub. Seeding
// PeerRatchetPub with it up front means the first Decrypt call recognises
// the sender's epoch as already-current instead of re-deriving the chain
// from a DH step, which would diverge from the sender's primed ckS.
func NewFromRespond(result *x3dh.RespondResult, myRatchet x3dh.KeyPair, peerEphemeralPub [32]byte) *DrState {
	ck := result.InitialChain
	peerPub := peerEphemeralPub
	return &DrState{
		RK:             result.InitialRK,
		CkR:            &ck,
		MyRatchetPriv:  myRatchet.Private,
		MyRatchetPub:   myRatchet.Public,
		PeerRatchetPub: &peerPub,
		skippedKeys:    make(map[skippedKeyID][32]byte),
		processedSet:   make(map[string]struct{}),
	}
}

// Header is the plaintext-visible portion of a DR packet (spec §3).
type Header struct {
	EkPub [32]byte
	PN    uint32
	N     uint32
}

// Packet is the wire record produced by Encrypt and consumed by Decrypt.
type Packet struct {
	DeviceID   string
	Version    int
	MessageID  string
	Header     Header
	IV         [12]byte
	Ciphertext []byte
}

// EncryptOptions carries the AAD-mandatory fields (spec §4.C step 4).
type EncryptOptions struct {
	DeviceID       string
	Version        int
	ConversationID string
	MessageID      string
}

// Encrypt advances the send chain by exactly one message and seals
// plaintext under the resulting message key (spec §4.C, Invariant 1).
func Encrypt(state *DrState, plaintext []byte, opts EncryptOptions) (*Packet, error) {
	if state == nil {
		return nil, ErrNilSession
	}
	if opts.DeviceID == "" {
		return nil, ErrAADUnavailable
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.CkS == nil {
		if err := state.rotateOnSendLocked(); err != nil {
			return nil, err
		}
	}

	newCk, mk, err := aead.HKDFChain(*state.CkS)
	if err != nil {
		return nil, err
	}
	n := state.Ns
	state.CkS = &newCk
	state.Ns++
	state.NsTotal++

	header := Header{EkPub: state.MyRatchetPub, PN: state.PN, N: n}
	var iv [12]byte
	if err := readRandom(iv[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	aad := canonicalAAD(opts.Version, opts.DeviceID, opts.ConversationID, header)
	ct, err := aead.SealMessage(mk, iv, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &Packet{
		DeviceID:   opts.DeviceID,
		Version:    opts.Version,
		MessageID:  opts.MessageID,
		Header:     header,
		IV:         iv,
		Ciphertext: ct,
	}, nil
}

// rotateOnSendLocked performs the DH ratchet step taken when a send is
// attempted against a receive-only state (spec §4.C step 1). Caller must
// hold state.mu.
func (state *DrState) rotateOnSendLocked() error {
	if state.PeerRatchetPub == nil {
		return fmt.Errorf("%w: no peer ratchet key observed yet", ErrCryptoOpFailed)
	}
	var priv [32]byte
	if err := readRandom(priv[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	dh, err := curve25519.X25519(priv[:], state.PeerRatchetPub[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	newRK, newCk, err := aead.HKDFRoot(state.RK, dh)
	if err != nil {
		return err
	}
	state.RK = newRK
	state.PN = state.Ns
	state.Ns = 0
	state.CkS = &newCk
	state.MyRatchetPriv = priv
	copy(state.MyRatchetPub[:], pub)
	return nil
}

// DecryptOptions carries the receive-side AAD fields, which must match what
// the sender used.
type DecryptOptions struct {
	DeviceID       string
	Version        int
	ConversationID string
}

// Decrypt is the single authoritative decrypt algorithm (spec §4.C). It
// never mutates state on AAD/GCM failure, on a hard pn-gap rejection, or on
// a detected replay.
func Decrypt(state *DrState, pkt *Packet, opts DecryptOptions) (pt []byte, err error) {
	if state == nil {
		return nil, ErrNilSession
	}
	if pkt == nil {
		return nil, ErrNilPacket
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if pkt.MessageID != "" {
		if _, seen := state.processedSet[pkt.MessageID]; seen {
			return nil, ErrReplayDetected
		}
	}

	// Any failure below restores what the ratchet step or skip caching may
	// already have advanced.
	rk, ckS, ckR, peerPub, ns, nr, pn := state.RK, state.CkS, state.CkR, state.PeerRatchetPub, state.Ns, state.Nr, state.PN
	skipped := make(map[skippedKeyID][32]byte, len(state.skippedKeys))
	for id, k := range state.skippedKeys {
		skipped[id] = k
	}
	defer func() {
		if err != nil {
			state.RK, state.CkS, state.CkR, state.PeerRatchetPub, state.Ns, state.Nr, state.PN = rk, ckS, ckR, peerPub, ns, nr, pn
			state.skippedKeys = skipped
		}
	}()

	// A responder's PeerRatchetPub is seeded from the handshake ephemeral
	// key (NewFromRespond), so the sender's very first packet — which
	// carries that same key as EkPub — is never mistaken for a new epoch
	// and the primed ckR is used as-is instead of re-derived.
	isNewEpoch := state.PeerRatchetPub == nil || *state.PeerRatchetPub != pkt.Header.EkPub

	if isNewEpoch {
		if pkt.Header.PN > SkippedKeysPerChainMax {
			return nil, ErrPnGapExceedsLimit
		}
		if err := state.ratchetOnRecvLocked(pkt.Header); err != nil {
			return nil, err
		}
	}

	aad := canonicalAAD(opts.Version, opts.DeviceID, opts.ConversationID, pkt.Header)

	if pkt.Header.N < state.Nr {
		mk, ok := state.consumeSkippedLocked(pkt.Header.EkPub, pkt.Header.N)
		if !ok {
			return nil, ErrMessageKeyUnavailable
		}
		pt, err := aead.OpenMessage(mk, pkt.IV, pkt.Ciphertext, aad)
		if err != nil {
			return nil, ErrCryptoOpFailed
		}
		state.markProcessed(pkt.MessageID)
		return pt, nil
	}

	if pkt.Header.N > state.Nr {
		if err := state.skipKeysLocked(pkt.Header.N); err != nil {
			return nil, err
		}
	}

	newCk, mk, err := aead.HKDFChain(*state.CkR)
	if err != nil {
		return nil, err
	}
	pt, err = aead.OpenMessage(mk, pkt.IV, pkt.Ciphertext, aad)
	if err != nil {
		return nil, ErrCryptoOpFailed
	}
	state.CkR = &newCk
	state.Nr = pkt.Header.N + 1
	state.markProcessed(pkt.MessageID)
	return pt, nil
}

// ratchetOnRecvLocked performs the DH ratchet step when a new peer ratchet
// key is observed (spec §4.C). The old receive chain's remaining keys are
// skip-cached before the rotation. Caller must hold state.mu and must have
// already validated the pn-gap bound.
func (state *DrState) ratchetOnRecvLocked(header Header) error {
	if state.CkR != nil && state.PeerRatchetPub != nil {
		for state.Nr < header.PN {
			if len(state.skippedKeys) >= SkippedKeysPerChainMax {
				return ErrSkipLimitExceeded
			}
			newCk, mk, err := aead.HKDFChain(*state.CkR)
			if err != nil {
				return err
			}
			state.skippedKeys[skippedKeyID{peerPub: *state.PeerRatchetPub, counter: state.Nr}] = mk
			state.CkR = &newCk
			state.Nr++
		}
	}

	dh, err := curve25519.X25519(state.MyRatchetPriv[:], header.EkPub[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	newRK, newCkR, err := aead.HKDFRoot(state.RK, dh)
	if err != nil {
		return err
	}
	state.RK = newRK
	peerPub := header.EkPub
	state.PeerRatchetPub = &peerPub
	state.CkR = &newCkR
	state.Nr = 0
	state.CkS = nil
	// Ns keeps the length of the send chain that just ended: with CkS nil,
	// the next Encrypt rotates, records that length in PN and restarts Ns
	// at 0.
	return nil
}

// skipKeysLocked caches message keys for counters [Nr, n) on the current
// receive chain, up to the cap.
func (state *DrState) skipKeysLocked(n uint32) error {
	for state.Nr < n {
		if len(state.skippedKeys) >= SkippedKeysPerChainMax {
			return ErrSkipLimitExceeded
		}
		newCk, mk, err := aead.HKDFChain(*state.CkR)
		if err != nil {
			return err
		}
		state.skippedKeys[skippedKeyID{peerPub: *state.PeerRatchetPub, counter: state.Nr}] = mk
		state.CkR = &newCk
		state.Nr++
	}
	return nil
}

func (state *DrState) consumeSkippedLocked(peerPub [32]byte, n uint32) ([32]byte, bool) {
	id := skippedKeyID{peerPub: peerPub, counter: n}
	mk, ok := state.skippedKeys[id]
	if ok {
		delete(state.skippedKeys, id)
	}
	return mk, ok
}

// markProcessed inserts messageId into the bounded replay-guard ring
// buffer. Empty ids (control paths that don't carry one) are skipped.
func (state *DrState) markProcessed(messageID string) {
	if messageID == "" {
		return
	}
	if _, seen := state.processedSet[messageID]; seen {
		return
	}
	state.processedIDs = append(state.processedIDs, messageID)
	state.processedSet[messageID] = struct{}{}
	for len(state.processedIDs) > processedIDCapacity {
		oldest := state.processedIDs[0]
		state.processedIDs = state.processedIDs[1:]
		delete(state.processedSet, oldest)
	}
}

// SkippedKeyCount reports the current size of the skipped-key cache, used
// by property tests asserting P3 (monotonic delivery keeps the cache
// empty).
func (state *DrState) SkippedKeyCount() int {
	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.skippedKeys)
}

// Snapshot is the serialisable form of a DrState (spec §4.D): everything
// except the live mutex. processedIds is downgraded to a bounded recency
// slice, matching the spec's explicit instruction that replay-guard state
// need not survive a snapshot with full fidelity.
type Snapshot struct {
	RK             [32]byte
	CkS            *[32]byte
	CkR            *[32]byte
	MyRatchetPriv  [32]byte
	MyRatchetPub   [32]byte
	PeerRatchetPub *[32]byte
	Ns             uint32
	Nr             uint32
	PN             uint32
	NsTotal        uint64
	SkippedKeys    []SkippedKeyEntry
	ProcessedIDs   []string
}

// SkippedKeyEntry is one exported entry of the skipped-message-key cache.
type SkippedKeyEntry struct {
	PeerPub [32]byte
	Counter uint32
	Key     [32]byte
}

// Export produces a point-in-time Snapshot of state, safe to seal and
// persist. Export never mutates state.
func Export(state *DrState) *Snapshot {
	state.mu.Lock()
	defer state.mu.Unlock()

	snap := &Snapshot{
		RK:            state.RK,
		MyRatchetPriv: state.MyRatchetPriv,
		MyRatchetPub:  state.MyRatchetPub,
		Ns:            state.Ns,
		Nr:            state.Nr,
		PN:            state.PN,
		NsTotal:       state.NsTotal,
	}
	if state.CkS != nil {
		ck := *state.CkS
		snap.CkS = &ck
	}
	if state.CkR != nil {
		ck := *state.CkR
		snap.CkR = &ck
	}
	if state.PeerRatchetPub != nil {
		pub := *state.PeerRatchetPub
		snap.PeerRatchetPub = &pub
	}
	for id, key := range state.skippedKeys {
		snap.SkippedKeys = append(snap.SkippedKeys, SkippedKeyEntry{PeerPub: id.peerPub, Counter: id.counter, Key: key})
	}
	snap.ProcessedIDs = append(snap.ProcessedIDs, state.processedIDs...)
	return snap
}

// Import reconstructs a live DrState from a Snapshot previously produced by
// Export. The result decrypts the next live packet identically to the
// original in-memory state (spec P12).
func Import(snap *Snapshot) *DrState {
	state := &DrState{
		RK:             snap.RK,
		MyRatchetPriv:  snap.MyRatchetPriv,
		MyRatchetPub:   snap.MyRatchetPub,
		Ns:             snap.Ns,
		Nr:             snap.Nr,
		PN:             snap.PN,
		NsTotal:        snap.NsTotal,
		skippedKeys:    make(map[skippedKeyID][32]byte, len(snap.SkippedKeys)),
		processedSet:   make(map[string]struct{}, len(snap.ProcessedIDs)),
	}
	if snap.CkS != nil {
		ck := *snap.CkS
		state.CkS = &ck
	}
	if snap.CkR != nil {
		ck := *snap.CkR
		state.CkR = &ck
	}
	if snap.PeerRatchetPub != nil {
		pub := *snap.PeerRatchetPub
		state.PeerRatchetPub = &pub
	}
	for _, e := range snap.SkippedKeys {
		state.skippedKeys[skippedKeyID{peerPub: e.PeerPub, counter: e.Counter}] = e.Key
	}
	for _, id := range snap.ProcessedIDs {
		state.processedIDs = append(state.processedIDs, id)
		state.processedSet[id] = struct{}{}
	}
	return state
}

func canonicalAAD(version int, deviceID, conversationID string, header Header) []byte {
	buf := make([]byte, 0, 64+len(deviceID)+len(conversationID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(version))
	buf = append(buf, []byte(deviceID)...)
	buf = append(buf, 0x00)
	buf = append(buf, []byte(conversationID)...)
	buf = append(buf, 0x00)
	buf = append(buf, header.EkPub[:]...)
	buf = binary.BigEndian.AppendUint32(buf, header.PN)
	buf = binary.BigEndian.AppendUint32(buf, header.N)
	return buf
}

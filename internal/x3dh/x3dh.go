// Package x3dh implements the X3DH key-agreement bootstrap (spec §4.B): the
// initial shared secret between two device endpoints derived from an
// identity key, a signed prekey, and an optional one-time prekey. The
// output seeds the Double Ratchet engine in internal/ratchet; this package
// never touches chain-key ratcheting itself.
package x3dh

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"

	"securemsg/internal/aead"
)

var (
	ErrX3DHBadSignature = errors.New("x3dh: signed prekey signature verification failed")
	ErrX3DHOpkMissing   = errors.New("x3dh: referenced one-time prekey is not held")
	ErrNilDevice        = errors.New("x3dh: nil device")
	ErrNilBundle        = errors.New("x3dh: nil bundle")
	ErrNilHandshake     = errors.New("x3dh: nil handshake message")
)

const hkdfInfoX3DH = "x3dh/v1"

var (
	randMu  sync.RWMutex
	randSrc io.Reader = rand.Reader
)

// UseDeterministicRandom swaps the randomness source used for generating
// ephemeral and one-time keys, for deterministic tests. Returns a restore
// function.
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

// KeyPair is a raw X25519 key pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// Identity is a device's long-term Ed25519 signing key plus its X25519
// (birationally-mapped) DH counterpart, as published in every prekey
// bundle.
type Identity struct {
	SigningPublic  ed25519.PublicKey
	SigningPrivate ed25519.PrivateKey
	DHPrivate      [32]byte
	DHPublic       [32]byte
}

// OneTimePrekey is a single-use prekey held privately until consumed by a
// responder.
type OneTimePrekey struct {
	ID      uint32
	KeyPair KeyPair
}

// Device holds all local X3DH key material for one endpoint.
type Device struct {
	Identity     Identity
	SignedPrekey KeyPair
	SignedSig    []byte

	mu        sync.Mutex
	oneTime   map[uint32]OneTimePrekey
	nextOTKID uint32
}

// KeyBundle is the published X3DH material for one peer (spec §3 KeyBundle).
type KeyBundle struct {
	IdentityKey        [32]byte
	IdentitySigningKey ed25519.PublicKey
	SignedPrekey       [32]byte
	SignedPrekeySig    []byte
	OneTimePrekeys     []PublicOTK
}

// PublicOTK is the public half of a published one-time prekey.
type PublicOTK struct {
	ID     uint32
	Public [32]byte
}

// HandshakeMessage is the initiator's X3DH contribution sent alongside the
// first DR packet so the responder can recompute the shared secret.
type HandshakeMessage struct {
	IdentityKey        [32]byte
	IdentitySigningKey []byte
	EphemeralKey       [32]byte
	OneTimePrekeyID    *uint32
}

// GenerateDevice creates a fresh identity key pair and an initial signed
// prekey.
func GenerateDevice() (*Device, error) {
	seed := make([]byte, ed25519.SeedSize)
	if err := readRandom(seed); err != nil {
		return nil, fmt.Errorf("%w: %v", aead.ErrCryptoOpFailed, err)
	}
	signPriv := ed25519.NewKeyFromSeed(seed)
	signPub := signPriv.Public().(ed25519.PublicKey)

	dhPriv := ed25519PrivToCurve25519(signPriv)
	dhPubSlice, err := curve25519.X25519(dhPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", aead.ErrCryptoOpFailed, err)
	}
	var dhPub [32]byte
	copy(dhPub[:], dhPubSlice)

	dev := &Device{
		Identity: Identity{
			SigningPublic:  append(ed25519.PublicKey(nil), signPub...),
			SigningPrivate: append(ed25519.PrivateKey(nil), signPriv...),
			DHPrivate:      dhPriv,
			DHPublic:       dhPub,
		},
		oneTime:   make(map[uint32]OneTimePrekey),
		nextOTKID: 1,
	}
	if err := dev.RotateSignedPrekey(); err != nil {
		return nil, err
	}
	return dev, nil
}

// RotateSignedPrekey generates a new signed prekey, signing it with the
// device's long-term identity key.
func (d *Device) RotateSignedPrekey() error {
	kp, err := generateX25519KeyPair()
	if err != nil {
		return err
	}
	d.SignedPrekey = kp
	d.SignedSig = ed25519.Sign(d.Identity.SigningPrivate, kp.Public[:])
	return nil
}

// PublishBundle produces a shareable bundle with the requested number of
// fresh one-time prekeys, retaining the private halves locally.
func (d *Device) PublishBundle(oneTimeCount int) (*KeyBundle, error) {
	if d == nil {
		return nil, ErrNilDevice
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	bundle := &KeyBundle{
		IdentityKey:        d.Identity.DHPublic,
		IdentitySigningKey: append(ed25519.PublicKey(nil), d.Identity.SigningPublic...),
		SignedPrekey:       d.SignedPrekey.Public,
		SignedPrekeySig:    append([]byte(nil), d.SignedSig...),
	}
	if oneTimeCount < 0 {
		oneTimeCount = 0
	}
	for i := 0; i < oneTimeCount; i++ {
		kp, err := generateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		id := d.nextOTKID
		d.nextOTKID++
		d.oneTime[id] = OneTimePrekey{ID: id, KeyPair: kp}
		bundle.OneTimePrekeys = append(bundle.OneTimePrekeys, PublicOTK{ID: id, Public: kp.Public})
	}
	return bundle, nil
}

// InitiateResult is the output of Initiate: the initial root key, the
// initial send-chain key (both derived from the same HKDF stretch of the
// X3DH shared secret, matching the teacher's combined root+chain output),
// the sender's fresh ephemeral key pair, and the handshake message the
// responder needs.
type InitiateResult struct {
	InitialRK    [32]byte
	InitialChain [32]byte
	Ephemeral    KeyPair
	OpkID        *uint32
	Handshake    *HandshakeMessage
}

// Initiate performs the X3DH handshake as the sender (spec §4.B). It
// selects one OTK from the bundle if present, computes the four
// Diffie-Hellmans in fixed order, and derives the initial root+chain key
// pair via HKDF.
func Initiate(d *Device, bundle *KeyBundle) (*InitiateResult, error) {
	if d == nil {
		return nil, ErrNilDevice
	}
	if bundle == nil {
		return nil, ErrNilBundle
	}
	if err := verifyBundleSignature(bundle); err != nil {
		return nil, err
	}
	ephemeral, err := generateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	var otk *PublicOTK
	if len(bundle.OneTimePrekeys) > 0 {
		otk = &bundle.OneTimePrekeys[0]
	}
	secret, err := dhConcatInitiator(d, bundle, ephemeral, otk)
	if err != nil {
		return nil, err
	}
	rk, ck, err := deriveInitialKeys(secret)
	if err != nil {
		return nil, err
	}
	var opkID *uint32
	if otk != nil {
		id := otk.ID
		opkID = &id
	}
	return &InitiateResult{
		InitialRK:    rk,
		InitialChain: ck,
		Ephemeral:    ephemeral,
		OpkID:        opkID,
		Handshake: &HandshakeMessage{
			IdentityKey:        d.Identity.DHPublic,
			IdentitySigningKey: append([]byte(nil), d.Identity.SigningPublic...),
			EphemeralKey:       ephemeral.Public,
			OneTimePrekeyID:    opkID,
		},
	}, nil
}

// RespondResult is the output of Respond.
type RespondResult struct {
	InitialRK    [32]byte
	InitialChain [32]byte
}

// Respond finalises the X3DH handshake as the receiver, consuming the named
// one-time prekey if the initiator referenced one.
func Respond(d *Device, msg *HandshakeMessage) (*RespondResult, error) {
	if d == nil {
		return nil, ErrNilDevice
	}
	if msg == nil {
		return nil, ErrNilHandshake
	}
	d.mu.Lock()
	var otk *KeyPair
	if msg.OneTimePrekeyID != nil {
		entry, ok := d.oneTime[*msg.OneTimePrekeyID]
		if !ok {
			d.mu.Unlock()
			return nil, ErrX3DHOpkMissing
		}
		kp := entry.KeyPair
		otk = &kp
		delete(d.oneTime, *msg.OneTimePrekeyID)
	}
	d.mu.Unlock()

	secret, err := dhConcatResponder(d, msg, otk)
	if err != nil {
		return nil, err
	}
	rk, ck, err := deriveInitialKeys(secret)
	if err != nil {
		return nil, err
	}
	return &RespondResult{InitialRK: rk, InitialChain: ck}, nil
}

func verifyBundleSignature(bundle *KeyBundle) error {
	if len(bundle.IdentitySigningKey) != ed25519.PublicKeySize {
		return ErrX3DHBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(bundle.IdentitySigningKey), bundle.SignedPrekey[:], bundle.SignedPrekeySig) {
		return ErrX3DHBadSignature
	}
	return nil
}

func dhConcatInitiator(d *Device, bundle *KeyBundle, eph KeyPair, otk *PublicOTK) ([]byte, error) {
	dh1, err := curve25519.X25519(d.Identity.DHPrivate[:], bundle.SignedPrekey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", aead.ErrCryptoOpFailed, err)
	}
	dh2, err := curve25519.X25519(eph.Private[:], bundle.IdentityKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", aead.ErrCryptoOpFailed, err)
	}
	dh3, err := curve25519.X25519(eph.Private[:], bundle.SignedPrekey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", aead.ErrCryptoOpFailed, err)
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if otk != nil {
		dh4, err := curve25519.X25519(eph.Private[:], otk.Public[:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", aead.ErrCryptoOpFailed, err)
		}
		secret = append(secret, dh4...)
	}
	return secret, nil
}

func dhConcatResponder(d *Device, msg *HandshakeMessage, otk *KeyPair) ([]byte, error) {
	dh1, err := curve25519.X25519(d.SignedPrekey.Private[:], msg.IdentityKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", aead.ErrCryptoOpFailed, err)
	}
	dh2, err := curve25519.X25519(d.Identity.DHPrivate[:], msg.EphemeralKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", aead.ErrCryptoOpFailed, err)
	}
	dh3, err := curve25519.X25519(d.SignedPrekey.Private[:], msg.EphemeralKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", aead.ErrCryptoOpFailed, err)
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if otk != nil {
		dh4, err := curve25519.X25519(otk.Private[:], msg.EphemeralKey[:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", aead.ErrCryptoOpFailed, err)
		}
		secret = append(secret, dh4...)
	}
	return secret, nil
}

func deriveInitialKeys(secret []byte) (rk [32]byte, ck [32]byte, err error) {
	return aead.HKDFExpand2(secret, nil, hkdfInfoX3DH)
}

// DeviceState is the durable, JSON-serialisable form of a Device,
// base64-encoding every key the same way the underlying binary fields are
// held in memory.
type DeviceState struct {
	SigningPrivate    []byte                    `json:"signingPrivate"`
	SigningPublic     []byte                    `json:"signingPublic"`
	DHPrivate         []byte                    `json:"dhPrivate"`
	DHPublic          []byte                    `json:"dhPublic"`
	SignedPrekeyPriv  []byte                    `json:"signedPrekeyPrivate"`
	SignedPrekeyPub   []byte                    `json:"signedPrekeyPublic"`
	SignedSig         []byte                    `json:"signedSig"`
	OneTime           map[uint32]KeyPairState   `json:"oneTime,omitempty"`
	NextOTKID         uint32                    `json:"nextOtkId"`
}

// KeyPairState is the durable form of a KeyPair.
type KeyPairState struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// Export renders a Device into its durable form so a CLI/shell can persist
// identity material across process restarts.
func Export(d *Device) (*DeviceState, error) {
	if d == nil {
		return nil, ErrNilDevice
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	state := &DeviceState{
		SigningPrivate:   append([]byte(nil), d.Identity.SigningPrivate...),
		SigningPublic:    append([]byte(nil), d.Identity.SigningPublic...),
		DHPrivate:        append([]byte(nil), d.Identity.DHPrivate[:]...),
		DHPublic:         append([]byte(nil), d.Identity.DHPublic[:]...),
		SignedPrekeyPriv: append([]byte(nil), d.SignedPrekey.Private[:]...),
		SignedPrekeyPub:  append([]byte(nil), d.SignedPrekey.Public[:]...),
		SignedSig:        append([]byte(nil), d.SignedSig...),
		OneTime:          make(map[uint32]KeyPairState, len(d.oneTime)),
		NextOTKID:        d.nextOTKID,
	}
	for id, entry := range d.oneTime {
		state.OneTime[id] = KeyPairState{
			Private: append([]byte(nil), entry.KeyPair.Private[:]...),
			Public:  append([]byte(nil), entry.KeyPair.Public[:]...),
		}
	}
	if len(state.OneTime) == 0 {
		state.OneTime = nil
	}
	return state, nil
}

// ImportDevice reconstructs a Device from its durable form.
func ImportDevice(state *DeviceState) (*Device, error) {
	if state == nil {
		return nil, errors.New("x3dh: nil device state")
	}
	d := &Device{
		Identity: Identity{
			SigningPublic:  append(ed25519.PublicKey(nil), state.SigningPublic...),
			SigningPrivate: append(ed25519.PrivateKey(nil), state.SigningPrivate...),
		},
		SignedSig: append([]byte(nil), state.SignedSig...),
		oneTime:   make(map[uint32]OneTimePrekey, len(state.OneTime)),
		nextOTKID: state.NextOTKID,
	}
	copy(d.Identity.DHPrivate[:], state.DHPrivate)
	copy(d.Identity.DHPublic[:], state.DHPublic)
	copy(d.SignedPrekey.Private[:], state.SignedPrekeyPriv)
	copy(d.SignedPrekey.Public[:], state.SignedPrekeyPub)
	for id, kp := range state.OneTime {
		var entry OneTimePrekey
		entry.ID = id
		copy(entry.KeyPair.Private[:], kp.Private)
		copy(entry.KeyPair.Public[:], kp.Public)
		d.oneTime[id] = entry
	}
	return d, nil
}

func ed25519PrivToCurve25519(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var out [32]byte
	copy(out[:], h[:32])
	return out
}

func generateX25519KeyPair() (KeyPair, error) {
	var priv [32]byte
	if err := readRandom(priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", aead.ErrCryptoOpFailed, err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", aead.ErrCryptoOpFailed, err)
	}
	var kp KeyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return kp, nil
}

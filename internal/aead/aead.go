// Package aead implements the sealed-envelope AEAD/KDF primitives used by
// every other component: AES-256-GCM message sealing, HKDF-SHA256 chain and
// root-key derivation, and Argon2id password wrapping of the local master
// key. Nothing above this package is allowed to touch raw key bytes without
// going through here.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Error kinds from spec §4.A / §7. Callers match on these with errors.Is;
// they are never swallowed into nil.
var (
	ErrCryptoOpFailed         = errors.New("aead: crypto operation failed")
	ErrEnvelopeInfoTagMismatch = errors.New("aead: envelope info tag mismatch")
	ErrKeyUnavailable         = errors.New("aead: key unavailable")
)

// Closed vocabulary of HKDF info tags. A sealed envelope only opens when its
// info_tag is in the caller-supplied allow-list, and the allow-list itself
// must be drawn from this set.
const (
	InfoTagOutboxDR      = "outbox-dr/v1"
	InfoTagSettings      = "settings/v1"
	InfoTagMedia         = "media/v1"
	InfoTagMediaChunk    = "media/chunk-v1"
	InfoTagMediaManifest = "media/manifest-v1"
)

var knownInfoTags = map[string]bool{
	InfoTagOutboxDR:      true,
	InfoTagSettings:      true,
	InfoTagMedia:         true,
	InfoTagMediaChunk:    true,
	InfoTagMediaManifest: true,
}

// KeyType distinguishes envelopes sealed under a derived message key from
// those sealed directly under a shared secret (the latter is not used by
// this module today but kept so the wire format can round-trip values
// produced by other components without losing the field).
type KeyType string

const (
	KeyTypeMK     KeyType = "mk"
	KeyTypeShared KeyType = "shared"
)

// Envelope is the sealed-value wire format for private material: DR
// snapshots, settings, profile blobs. v and aead are fixed; info_tag is the
// domain separator checked against the caller's allow-list at open time.
type Envelope struct {
	V       int     `json:"v"`
	AEADAlg string  `json:"aead"`
	IVB64   string  `json:"iv_b64"`
	SaltB64 string  `json:"hkdf_salt_b64"`
	InfoTag string  `json:"info_tag"`
	CTB64   string  `json:"ct_b64"`
	KeyType KeyType `json:"key_type"`
}

// SealMK seals plaintext under a key derived from mk via HKDF-SHA256 with a
// fresh random salt and the given info tag. info tag must be one of the
// closed vocabulary constants above.
func SealMK(mk [32]byte, infoTag string, plaintext []byte) (*Envelope, error) {
	if !knownInfoTags[infoTag] {
		return nil, fmt.Errorf("%w: unknown info tag %q", ErrEnvelopeInfoTagMismatch, infoTag)
	}
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	key, err := derive(mk[:], salt, infoTag)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	ct, err := sealGCM(key, iv, plaintext, nil)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		V:       1,
		AEADAlg: "aes-256-gcm",
		IVB64:   base64.StdEncoding.EncodeToString(iv),
		SaltB64: base64.StdEncoding.EncodeToString(salt),
		InfoTag: infoTag,
		CTB64:   base64.StdEncoding.EncodeToString(ct),
		KeyType: KeyTypeMK,
	}, nil
}

// OpenMK opens an envelope previously produced by SealMK. The envelope's
// info_tag must appear in allowedTags or the open fails closed with
// ErrEnvelopeInfoTagMismatch before any key derivation is attempted.
func OpenMK(mk [32]byte, env *Envelope, allowedTags ...string) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrCryptoOpFailed)
	}
	if !tagAllowed(env.InfoTag, allowedTags) {
		return nil, fmt.Errorf("%w: envelope tag %q not in allow-list", ErrEnvelopeInfoTagMismatch, env.InfoTag)
	}
	salt, err := base64.StdEncoding.DecodeString(env.SaltB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode salt: %v", ErrCryptoOpFailed, err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IVB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode iv: %v", ErrCryptoOpFailed, err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.CTB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", ErrCryptoOpFailed, err)
	}
	key, err := derive(mk[:], salt, env.InfoTag)
	if err != nil {
		return nil, err
	}
	pt, err := openGCM(key, iv, ct, nil)
	if err != nil {
		return nil, err
	}
	return pt, nil
}

func tagAllowed(tag string, allowed []string) bool {
	for _, a := range allowed {
		if a == tag {
			return true
		}
	}
	return false
}

func derive(secret, salt []byte, infoTag string) ([32]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, []byte(infoTag))
	var key [32]byte
	if _, err := io.ReadFull(hk, key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("%w: hkdf: %v", ErrCryptoOpFailed, err)
	}
	return key, nil
}

func sealGCM(key [32]byte, iv, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	return gcm.Seal(nil, iv, plaintext, aad), nil
}

func openGCM(key [32]byte, iv, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	pt, err := gcm.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm open: %v", ErrCryptoOpFailed, err)
	}
	return pt, nil
}

// SealMessage/OpenMessage are the raw (non-envelope) AEAD primitives used by
// the DR engine to seal plaintext under a freshly derived per-message key.
// They skip the Envelope wrapper entirely: the DR packet header already
// carries everything needed to reconstruct context, and the message key is
// single-use so no salt is required.
func SealMessage(mk [32]byte, iv [12]byte, plaintext, aad []byte) ([]byte, error) {
	return sealGCM(mk, iv[:], plaintext, aad)
}

func OpenMessage(mk [32]byte, iv [12]byte, ciphertext, aad []byte) ([]byte, error) {
	return openGCM(mk, iv[:], ciphertext, aad)
}

// HKDFRoot implements the root-key advance: (rk', ck') = HKDF(rk, DH, info="dr-root/v1").
func HKDFRoot(rk [32]byte, dh []byte) (newRK [32]byte, newCK [32]byte, err error) {
	hk := hkdf.New(sha256.New, dh, rk[:], []byte("dr-root/v1"))
	if _, err = io.ReadFull(hk, newRK[:]); err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("%w: hkdf root: %v", ErrCryptoOpFailed, err)
	}
	if _, err = io.ReadFull(hk, newCK[:]); err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("%w: hkdf root: %v", ErrCryptoOpFailed, err)
	}
	return newRK, newCK, nil
}

// HKDFExpand2 reads two 32-byte outputs from HKDF-SHA256(secret, salt, info).
// HKDFRoot and HKDFChain build their own HKDF readers; this helper is used
// by the X3DH bootstrap to derive its (root, chain) pair under a distinct
// domain-separated info tag.
func HKDFExpand2(secret, salt []byte, info string) (a [32]byte, b [32]byte, err error) {
	hk := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err = io.ReadFull(hk, a[:]); err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("%w: hkdf: %v", ErrCryptoOpFailed, err)
	}
	if _, err = io.ReadFull(hk, b[:]); err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("%w: hkdf: %v", ErrCryptoOpFailed, err)
	}
	return a, b, nil
}

// HKDFChain implements the chain step: (ck', mk) = HKDF(ck, "", info="dr-chain/v1").
func HKDFChain(ck [32]byte) (newCK [32]byte, mk [32]byte, err error) {
	hk := hkdf.New(sha256.New, ck[:], nil, []byte("dr-chain/v1"))
	if _, err = io.ReadFull(hk, newCK[:]); err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("%w: hkdf chain: %v", ErrCryptoOpFailed, err)
	}
	if _, err = io.ReadFull(hk, mk[:]); err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("%w: hkdf chain: %v", ErrCryptoOpFailed, err)
	}
	return newCK, mk, nil
}

// Argon2Params are the domain-separated Argon2id parameters used to wrap the
// local master key under a user password. The version tag lets a future
// rewrap recognise and upgrade old parameter sets.
type Argon2Params struct {
	Version     int    `json:"v"`
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory_kib"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultArgon2Params are tuned for an interactive login path on a laptop or
// phone, not a server: low enough to keep logins snappy.
var DefaultArgon2Params = Argon2Params{Version: 1, Time: 3, MemoryKiB: 64 * 1024, Parallelism: 2}

// WrappedMasterKey is the on-disk form of the password-wrapped master key.
type WrappedMasterKey struct {
	Params  Argon2Params `json:"params"`
	SaltB64 string       `json:"salt_b64"`
	IVB64   string       `json:"iv_b64"`
	CTB64   string       `json:"ct_b64"`
}

// WrapMasterKey derives a KEK from password via Argon2id with a fresh
// domain-separated salt and seals mk under it. Re-wrap on password change
// must call this again; it never reuses a salt.
func WrapMasterKey(password []byte, mk [32]byte, params Argon2Params) (*WrappedMasterKey, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	kek := argon2.IDKey(password, salt, params.Time, params.MemoryKiB, params.Parallelism, 32)
	var kekArr [32]byte
	copy(kekArr[:], kek)
	iv := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	ct, err := sealGCM(kekArr, iv, mk[:], []byte("master-key/v1"))
	if err != nil {
		return nil, err
	}
	return &WrappedMasterKey{
		Params:  params,
		SaltB64: base64.StdEncoding.EncodeToString(salt),
		IVB64:   base64.StdEncoding.EncodeToString(iv),
		CTB64:   base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// UnwrapMasterKey reverses WrapMasterKey. A wrong password surfaces as
// ErrKeyUnavailable rather than a raw GCM failure, since from the caller's
// perspective the key is simply not obtainable with that credential.
func UnwrapMasterKey(password []byte, w *WrappedMasterKey) ([32]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(w.SaltB64)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: decode salt: %v", ErrCryptoOpFailed, err)
	}
	iv, err := base64.StdEncoding.DecodeString(w.IVB64)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: decode iv: %v", ErrCryptoOpFailed, err)
	}
	ct, err := base64.StdEncoding.DecodeString(w.CTB64)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: decode ciphertext: %v", ErrCryptoOpFailed, err)
	}
	kek := argon2.IDKey(password, salt, w.Params.Time, w.Params.MemoryKiB, w.Params.Parallelism, 32)
	var kekArr [32]byte
	copy(kekArr[:], kek)
	pt, err := openGCM(kekArr, iv, ct, []byte("master-key/v1"))
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: wrong password or corrupt wrap", ErrKeyUnavailable)
	}
	var mk [32]byte
	copy(mk[:], pt)
	return mk, nil
}

// MarshalEnvelope/UnmarshalEnvelope let callers store envelopes as opaque
// strings (the session store and outbox both do).
func MarshalEnvelope(env *Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	return string(data), nil
}

func UnmarshalEnvelope(s string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoOpFailed, err)
	}
	return &env, nil
}

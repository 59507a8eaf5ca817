// Package sessionstore implements the explicit SessionStore value described
// by spec §9's "global session map → explicit context" design note: an
// in-memory peerKey→DrState map plus durable, redundant snapshot
// persistence so a crash between encrypt/decrypt calls never loses a
// session. Grounded on the teacher's services/crypto-core/state.go
// export/import shape, generalised to the spec's redundant locator
// cascade and corrupt-contact bookkeeping.
package sessionstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"securemsg/internal/aead"
	"securemsg/internal/observability/metrics"
	"securemsg/internal/ratchet"
	"securemsg/internal/storage"
)

var (
	ErrUnknownPeer    = errors.New("sessionstore: no DrState for peer")
	ErrSnapshotCorrupt = errors.New("sessionstore: snapshot checksum mismatch")
)

// Slot names for the locator cascade (spec §4.D / §9 "storage fallback
// cascade → builder"). Tried in this order at restore.
const (
	slotPrimary = "primary"
	slotLatest  = "latest"
	slotLegacy  = "legacy"
)

var locatorOrder = []string{slotPrimary, slotLatest, slotLegacy}

// BeforeClearHook runs synchronously before a peer's DrState is scrubbed
// from memory, so the current snapshot is guaranteed to be flushed first.
type BeforeClearHook func(peerKey string, snap *ratchet.Snapshot)

// Store is the explicit, passed-through session store (spec §9 design
// note), replacing the teacher's module-level session map. One Store is
// created per logged-in account.
type Store struct {
	db            *gorm.DB
	mk            [32]byte
	accountDigest string

	mu               sync.RWMutex
	sessions         map[string]*ratchet.DrState
	corruptContacts  map[string]string // peerKey -> reason
	beforeClearHooks []BeforeClearHook
}

// New constructs an empty Store bound to a local database and the unwrapped
// local master key used to seal/unseal snapshots.
func New(db *gorm.DB, accountDigest string, mk [32]byte) *Store {
	return &Store{
		db:              db,
		mk:              mk,
		accountDigest:   accountDigest,
		sessions:        make(map[string]*ratchet.DrState),
		corruptContacts: make(map[string]string),
	}
}

// RegisterBeforeClear adds a callback invoked with the outgoing snapshot
// immediately before a peer's state is cleared from memory.
func (s *Store) RegisterBeforeClear(hook BeforeClearHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeClearHooks = append(s.beforeClearHooks, hook)
}

// Put installs a freshly bootstrapped or restored DrState for peerKey. Used
// by the X3DH bootstrap and by restore.
func (s *Store) Put(peerKey string, state *ratchet.DrState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[peerKey] = state
}

// Get returns the live DrState for peerKey, or ErrUnknownPeer.
func (s *Store) Get(peerKey string) (*ratchet.DrState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sessions[peerKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerKey)
	}
	return state, nil
}

// Has reports whether a live session exists for peerKey without taking a
// reference to it.
func (s *Store) Has(peerKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[peerKey]
	return ok
}

// ClearDrState runs the before-clear hook (flushing the current snapshot to
// durable storage), then deletes peerKey's in-memory state (spec §4.D).
func (s *Store) ClearDrState(peerKey string) error {
	s.mu.Lock()
	state, ok := s.sessions[peerKey]
	hooks := append([]BeforeClearHook(nil), s.beforeClearHooks...)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	snap := ratchet.Export(state)
	for _, hook := range hooks {
		hook(peerKey, snap)
	}
	if err := s.persistSnapshot(peerKey, snap, slotPrimary); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.sessions, peerKey)
	s.mu.Unlock()
	return nil
}

// FlushSnapshot seals and persists the current state of peerKey without
// clearing it from memory, used by the periodic/visibility-change flush
// path (spec §4.G flushDrSnapshotsBeforeLogout).
func (s *Store) FlushSnapshot(peerKey string) error {
	state, err := s.Get(peerKey)
	if err != nil {
		return err
	}
	snap := ratchet.Export(state)
	return s.persistSnapshot(peerKey, snap, slotPrimary)
}

// FlushAll seals and persists every live session, continuing past
// individual failures and returning the last error encountered (flush is
// best-effort across the whole set; one corrupt entry must not block the
// rest).
func (s *Store) FlushAll() error {
	s.mu.RLock()
	peerKeys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		peerKeys = append(peerKeys, k)
	}
	s.mu.RUnlock()

	var lastErr error
	for _, peerKey := range peerKeys {
		if err := s.FlushSnapshot(peerKey); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (s *Store) persistSnapshot(peerKey string, snap *ratchet.Snapshot, slot string) error {
	plaintext, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal snapshot: %w", err)
	}
	env, err := aead.SealMK(s.mk, aead.InfoTagOutboxDR, plaintext)
	if err != nil {
		return err
	}
	sealed, err := aead.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(sealed))
	checksum := hex.EncodeToString(sum[:])

	now := time.Now()
	rec := storage.SessionSnapshotRecord{PeerKey: peerKey, Slot: slot, Envelope: sealed, UpdatedAt: now}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("sessionstore: persist snapshot: %w", err)
	}
	// Mirror into the per-login "latest" slot per spec §4.D's redundant
	// locator pair.
	latest := storage.SessionSnapshotRecord{PeerKey: peerKey, Slot: slotLatest, Envelope: sealed, UpdatedAt: now}
	if err := s.db.Save(&latest).Error; err != nil {
		return fmt.Errorf("sessionstore: persist latest snapshot: %w", err)
	}

	checksumRec := storage.SessionChecksumRecord{PeerKey: peerKey, Slot: slotPrimary, Checksum: checksum, Algorithm: "sha-256"}
	if err := s.db.Save(&checksumRec).Error; err != nil {
		return fmt.Errorf("sessionstore: persist checksum: %w", err)
	}

	return s.updateMeta()
}

func (s *Store) updateMeta() error {
	var count int64
	if err := s.db.Model(&storage.SessionSnapshotRecord{}).Where("slot = ?", slotPrimary).Count(&count).Error; err != nil {
		return fmt.Errorf("sessionstore: count snapshots: %w", err)
	}
	var totalBytes int64
	var rows []storage.SessionSnapshotRecord
	if err := s.db.Where("slot = ?", slotPrimary).Find(&rows).Error; err != nil {
		return fmt.Errorf("sessionstore: scan snapshot bytes: %w", err)
	}
	for _, r := range rows {
		totalBytes += int64(len(r.Envelope))
	}
	meta := storage.SessionMetaRecord{
		AccountDigest: s.accountDigest,
		Entries:       int(count),
		Bytes:         int(totalBytes),
		WithDrState:   count > 0,
		Source:        "flush",
		Ts:            time.Now(),
	}
	return s.db.Save(&meta).Error
}

// RestoreAll hydrates every durable snapshot into memory at login, trying
// the locator cascade primary→latest→legacy for each peerKey and recording
// a corrupt-contact entry (rather than discarding the peer) on checksum
// mismatch (spec §4.D restore semantics).
func (s *Store) RestoreAll() (restored int, corrupt int, err error) {
	var rows []storage.SessionSnapshotRecord
	if err := s.db.Where("slot = ?", slotPrimary).Find(&rows).Error; err != nil {
		return 0, 0, fmt.Errorf("sessionstore: list snapshots: %w", err)
	}
	for _, row := range rows {
		_, restoredOne, err := s.restorePeer(row.PeerKey)
		if err != nil {
			return restored, corrupt, err
		}
		if restoredOne {
			restored++
			metrics.SessionRestoreOutcomesTotal.WithLabelValues("restored").Inc()
		} else {
			corrupt++
			metrics.SessionRestoreOutcomesTotal.WithLabelValues("corrupt").Inc()
		}
	}
	return restored, corrupt, nil
}

// restorePeer tries the locator cascade for a single peerKey.
func (s *Store) restorePeer(peerKey string) (*ratchet.DrState, bool, error) {
	for _, slot := range locatorOrder {
		var rec storage.SessionSnapshotRecord
		err := s.db.Where("peer_key = ? AND slot = ?", peerKey, slot).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("sessionstore: query slot %s: %w", slot, err)
		}

		if slot == slotPrimary {
			var checksumRec storage.SessionChecksumRecord
			if err := s.db.Where("peer_key = ? AND slot = ?", peerKey, slotPrimary).First(&checksumRec).Error; err == nil {
				sum := sha256.Sum256([]byte(rec.Envelope))
				if hex.EncodeToString(sum[:]) != checksumRec.Checksum {
					s.mu.Lock()
					s.corruptContacts[peerKey] = "checksum mismatch on primary snapshot"
					s.mu.Unlock()
					return nil, false, nil
				}
			}
		}

		env, err := aead.UnmarshalEnvelope(rec.Envelope)
		if err != nil {
			s.mu.Lock()
			s.corruptContacts[peerKey] = "malformed envelope"
			s.mu.Unlock()
			return nil, false, nil
		}
		plaintext, err := aead.OpenMK(s.mk, env, aead.InfoTagOutboxDR)
		if err != nil {
			s.mu.Lock()
			s.corruptContacts[peerKey] = "unseal failed: " + err.Error()
			s.mu.Unlock()
			return nil, false, nil
		}
		var snap ratchet.Snapshot
		if err := json.Unmarshal(plaintext, &snap); err != nil {
			s.mu.Lock()
			s.corruptContacts[peerKey] = "malformed snapshot payload"
			s.mu.Unlock()
			return nil, false, nil
		}
		state := ratchet.Import(&snap)
		s.Put(peerKey, state)
		return state, true, nil
	}
	return nil, false, nil
}

// CorruptContacts returns a copy of the peerKey→reason map accumulated by
// RestoreAll, for the UI's "backup damaged, re-sync required" surfacing.
func (s *Store) CorruptContacts() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.corruptContacts))
	for k, v := range s.corruptContacts {
		out[k] = v
	}
	return out
}

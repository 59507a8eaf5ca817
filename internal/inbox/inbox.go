// Package inbox implements the gap reconciler (spec §4.F): dedup of
// inbound deliveries, in-order DR decryption with placeholder synthesis
// for detected gaps, deletion-cursor tombstoning, and the closed set of
// control-message subtypes. Grounded on the teacher's inbound dispatch in
// services/messages/pkg/msgclient/client.go's runListen/handleInbound
// loop, restructured from a single synchronous decrypt into an
// order-reconciling pipeline per spec §4.F.
package inbox

import (
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"securemsg/internal/observability/metrics"
	"securemsg/internal/ratchet"
	"securemsg/internal/storage"
)

// PlaceholderRevealDelay is how long the UI waits before fading a
// placeholder in, per spec §4.F step 3.
const PlaceholderRevealDelay = 600 * time.Millisecond

// ControlSubtype is the closed vocabulary of DR-envelope control messages
// the reconciler consumes before UI fan-out (spec §4.F).
type ControlSubtype string

const (
	ControlConversationDeleted ControlSubtype = "conversation-deleted"
	ControlProfileUpdate       ControlSubtype = "profile-update"
	ControlContactRemoved      ControlSubtype = "contact-removed"
	ControlReceipt             ControlSubtype = "receipt"
)

// MsgType distinguishes a normal message from a placeholder or a failed
// backfill (spec §4.F step 3/4).
type MsgType string

const (
	MsgTypeNormal      MsgType = "normal"
	MsgTypePlaceholder MsgType = "placeholder"
	MsgTypeFailed      MsgType = "failed"
	MsgTypeControl     MsgType = "control"
)

// Delivery is one inbound item, arriving either over the live push
// transport or a b-route catch-up pull.
type Delivery struct {
	ConversationID  string
	ServerMessageID string
	MessageID       string
	Ts              time.Time
	Counter         int64
	Packet          *ratchet.Packet
	ControlSubtype  ControlSubtype // set only when the DR plaintext is a control message
}

// Message is what the reconciler hands to the UI after processing.
type Message struct {
	ConversationID string
	MessageID      string
	Counter        int64
	Type           MsgType
	Plaintext      []byte
	ControlSubtype ControlSubtype
	RevealAt       time.Time
}

// BRoutePuller schedules a catch-up pull over a counter range; the
// reconciler never performs the HTTP fetch itself.
type BRoutePuller interface {
	PullRange(conversationID string, from, to int64)
}

// CursorSource reports the local deletion cursor for a conversation so the
// reconciler can tombstone already-deleted counters (spec §4.F step 5).
type CursorSource interface {
	DeletionCursor(conversationID string) int64
}

type conversationState struct {
	mu               sync.Mutex
	nextExpected     int64
	highestObserved  int64
	placeholders     map[int64]Message
}

// Reconciler is the gap-aware, order-restoring inbox pipeline.
type Reconciler struct {
	db      *gorm.DB
	store   SessionGetter
	puller  BRoutePuller
	cursors CursorSource

	mu     sync.Mutex
	convos map[string]*conversationState
}

// SessionGetter is the narrow slice of sessionstore.Store the reconciler
// needs: a live DrState per peerKey.
type SessionGetter interface {
	Get(peerKey string) (*ratchet.DrState, error)
}

// New constructs a Reconciler.
func New(db *gorm.DB, store SessionGetter, puller BRoutePuller, cursors CursorSource) *Reconciler {
	return &Reconciler{db: db, store: store, puller: puller, cursors: cursors, convos: make(map[string]*conversationState)}
}

func (r *Reconciler) convoState(conversationID string) *conversationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.convos[conversationID]
	if !ok {
		cs = &conversationState{placeholders: make(map[int64]Message)}
		r.convos[conversationID] = cs
	}
	return cs
}

// Deliver processes one inbound Delivery: dedups, honours the deletion
// cursor, detects gaps, and decrypts through the DR engine in counter
// order. peerKey identifies the DrState to decrypt against.
func (r *Reconciler) Deliver(peerKey string, d Delivery, decOpts ratchet.DecryptOptions) (*Message, error) {
	var existing storage.InboxProcessedRecord
	err := r.db.First(&existing, "conversation_id = ? AND server_message_id = ?", d.ConversationID, d.ServerMessageID).Error
	if err == nil {
		return nil, nil // already processed; safe no-op per spec §5 idempotent decrypt
	}
	if !isNotFound(err) {
		return nil, err
	}

	if r.cursors != nil && d.Counter <= r.cursors.DeletionCursor(d.ConversationID) {
		return nil, nil // tombstoned: never surfaces after restore (spec §4.F step 5, P11)
	}

	cs := r.convoState(d.ConversationID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if d.Counter > cs.highestObserved {
		cs.highestObserved = d.Counter
	}
	if d.Counter > cs.nextExpected+1 {
		metrics.InboxGapsDetectedTotal.WithLabelValues().Inc()
		r.emitPlaceholders(cs, d.ConversationID, cs.nextExpected, d.Counter-1)
		if r.puller != nil {
			r.puller.PullRange(d.ConversationID, cs.nextExpected, d.Counter)
		}
	}

	state, err := r.store.Get(peerKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := ratchet.Decrypt(state, d.Packet, decOpts)
	if err != nil {
		metrics.DrDecryptFailuresTotal.WithLabelValues(decryptFailureReason(err)).Inc()
		return nil, err
	}

	if err := r.db.Create(&storage.InboxProcessedRecord{
		ConversationID:  d.ConversationID,
		ServerMessageID: d.ServerMessageID,
		MessageID:       d.MessageID,
		ProcessedAt:     time.Now(),
	}).Error; err != nil {
		return nil, err
	}

	delete(cs.placeholders, d.Counter)
	if d.Counter+1 > cs.nextExpected {
		cs.nextExpected = d.Counter + 1
	}

	msg := &Message{
		ConversationID: d.ConversationID,
		MessageID:      d.MessageID,
		Counter:        d.Counter,
		Type:           MsgTypeNormal,
		Plaintext:      plaintext,
		ControlSubtype: d.ControlSubtype,
	}
	if d.ControlSubtype != "" {
		msg.Type = MsgTypeControl
	}
	return msg, nil
}

func (r *Reconciler) emitPlaceholders(cs *conversationState, conversationID string, from, to int64) {
	revealAt := time.Now().Add(PlaceholderRevealDelay)
	for c := from; c <= to; c++ {
		if _, ok := cs.placeholders[c]; ok {
			continue
		}
		cs.placeholders[c] = Message{
			ConversationID: conversationID,
			Counter:        c,
			Type:           MsgTypePlaceholder,
			RevealAt:       revealAt,
		}
	}
}

// ResolveBRouteFailure flips any still-pending placeholders in [from, to]
// to failed, except where the failure is LOCKED (transient and excluded
// per spec §4.F step 4).
func (r *Reconciler) ResolveBRouteFailure(conversationID string, from, to int64, code string) {
	if code == "LOCKED" {
		return
	}
	cs := r.convoState(conversationID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for c := from; c <= to; c++ {
		if ph, ok := cs.placeholders[c]; ok {
			ph.Type = MsgTypeFailed
			cs.placeholders[c] = ph
		}
	}
}

// PendingPlaceholders returns the current placeholder set for a
// conversation, ordered by counter, for UI rendering.
func (r *Reconciler) PendingPlaceholders(conversationID string) []Message {
	cs := r.convoState(conversationID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]Message, 0, len(cs.placeholders))
	for _, m := range cs.placeholders {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Counter < out[j].Counter })
	return out
}

func isNotFound(err error) bool {
	return err == gorm.ErrRecordNotFound
}

// decryptFailureReason maps a ratchet.Decrypt error to a closed set of
// metric label values, so a crypto-core bug can never smuggle an arbitrary
// high-cardinality string into the reason_code label.
func decryptFailureReason(err error) string {
	switch {
	case errors.Is(err, ratchet.ErrReplayDetected):
		return "replay_detected"
	case errors.Is(err, ratchet.ErrPnGapExceedsLimit):
		return "pn_gap_exceeds_limit"
	case errors.Is(err, ratchet.ErrSkipLimitExceeded):
		return "skip_limit_exceeded"
	case errors.Is(err, ratchet.ErrMessageKeyUnavailable):
		return "message_key_unavailable"
	case errors.Is(err, ratchet.ErrAADUnavailable):
		return "aad_unavailable"
	case errors.Is(err, ratchet.ErrCryptoOpFailed):
		return "crypto_op_failed"
	case errors.Is(err, ratchet.ErrNilSession):
		return "nil_session"
	case errors.Is(err, ratchet.ErrNilPacket):
		return "nil_packet"
	default:
		return "unknown"
	}
}

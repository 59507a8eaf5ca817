// Package lifecycle coordinates the login-hydrate sequence, the self-heal
// loop, and visibility/logout handling (spec §4.G), tying together
// internal/sessionstore, internal/outbox and internal/inbox into the
// single ordered startup/shutdown path the
// rest of the client drives. Grounded on the teacher's RunCLI/runInit
// sequencing in services/messages/pkg/msgclient/client.go, generalised
// from a flat one-shot CLI bootstrap into a resumable, event-emitting
// coordinator.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"securemsg/internal/inbox"
	"securemsg/internal/outbox"
	"securemsg/internal/sessionstore"
)

// Event is one of the closed-vocabulary lifecycle events emitted to the
// shell (spec §6).
type Event string

const (
	EventHydrationComplete  Event = "hydrationComplete"
	EventOutboxFatal        Event = "outbox-fatal"
	EventForceLogout        Event = "force-logout"
	EventSubscriptionGate   Event = "subscription:gate"
	EventContactsRestored   Event = "contactSecrets:restored"
)

// EventPayload is delivered alongside an Event; fields not relevant to a
// given event are left zero.
type EventPayload struct {
	Event  Event
	Error  string
	Reason string
}

// EventSink receives lifecycle events in emission order.
type EventSink func(EventPayload)

// RemoteBackup is the reconciliation collaborator for step 3 of hydrate:
// fetching and merging the remote contact backup. It is intentionally
// narrow so callers can stub it in tests without a live relay.
type RemoteBackup interface {
	FetchAndReconcile(ctx context.Context) error
}

// CatchUp drives the catch-up pulls in step 6 of hydrate, per
// conversation, using whatever cursor bookkeeping the caller maintains.
type CatchUp interface {
	RunCatchUpPulls(ctx context.Context) error
}

// Coordinator runs the fixed-order login hydrate sequence and owns the
// hydrationComplete gate that the WS message pump checks before acting on
// any inbound frame.
type Coordinator struct {
	store    *sessionstore.Store
	outbox   *outbox.Outbox
	inbox    *inbox.Reconciler
	backup   RemoteBackup
	catchUp  CatchUp
	logger   *slog.Logger
	sink     EventSink

	mu2               sync.RWMutex
	hydrationComplete bool

	redirectURL string
}

// New constructs a Coordinator. backup/catchUp may be nil if the caller
// has nothing to reconcile yet (e.g. first-ever login with no remote
// backup) — steps 3/6 become no-ops in that case.
func New(store *sessionstore.Store, ob *outbox.Outbox, ib *inbox.Reconciler, backup RemoteBackup, catchUp CatchUp, logger *slog.Logger, sink EventSink, redirectURL string) *Coordinator {
	if sink == nil {
		sink = func(EventPayload) {}
	}
	return &Coordinator{
		store:       store,
		outbox:      ob,
		inbox:       ib,
		backup:      backup,
		catchUp:     catchUp,
		logger:      logger,
		sink:        sink,
		redirectURL: redirectURL,
	}
}

// HydrationComplete reports whether the WS message pump may act on
// inbound frames yet.
func (c *Coordinator) HydrationComplete() bool {
	c.mu2.RLock()
	defer c.mu2.RUnlock()
	return c.hydrationComplete
}

// Hydrate runs the seven-step login sequence in order, emitting
// EventContactsRestored after step 1 succeeds and EventHydrationComplete
// once step 7 releases the gate. Only a step 1 restore failure stops the
// sequence; it is returned to the caller without setting the gate. Failures
// in steps 3, 4 and 6 are logged as warnings and the sequence continues.
func (c *Coordinator) Hydrate(ctx context.Context) error {
	// Step 1: restore contact secrets from primary then secondary slot.
	restored, corrupt, err := c.store.RestoreAll()
	if err != nil {
		return fmt.Errorf("lifecycle: restore contact secrets: %w", err)
	}
	c.logger.Info("contact secrets restored", slog.Int("restored", restored), slog.Int("corrupt", corrupt))
	c.sink(EventPayload{Event: EventContactsRestored})

	// Step 2: DR states are already hydrated into memory as a side effect
	// of RestoreAll — the store's in-memory map is populated synchronously
	// so any WS traffic arriving during step 3 finds a session.

	// Step 3: fetch remote contact backup and reconcile.
	if c.backup != nil {
		if err := c.backup.FetchAndReconcile(ctx); err != nil {
			c.logger.Warn("remote backup reconcile failed", slog.String("error", err.Error()))
		}
	}

	// Step 4: re-hydrate DR states from the merged set. The store already
	// holds the authoritative in-memory map after step 1/3; a second
	// RestoreAll picks up anything the reconcile step persisted.
	if _, _, err := c.store.RestoreAll(); err != nil {
		c.logger.Warn("re-hydrate after reconcile failed", slog.String("error", err.Error()))
	}

	// Step 5: load contacts — delegated to the caller's contact list
	// component, outside this package's scope; nothing to do here beyond
	// the session map already populated.

	// Step 6: catch-up pulls and outbox flush.
	if c.catchUp != nil {
		if err := c.catchUp.RunCatchUpPulls(ctx); err != nil {
			c.logger.Warn("catch-up pull failed", slog.String("error", err.Error()))
		}
	}
	c.outbox.Flush(ctx, "hydrate")

	// Step 7: release the gate.
	c.mu2.Lock()
	c.hydrationComplete = true
	c.mu2.Unlock()
	c.sink(EventPayload{Event: EventHydrationComplete})
	return nil
}

// HandleDecryptFailure implements the self-heal loop: any decrypt
// failure attributable to stale/missing DR state is recovered by
// restoring every persisted snapshot and re-running the catch-up pulls,
// not by surfacing a hard error. peerKey, conversationID and the counter
// range are not used to narrow either step.
func (c *Coordinator) HandleDecryptFailure(ctx context.Context, peerKey, conversationID string, fromCounter, toCounter int64) error {
	if _, _, err := c.store.RestoreAll(); err != nil {
		return fmt.Errorf("lifecycle: self-heal restore: %w", err)
	}
	if c.catchUp != nil {
		return c.catchUp.RunCatchUpPulls(ctx)
	}
	return nil
}

// FlushDrSnapshotsBeforeLogout seals and persists every in-memory peer
// session with a populated root key, the visibilitychange(hidden)
// handler from spec §4.G. It deliberately does not push a remote backup —
// doing so would race the next login's pull.
func (c *Coordinator) FlushDrSnapshotsBeforeLogout() error {
	if err := c.store.FlushAll(); err != nil {
		return fmt.Errorf("lifecycle: flush before logout: %w", err)
	}
	return nil
}

// KeyMaterialZeroizer clears in-memory secret material; callers supply
// the concrete hook since key custody lives outside this package.
type KeyMaterialZeroizer func()

// LocalCacheClearer clears local key-value caches, preserving the
// distinct contact-secrets key family so a subsequent login can restore
// from it.
type LocalCacheClearer func() error

// Navigator performs the final redirect once logout has torn everything
// down.
type Navigator func(redirectURL string)

// SecureLogout runs the full logout sequence: flush, zeroise, clear
// caches (preserving contact secrets), then navigate. Order matters — a
// failure partway through still leaves the flush durable.
func (c *Coordinator) SecureLogout(zeroize KeyMaterialZeroizer, clearCaches LocalCacheClearer, navigate Navigator) error {
	if err := c.FlushDrSnapshotsBeforeLogout(); err != nil {
		return err
	}
	if zeroize != nil {
		zeroize()
	}
	if clearCaches != nil {
		if err := clearCaches(); err != nil {
			return fmt.Errorf("lifecycle: clear local caches: %w", err)
		}
	}
	if navigate != nil {
		navigate(c.redirectURL)
	}
	return nil
}

// AutoLogoutAfter arranges secureLogout to run once the given idle
// duration elapses with no cancellation, matching the optional
// user-configured auto-logout timer described in spec §4.G. It returns a
// cancel func that stops the timer without running logout.
func (c *Coordinator) AutoLogoutAfter(d time.Duration, zeroize KeyMaterialZeroizer, clearCaches LocalCacheClearer, navigate Navigator) (cancel func()) {
	timer := time.AfterFunc(d, func() {
		if err := c.SecureLogout(zeroize, clearCaches, navigate); err != nil {
			c.logger.Error("auto logout failed", slog.String("error", err.Error()))
		}
	})
	return func() { timer.Stop() }
}

// EmitForceLogout reports a relay-initiated force-logout frame to the
// shell.
func (c *Coordinator) EmitForceLogout(reason string) {
	c.sink(EventPayload{Event: EventForceLogout, Reason: reason})
}

// EmitOutboxFatal reports the outbox's retry-exhaustion modal event.
func (c *Coordinator) EmitOutboxFatal(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.sink(EventPayload{Event: EventOutboxFatal, Error: msg})
}

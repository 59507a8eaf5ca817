// Command msgctl is the reference CLI front-end for the secure messaging
// core: device bootstrap, sending and receiving Double Ratchet messages,
// conversation deletion, and session restore. Grounded on the teacher's
// services/messages/pkg/msgctl entrypoint and
// services/messages/pkg/msgclient/client.go's RunCLI/flag.NewFlagSet
// subcommand dispatch, generalised from a one-shot send/listen pair into
// the full lifecycle-backed command set spec §4.G describes.
package main

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"securemsg/internal/aead"
	"securemsg/internal/config"
	"securemsg/internal/inbox"
	"securemsg/internal/keystore"
	"securemsg/internal/lifecycle"
	"securemsg/internal/observability/logging"
	"securemsg/internal/observability/metrics"
	"securemsg/internal/outbox"
	"securemsg/internal/ratchet"
	"securemsg/internal/sessionstore"
	"securemsg/internal/storage"
	"securemsg/internal/transport"
	"securemsg/internal/wire"
	"securemsg/internal/x3dh"
)

// newWakeupScheduler arms a one-shot timer that re-invokes Flush once the
// earliest not-due job becomes eligible. outbox.New needs a
// WakeupScheduler before the *outbox.Outbox it will call back into
// exists, so the scheduler closes over a pointer and is wired up after
// construction.
func newWakeupScheduler(ob **outbox.Outbox) outbox.WakeupScheduler {
	return func(at time.Time) {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		time.AfterFunc(d, func() {
			(*ob).Flush(context.Background(), "wakeup")
		})
	}
}

// startMetricsServer registers the service's curried metric vecs and
// serves them on /metrics, mirroring the teacher's per-service
// promhttp.Handler() route. Listen failures are logged, not fatal: a
// scrape endpoint going down must never take the messaging path with it.
func startMetricsServer(cfg config.Config, logger *slog.Logger) {
	if !cfg.MetricsEnabled {
		return
	}
	metrics.MustRegister(cfg.ServiceName)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server exited", slog.String("error", err.Error()))
		}
	}()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type usageError struct{}

func (usageError) Error() string {
	return "Usage: msgctl <init|bundle|send|listen|restore|delete-conversation> [options]"
}

func run(args []string) error {
	if len(args) < 1 {
		return usageError{}
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "init":
		return runInit(rest)
	case "bundle":
		return runBundle(rest)
	case "send":
		return runSend(rest)
	case "listen":
		return runListen(rest)
	case "restore":
		return runRestore(rest)
	case "delete-conversation":
		return runDeleteConversation(rest)
	default:
		return usageError{}
	}
}

// stateFile is the local account/device record persisted alongside the
// database, matching the teacher's own plaintext stateFile JSON for
// device identity (the master key itself never appears here — it lives
// wrapped, in internal/keystore).
type stateFile struct {
	AccountDigest string          `json:"accountDigest"`
	DeviceID      string          `json:"deviceId"`
	DBPath        string          `json:"dbPath"`
	RelayBaseURL  string          `json:"relayBaseUrl"`
	Device        *x3dh.DeviceState `json:"device"`
}

func statePath(cfg config.Config) string {
	if v := os.Getenv("SECUREMSG_STATE_PATH"); v != "" {
		return v
	}
	return "msgctl-state.json"
}

func loadState(path string) (*stateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &sf, nil
}

func (sf *stateFile) save(path string) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	accountDigest := fs.String("account", "", "account digest identifying this login")
	password := fs.String("password", "", "password used to wrap the local master key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *accountDigest == "" || *password == "" {
		return errors.New("init: --account and --password are required")
	}

	cfg := config.Load()
	path := statePath(cfg)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("init: state file already exists at %s", path)
	}

	dev, err := x3dh.GenerateDevice()
	if err != nil {
		return fmt.Errorf("init: generate device: %w", err)
	}
	devState, err := x3dh.Export(dev)
	if err != nil {
		return fmt.Errorf("init: export device: %w", err)
	}

	var mk [32]byte
	if _, err := io.ReadFull(cryptorand.Reader, mk[:]); err != nil {
		return fmt.Errorf("init: generate master key: %w", err)
	}
	wrapped, err := aead.WrapMasterKey([]byte(*password), mk, aead.DefaultArgon2Params)
	if err != nil {
		return fmt.Errorf("init: wrap master key: %w", err)
	}
	ks, err := keystore.New(cfg.KeyringServiceName)
	if err != nil {
		return fmt.Errorf("init: open keystore: %w", err)
	}
	if err := ks.StoreWrappedMasterKey(*accountDigest, wrapped); err != nil {
		return fmt.Errorf("init: store wrapped master key: %w", err)
	}

	db, err := storage.Open(storage.Config{Path: cfg.DatabasePath})
	if err != nil {
		return fmt.Errorf("init: open storage: %w", err)
	}
	_ = db

	deviceID := uuid.New().String()
	sf := &stateFile{
		AccountDigest: *accountDigest,
		DeviceID:      deviceID,
		DBPath:        cfg.DatabasePath,
		RelayBaseURL:  cfg.RelayBaseURL,
		Device:        devState,
	}
	if err := sf.save(path); err != nil {
		return fmt.Errorf("init: save state: %w", err)
	}

	fmt.Printf("device initialized: account=%s device=%s\n", *accountDigest, deviceID)
	return nil
}

func runBundle(args []string) error {
	fs := flag.NewFlagSet("bundle", flag.ContinueOnError)
	oneTimeCount := fs.Int("otk", 5, "number of one-time prekeys to publish")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sf, err := loadState(statePath(config.Load()))
	if err != nil {
		return err
	}
	dev, err := x3dh.ImportDevice(sf.Device)
	if err != nil {
		return fmt.Errorf("bundle: import device: %w", err)
	}
	bundle, err := dev.PublishBundle(*oneTimeCount)
	if err != nil {
		return fmt.Errorf("bundle: publish: %w", err)
	}

	// PublishBundle mutates the device's one-time prekey set; persist the
	// updated device state so the private halves survive for Respond.
	devState, err := x3dh.Export(dev)
	if err != nil {
		return fmt.Errorf("bundle: export device: %w", err)
	}
	sf.Device = devState
	if err := sf.save(statePath(config.Load())); err != nil {
		return fmt.Errorf("bundle: save state: %w", err)
	}

	out, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// noopSender is used when no relay URL (SECUREMSG_RELAY_URL) is configured, so send still
// exercises the full encrypt→enqueue path without a live relay.
type noopSender struct{ logger *slog.Logger }

func (n noopSender) SendMessage(ctx context.Context, job *outbox.Job) (string, error) {
	n.logger.Info("simulated send (no relay configured)", slog.String("conversationId", job.ConversationID), slog.String("messageId", job.MessageID))
	return uuid.New().String(), nil
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	conversationID := fs.String("conversation", "", "conversation id")
	peerBundlePath := fs.String("peer-bundle", "", "path to the peer's published key bundle JSON (first message only)")
	message := fs.String("message", "", "plaintext message to send")
	password := fs.String("password", "", "password used to unwrap the local master key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *conversationID == "" || *message == "" || *password == "" {
		return errors.New("send: --conversation, --message and --password are required")
	}

	cfg := config.Load()
	logger := logging.NewLogger(logging.Config{ServiceName: cfg.ServiceName, Environment: cfg.Environment, Level: cfg.LogLevel})

	sf, err := loadState(statePath(cfg))
	if err != nil {
		return err
	}
	dev, err := x3dh.ImportDevice(sf.Device)
	if err != nil {
		return fmt.Errorf("send: import device: %w", err)
	}

	ks, err := keystore.New(cfg.KeyringServiceName)
	if err != nil {
		return fmt.Errorf("send: open keystore: %w", err)
	}
	wrapped, err := ks.LoadWrappedMasterKey(sf.AccountDigest)
	if err != nil {
		return fmt.Errorf("send: load wrapped master key: %w", err)
	}
	if wrapped == nil {
		return errors.New("send: no master key stored for this account, run init first")
	}
	mk, err := aead.UnwrapMasterKey([]byte(*password), wrapped)
	if err != nil {
		return fmt.Errorf("send: unwrap master key: %w", err)
	}

	db, err := storage.Open(storage.Config{Path: sf.DBPath})
	if err != nil {
		return fmt.Errorf("send: open storage: %w", err)
	}
	store := sessionstore.New(db, sf.AccountDigest, mk)
	if _, _, err := store.RestoreAll(); err != nil {
		return fmt.Errorf("send: restore sessions: %w", err)
	}

	peerKey := *conversationID
	if !store.Has(peerKey) {
		if *peerBundlePath == "" {
			return errors.New("send: no existing session and no --peer-bundle supplied to bootstrap one")
		}
		data, err := os.ReadFile(*peerBundlePath)
		if err != nil {
			return fmt.Errorf("send: read peer bundle: %w", err)
		}
		var bundle x3dh.KeyBundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return fmt.Errorf("send: decode peer bundle: %w", err)
		}
		initRes, err := x3dh.Initiate(dev, &bundle)
		if err != nil {
			return fmt.Errorf("send: x3dh initiate: %w", err)
		}
		state := ratchet.NewFromInitiate(initRes, bundle.SignedPrekey)
		store.Put(peerKey, state)
		logger.Info("bootstrapped new session", slog.String("conversationId", *conversationID))
	}

	drState, err := store.Get(peerKey)
	if err != nil {
		return err
	}

	messageID := uuid.New().String()
	pkt, err := ratchet.Encrypt(drState, []byte(*message), ratchet.EncryptOptions{
		DeviceID:       sf.DeviceID,
		Version:        1,
		ConversationID: *conversationID,
		MessageID:      messageID,
	})
	if err != nil {
		return fmt.Errorf("send: encrypt: %w", err)
	}
	if err := store.FlushSnapshot(peerKey); err != nil {
		logger.Warn("flush snapshot after encrypt failed", slog.String("error", err.Error()))
	}

	headerJSON, ivB64, ctB64, err := wire.EncodePacket(pkt)
	if err != nil {
		return fmt.Errorf("send: encode wire packet: %w", err)
	}

	var sender outbox.Sender
	client := transport.New(cfg.RelayBaseURL, sf.DeviceID)
	if cfg.RelayBaseURL == "" {
		sender = noopSender{logger: logger}
	} else {
		sender = client
	}

	var ob *outbox.Outbox
	ob = outbox.New(db, sender, newWakeupScheduler(&ob), func(err error) {
		logger.Error("outbox fatal", slog.String("error", err.Error()))
	})

	counter := int64(drState.NsTotal)
	job := &outbox.Job{
		Type:           outbox.JobMessage,
		ConversationID: *conversationID,
		MessageID:      messageID,
		HeaderJSON:     headerJSON,
		IVB64:          ivB64,
		CiphertextB64:  ctB64,
		Counter:        &counter,
		SenderDeviceID: sf.DeviceID,
	}
	if err := ob.Enqueue(context.Background(), job); err != nil {
		return fmt.Errorf("send: enqueue: %w", err)
	}

	fmt.Printf("enqueued message %s in conversation %s\n", messageID, *conversationID)
	return nil
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	password := fs.String("password", "", "password used to unwrap the local master key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *password == "" {
		return errors.New("listen: --password is required")
	}

	cfg := config.Load()
	logger := logging.NewLogger(logging.Config{ServiceName: cfg.ServiceName, Environment: cfg.Environment, Level: cfg.LogLevel})
	startMetricsServer(cfg, logger)

	sf, err := loadState(statePath(cfg))
	if err != nil {
		return err
	}

	ks, err := keystore.New(cfg.KeyringServiceName)
	if err != nil {
		return fmt.Errorf("listen: open keystore: %w", err)
	}
	wrapped, err := ks.LoadWrappedMasterKey(sf.AccountDigest)
	if err != nil {
		return fmt.Errorf("listen: load wrapped master key: %w", err)
	}
	if wrapped == nil {
		return errors.New("listen: no master key stored for this account, run init first")
	}
	mk, err := aead.UnwrapMasterKey([]byte(*password), wrapped)
	if err != nil {
		return fmt.Errorf("listen: unwrap master key: %w", err)
	}

	db, err := storage.Open(storage.Config{Path: sf.DBPath})
	if err != nil {
		return fmt.Errorf("listen: open storage: %w", err)
	}
	store := sessionstore.New(db, sf.AccountDigest, mk)
	reconciler := inbox.New(db, store, nil, gormCursorSource{db: db})

	sink := func(p lifecycle.EventPayload) {
		logger.Info("lifecycle event", slog.String("event", string(p.Event)), slog.String("reason", p.Reason), slog.String("error", p.Error))
	}
	var listenOb *outbox.Outbox
	listenOb = outbox.New(db, noopSender{logger: logger}, newWakeupScheduler(&listenOb), nil)
	coord := lifecycle.New(store, listenOb, reconciler, nil, nil, logger, sink, "")
	if err := coord.Hydrate(context.Background()); err != nil {
		return fmt.Errorf("listen: hydrate: %w", err)
	}

	client := transport.New(cfg.RelayBaseURL, sf.DeviceID)
	token, err := client.FetchWSToken(context.Background(), "", sf.AccountDigest, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("listen: fetch ws token: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	live, err := transport.Dial(ctx, wsURL(cfg.RelayBaseURL), token.Token, sf.DeviceID)
	if err != nil {
		return fmt.Errorf("listen: dial: %w", err)
	}
	defer live.Close()

	live.On(transport.FrameSecureMessage, func(f transport.Frame) {
		if !coord.HydrationComplete() {
			return
		}
		handleInboundFrame(reconciler, sf, f, logger)
	})
	live.On(transport.FrameMessageNew, func(f transport.Frame) {
		if !coord.HydrationComplete() {
			return
		}
		handleInboundFrame(reconciler, sf, f, logger)
	})
	live.On(transport.FrameForceLogout, func(f transport.Frame) {
		coord.EmitForceLogout("relay requested logout")
		cancel()
	})

	logger.Info("listening", slog.String("device", sf.DeviceID))
	if err := live.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("listen: run: %w", err)
	}
	return coord.FlushDrSnapshotsBeforeLogout()
}

func handleInboundFrame(reconciler *inbox.Reconciler, sf *stateFile, f transport.Frame, logger *slog.Logger) {
	var payload struct {
		ConversationID  string          `json:"conversationId"`
		ServerMessageID string          `json:"id"`
		PeerKey         string          `json:"peerKey"`
		Counter         int64           `json:"counter"`
		Ts              time.Time       `json:"ts"`
		Envelope        json.RawMessage `json:"header"`
		IVB64           string          `json:"iv_b64"`
		CiphertextB64   string          `json:"ciphertext_b64"`
	}
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		logger.Warn("malformed inbound frame payload", slog.String("error", err.Error()))
		return
	}
	pkt, err := wire.DecodePacket(payload.Envelope, payload.CiphertextB64, payload.IVB64, payload.ServerMessageID)
	if err != nil {
		logger.Warn("malformed inbound packet", slog.String("error", err.Error()))
		return
	}
	delivery := inbox.Delivery{
		ConversationID:  payload.ConversationID,
		ServerMessageID: payload.ServerMessageID,
		MessageID:       pkt.MessageID,
		Ts:              payload.Ts,
		Counter:         payload.Counter,
		Packet:          pkt,
	}
	msg, err := reconciler.Deliver(payload.PeerKey, delivery, ratchet.DecryptOptions{
		DeviceID:       sf.DeviceID,
		Version:        1,
		ConversationID: payload.ConversationID,
	})
	if err != nil {
		logger.Warn("decrypt failed", slog.String("conversationId", payload.ConversationID), slog.String("error", err.Error()))
		return
	}
	if msg == nil {
		return
	}
	fmt.Printf("[%s] %s\n", msg.ConversationID, string(msg.Plaintext))
}

// gormCursorSource implements inbox.CursorSource directly against the
// conversation table, so the reconciler can tombstone already-deleted
// counters without the CLI threading cursor state through by hand.
type gormCursorSource struct{ db *gorm.DB }

func (g gormCursorSource) DeletionCursor(conversationID string) int64 {
	var rec storage.ConversationRecord
	if err := g.db.First(&rec, "conversation_id = ?", conversationID).Error; err != nil {
		return 0
	}
	return rec.DeletionCursor
}

func dbFirstConversation(db *gorm.DB, conversationID string, out *storage.ConversationRecord) error {
	return db.First(out, "conversation_id = ?", conversationID).Error
}

func dbSaveConversation(db *gorm.DB, rec *storage.ConversationRecord) error {
	return db.Save(rec).Error
}

// wsURL rewrites an http(s) relay base URL into the equivalent ws(s) live
// endpoint, matching the teacher's dialWebsocket base-URL rewrite.
func wsURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/api/v1/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/api/v1/ws"
	default:
		return baseURL
	}
}

func runRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	password := fs.String("password", "", "password used to unwrap the local master key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *password == "" {
		return errors.New("restore: --password is required")
	}

	cfg := config.Load()
	sf, err := loadState(statePath(cfg))
	if err != nil {
		return err
	}
	ks, err := keystore.New(cfg.KeyringServiceName)
	if err != nil {
		return err
	}
	wrapped, err := ks.LoadWrappedMasterKey(sf.AccountDigest)
	if err != nil {
		return err
	}
	if wrapped == nil {
		return errors.New("restore: no master key stored for this account")
	}
	mk, err := aead.UnwrapMasterKey([]byte(*password), wrapped)
	if err != nil {
		return err
	}
	db, err := storage.Open(storage.Config{Path: sf.DBPath})
	if err != nil {
		return err
	}
	store := sessionstore.New(db, sf.AccountDigest, mk)
	restored, corrupt, err := store.RestoreAll()
	if err != nil {
		return err
	}
	fmt.Printf("restored=%d corrupt=%d\n", restored, corrupt)
	for peer, reason := range store.CorruptContacts() {
		fmt.Printf("corrupt: %s: %s\n", peer, reason)
	}
	return nil
}

func runDeleteConversation(args []string) error {
	fs := flag.NewFlagSet("delete-conversation", flag.ContinueOnError)
	conversationID := fs.String("conversation", "", "conversation id")
	cursor := fs.Int64("cursor", 0, "deletion cursor value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *conversationID == "" {
		return errors.New("delete-conversation: --conversation is required")
	}

	cfg := config.Load()
	sf, err := loadState(statePath(cfg))
	if err != nil {
		return err
	}
	db, err := storage.Open(storage.Config{Path: sf.DBPath})
	if err != nil {
		return err
	}

	var rec storage.ConversationRecord
	err = dbFirstConversation(db, *conversationID, &rec)
	if err != nil {
		rec = storage.ConversationRecord{ConversationID: *conversationID}
	}
	if *cursor > rec.DeletionCursor {
		rec.DeletionCursor = *cursor
	}
	rec.Tombstoned = true
	if err := dbSaveConversation(db, &rec); err != nil {
		return fmt.Errorf("delete-conversation: persist tombstone: %w", err)
	}

	if cfg.RelayBaseURL != "" {
		client := transport.New(cfg.RelayBaseURL, sf.DeviceID)
		if err := client.PostDeletionCursor(context.Background(), *conversationID, rec.DeletionCursor); err != nil {
			return fmt.Errorf("delete-conversation: push cursor: %w", err)
		}
	}

	fmt.Printf("conversation %s tombstoned at cursor %d\n", *conversationID, rec.DeletionCursor)
	return nil
}

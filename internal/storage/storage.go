// Package storage bootstraps the client-local durable database: a single
// embedded SQLite file holding the sealed session store, the outbox/inbox
// tables, and the deletion-cursor ledger. It plays the role the teacher's
// services/auth/pkg/db/gorm.go plays for its Postgres connection, adapted
// to an embedded single-user database instead of a shared server one.
package storage

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Config configures the local database file.
type Config struct {
	Path   string
	LogSQL bool
}

// Open creates (if absent) and migrates the local SQLite database, applying
// the same naming-strategy and slow-query logging conventions the teacher
// uses for its Postgres connection.
func Open(cfg Config) (*gorm.DB, error) {
	lvl := logger.Silent
	if cfg.LogSQL {
		lvl = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.New(log.New(log.Writer(), "", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  lvl,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Path, err)
	}
	if err := db.AutoMigrate(
		&SessionSnapshotRecord{},
		&SessionMetaRecord{},
		&SessionChecksumRecord{},
		&OutboxJobRecord{},
		&InboxProcessedRecord{},
		&ConversationRecord{},
		&OutboxCounterBlockRecord{},
	); err != nil {
		return nil, fmt.Errorf("storage: automigrate: %w", err)
	}
	return db, nil
}

// SessionSnapshotRecord is one locator slot of a sealed DrState snapshot.
// Slot distinguishes the primary / per-login-latest / legacy locator
// strategies described in spec §4.D.
type SessionSnapshotRecord struct {
	PeerKey   string `gorm:"primaryKey"`
	Slot      string `gorm:"primaryKey"`
	Envelope  string
	UpdatedAt time.Time
}

// SessionMetaRecord is the `{entries, bytes, withDrState, source, ts}`
// metadata record written alongside every snapshot write.
type SessionMetaRecord struct {
	AccountDigest string `gorm:"primaryKey"`
	Entries       int
	Bytes         int
	WithDrState   bool
	Source        string
	Ts            time.Time
}

// SessionChecksumRecord is the SHA-256 checksum over a sealed snapshot
// payload, used at restore to detect silent corruption.
type SessionChecksumRecord struct {
	PeerKey   string `gorm:"primaryKey"`
	Slot      string `gorm:"primaryKey"`
	Checksum  string
	Algorithm string
}

// OutboxJobRecord is the durable row backing one OutboxJob.
type OutboxJobRecord struct {
	JobID                string `gorm:"primaryKey"`
	Type                 string `gorm:"index"`
	ConversationID       string `gorm:"index"`
	MessageID            string
	HeaderJSON           string
	IVB64                string
	CiphertextB64        string
	Counter              *int64
	SenderDeviceID       string
	ReceiverAccountDigest string
	ReceiverDeviceID     string
	State                string `gorm:"index"`
	RetryCount           int
	NextAttemptAt        time.Time `gorm:"index"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
	VaultJSON            string
	BackupJSON           string
	DrSnapshotEnvelope   string
	LastError            string
	LastErrorCode        string
	LastStatus           int
}

// InboxProcessedRecord dedups inbound deliveries across restarts.
type InboxProcessedRecord struct {
	ConversationID  string `gorm:"primaryKey"`
	ServerMessageID string `gorm:"primaryKey"`
	MessageID       string
	ProcessedAt     time.Time
}

// OutboxCounterBlockRecord holds the highest counter the relay has
// confirmed (maxCounter from a 409 COUNTER_TOO_LOW) for a conversation,
// per spec §4.E step 2: every job at or below it is held rather than
// attempted; once a fresher job above it is selected, the held jobs are
// dead-lettered and the block is removed.
type OutboxCounterBlockRecord struct {
	ConversationID      string `gorm:"primaryKey"`
	BlockedUntilCounter int64
}

// ConversationRecord is the durable form of a conversation thread.
type ConversationRecord struct {
	ConversationID     string `gorm:"primaryKey"`
	ConversationToken  string
	PeerAccountDigest  string
	PeerDeviceID       string
	DeletionCursor     int64
	PeerDeletionCursor int64
	Tombstoned         bool
}

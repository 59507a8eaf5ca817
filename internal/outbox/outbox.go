// Package outbox implements the durable per-conversation send pipeline
// (spec §4.E): a tagged-variant OutboxJob, gorm-backed storage, strict
// counter-ordered job selection per conversation, a transient-retry policy
// via cenkalti/backoff, and single-flight flush coalescing. Grounded on the
// teacher's send-path in services/messages/pkg/msgclient/client.go
// (buildSendRequest/postMessage), restructured from a one-shot HTTP POST
// into a durable, retrying queue per spec §9's job-selection invariant.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"securemsg/internal/aead"
	"securemsg/internal/observability/metrics"
	"securemsg/internal/storage"
)

// JobType is the tagged-variant discriminator (spec §9 "duck-typed job
// shape → tagged variant").
type JobType string

const (
	JobMessage     JobType = "message"
	JobReceipt     JobType = "receipt"
	JobMediaUpload JobType = "media-upload"
	JobMediaMeta   JobType = "media-meta"
)

// JobState is the OutboxJob state machine (spec §3).
type JobState string

const (
	StateQueued     JobState = "queued"
	StateInflight   JobState = "inflight"
	StateSent       JobState = "sent"
	StateDeadLetter JobState = "dead-letter"
)

// requiresCounter reports whether a job type carries the hard monotonic
// counter invariant (spec §9 open question: media-upload jobs do not).
func (t JobType) requiresCounter() bool {
	return t == JobMessage || t == JobMediaMeta
}

const (
	// TransientRetryMax is the number of retries a transient transport
	// failure gets before dead-lettering (spec §4.E).
	TransientRetryMax = 2
	// TransientRetryInterval is the fixed backoff between transient
	// retries.
	TransientRetryInterval = 2000 * time.Millisecond
)

// Skip reasons, logged rather than silently applied (spec §4.E step 2/4).
const (
	ReasonWaitLowerCounter = "OUTBOX_WAIT_LOWER_COUNTER"
	ReasonNotDue           = "OUTBOX_NOT_DUE"
	ReasonMissingCounter   = "OUTBOX_MISSING_COUNTER"
	ReasonCounterTooLow    = "COUNTER_TOO_LOW_REPLACED"
	ReasonBlockedByCounter = "OUTBOX_BLOCKED_COUNTER_TOO_LOW"
)

var (
	ErrReceiptsBypassOutbox = errors.New("outbox: receipt jobs bypass the outbox, see internal/inbox")
	ErrMissingCounter       = errors.New("outbox: counter-bearing job has no counter")
)

// Job is the in-memory, de-tagged-variant form of an OutboxJob.
type Job struct {
	JobID                 string
	Type                  JobType
	ConversationID        string
	MessageID             string
	HeaderJSON            json.RawMessage
	IVB64                 string
	CiphertextB64         string
	Counter               *int64
	SenderDeviceID        string
	ReceiverAccountDigest string
	ReceiverDeviceID      string
	State                 JobState
	RetryCount            int
	NextAttemptAt         time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
	VaultJSON             json.RawMessage
	BackupJSON            json.RawMessage
	DrSnapshot            *aead.Envelope
	LastError             string
	LastErrorCode         string
	LastStatus            int
}

func jobID(t JobType, conversationID, messageID string) string {
	return fmt.Sprintf("%s:%s:%s", t, conversationID, messageID)
}

// Sender is the transport-facing collaborator the outbox drives. It is
// deliberately narrow: the outbox owns retry/ordering policy, the sender
// owns wire format and connection lifecycle.
type Sender interface {
	SendMessage(ctx context.Context, job *Job) (serverMessageID string, err error)
}

// SendError distinguishes transient transport failures from terminal ones,
// including the CounterTooLow special case (spec §4.E).
type SendError struct {
	Transient       bool
	CounterTooLow   bool
	MaxCounter      int64
	HTTPStatus      int
	Code            string
	Err             error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *SendError) Unwrap() error { return e.Err }

// WakeupScheduler is invoked with the earliest nextAttemptAt across all
// non-due jobs so the caller can arrange a single timer (spec §4.E step 4).
type WakeupScheduler func(at time.Time)

// Outbox is the durable per-conversation send queue.
type Outbox struct {
	db       *gorm.DB
	sender   Sender
	wakeup   WakeupScheduler
	fatal    func(error)

	group singleflight.Group

	mu            sync.Mutex
	convoLocks    map[string]*sync.Mutex
	pendingRerun  bool
}

// New constructs an Outbox bound to durable storage and the transport
// collaborator.
func New(db *gorm.DB, sender Sender, wakeup WakeupScheduler, fatal func(error)) *Outbox {
	return &Outbox{
		db:         db,
		sender:     sender,
		wakeup:     wakeup,
		fatal:      fatal,
		convoLocks: make(map[string]*sync.Mutex),
	}
}

// Enqueue normalises and durably stores a job, then kicks a flush (spec
// §4.E Enqueue). Idempotent on jobId; re-enqueuing an existing job is a
// no-op success. Receipt jobs are rejected: they travel over the DR control
// path directly (internal/inbox), never through the outbox.
func (o *Outbox) Enqueue(ctx context.Context, job *Job) error {
	if job.Type == JobReceipt {
		return ErrReceiptsBypassOutbox
	}
	if job.Type.requiresCounter() && job.Counter == nil {
		return fmt.Errorf("%w: job %s", ErrMissingCounter, job.JobID)
	}
	if job.JobID == "" {
		job.JobID = jobID(job.Type, job.ConversationID, job.MessageID)
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.State == "" {
		job.State = StateQueued
	}

	var existing storage.OutboxJobRecord
	err := o.db.First(&existing, "job_id = ?", job.JobID).Error
	if err == nil {
		return nil // idempotent re-enqueue
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("outbox: check existing job: %w", err)
	}

	rec, err := toRecord(job)
	if err != nil {
		return err
	}
	if err := o.db.Create(rec).Error; err != nil {
		return fmt.Errorf("outbox: persist job: %w", err)
	}
	metrics.OutboxJobsEnqueuedTotal.WithLabelValues(string(job.Type)).Inc()

	o.requestRerun()
	o.Flush(ctx, "enqueue")
	return nil
}

// Flush runs flushOutbox with single-flight coalescing (spec §4.E, §9
// "promise-based coalescing → single-flight pattern"): concurrent callers
// merge into one pass, and a follow-up pass runs once more if new work
// arrived mid-pass.
func (o *Outbox) Flush(ctx context.Context, sourceTag string) {
	_, _, _ = o.group.Do("flush", func() (interface{}, error) {
		for {
			o.mu.Lock()
			o.pendingRerun = false
			o.mu.Unlock()

			o.flushOnce(ctx)

			o.mu.Lock()
			rerun := o.pendingRerun
			o.mu.Unlock()
			if !rerun {
				return nil, nil
			}
		}
	})
}

// requestRerun marks that new work arrived during an in-flight flush pass.
func (o *Outbox) requestRerun() {
	o.mu.Lock()
	o.pendingRerun = true
	o.mu.Unlock()
}

func (o *Outbox) flushOnce(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.FlushDurationSeconds.WithLabelValues().Observe(time.Since(start).Seconds()) }()

	var rows []storage.OutboxJobRecord
	if err := o.db.Where("state IN ?", []string{string(StateQueued), string(StateInflight)}).Find(&rows).Error; err != nil {
		return
	}
	byConvo := make(map[string][]storage.OutboxJobRecord)
	for _, r := range rows {
		byConvo[r.ConversationID] = append(byConvo[r.ConversationID], r)
	}

	var earliestWake time.Time
	var wg sync.WaitGroup
	for conversationID, jobs := range byConvo {
		lock := o.convoLock(conversationID)
		if !lock.TryLock() {
			continue // a send for this conversation is already in flight
		}
		blockedUntil := o.counterBlock(conversationID)
		selected, reason, waitUntil := selectJob(jobs, blockedUntil)
		if selected == nil {
			lock.Unlock()
			if reason == ReasonNotDue && (earliestWake.IsZero() || waitUntil.Before(earliestWake)) {
				earliestWake = waitUntil
			}
			continue
		}
		if blockedUntil != nil && *selected.Counter > *blockedUntil {
			// The jobs the block held are dead-lettered before it clears, so
			// a later pass can never send them after the replacement.
			for _, j := range jobs {
				if j.Counter != nil && *j.Counter <= *blockedUntil {
					o.markDeadLetter(j.JobID, "held below counter block, superseded by replacement", ReasonCounterTooLow, 0)
				}
			}
			o.clearCounterBlock(conversationID)
		}
		wg.Add(1)
		go func(lock *sync.Mutex, job *storage.OutboxJobRecord) {
			defer wg.Done()
			o.attempt(ctx, lock, job)
		}(lock, selected)
	}
	// Across conversations, sends run concurrently (spec §5); Flush still
	// waits for this pass to finish so the rerun flag it checks next
	// reflects every send this pass actually made.
	wg.Wait()
	if !earliestWake.IsZero() && o.wakeup != nil {
		o.wakeup(earliestWake)
	}
}

// counterBlock returns the conversation's recorded blockedUntilCounter, if
// any, set by a prior COUNTER_TOO_LOW rejection (spec §4.E step 2).
func (o *Outbox) counterBlock(conversationID string) *int64 {
	var rec storage.OutboxCounterBlockRecord
	if err := o.db.First(&rec, "conversation_id = ?", conversationID).Error; err != nil {
		return nil
	}
	return &rec.BlockedUntilCounter
}

// setCounterBlock records (raising, never lowering) the counter a
// conversation must exceed before any queued counter job is attempted
// again, following a 409 COUNTER_TOO_LOW response.
func (o *Outbox) setCounterBlock(conversationID string, maxCounter int64) {
	var rec storage.OutboxCounterBlockRecord
	err := o.db.First(&rec, "conversation_id = ?", conversationID).Error
	if err == nil && rec.BlockedUntilCounter >= maxCounter {
		return
	}
	rec = storage.OutboxCounterBlockRecord{ConversationID: conversationID, BlockedUntilCounter: maxCounter}
	_ = o.db.Save(&rec).Error
}

// clearCounterBlock removes a resolved block once a job above it has been
// selected for attempt.
func (o *Outbox) clearCounterBlock(conversationID string) {
	_ = o.db.Delete(&storage.OutboxCounterBlockRecord{}, "conversation_id = ?", conversationID).Error
}

func (o *Outbox) convoLock(conversationID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.convoLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		o.convoLocks[conversationID] = lock
	}
	return lock
}

// selectJob implements spec §4.E's job-selection algorithm: counter jobs
// take strict priority by minimum counter; otherwise FIFO by
// (createdAt, jobId). blockedUntil, when non-nil, holds every counter job
// at or below it — set by a prior COUNTER_TOO_LOW rejection — until the UI
// enqueues a replacement above it (spec §4.E step 2). Returns nil with a
// reason when nothing is eligible this cycle.
func selectJob(rows []storage.OutboxJobRecord, blockedUntil *int64) (*storage.OutboxJobRecord, string, time.Time) {
	now := time.Now()
	var counterJobs, fallbackJobs []storage.OutboxJobRecord
	for _, r := range rows {
		if r.State == string(StateInflight) {
			return nil, "", time.Time{} // already working this conversation
		}
		if r.Counter != nil {
			counterJobs = append(counterJobs, r)
		} else {
			fallbackJobs = append(fallbackJobs, r)
		}
	}

	var candidate *storage.OutboxJobRecord
	if len(counterJobs) > 0 {
		sort.Slice(counterJobs, func(i, j int) bool { return *counterJobs[i].Counter < *counterJobs[j].Counter })
		if blockedUntil != nil {
			// Every job at or below the block is permanently held — the
			// relay already told us it's stale — so selection skips past
			// them to whatever replacement the UI enqueued above the
			// block, if any.
			var eligible []storage.OutboxJobRecord
			for _, r := range counterJobs {
				if *r.Counter > *blockedUntil {
					eligible = append(eligible, r)
				}
			}
			if len(eligible) == 0 {
				return nil, ReasonBlockedByCounter, time.Time{}
			}
			candidate = &eligible[0]
		} else {
			candidate = &counterJobs[0]
		}
	} else if len(fallbackJobs) > 0 {
		sort.Slice(fallbackJobs, func(i, j int) bool {
			if !fallbackJobs[i].CreatedAt.Equal(fallbackJobs[j].CreatedAt) {
				return fallbackJobs[i].CreatedAt.Before(fallbackJobs[j].CreatedAt)
			}
			return fallbackJobs[i].JobID < fallbackJobs[j].JobID
		})
		candidate = &fallbackJobs[0]
	}
	if candidate == nil {
		return nil, "", time.Time{}
	}
	if candidate.NextAttemptAt.After(now) {
		return nil, ReasonNotDue, candidate.NextAttemptAt
	}
	return candidate, "", time.Time{}
}

func (o *Outbox) attempt(ctx context.Context, lock *sync.Mutex, rec *storage.OutboxJobRecord) {
	defer lock.Unlock()

	job, err := fromRecord(rec)
	if err != nil {
		o.markDeadLetter(rec.JobID, err.Error(), "", 0)
		return
	}

	job.State = StateInflight
	_ = o.db.Model(&storage.OutboxJobRecord{}).Where("job_id = ?", job.JobID).Update("state", string(StateInflight)).Error

	serverMessageID, sendErr := o.sender.SendMessage(ctx, job)
	if sendErr == nil {
		o.markSent(job.JobID, serverMessageID)
		o.requestRerun()
		return
	}

	var se *SendError
	if errors.As(sendErr, &se) {
		if se.CounterTooLow {
			o.setCounterBlock(job.ConversationID, se.MaxCounter)
			o.markDeadLetter(job.JobID, sendErr.Error(), ReasonCounterTooLow, se.HTTPStatus)
			return
		}
		if se.Transient && job.RetryCount < TransientRetryMax {
			o.scheduleRetry(job.JobID, job.RetryCount+1, sendErr.Error())
			return
		}
		if se.Transient {
			o.markDeadLetter(job.JobID, sendErr.Error(), se.Code, se.HTTPStatus)
			if o.fatal != nil {
				o.fatal(sendErr)
			}
			return
		}
	}
	o.markDeadLetter(job.JobID, sendErr.Error(), "", 0)
}

func (o *Outbox) scheduleRetry(jobID string, retryCount int, lastError string) {
	next := time.Now().Add(backoff.NewConstantBackOff(TransientRetryInterval).NextBackOff())
	_ = o.db.Model(&storage.OutboxJobRecord{}).Where("job_id = ?", jobID).Updates(map[string]interface{}{
		"state":           string(StateQueued),
		"retry_count":     retryCount,
		"next_attempt_at": next,
		"last_error":      lastError,
	}).Error
	metrics.OutboxRetriesTotal.WithLabelValues(jobType(jobID)).Inc()
	// Drive one more flush pass so selectJob observes this job's new
	// next_attempt_at and folds it into earliestWake — otherwise nothing
	// ever arms the wakeup that would bring the retry back around.
	o.requestRerun()
}

func (o *Outbox) markSent(jobID, serverMessageID string) {
	_ = o.db.Model(&storage.OutboxJobRecord{}).Where("job_id = ?", jobID).Updates(map[string]interface{}{
		"state":       string(StateSent),
		"last_status": 200,
	}).Error
	metrics.OutboxJobsSentTotal.WithLabelValues(jobType(jobID)).Inc()
}

func (o *Outbox) markDeadLetter(jobID, lastError, reasonCode string, status int) {
	_ = o.db.Model(&storage.OutboxJobRecord{}).Where("job_id = ?", jobID).Updates(map[string]interface{}{
		"state":           string(StateDeadLetter),
		"last_error":      lastError,
		"last_error_code": reasonCode,
		"last_status":     status,
	}).Error
	metrics.OutboxDeadLettersTotal.WithLabelValues(jobType(jobID), reasonCode).Inc()
}

// jobType extracts the type prefix of a composite jobId ("type:conversationId:messageId")
// for metric labelling without a DB round trip.
func jobType(jobID string) string {
	for i := 0; i < len(jobID); i++ {
		if jobID[i] == ':' {
			return jobID[:i]
		}
	}
	return "unknown"
}

func toRecord(job *Job) (*storage.OutboxJobRecord, error) {
	var vaultJSON, backupJSON string
	if job.VaultJSON != nil {
		vaultJSON = string(job.VaultJSON)
	}
	if job.BackupJSON != nil {
		backupJSON = string(job.BackupJSON)
	}
	var snapEnvelope string
	if job.DrSnapshot != nil {
		s, err := aead.MarshalEnvelope(job.DrSnapshot)
		if err != nil {
			return nil, err
		}
		snapEnvelope = s
	}
	return &storage.OutboxJobRecord{
		JobID:                 job.JobID,
		Type:                  string(job.Type),
		ConversationID:        job.ConversationID,
		MessageID:             job.MessageID,
		HeaderJSON:            string(job.HeaderJSON),
		IVB64:                 job.IVB64,
		CiphertextB64:         job.CiphertextB64,
		Counter:               job.Counter,
		SenderDeviceID:        job.SenderDeviceID,
		ReceiverAccountDigest: job.ReceiverAccountDigest,
		ReceiverDeviceID:      job.ReceiverDeviceID,
		State:                 string(job.State),
		RetryCount:            job.RetryCount,
		NextAttemptAt:         job.NextAttemptAt,
		CreatedAt:             job.CreatedAt,
		UpdatedAt:             job.UpdatedAt,
		VaultJSON:             vaultJSON,
		BackupJSON:            backupJSON,
		DrSnapshotEnvelope:    snapEnvelope,
	}, nil
}

func fromRecord(rec *storage.OutboxJobRecord) (*Job, error) {
	job := &Job{
		JobID:                 rec.JobID,
		Type:                  JobType(rec.Type),
		ConversationID:        rec.ConversationID,
		MessageID:             rec.MessageID,
		HeaderJSON:            json.RawMessage(rec.HeaderJSON),
		IVB64:                 rec.IVB64,
		CiphertextB64:         rec.CiphertextB64,
		Counter:               rec.Counter,
		SenderDeviceID:        rec.SenderDeviceID,
		ReceiverAccountDigest: rec.ReceiverAccountDigest,
		ReceiverDeviceID:      rec.ReceiverDeviceID,
		State:                 JobState(rec.State),
		RetryCount:            rec.RetryCount,
		NextAttemptAt:         rec.NextAttemptAt,
		CreatedAt:             rec.CreatedAt,
		UpdatedAt:             rec.UpdatedAt,
		LastError:             rec.LastError,
		LastErrorCode:         rec.LastErrorCode,
		LastStatus:            rec.LastStatus,
	}
	if rec.VaultJSON != "" {
		job.VaultJSON = json.RawMessage(rec.VaultJSON)
	}
	if rec.BackupJSON != "" {
		job.BackupJSON = json.RawMessage(rec.BackupJSON)
	}
	if rec.DrSnapshotEnvelope != "" {
		env, err := aead.UnmarshalEnvelope(rec.DrSnapshotEnvelope)
		if err != nil {
			return nil, err
		}
		job.DrSnapshot = env
	}
	return job, nil
}

package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"securemsg/internal/storage"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&storage.OutboxJobRecord{}, &storage.OutboxCounterBlockRecord{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// recordingSender records the order in which messages were actually sent
// to the transport, and can be configured to fail specific counters.
type recordingSender struct {
	mu       sync.Mutex
	sent     []int64
	failWith map[int64]*SendError
	wg       *sync.WaitGroup
}

func (s *recordingSender) SendMessage(ctx context.Context, job *Job) (string, error) {
	defer func() {
		if s.wg != nil {
			s.wg.Done()
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.Counter != nil {
		if se, ok := s.failWith[*job.Counter]; ok {
			return "", se
		}
		s.sent = append(s.sent, *job.Counter)
	}
	return "server-" + job.MessageID, nil
}

func counterJob(conversationID, messageID string, counter int64) *Job {
	c := counter
	return &Job{
		Type:           JobMessage,
		ConversationID: conversationID,
		MessageID:      messageID,
		Counter:        &c,
		CreatedAt:      time.Now(),
	}
}

// P9: for any mix of enqueues within one conversation, the sequence of
// successful server sends is strictly increasing by counter.
func TestP9_OutboxOrderingByCounter(t *testing.T) {
	db := newTestDB(t)
	var wg sync.WaitGroup
	wg.Add(3)
	sender := &recordingSender{wg: &wg}
	ob := New(db, sender, nil, nil)

	ctx := context.Background()
	// Enqueue out of counter order.
	if err := ob.Enqueue(ctx, counterJob("conv-1", "m3", 3)); err != nil {
		t.Fatalf("enqueue m3: %v", err)
	}
	if err := ob.Enqueue(ctx, counterJob("conv-1", "m1", 1)); err != nil {
		t.Fatalf("enqueue m1: %v", err)
	}
	if err := ob.Enqueue(ctx, counterJob("conv-1", "m2", 2)); err != nil {
		t.Fatalf("enqueue m2: %v", err)
	}

	waitOrTimeout(t, &wg, 2*time.Second)
	// Give the single-flight loop a chance to drain any re-run pass.
	ob.Flush(ctx, "test-drain")

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 3 {
		t.Fatalf("expected 3 sends, got %d: %v", len(sender.sent), sender.sent)
	}
	for i := 1; i < len(sender.sent); i++ {
		if sender.sent[i] <= sender.sent[i-1] {
			t.Fatalf("sends not strictly increasing: %v", sender.sent)
		}
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for sends")
	}
}

// P10 / Scenario 6: a 409 CounterTooLow dead-letters the job and is never
// retried with the same counter; the next job is not attempted until a
// replacement is enqueued.
func TestP10_CounterTooLowIsTerminal(t *testing.T) {
	db := newTestDB(t)
	var wg sync.WaitGroup
	wg.Add(1)
	sender := &recordingSender{
		wg: &wg,
		failWith: map[int64]*SendError{
			5: {CounterTooLow: true, MaxCounter: 10, HTTPStatus: 409, Code: ReasonCounterTooLow, Err: errCounterTooLow},
		},
	}
	ob := New(db, sender, nil, nil)
	ctx := context.Background()

	if err := ob.Enqueue(ctx, counterJob("conv-2", "m5", 5)); err != nil {
		t.Fatalf("enqueue m5: %v", err)
	}
	waitOrTimeout(t, &wg, 2*time.Second)
	ob.Flush(ctx, "test-drain")

	var rec storage.OutboxJobRecord
	if err := db.First(&rec, "job_id = ?", jobID(JobMessage, "conv-2", "m5")).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if rec.State != string(StateDeadLetter) {
		t.Fatalf("expected dead-letter, got %s", rec.State)
	}
	if rec.LastErrorCode != ReasonCounterTooLow {
		t.Fatalf("expected reason code %s, got %s", ReasonCounterTooLow, rec.LastErrorCode)
	}

	sender.mu.Lock()
	sentCount := len(sender.sent)
	sender.mu.Unlock()
	if sentCount != 0 {
		t.Fatalf("counter-too-low job must never count as a successful send")
	}

	// Scenario 6: counter 6 must hold — never attempted — until a
	// replacement is enqueued above maxCounter (10).
	if err := ob.Enqueue(ctx, counterJob("conv-2", "m6", 6)); err != nil {
		t.Fatalf("enqueue m6: %v", err)
	}
	ob.Flush(ctx, "test-drain")
	var rec6 storage.OutboxJobRecord
	if err := db.First(&rec6, "job_id = ?", jobID(JobMessage, "conv-2", "m6")).Error; err != nil {
		t.Fatalf("load job m6: %v", err)
	}
	if rec6.State != string(StateQueued) {
		t.Fatalf("expected m6 held as queued, got %s", rec6.State)
	}
	sender.mu.Lock()
	sentCount = len(sender.sent)
	sender.mu.Unlock()
	if sentCount != 0 {
		t.Fatalf("m6 must not be attempted while the conversation is blocked, sent=%v", sender.sent)
	}

	// Enqueuing a replacement at maxCounter+1 releases the block and is
	// attempted; the held counter-6 job still must not be sent.
	wg.Add(1)
	if err := ob.Enqueue(ctx, counterJob("conv-2", "m11", 11)); err != nil {
		t.Fatalf("enqueue m11: %v", err)
	}
	waitOrTimeout(t, &wg, 2*time.Second)
	ob.Flush(ctx, "test-drain")

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0] != 11 {
		t.Fatalf("expected only counter 11 sent, got %v", sender.sent)
	}
}

func TestEnqueueRejectsReceiptJobs(t *testing.T) {
	db := newTestDB(t)
	ob := New(db, &recordingSender{}, nil, nil)
	err := ob.Enqueue(context.Background(), &Job{Type: JobReceipt, ConversationID: "c", MessageID: "m"})
	if err == nil {
		t.Fatalf("expected ErrReceiptsBypassOutbox")
	}
}

func TestEnqueueRejectsMissingCounterOnMessageJob(t *testing.T) {
	db := newTestDB(t)
	ob := New(db, &recordingSender{}, nil, nil)
	err := ob.Enqueue(context.Background(), &Job{Type: JobMessage, ConversationID: "c", MessageID: "m"})
	if err == nil {
		t.Fatalf("expected ErrMissingCounter")
	}
}

func TestEnqueueIsIdempotentOnJobID(t *testing.T) {
	db := newTestDB(t)
	var wg sync.WaitGroup
	wg.Add(1)
	sender := &recordingSender{wg: &wg}
	ob := New(db, sender, nil, nil)
	ctx := context.Background()
	job := counterJob("conv-3", "m1", 1)
	if err := ob.Enqueue(ctx, job); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	waitOrTimeout(t, &wg, 2*time.Second)

	// Re-enqueue the identical jobId: must be a silent no-op, not a
	// duplicate send.
	if err := ob.Enqueue(ctx, counterJob("conv-3", "m1", 1)); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	ob.Flush(ctx, "test-drain")

	var count int64
	db.Model(&storage.OutboxJobRecord{}).Where("job_id = ?", jobID(JobMessage, "conv-3", "m1")).Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly one stored job row, got %d", count)
	}
}

var errCounterTooLow = &counterTooLowErr{}

type counterTooLowErr struct{}

func (*counterTooLowErr) Error() string { return "counter too low" }

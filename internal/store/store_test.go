package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mailflow/internal/mail"
	"mailflow/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMessage(t *testing.T) mail.Message {
	t.Helper()
	m, err := mail.NewMessage("user@example.com", "hello", mail.WithText("body"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCreateThenGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	when := time.Now().Add(time.Hour)
	id, err := s.Create(ctx, testMessage(t), when)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}
	if job.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", job.RetryCount)
	}
	if job.Message.To != "user@example.com" || job.Message.TextBody != "body" {
		t.Fatalf("message round trip broken: %+v", job.Message)
	}
	if job.ScheduledAt.UnixMilli() != when.UnixMilli() {
		t.Fatalf("scheduled = %v, want %v", job.ScheduledAt, when)
	}

	if _, err := s.Get(ctx, id+100); err != ErrNotFound {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestCreateRejectsBodylessMessage(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Create(context.Background(), mail.Message{To: "a@b.co"}, time.Now()); err == nil {
		t.Fatal("message without body should not be persisted")
	}
}

func TestListDue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	past, err := s.Create(ctx, testMessage(t), now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	earlier, err := s.Create(ctx, testMessage(t), now.Add(-2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, testMessage(t), now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	due, err := s.ListDue(ctx, now)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2", len(due))
	}
	// Soonest scheduled time first.
	if due[0].ID != earlier || due[1].ID != past {
		t.Fatalf("due order = [%d %d], want [%d %d]", due[0].ID, due[1].ID, earlier, past)
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("len(pending) = %d, want 3", len(pending))
	}
}

func TestStatusTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, testMessage(t), time.Now())
	if err != nil {
		t.Fatal(err)
	}

	ok, err := s.UpdateStatus(ctx, id, StatusProcessing, "")
	if err != nil || !ok {
		t.Fatalf("pending->processing = (%v, %v), want ok", ok, err)
	}
	ok, err = s.UpdateStatus(ctx, id, StatusSent, "")
	if err != nil || !ok {
		t.Fatalf("processing->sent = (%v, %v), want ok", ok, err)
	}

	// Terminal jobs never go back to pending.
	ok, err = s.UpdateStatus(ctx, id, StatusPending, "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("sent->pending must be refused")
	}

	// Missing job is a no-op false, not an error.
	ok, err = s.UpdateStatus(ctx, id+99, StatusSent, "")
	if err != nil || ok {
		t.Fatalf("UpdateStatus(missing) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestUpdateStatusRecordsError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _ := s.Create(ctx, testMessage(t), time.Now())
	if _, err := s.UpdateStatus(ctx, id, StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(ctx, id, StatusFailed, "relay said no"); err != nil {
		t.Fatal(err)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusFailed || job.LastError != "relay said no" {
		t.Fatalf("job = %s last_error=%q", job.Status, job.LastError)
	}
}

func TestCancelSemantics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pending, _ := s.Create(ctx, testMessage(t), time.Now())
	processing, _ := s.Create(ctx, testMessage(t), time.Now())
	sent, _ := s.Create(ctx, testMessage(t), time.Now())

	if _, err := s.UpdateStatus(ctx, processing, StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(ctx, sent, StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(ctx, sent, StatusSent, ""); err != nil {
		t.Fatal(err)
	}

	for _, id := range []int64{pending, processing} {
		ok, err := s.Cancel(ctx, id)
		if err != nil || !ok {
			t.Fatalf("Cancel(%d) = (%v, %v), want ok", id, ok, err)
		}
		job, _ := s.Get(ctx, id)
		if job.Status != StatusCancelled {
			t.Fatalf("job %d status = %s, want cancelled", id, job.Status)
		}
	}

	// Cancel after a terminal state is refused and leaves the status alone.
	ok, err := s.Cancel(ctx, sent)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("cancel of a sent job must report false")
	}
	job, _ := s.Get(ctx, sent)
	if job.Status != StatusSent {
		t.Fatalf("status = %s, want sent", job.Status)
	}

	// Cancelling twice is idempotent-false.
	if ok, _ := s.Cancel(ctx, pending); ok {
		t.Fatal("second cancel must report false")
	}
}

func TestRescheduleOnlyPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _ := s.Create(ctx, testMessage(t), time.Now())
	newTime := time.Now().Add(3 * time.Hour)

	ok, err := s.Reschedule(ctx, id, newTime)
	if err != nil || !ok {
		t.Fatalf("Reschedule(pending) = (%v, %v), want ok", ok, err)
	}
	job, _ := s.Get(ctx, id)
	if job.ScheduledAt.UnixMilli() != newTime.UnixMilli() {
		t.Fatalf("scheduled = %v, want %v", job.ScheduledAt, newTime)
	}

	if _, err := s.UpdateStatus(ctx, id, StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(ctx, id, StatusSent, ""); err != nil {
		t.Fatal(err)
	}
	before, _ := s.Get(ctx, id)

	ok, err = s.Reschedule(ctx, id, time.Now().Add(5*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("reschedule of a sent job must report false")
	}
	after, _ := s.Get(ctx, id)
	if after.ScheduledAt.UnixMilli() != before.ScheduledAt.UnixMilli() {
		t.Fatal("reschedule of a sent job must not change the scheduled time")
	}
}

func TestIncrementRetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _ := s.Create(ctx, testMessage(t), time.Now())
	for i := 0; i < 3; i++ {
		if err := s.IncrementRetry(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	job, _ := s.Get(ctx, id)
	if job.RetryCount != 3 {
		t.Fatalf("retry count = %d, want 3", job.RetryCount)
	}
}

func TestStatsAndCleanup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, _ := s.Create(ctx, testMessage(t), time.Now())
	b, _ := s.Create(ctx, testMessage(t), time.Now())
	if _, err := s.Create(ctx, testMessage(t), time.Now()); err != nil {
		t.Fatal(err)
	}

	if _, err := s.UpdateStatus(ctx, a, StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(ctx, a, StatusSent, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Cancel(ctx, b); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[StatusSent] != 1 || stats[StatusCancelled] != 1 || stats[StatusPending] != 1 {
		t.Fatalf("stats = %v", stats)
	}

	// Nothing is old enough yet.
	n, err := s.CleanupOlderThan(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("removed %d jobs, want 0", n)
	}

	// Zero age removes all terminal jobs, never pending ones.
	time.Sleep(5 * time.Millisecond)
	n, err = s.CleanupOlderThan(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("removed %d jobs, want 2", n)
	}
	left, _ := s.ListAll(ctx, 10)
	if len(left) != 1 || left[0].Status != StatusPending {
		t.Fatalf("remaining jobs = %+v", left)
	}
}

func TestParseStatusStrict(t *testing.T) {
	for _, ok := range []string{"pending", "processing", "sent", "failed", "cancelled"} {
		if _, err := ParseStatus(ok); err != nil {
			t.Errorf("ParseStatus(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "done", "PENDING", "unknown"} {
		if _, err := ParseStatus(bad); err == nil {
			t.Errorf("ParseStatus(%q) should fail", bad)
		}
	}
}

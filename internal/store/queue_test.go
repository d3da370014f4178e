package store

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Cap: 6, MaxRetries: 10}

	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{6, 64 * time.Second},
		{9, 64 * time.Second}, // capped
	}
	for _, c := range cases {
		if got := p.Delay(c.retryCount); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.retryCount, got, c.want)
		}
	}
}

func TestPeekBatchOnePerEntity(t *testing.T) {
	db := testDB(t)

	a := mustCreate(t, db, "note", `{"n":"a"}`)
	if _, err := db.Update("note", a.ID, json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	b := mustCreate(t, db, "note", `{"n":"b"}`)

	batch, err := db.PeekBatch(10)
	if err != nil {
		t.Fatal(err)
	}
	// Only each entity's oldest entry is eligible; a's update waits behind
	// its create.
	if len(batch) != 2 {
		t.Fatalf("got %d entries, want 2", len(batch))
	}
	if batch[0].EntityID != a.ID || batch[0].Op != OpCreate {
		t.Errorf("first = %s %s, want create for %s", batch[0].Op, batch[0].EntityID, a.ID)
	}
	if batch[1].EntityID != b.ID {
		t.Errorf("second = %s, want %s", batch[1].EntityID, b.ID)
	}

	// An in-flight head parks the whole entity.
	if err := db.MarkSending(batch[0].ID); err != nil {
		t.Fatal(err)
	}
	batch, err = db.PeekBatch(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 || batch[0].EntityID != b.ID {
		t.Fatalf("batch after MarkSending = %v, want only %s", batch, b.ID)
	}
}

func TestAckSettlesEntity(t *testing.T) {
	db := testDB(t)

	e := mustCreate(t, db, "note", `{"title":"a"}`)
	batch, err := db.PeekBatch(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Ack(batch[0].ID); err != nil {
		t.Fatal(err)
	}

	got, err := db.Get("note", e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSynced {
		t.Errorf("status = %q, want synced", got.Status)
	}
	if got.RemoteVersion != 1 {
		t.Errorf("remote_version = %d, want 1", got.RemoteVersion)
	}

	// Acking twice is harmless.
	if err := db.Ack(batch[0].ID); err != nil {
		t.Fatal(err)
	}
}

func TestAckKeepsPendingWhileQueueNonEmpty(t *testing.T) {
	db := testDB(t)

	e := mustCreate(t, db, "note", `{"n":0}`)
	if _, err := db.Update("note", e.ID, json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}

	batch, err := db.PeekBatch(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Ack(batch[0].ID); err != nil {
		t.Fatal(err)
	}

	// The update is still queued, so the entity must stay pending.
	got, err := db.Get("note", e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %q, want pending (update still queued)", got.Status)
	}
	if got.RemoteVersion != 1 {
		t.Errorf("remote_version = %d, want 1 after create ack", got.RemoteVersion)
	}

	batch, err = db.PeekBatch(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Ack(batch[0].ID); err != nil {
		t.Fatal(err)
	}
	got, err = db.Get("note", e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSynced || got.RemoteVersion != 2 {
		t.Errorf("after final ack: status %q remote_version %d, want synced 2", got.Status, got.RemoteVersion)
	}
}

func TestAckDeletePurgesTombstone(t *testing.T) {
	db := testDB(t)

	e := mustCreate(t, db, "note", `{"title":"bye"}`)
	drainAll(t, db)
	if err := db.Delete("note", e.ID); err != nil {
		t.Fatal(err)
	}

	batch, err := db.PeekBatch(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 || batch[0].Op != OpDelete {
		t.Fatalf("batch = %v, want single delete", batch)
	}
	if err := db.Ack(batch[0].ID); err != nil {
		t.Fatal(err)
	}

	row, err := db.Lookup("note", e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Errorf("tombstone still present after ack")
	}
}

func TestMarkFailedSchedulesRetry(t *testing.T) {
	db := testDB(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return now })

	mustCreate(t, db, "note", `{"a":1}`)
	batch, err := db.PeekBatch(1)
	if err != nil {
		t.Fatal(err)
	}

	p := RetryPolicy{Base: time.Second, Cap: 6, MaxRetries: 10}
	entry, err := db.MarkFailed(batch[0].ID, "connection refused", p)
	if err != nil {
		t.Fatal(err)
	}
	if entry.RetryCount != 1 || entry.Status != EntryQueued {
		t.Errorf("entry = rc %d status %q, want rc 1 queued", entry.RetryCount, entry.Status)
	}
	if want := now.Add(2 * time.Second); !entry.NextRetryAt.Equal(want) {
		t.Errorf("next retry = %v, want %v", entry.NextRetryAt, want)
	}

	// Not eligible until the clock passes the retry time.
	batch, err = db.PeekBatch(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 0 {
		t.Fatalf("entry eligible before backoff elapsed")
	}
	now = now.Add(3 * time.Second)
	batch, err = db.PeekBatch(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 {
		t.Fatalf("entry not eligible after backoff elapsed")
	}
}

func TestMarkFailedDeadLetters(t *testing.T) {
	db := testDB(t)

	e := mustCreate(t, db, "note", `{"a":1}`)
	batch, err := db.PeekBatch(1)
	if err != nil {
		t.Fatal(err)
	}

	p := RetryPolicy{Base: time.Millisecond, Cap: 2, MaxRetries: 2}
	var entry *QueueEntry
	for i := 0; i < 3; i++ {
		entry, err = db.MarkFailed(batch[0].ID, "boom", p)
		if err != nil {
			t.Fatal(err)
		}
	}
	if entry.Status != EntryFailed {
		t.Errorf("status = %q, want failed after exceeding retries", entry.Status)
	}

	// Dead-lettered entries are never drained; the entity stays pending.
	got, err := db.Get("note", e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending {
		t.Errorf("entity status = %q, want pending", got.Status)
	}
	_, _, failed, err := db.QueueCounts()
	if err != nil {
		t.Fatal(err)
	}
	if failed != 1 {
		t.Errorf("failed count = %d, want 1", failed)
	}
}

func TestRetryFailedRequeues(t *testing.T) {
	db := testDB(t)

	mustCreate(t, db, "note", `{"a":1}`)
	batch, _ := db.PeekBatch(1)
	p := RetryPolicy{Base: time.Millisecond, Cap: 1, MaxRetries: 0}
	if _, err := db.MarkFailed(batch[0].ID, "boom", p); err != nil {
		t.Fatal(err)
	}

	n, err := db.RetryFailed()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}

	batch, err = db.PeekBatch(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 || batch[0].RetryCount != 0 {
		t.Errorf("batch = %v, want fresh entry with rc 0", batch)
	}
}

func TestDiscardFailedSettlesEntity(t *testing.T) {
	db := testDB(t)

	e := mustCreate(t, db, "note", `{"a":1}`)
	batch, _ := db.PeekBatch(1)
	p := RetryPolicy{Base: time.Millisecond, Cap: 1, MaxRetries: 0}
	if _, err := db.MarkFailed(batch[0].ID, "boom", p); err != nil {
		t.Fatal(err)
	}

	n, err := db.DiscardFailed()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("discarded %d, want 1", n)
	}

	// Giving up on the push accepts the divergence.
	got, err := db.Get("note", e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSynced {
		t.Errorf("status = %q, want synced after discard", got.Status)
	}
	if pending, _ := db.HasPending("note", e.ID); pending {
		t.Error("queue entries remain after discard")
	}
}

func TestDiscardFailedPurgesAbandonedDelete(t *testing.T) {
	db := testDB(t)

	e := mustCreate(t, db, "note", `{"a":1}`)
	drainAll(t, db)
	if err := db.Delete("note", e.ID); err != nil {
		t.Fatal(err)
	}
	batch, _ := db.PeekBatch(1)
	p := RetryPolicy{Base: time.Millisecond, Cap: 1, MaxRetries: 0}
	if _, err := db.MarkFailed(batch[0].ID, "boom", p); err != nil {
		t.Fatal(err)
	}

	if _, err := db.DiscardFailed(); err != nil {
		t.Fatal(err)
	}
	row, err := db.Lookup("note", e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Errorf("abandoned tombstone still present")
	}
}

func TestResetSendingRequeuesInFlight(t *testing.T) {
	db := testDB(t)

	mustCreate(t, db, "note", `{"a":1}`)
	batch, _ := db.PeekBatch(1)
	if err := db.MarkSending(batch[0].ID); err != nil {
		t.Fatal(err)
	}

	n, err := db.ResetSending()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reset %d, want 1", n)
	}
	batch, err = db.PeekBatch(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 {
		t.Errorf("entry not eligible after reset")
	}
}

// drainAll acks every eligible entry until the queue is empty.
func drainAll(t *testing.T, db *DB) {
	t.Helper()
	for {
		batch, err := db.PeekBatch(50)
		if err != nil {
			t.Fatal(err)
		}
		if len(batch) == 0 {
			return
		}
		for _, entry := range batch {
			if err := db.Ack(entry.ID); err != nil {
				t.Fatal(err)
			}
		}
	}
}

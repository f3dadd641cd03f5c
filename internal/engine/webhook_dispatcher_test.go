package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fabrica/internal/config"
	"fabrica/internal/store"
)

func dispatcherStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "dispatcher_test",
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

// enqueueDelivery inserts a due pending row the way EnqueueAsyncWebhooks
// does, with explicit timestamps so ordering is deterministic.
func enqueueDelivery(t *testing.T, s *store.Store, id, entity, recordID, url, createdAt string, maxAttempts int) {
	t.Helper()
	pb := s.Dialect.NewParamBuilder()
	_, err := store.Exec(context.Background(), s.DB, fmt.Sprintf(
		`INSERT INTO _webhook_logs (id, entity, record_id, hook, url, method, request_headers, request_body,
		 status, attempt, max_attempts, next_retry_at, idempotency_key, created_at, updated_at)
		 VALUES (%s, %s, %s, 'after_write', %s, 'POST', '{}', '{}', 'pending', 0, %s, %s, %s, %s, %s)`,
		pb.Add(id), pb.Add(entity), pb.Add(recordID), pb.Add(url),
		pb.Add(maxAttempts), pb.Add("2026-01-01T00:00:00Z"), pb.Add("key-"+id),
		pb.Add(createdAt), pb.Add(createdAt)),
		pb.Params()...)
	if err != nil {
		t.Fatalf("enqueue delivery %s: %v", id, err)
	}
}

func deliveryState(t *testing.T, s *store.Store, id string) (status string, attempt int) {
	t.Helper()
	pb := s.Dialect.NewParamBuilder()
	row, err := store.QueryRow(context.Background(), s.DB,
		fmt.Sprintf("SELECT status, attempt FROM _webhook_logs WHERE id = %s", pb.Add(id)),
		pb.Params()...)
	if err != nil {
		t.Fatalf("read delivery %s: %v", id, err)
	}
	return fmt.Sprintf("%v", row["status"]), toInt(row["attempt"])
}

func TestDispatcherDeliversPendingRow(t *testing.T) {
	s := dispatcherStore(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	enqueueDelivery(t, s, "d1", "invoice", "rec-1", srv.URL, "2026-01-01T00:00:00Z", 3)

	d := NewWebhookDispatcher(s, 1, time.Second)
	if !d.processOne() {
		t.Fatal("expected a claimable row")
	}

	status, attempt := deliveryState(t, s, "d1")
	if status != "delivered" || attempt != 1 {
		t.Fatalf("expected delivered/1, got %s/%d", status, attempt)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 HTTP call, got %d", calls.Load())
	}
	if d.processOne() {
		t.Fatal("expected queue drained")
	}
}

func TestDispatcherRetriesThenFails(t *testing.T) {
	s := dispatcherStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	enqueueDelivery(t, s, "d1", "invoice", "rec-1", srv.URL, "2026-01-01T00:00:00Z", 2)

	d := NewWebhookDispatcher(s, 1, time.Second)

	// First attempt fails and schedules a retry in the future.
	if !d.processOne() {
		t.Fatal("expected a claimable row")
	}
	status, attempt := deliveryState(t, s, "d1")
	if status != "retrying" || attempt != 1 {
		t.Fatalf("expected retrying/1, got %s/%d", status, attempt)
	}

	// Backed-off rows are not claimable until due.
	if d.processOne() {
		t.Fatal("row must not be claimable before next_retry_at")
	}

	// Force the retry due and exhaust the budget.
	pb := s.Dialect.NewParamBuilder()
	if _, err := store.Exec(context.Background(), s.DB,
		fmt.Sprintf("UPDATE _webhook_logs SET next_retry_at = %s WHERE id = 'd1'",
			pb.Add("2026-01-01T00:00:00Z")), pb.Params()...); err != nil {
		t.Fatalf("rewind retry: %v", err)
	}
	if !d.processOne() {
		t.Fatal("expected due retry to be claimed")
	}

	// Terminal state: failed with attempt == max_attempts.
	status, attempt = deliveryState(t, s, "d1")
	if status != "failed" || attempt != 2 {
		t.Fatalf("expected failed/2, got %s/%d", status, attempt)
	}
	if d.processOne() {
		t.Fatal("failed rows must not be reclaimed")
	}
}

func TestDispatcherFIFOPerRecord(t *testing.T) {
	s := dispatcherStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()

	// rec-1 has an older delivery stuck in backoff; its newer delivery must
	// wait, but rec-2 proceeds independently.
	enqueueDelivery(t, s, "old-r1", "invoice", "rec-1", srv.URL, "2026-01-01T00:00:00Z", 3)
	enqueueDelivery(t, s, "new-r1", "invoice", "rec-1", srv.URL, "2026-01-01T00:00:01Z", 3)
	enqueueDelivery(t, s, "r2", "invoice", "rec-2", srv.URL, "2026-01-01T00:00:02Z", 3)

	pb := s.Dialect.NewParamBuilder()
	if _, err := store.Exec(context.Background(), s.DB, fmt.Sprintf(
		"UPDATE _webhook_logs SET status = 'retrying', attempt = 1, next_retry_at = %s WHERE id = 'old-r1'",
		pb.Add("2027-01-01T00:00:00Z")), pb.Params()...); err != nil {
		t.Fatalf("park old delivery: %v", err)
	}

	d := NewWebhookDispatcher(s, 1, time.Second)
	row, ok := d.claimNext(context.Background())
	if !ok || row == nil {
		t.Fatal("expected rec-2 delivery to be claimable")
	}
	if row.ID != "r2" {
		t.Fatalf("expected r2 claimed, got %s", row.ID)
	}
	d.attempt(context.Background(), row)

	// new-r1 stays blocked behind its record's unfinished older delivery.
	if row, ok := d.claimNext(context.Background()); ok {
		t.Fatalf("expected head-of-line blocking per record, claimed %v", row)
	}

	// Once the older delivery finishes, the newer one flows.
	if _, err := store.Exec(context.Background(), s.DB,
		"UPDATE _webhook_logs SET status = 'delivered' WHERE id = 'old-r1'"); err != nil {
		t.Fatalf("finish old delivery: %v", err)
	}
	row, ok = d.claimNext(context.Background())
	if !ok || row == nil || row.ID != "new-r1" {
		t.Fatalf("expected new-r1 claimable after older finished, got %v", row)
	}
}

package engine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

// receiver is a webhook endpoint that records every delivery it gets and
// answers with a configurable status.
type receiver struct {
	mu       sync.Mutex
	payloads []map[string]any
	status   int
}

func newReceiver() (*receiver, *httptest.Server) {
	r := &receiver{status: 200}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(req.Body).Decode(&body)
		r.mu.Lock()
		r.payloads = append(r.payloads, body)
		status := r.status
		r.mu.Unlock()
		w.WriteHeader(status)
	}))
	return r, srv
}

func (r *receiver) setStatus(code int) {
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
}

func (r *receiver) received() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, len(r.payloads))
	copy(out, r.payloads)
	return out
}

func syncWebhook(id, hook, url string) *metadata.Webhook {
	return &metadata.Webhook{
		ID:     id,
		Entity: "invoice",
		Hook:   hook,
		URL:    url,
		Method: "POST",
		Async:  false,
		Active: true,
	}
}

func TestBeforeWriteWebhookFires(t *testing.T) {
	s := testStore(t)
	reg := setupInvoices(t, s)
	rec, srv := newReceiver()
	defer srv.Close()
	reg.LoadWebhooks([]*metadata.Webhook{syncWebhook("wh-before", "before_write", srv.URL)})
	app := testApp(t, s, reg)

	created := createInvoice(t, app, "INV-WH-1", 10)

	got := rec.received()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if got[0]["event"] != "before_write" {
		t.Errorf("expected event before_write, got %v", got[0]["event"])
	}
	if got[0]["action"] != "create" {
		t.Errorf("expected action create, got %v", got[0]["action"])
	}
	record, _ := got[0]["record"].(map[string]any)
	if record["number"] != "INV-WH-1" {
		t.Errorf("expected payload record, got %v", got[0]["record"])
	}

	// Updates fire the hook too.
	id := created["id"].(string)
	status, body := doJSON(t, app, "PUT", "/api/invoice/"+id, map[string]any{"total": 20})
	if status != 200 {
		t.Fatalf("update: expected 200, got %d (%v)", status, body)
	}
	if got := rec.received(); len(got) != 2 || got[1]["action"] != "update" {
		t.Fatalf("expected a second delivery with action update, got %v", got)
	}
}

func TestBeforeWriteWebhookVetoesWrite(t *testing.T) {
	s := testStore(t)
	reg := setupInvoices(t, s)
	rec, srv := newReceiver()
	defer srv.Close()
	rec.setStatus(500)
	reg.LoadWebhooks([]*metadata.Webhook{syncWebhook("wh-veto", "before_write", srv.URL)})
	app := testApp(t, s, reg)

	status, _ := doJSON(t, app, "POST", "/api/invoice", map[string]any{
		"number": "INV-VETO", "status": "draft", "total": 10,
	})
	if status != 500 {
		t.Fatalf("expected 500 when the blocking webhook fails, got %d", status)
	}

	// The transaction rolled back: nothing was stored.
	rows, err := store.QueryRows(context.Background(), s.DB,
		"SELECT id FROM invoice WHERE number = 'INV-VETO'")
	if err != nil {
		t.Fatalf("query invoices: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected rolled-back create, found %d rows", len(rows))
	}
}

func TestBeforeDeleteWebhookFires(t *testing.T) {
	s := testStore(t)
	reg := setupInvoices(t, s)
	rec, srv := newReceiver()
	defer srv.Close()
	reg.LoadWebhooks([]*metadata.Webhook{syncWebhook("wh-del", "before_delete", srv.URL)})
	app := testApp(t, s, reg)

	created := createInvoice(t, app, "INV-DEL", 5)
	id := created["id"].(string)

	// A failing pre-delete webhook keeps the record alive.
	rec.setStatus(500)
	status, _ := doJSON(t, app, "DELETE", "/api/invoice/"+id, nil)
	if status != 500 {
		t.Fatalf("expected 500 on vetoed delete, got %d", status)
	}
	if status, _ := doJSON(t, app, "GET", "/api/invoice/"+id, nil); status != 200 {
		t.Fatalf("vetoed delete must keep the record, got %d", status)
	}

	rec.setStatus(200)
	status, _ = doJSON(t, app, "DELETE", "/api/invoice/"+id, nil)
	if status != 200 {
		t.Fatalf("expected 200 on delete, got %d", status)
	}

	got := rec.received()
	if len(got) == 0 {
		t.Fatal("expected pre-delete deliveries")
	}
	last := got[len(got)-1]
	if last["event"] != "before_delete" || last["action"] != "delete" {
		t.Errorf("expected before_delete/delete, got %v/%v", last["event"], last["action"])
	}
}

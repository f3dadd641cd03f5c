package engine

import (
	"testing"
	"time"

	"fabrica/internal/metadata"
)

func TestComputeChanges(t *testing.T) {
	old := map[string]any{"status": "draft", "total": float64(10), "notes": "x"}
	record := map[string]any{"status": "sent", "total": float64(10), "notes": "x", "sent_at": "2026-01-01T00:00:00Z"}

	changes := computeChanges(record, old)

	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %v", len(changes), changes)
	}

	status, ok := changes["status"].(map[string]any)
	if !ok {
		t.Fatal("expected status change entry")
	}
	if status["old"] != "draft" || status["new"] != "sent" {
		t.Fatalf("unexpected status change: %v", status)
	}

	// New field with no old value still shows up as a change.
	if _, ok := changes["sent_at"]; !ok {
		t.Fatal("expected sent_at change entry")
	}
	if _, ok := changes["total"]; ok {
		t.Fatal("unchanged total must not appear")
	}
}

func TestBuildWebhookPayload(t *testing.T) {
	user := &metadata.UserContext{ID: "u1", Roles: []string{"admin"}}
	old := map[string]any{"status": "draft"}
	record := map[string]any{"status": "sent"}

	p := BuildWebhookPayload("after_write", "invoice", "update", record, old, user)

	if p.Event != "after_write" || p.Entity != "invoice" || p.Action != "update" {
		t.Fatalf("unexpected payload envelope: %+v", p)
	}
	if p.Changes == nil {
		t.Fatal("expected changes when old is present")
	}
	if p.User["id"] != "u1" {
		t.Fatalf("expected user id in payload, got %v", p.User)
	}
	if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
		t.Fatalf("timestamp not RFC3339: %q", p.Timestamp)
	}

	// Creates carry no old and no changes.
	p = BuildWebhookPayload("after_write", "invoice", "create", record, nil, nil)
	if p.Old != nil || p.Changes != nil || p.User != nil {
		t.Fatalf("create payload should omit old/changes/user: %+v", p)
	}
}

func TestResolveHeaders(t *testing.T) {
	t.Setenv("WEBHOOK_TEST_TOKEN", "s3cret")

	headers := ResolveHeaders(map[string]string{
		"Authorization": "Bearer {{env.WEBHOOK_TEST_TOKEN}}",
		"X-Static":      "plain",
		"X-Missing":     "{{env.WEBHOOK_TEST_UNSET_VAR}}",
	})

	if headers["Authorization"] != "Bearer s3cret" {
		t.Fatalf("env substitution failed: %q", headers["Authorization"])
	}
	if headers["X-Static"] != "plain" {
		t.Fatalf("static header altered: %q", headers["X-Static"])
	}
	if headers["X-Missing"] != "" {
		t.Fatalf("unset var should resolve to empty, got %q", headers["X-Missing"])
	}
}

func TestEvaluateWebhookCondition(t *testing.T) {
	payload := BuildWebhookPayload("after_write", "invoice", "update",
		map[string]any{"status": "sent", "total": float64(100)},
		map[string]any{"status": "draft", "total": float64(100)}, nil)

	cases := []struct {
		name      string
		condition string
		want      bool
	}{
		{"empty always fires", "", true},
		{"record match", `record.status == "sent"`, true},
		{"record mismatch", `record.status == "paid"`, false},
		{"old value", `old.status == "draft"`, true},
		{"action", `action == "update"`, true},
		{"numeric", `record.total >= 50`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wh := &metadata.Webhook{ID: "wh1", Condition: tc.condition}
			fire, err := EvaluateWebhookCondition(wh, payload)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fire != tc.want {
				t.Fatalf("condition %q: expected %v, got %v", tc.condition, tc.want, fire)
			}
		})
	}

	// Broken expressions surface an error instead of silently firing.
	wh := &metadata.Webhook{ID: "wh1", Condition: "record.status =="}
	if _, err := EvaluateWebhookCondition(wh, payload); err == nil {
		t.Fatal("expected error for malformed condition")
	}
}

func TestDeliveryKey(t *testing.T) {
	k1 := deliveryKey("wh1", "rec1", "update", 0)
	k2 := deliveryKey("wh1", "rec1", "update", 0)

	if k1 != "wh_wh1_rec1_update_0" {
		t.Fatalf("unexpected key shape: %q", k1)
	}
	// Deterministic: re-enqueueing the same delivery produces the same key,
	// so the UNIQUE constraint catches the replay.
	if k1 != k2 {
		t.Fatalf("replayed delivery must reuse the key: %q vs %q", k1, k2)
	}

	if deliveryKey("wh1", "rec2", "update", 0) == k1 {
		t.Fatal("different records must get distinct keys")
	}
	if deliveryKey("wh1", "rec1", "delete", 0) == k1 {
		t.Fatal("different actions must get distinct keys")
	}

	// A record with no id never collides with another keyless delivery.
	if deliveryKey("wh1", "", "create", 0) == deliveryKey("wh1", "", "create", 0) {
		t.Fatal("keyless deliveries must not collide")
	}
}

func TestRetryBackoff(t *testing.T) {
	for attempt := 1; attempt <= 12; attempt++ {
		b := retryBackoff(attempt)
		if b < backoffBase {
			t.Fatalf("attempt %d: backoff %v below base", attempt, b)
		}
		// Cap plus the 10% jitter allowance.
		if b > backoffMax+backoffMax/10 {
			t.Fatalf("attempt %d: backoff %v above cap", attempt, b)
		}
	}

	// Doubling: attempt 3 floors at 4x base.
	if b := retryBackoff(3); b < 4*backoffBase {
		t.Fatalf("attempt 3: expected at least %v, got %v", 4*backoffBase, b)
	}

	if b := retryBackoff(0); b < backoffBase {
		t.Fatalf("attempt 0 clamps to 1: got %v", b)
	}
}

func TestEffectiveMaxAttempts(t *testing.T) {
	wh := &metadata.Webhook{}
	if got := wh.EffectiveMaxAttempts(); got != 3 {
		t.Fatalf("default max attempts: expected 3, got %d", got)
	}
	wh.Retry.MaxAttempts = 7
	if got := wh.EffectiveMaxAttempts(); got != 7 {
		t.Fatalf("explicit max attempts: expected 7, got %d", got)
	}
}

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/expr-lang/expr/vm"

	"fabrica/internal/expression"
	"fabrica/internal/instrument"
	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

var webhookHTTPClient = &http.Client{}

// WebhookPayload is the JSON body delivered to webhook endpoints.
type WebhookPayload struct {
	Event          string         `json:"event"`
	Entity         string         `json:"entity"`
	Action         string         `json:"action"` // create, update, delete
	Record         map[string]any `json:"record"`
	Old            map[string]any `json:"old,omitempty"`
	Changes        map[string]any `json:"changes,omitempty"`
	User           map[string]any `json:"user,omitempty"`
	Timestamp      string         `json:"timestamp"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// BuildWebhookPayload constructs the delivery payload shared by every
// webhook bound to the same event. The idempotency key is assigned per
// delivery at enqueue time.
func BuildWebhookPayload(hook, entity, action string, record, old map[string]any, user *metadata.UserContext) *WebhookPayload {
	p := &WebhookPayload{
		Event:     hook,
		Entity:    entity,
		Action:    action,
		Record:    record,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if old != nil {
		p.Old = old
		p.Changes = computeChanges(record, old)
	}
	if user != nil {
		p.User = map[string]any{"id": user.ID, "roles": user.Roles}
	}
	return p
}

// deliveryKey identifies one logical delivery: which webhook, which record,
// which action, at which attempt. The key is deterministic so replaying the
// same enqueue collides on the UNIQUE constraint and is dropped. A record
// with no usable id gets a fresh key component; unrelated deliveries must
// never collide.
func deliveryKey(webhookID string, recordID any, action string, attempt int) string {
	rid := fmt.Sprintf("%v", recordID)
	if rid == "" {
		rid = store.GenerateUUID()
	}
	return fmt.Sprintf("wh_%s_%s_%s_%d", webhookID, rid, action, attempt)
}

// computeChanges returns field -> {old, new} for every changed field.
func computeChanges(record, old map[string]any) map[string]any {
	changes := map[string]any{}
	for k, newVal := range record {
		oldVal, exists := old[k]
		if !exists || fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", newVal) {
			changes[k] = map[string]any{"old": oldVal, "new": newVal}
		}
	}
	return changes
}

// ResolveHeaders replaces {{env.VAR_NAME}} in header values, so catalog rows
// never store secrets.
func ResolveHeaders(headers map[string]string) map[string]string {
	resolved := make(map[string]string, len(headers))
	for k, v := range headers {
		resolved[k] = resolveEnvVars(v)
	}
	return resolved
}

func resolveEnvVars(s string) string {
	for {
		start := strings.Index(s, "{{env.")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return s
		}
		end += start
		s = s[:start] + os.Getenv(s[start+6:end]) + s[end+2:]
	}
}

// EvaluateWebhookCondition runs the webhook's condition against the payload.
// An empty condition always fires; a falsy result suppresses silently.
func EvaluateWebhookCondition(wh *metadata.Webhook, payload *WebhookPayload) (bool, error) {
	if wh.Condition == "" {
		return true, nil
	}

	env := map[string]any{
		"record":  payload.Record,
		"old":     payload.Old,
		"changes": payload.Changes,
		"action":  payload.Action,
		"entity":  payload.Entity,
		"event":   payload.Event,
	}
	if payload.User != nil {
		env["user"] = payload.User
	}

	prog, ok := wh.CompiledCondition.(*vm.Program)
	if !ok || prog == nil {
		compiled, err := expression.Compile(wh.Condition)
		if err != nil {
			return false, fmt.Errorf("compile webhook condition: %w", err)
		}
		wh.CompiledCondition = compiled
		prog = compiled
	}

	result, err := expression.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate webhook condition: %w", err)
	}
	return expression.Truthy(result), nil
}

// DispatchResult holds the outcome of a single webhook HTTP attempt.
type DispatchResult struct {
	StatusCode   int
	ResponseBody string
	Error        string
}

func (r *DispatchResult) Succeeded() bool {
	return r.Error == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

// DispatchWebhook performs one HTTP attempt with a hard per-attempt timeout.
func DispatchWebhook(ctx context.Context, url, method string, headers map[string]string, bodyJSON []byte, timeout time.Duration) *DispatchResult {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "webhook", "dispatcher", "webhook.dispatch")
	defer span.End()
	span.SetMetadata("url", url)
	span.SetMetadata("method", method)

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyJSON))
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return &DispatchResult{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := webhookHTTPClient.Do(req)
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return &DispatchResult{Error: fmt.Sprintf("http call: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		span.SetStatus("ok")
	} else {
		span.SetStatus("error")
		span.SetMetadata("error", fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	span.SetMetadata("status_code", resp.StatusCode)

	return &DispatchResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(respBody),
	}
}

// FireSyncWebhooks runs blocking webhooks inside the write transaction. Any
// failure (transport error or non-2xx) vetoes the write; the delivery is
// logged either way.
func FireSyncWebhooks(ctx context.Context, tx store.Querier, dialect store.Dialect, reg *metadata.Registry,
	hook, entity, action string, record, old map[string]any, user *metadata.UserContext) error {

	webhooks := reg.GetWebhooksForEntityHook(entity, hook)
	if len(webhooks) == 0 {
		return nil
	}

	payload := BuildWebhookPayload(hook, entity, action, record, old, user)
	recordID := recordPK(record)

	for _, wh := range webhooks {
		if wh.Async {
			continue
		}

		fire, err := EvaluateWebhookCondition(wh, payload)
		if err != nil {
			return fmt.Errorf("webhook %s condition: %w", wh.ID, err)
		}
		if !fire {
			continue
		}

		payload.IdempotencyKey = deliveryKey(wh.ID, recordID, action, 1)
		headers := ResolveHeaders(wh.Headers)
		bodyJSON, _ := json.Marshal(payload)
		result := DispatchWebhook(ctx, wh.URL, wh.Method, headers, bodyJSON, 0)

		logSyncDelivery(ctx, tx, dialect, wh, recordID, payload.IdempotencyKey, headers, bodyJSON, result)

		if result.Error != "" {
			return fmt.Errorf("webhook %s failed: %s", wh.ID, result.Error)
		}
		if !result.Succeeded() {
			return fmt.Errorf("webhook %s returned HTTP %d: %s", wh.ID, result.StatusCode, result.ResponseBody)
		}
	}

	return nil
}

// logSyncDelivery records a synchronous attempt with its final status.
func logSyncDelivery(ctx context.Context, q store.Querier, dialect store.Dialect, wh *metadata.Webhook,
	recordID any, key string, headers map[string]string, bodyJSON []byte, result *DispatchResult) {

	status := "delivered"
	errMsg := result.Error
	if !result.Succeeded() {
		status = "failed"
		if errMsg == "" {
			errMsg = fmt.Sprintf("HTTP %d", result.StatusCode)
		}
	}

	headersJSON, _ := json.Marshal(headers)
	pb := dialect.NewParamBuilder()
	_, err := store.Exec(ctx, q, fmt.Sprintf(
		`INSERT INTO _webhook_logs (id, webhook_id, entity, record_id, hook, url, method, request_headers, request_body,
		 response_status, response_body, status, attempt, max_attempts, error, idempotency_key)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(store.GenerateUUID()), pb.Add(wh.ID), pb.Add(wh.Entity), pb.Add(fmt.Sprintf("%v", recordID)),
		pb.Add(wh.Hook), pb.Add(wh.URL), pb.Add(wh.Method),
		pb.Add(string(headersJSON)), pb.Add(string(bodyJSON)),
		pb.Add(result.StatusCode), pb.Add(result.ResponseBody),
		pb.Add(status), pb.Add(1), pb.Add(1), pb.Add(errMsg), pb.Add(key)),
		pb.Params()...)
	if err != nil {
		webhookLog.Error().Err(err).Str("webhook", wh.ID).Msg("log sync delivery")
	}
}

// EnqueueAsyncWebhooks inserts pending delivery rows inside the write
// transaction. The dispatcher picks them up after commit; a rollback
// discards them with the rest of the write.
func EnqueueAsyncWebhooks(ctx context.Context, tx store.Querier, dialect store.Dialect, reg *metadata.Registry,
	hook, entity, action string, record, old map[string]any, user *metadata.UserContext) error {

	webhooks := reg.GetWebhooksForEntityHook(entity, hook)
	if len(webhooks) == 0 {
		return nil
	}

	payload := BuildWebhookPayload(hook, entity, action, record, old, user)
	recordID := recordPK(record)

	for _, wh := range webhooks {
		if !wh.Async {
			continue
		}

		fire, err := EvaluateWebhookCondition(wh, payload)
		if err != nil {
			webhookLog.Error().Err(err).Str("webhook", wh.ID).Msg("condition evaluation")
			continue
		}
		if !fire {
			continue
		}

		payload.IdempotencyKey = deliveryKey(wh.ID, recordID, action, 0)
		headers := ResolveHeaders(wh.Headers)
		headersJSON, _ := json.Marshal(headers)
		bodyJSON, _ := json.Marshal(payload)

		pb := dialect.NewParamBuilder()
		_, err = store.Exec(ctx, tx, fmt.Sprintf(
			`INSERT INTO _webhook_logs (id, webhook_id, entity, record_id, hook, url, method, request_headers, request_body,
			 status, attempt, max_attempts, next_retry_at, idempotency_key)
			 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, 'pending', 0, %s, %s, %s)
			 ON CONFLICT (idempotency_key) DO NOTHING`,
			pb.Add(store.GenerateUUID()), pb.Add(wh.ID), pb.Add(wh.Entity), pb.Add(fmt.Sprintf("%v", recordID)),
			pb.Add(wh.Hook), pb.Add(wh.URL), pb.Add(wh.Method),
			pb.Add(string(headersJSON)), pb.Add(string(bodyJSON)),
			pb.Add(wh.EffectiveMaxAttempts()), pb.Add(time.Now().UTC().Format(time.RFC3339)), pb.Add(payload.IdempotencyKey)),
			pb.Params()...)
		if err != nil {
			return fmt.Errorf("enqueue webhook %s: %w", wh.ID, err)
		}
	}

	return nil
}

// EnqueueDirectWebhook queues a one-off delivery that has no catalog webhook
// behind it, used by state machine and workflow webhook actions.
func EnqueueDirectWebhook(ctx context.Context, q store.Querier, dialect store.Dialect, entity, url, method string, body map[string]any) error {
	if method == "" {
		method = "POST"
	}
	bodyJSON, _ := json.Marshal(body)
	// One-off deliveries have no catalog record behind them; the row id
	// doubles as the record lane so they never block each other.
	id := store.GenerateUUID()
	key := fmt.Sprintf("wh_direct_%s_%s", entity, id)

	pb := dialect.NewParamBuilder()
	_, err := store.Exec(ctx, q, fmt.Sprintf(
		`INSERT INTO _webhook_logs (id, entity, record_id, hook, url, method, request_headers, request_body,
		 status, attempt, max_attempts, next_retry_at, idempotency_key)
		 VALUES (%s, %s, %s, 'action', %s, %s, '{}', %s, 'pending', 0, 3, %s, %s)`,
		pb.Add(id), pb.Add(entity), pb.Add(id), pb.Add(url), pb.Add(method),
		pb.Add(string(bodyJSON)), pb.Add(time.Now().UTC().Format(time.RFC3339)), pb.Add(key)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("enqueue direct webhook: %w", err)
	}
	return nil
}

// recordPK pulls a best-effort record identifier for the idempotency key.
func recordPK(record map[string]any) any {
	if record == nil {
		return ""
	}
	if id, ok := record["id"]; ok {
		return id
	}
	return ""
}

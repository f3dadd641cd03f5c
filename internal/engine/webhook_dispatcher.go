package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"fabrica/internal/store"
)

const (
	dispatcherPollInterval = 5 * time.Second
	backoffBase            = 30 * time.Second
	backoffMax             = 1 * time.Hour
)

// WebhookDispatcher drains pending delivery rows with a pool of workers.
// Deliveries are claimed with a compare-and-swap on status, so multiple
// dispatcher instances can share one database. Rows for the same (entity,
// record) are delivered oldest-first: a worker never claims a row while an
// older unfinished row for that record exists. Deliveries for different
// records proceed independently.
type WebhookDispatcher struct {
	st             *store.Store
	workers        int
	attemptTimeout time.Duration

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewWebhookDispatcher(st *store.Store, workers int, attemptTimeout time.Duration) *WebhookDispatcher {
	if workers < 1 {
		workers = 4
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 10 * time.Second
	}
	return &WebhookDispatcher{
		st:             st,
		workers:        workers,
		attemptTimeout: attemptTimeout,
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
	}
}

func (d *WebhookDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.runWorker()
	}
	webhookLog.Info().Int("workers", d.workers).Msg("webhook dispatcher started")
}

func (d *WebhookDispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
}

// Wake nudges the workers after a commit so fresh deliveries don't wait for
// the next poll tick.
func (d *WebhookDispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *WebhookDispatcher) runWorker() {
	defer d.wg.Done()
	ticker := time.NewTicker(dispatcherPollInterval)
	defer ticker.Stop()

	for {
		// Drain everything claimable before sleeping.
		for d.processOne() {
		}
		select {
		case <-d.stop:
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// processOne claims and attempts a single delivery. Returns true when a row
// was claimed, whether or not the attempt succeeded.
func (d *WebhookDispatcher) processOne() bool {
	ctx := context.Background()
	row, ok := d.claimNext(ctx)
	if !ok {
		return false
	}
	if row == nil {
		return true // lost a claim race; look again
	}
	d.attempt(ctx, row)
	return true
}

type deliveryRow struct {
	ID          string
	Entity      string
	URL         string
	Method      string
	Headers     map[string]string
	Body        []byte
	Attempt     int
	MaxAttempts int
}

// claimNext finds the oldest due delivery whose (entity, record) has no
// older unfinished delivery, then flips it to processing with a CAS. A lost
// race simply means another worker got there first.
func (d *WebhookDispatcher) claimNext(ctx context.Context) (*deliveryRow, bool) {
	dialect := d.st.Dialect
	now := time.Now().UTC().Format(time.RFC3339)

	pb := dialect.NewParamBuilder()
	selectSQL := fmt.Sprintf(
		`SELECT id, entity, url, method, request_headers, request_body, attempt, max_attempts, status
		 FROM _webhook_logs w
		 WHERE w.status IN ('pending', 'retrying') AND w.next_retry_at <= %s
		   AND NOT EXISTS (
		     SELECT 1 FROM _webhook_logs older
		     WHERE older.entity = w.entity
		       AND older.record_id = w.record_id
		       AND older.created_at < w.created_at
		       AND older.status IN ('pending', 'retrying', 'processing')
		   )
		 ORDER BY w.created_at
		 LIMIT 1`, pb.Add(now))

	rec, err := store.QueryRow(ctx, d.st.DB, selectSQL, pb.Params()...)
	if err != nil {
		if err != store.ErrNotFound {
			webhookLog.Error().Err(err).Msg("scan pending deliveries")
		}
		return nil, false
	}

	id := fmt.Sprintf("%v", rec["id"])
	observedStatus := fmt.Sprintf("%v", rec["status"])

	pb = dialect.NewParamBuilder()
	casSQL := fmt.Sprintf(
		`UPDATE _webhook_logs SET status = 'processing', updated_at = %s
		 WHERE id = %s AND status = %s`,
		dialect.NowExpr(), pb.Add(id), pb.Add(observedStatus))
	affected, err := store.Exec(ctx, d.st.DB, casSQL, pb.Params()...)
	if err != nil {
		webhookLog.Error().Err(err).Str("delivery", id).Msg("claim delivery")
		return nil, false
	}
	if affected == 0 {
		return nil, true // lost the race, try the next row
	}

	row := &deliveryRow{
		ID:          id,
		Entity:      fmt.Sprintf("%v", rec["entity"]),
		URL:         fmt.Sprintf("%v", rec["url"]),
		Method:      fmt.Sprintf("%v", rec["method"]),
		Attempt:     toInt(rec["attempt"]),
		MaxAttempts: toInt(rec["max_attempts"]),
	}
	if s, ok := rec["request_body"].(string); ok {
		row.Body = []byte(s)
	}
	if s, ok := rec["request_headers"].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &row.Headers); err != nil {
			webhookLog.Warn().Err(err).Str("delivery", id).Msg("parse stored headers")
		}
	}
	return row, true
}

// attempt performs one HTTP delivery and writes the outcome back.
func (d *WebhookDispatcher) attempt(ctx context.Context, row *deliveryRow) {
	attempt := row.Attempt + 1
	result := DispatchWebhook(ctx, row.URL, row.Method, row.Headers, row.Body, d.attemptTimeout)

	dialect := d.st.Dialect
	switch {
	case result.Succeeded():
		pb := dialect.NewParamBuilder()
		_, err := store.Exec(ctx, d.st.DB, fmt.Sprintf(
			`UPDATE _webhook_logs SET status = 'delivered', attempt = %s,
			 response_status = %s, response_body = %s, error = NULL, updated_at = %s
			 WHERE id = %s`,
			pb.Add(attempt), pb.Add(result.StatusCode), pb.Add(result.ResponseBody),
			dialect.NowExpr(), pb.Add(row.ID)), pb.Params()...)
		if err != nil {
			webhookLog.Error().Err(err).Str("delivery", row.ID).Msg("mark delivered")
		}

	case attempt >= row.MaxAttempts:
		errMsg := result.Error
		if errMsg == "" {
			errMsg = fmt.Sprintf("HTTP %d", result.StatusCode)
		}
		pb := dialect.NewParamBuilder()
		_, err := store.Exec(ctx, d.st.DB, fmt.Sprintf(
			`UPDATE _webhook_logs SET status = 'failed', attempt = %s,
			 response_status = %s, response_body = %s, error = %s, updated_at = %s
			 WHERE id = %s`,
			pb.Add(attempt), pb.Add(result.StatusCode), pb.Add(result.ResponseBody), pb.Add(errMsg),
			dialect.NowExpr(), pb.Add(row.ID)), pb.Params()...)
		if err != nil {
			webhookLog.Error().Err(err).Str("delivery", row.ID).Msg("mark failed")
		}
		webhookLog.Warn().Str("delivery", row.ID).Str("url", row.URL).Int("attempts", attempt).Msg("webhook exhausted retries")

	default:
		errMsg := result.Error
		if errMsg == "" {
			errMsg = fmt.Sprintf("HTTP %d", result.StatusCode)
		}
		nextRetry := time.Now().UTC().Add(retryBackoff(attempt)).Format(time.RFC3339)
		pb := dialect.NewParamBuilder()
		_, err := store.Exec(ctx, d.st.DB, fmt.Sprintf(
			`UPDATE _webhook_logs SET status = 'retrying', attempt = %s,
			 response_status = %s, response_body = %s, error = %s, next_retry_at = %s, updated_at = %s
			 WHERE id = %s`,
			pb.Add(attempt), pb.Add(result.StatusCode), pb.Add(result.ResponseBody), pb.Add(errMsg),
			pb.Add(nextRetry), dialect.NowExpr(), pb.Add(row.ID)), pb.Params()...)
		if err != nil {
			webhookLog.Error().Err(err).Str("delivery", row.ID).Msg("schedule retry")
		}
	}
}

// retryBackoff doubles per attempt from a 30s base, capped at an hour, with
// up to 10% jitter to spread thundering retries.
func retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := time.Duration(float64(backoffBase) * math.Pow(2, float64(attempt-1)))
	if backoff > backoffMax {
		backoff = backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/10 + 1))
	return backoff + jitter
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		var i int
		fmt.Sscanf(n, "%d", &i)
		return i
	default:
		return 0
	}
}

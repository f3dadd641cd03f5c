package metadata

// WebhookRetry controls redelivery of failed async webhooks.
type WebhookRetry struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff"` // exponential or linear
}

// Webhook is an HTTP callout bound to an entity write hook. Sync webhooks
// run inside the write transaction and veto it on failure; async webhooks
// are queued to _webhook_logs and delivered by the worker pool.
type Webhook struct {
	ID        string            `json:"id"`
	Entity    string            `json:"entity"`
	Hook      string            `json:"hook"` // before_write, after_write, before_delete, after_delete
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Condition string            `json:"condition,omitempty"` // expression; empty always fires
	Async     bool              `json:"async"`
	Retry     WebhookRetry      `json:"retry"`
	Active    bool              `json:"active"`

	// CompiledCondition caches the condition program; set at load time.
	CompiledCondition any `json:"-"`
}

// EffectiveMaxAttempts applies the default of 3 attempts.
func (w *Webhook) EffectiveMaxAttempts() int {
	if w.Retry.MaxAttempts > 0 {
		return w.Retry.MaxAttempts
	}
	return 3
}

var ValidWebhookHooks = map[string]bool{
	"before_write": true, "after_write": true,
	"before_delete": true, "after_delete": true,
}

package instrument

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"fabrica/internal/logging"
	"fabrica/internal/store"
)

var bufferLog = logging.For("instrument")

// EventBuffer collects span events in memory and flushes them to the _events
// table in batches, on a timer or when the buffer fills. Event rows are
// advisory; flush failures are logged and the batch is dropped rather than
// blocking request handling.
type EventBuffer struct {
	mu      sync.Mutex
	events  []Event
	db      *sql.DB
	dialect store.Dialect
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
}

func NewEventBuffer(db *sql.DB, dialect store.Dialect, maxSize int, flushIntervalMs int) *EventBuffer {
	eb := &EventBuffer{
		db:      db,
		dialect: dialect,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	eb.ticker = time.NewTicker(time.Duration(flushIntervalMs) * time.Millisecond)
	go eb.run()
	return eb
}

func (eb *EventBuffer) run() {
	for {
		select {
		case <-eb.done:
			return
		case <-eb.ticker.C:
			eb.Flush()
		}
	}
}

// Enqueue adds an event to the buffer. A full buffer triggers an async flush
// so the enqueuing request never waits on the insert.
func (eb *EventBuffer) Enqueue(event Event) {
	eb.mu.Lock()
	eb.events = append(eb.events, event)
	shouldFlush := len(eb.events) >= eb.maxSize
	eb.mu.Unlock()
	if shouldFlush {
		go eb.Flush()
	}
}

// Flush writes all buffered events in a single batch insert. Synchronous
// commit is relaxed where the dialect supports it; losing a batch of spans
// on a crash is acceptable.
func (eb *EventBuffer) Flush() {
	eb.mu.Lock()
	if len(eb.events) == 0 {
		eb.mu.Unlock()
		return
	}
	batch := eb.events
	eb.events = nil
	eb.mu.Unlock()

	ctx := context.Background()
	tx, err := eb.db.BeginTx(ctx, nil)
	if err != nil {
		bufferLog.Error().Err(err).Msg("event buffer begin tx")
		return
	}
	defer tx.Rollback() //nolint:errcheck

	if syncOff := eb.dialect.SyncCommitOff(); syncOff != "" {
		if _, err := tx.ExecContext(ctx, syncOff); err != nil {
			bufferLog.Error().Err(err).Msg("event buffer relax sync commit")
			return
		}
	}

	cols := []string{"trace_id", "span_id", "parent_span_id", "event_type", "source", "component", "action", "entity", "record_id", "user_id", "duration_ms", "status", "metadata"}
	var placeholders []string
	var args []any
	for i, e := range batch {
		offset := i * len(cols)
		ph := make([]string, len(cols))
		for j := range cols {
			ph[j] = eb.dialect.Placeholder(offset + j + 1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")

		var metaJSON any
		if e.Metadata != nil {
			b, _ := json.Marshal(e.Metadata)
			metaJSON = string(b)
		}

		args = append(args, e.TraceID, e.SpanID, e.ParentSpanID, e.EventType, e.Source, e.Component, e.Action, e.Entity, e.RecordID, e.UserID, e.DurationMs, e.Status, metaJSON)
	}

	sqlStr := fmt.Sprintf("INSERT INTO _events (%s) VALUES %s", strings.Join(cols, ","), strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		bufferLog.Error().Err(err).Int("batch", len(batch)).Msg("event buffer insert")
		return
	}

	if err := tx.Commit(); err != nil {
		bufferLog.Error().Err(err).Msg("event buffer commit")
	}
}

// Stop halts the ticker and flushes whatever remains.
func (eb *EventBuffer) Stop() {
	if eb.ticker != nil {
		eb.ticker.Stop()
	}
	close(eb.done)
	eb.Flush()
}

// Package journal persists lifecycle transitions to Postgres for audit.
// The journal is optional; when disabled the orchestrator runs purely on
// the file store and the bus.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/botshelf/botshelf/core/logger"
	"github.com/botshelf/botshelf/events"
)

const insertEvent = `
	INSERT INTO lifecycle_events (id, bot_id, from_status, to_status, reason, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO NOTHING`

// Journal appends lifecycle events to the lifecycle_events table.
type Journal struct {
	db *sqlx.DB
}

// New wraps an open database handle.
func New(db *sqlx.DB) *Journal {
	return &Journal{db: db}
}

// Append writes one event. Inserts are idempotent by event id.
func (j *Journal) Append(ctx context.Context, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := j.db.ExecContext(ctx, insertEvent,
		ev.ID, ev.BotID, string(ev.From), string(ev.To), ev.Reason, ev.At,
	)
	if err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	return nil
}

// Run consumes bus events until the channel closes or ctx is done.
// Append failures are logged and skipped; the journal is an audit trail,
// not part of the lifecycle critical path.
func (j *Journal) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := j.Append(ctx, ev); err != nil {
				logger.JRNL.Warn("append failed",
					slog.String("event", "journal.append"),
					slog.String("bot_id", ev.BotID),
					slog.String("from", string(ev.From)),
					slog.String("to", string(ev.To)),
					slog.String("err", err.Error()),
				)
				continue
			}
			logger.JRNL.Debug("transition recorded",
				slog.String("event", "journal.append"),
				slog.String("bot_id", ev.BotID),
				slog.String("from", string(ev.From)),
				slog.String("to", string(ev.To)),
			)
		}
	}
}

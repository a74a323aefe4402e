package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
)

const eventDeleteChunk = 5000

var eventColumns = []string{"user_id", "name", "payload", "occurred_at"}

// EventRepo is the durable sink for domain events.
type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// InsertBatch copies events in one round trip. Events without a user are
// stored with a NULL user_id.
func (r *EventRepo) InsertBatch(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	if r.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(events))
	for _, event := range events {
		payload, err := marshalPayload(event.Payload)
		if err != nil {
			return fmt.Errorf("event %s: %w", event.Name, err)
		}

		var userID *int64
		if event.UserID > 0 {
			uid := event.UserID
			userID = &uid
		}

		occurredAt := event.OccurredAt.UTC()
		if event.OccurredAt.IsZero() {
			occurredAt = now
		}
		rows = append(rows, []any{userID, event.Name, []byte(payload), occurredAt})
	}

	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"events"}, eventColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy events: %w", err)
	}
	if int(n) != len(events) {
		return fmt.Errorf("copy events: wrote %d of %d", n, len(events))
	}
	return nil
}

// DeleteOlderThan prunes events that occurred before cutoff in chunks so
// that a large backlog does not hold one long transaction.
func (r *EventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}

	const query = `
DELETE FROM events
WHERE id IN (
	SELECT id FROM events
	WHERE occurred_at < $1
	ORDER BY id
	LIMIT $2
)
`
	var total int64
	for {
		tag, err := r.pool.Exec(ctx, query, cutoff.UTC(), eventDeleteChunk)
		if err != nil {
			return total, fmt.Errorf("delete old events: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < eventDeleteChunk {
			return total, nil
		}
	}
}

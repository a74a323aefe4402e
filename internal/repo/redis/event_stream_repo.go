package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
)

const (
	DefaultEventStream  = "purchases:events"
	defaultStreamMaxLen = 100_000
)

// EventStreamRepo fans domain events out to a capped Redis stream for
// consumers outside the purchase engine.
type EventStreamRepo struct {
	client *goredis.Client
	stream string
	maxLen int64
}

func NewEventStreamRepo(client *goredis.Client, stream string) *EventStreamRepo {
	if stream == "" {
		stream = DefaultEventStream
	}
	return &EventStreamRepo{client: client, stream: stream, maxLen: defaultStreamMaxLen}
}

func (r *EventStreamRepo) Publish(ctx context.Context, event model.Event) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	err = r.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"name":        event.Name,
			"user_id":     strconv.FormatInt(event.UserID, 10),
			"occurred_at": event.OccurredAt.UTC().UnixMilli(),
			"payload":     string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish event %s: %w", event.Name, err)
	}
	return nil
}

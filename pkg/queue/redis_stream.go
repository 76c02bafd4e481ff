package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"libraryhub/internal/util"
)

// Event kinds published after a lending transition commits.
const (
	KindBookBorrowed   = "book_borrowed"
	KindBookReturned   = "book_returned"
	KindAuthorFeatured = "author_featured"
)

// Event is one committed lending-domain change.
type Event struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	BookID     string    `json:"bookId,omitempty"`
	MemberID   string    `json:"memberId,omitempty"`
	AuthorID   string    `json:"authorId,omitempty"`
	Featured   bool      `json:"featured,omitempty"`
	DueDate    time.Time `json:"dueDate,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher accepts committed events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// RedisEventStream publishes events to a Redis stream and consumes them through
// a consumer group. Delivery is at least once; handlers must be idempotent.
type RedisEventStream struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	block        time.Duration
	claimIdle    time.Duration
	maxLen       int64
	readCount    int64
}

type RedisStreamConfig struct {
	Addr      string
	Password  string
	Stream    string
	Group     string
	Consumer  string
	Block     time.Duration
	ClaimIdle time.Duration
	MaxLen    int64
	ReadCount int64
}

func NewRedisEventStream(cfg RedisStreamConfig) (*RedisEventStream, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "library:events"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	return &RedisEventStream{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		block:        block,
		claimIdle:    claimIdle,
		maxLen:       maxLen,
		readCount:    readCount,
	}, nil
}

// Publish appends ev to the stream, trimming it to roughly MaxLen entries.
func (q *RedisEventStream) Publish(ctx context.Context, ev Event) error {
	if strings.TrimSpace(ev.Kind) == "" {
		return errors.New("event kind required")
	}
	if ev.ID == "" {
		ev.ID = util.NewID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: encodeEvent(ev),
	}).Err()
}

// Consume delivers events to handler until ctx is done. Events whose handler
// fails stay pending and are reclaimed after ClaimIdle.
func (q *RedisEventStream) Consume(ctx context.Context, handler func(context.Context, Event) error) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	consumer := q.consumerBase
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			return fmt.Errorf("read events: %w", err)
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

// Close releases the Redis client.
func (q *RedisEventStream) Close() error {
	return q.client.Close()
}

func (q *RedisEventStream) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *RedisEventStream) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.readCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisEventStream) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, Event) error) {
	ev, ok := decodeEvent(msg.Values)
	if !ok {
		q.ack(ctx, msg.ID)
		return
	}
	if err := handler(ctx, ev); err != nil {
		util.LoggerFromContext(ctx).Warn("event handler failed", "event_id", ev.ID, "kind", ev.Kind, "err", err)
		return
	}
	q.ack(ctx, msg.ID)
}

// ack outlives ctx so a handler that cancels the consume loop still acknowledges.
func (q *RedisEventStream) ack(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(context.WithoutCancel(ctx), q.stream, q.group, msgID).Result()
}

func encodeEvent(ev Event) map[string]any {
	values := map[string]any{
		"id":          ev.ID,
		"kind":        ev.Kind,
		"book_id":     ev.BookID,
		"member_id":   ev.MemberID,
		"author_id":   ev.AuthorID,
		"featured":    boolString(ev.Featured),
		"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if !ev.DueDate.IsZero() {
		values["due_date"] = ev.DueDate.UTC().Format(time.RFC3339Nano)
	}
	return values
}

func decodeEvent(values map[string]any) (Event, bool) {
	str := func(key string) string {
		v, _ := values[key].(string)
		return v
	}
	ev := Event{
		ID:       str("id"),
		Kind:     str("kind"),
		BookID:   str("book_id"),
		MemberID: str("member_id"),
		AuthorID: str("author_id"),
		Featured: str("featured") == "1",
	}
	if ev.ID == "" || ev.Kind == "" {
		return Event{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, str("occurred_at")); err == nil {
		ev.OccurredAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, str("due_date")); err == nil {
		ev.DueDate = t
	}
	return ev, true
}

func boolString(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

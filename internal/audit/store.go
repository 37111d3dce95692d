package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventKeyPrefix = "audit:event:"
	recentKey      = "audit:recent"
	recentMax      = 1000
)

// Store は監査イベントを Redis に保存します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Append はイベントを保存し、新しい順のインデックスに追加します。
func (s *Store) Append(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	if event.EventID == "" {
		return fmt.Errorf("eventId is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, eventKey(event.EventID), payload, s.ttl).Err(); err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, recentKey, event.EventID)
	pipe.LTrim(ctx, recentKey, 0, recentMax-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, recentKey, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get はイベントを取得します。存在しない（または期限切れの）場合は nil を返します。
func (s *Store) Get(ctx context.Context, eventID string) (*Event, error) {
	if eventID == "" {
		return nil, fmt.Errorf("eventId is required")
	}
	data, err := s.rdb.Get(ctx, eventKey(eventID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Recent は新しい順にイベントを返します。期限切れで本体が消えたIDは読み飛ばします。
func (s *Store) Recent(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 || limit > recentMax {
		limit = recentMax
	}
	ids, err := s.rdb.LRange(ctx, recentKey, 0, int64(limit-1)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		event, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if event != nil {
			events = append(events, event)
		}
	}
	return events, nil
}

func eventKey(id string) string {
	return eventKeyPrefix + id
}

package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldcrm/internal/domain"
	"fieldcrm/internal/events"
)

const (
	redisEventsKey   = "events"
	redisEventSeqKey = "events:seq"
	// redisEventCap bounds the event list; older entries are trimmed.
	redisEventCap = 10000
)

// RedisOptions configure NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis keeps state records and the event list in Redis.
type Redis struct {
	Client *redis.Client
	Prefix string
	Now    func() time.Time
}

type redisRecord struct {
	Version   int             `json:"version"`
	UpdatedAt string          `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", opts.Addr, err)
	}
	return &Redis{Client: client, Prefix: opts.Prefix}, nil
}

func (r *Redis) Close() error { return r.Client.Close() }

func (r *Redis) key(k string) string { return r.Prefix + k }

func (r *Redis) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Redis) Load(ctx context.Context, key string, dst any) (int, bool, error) {
	data, err := r.Client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, false, fmt.Errorf("decode %s: %w", key, err)
	}
	if err := json.Unmarshal(rec.Payload, dst); err != nil {
		return 0, false, fmt.Errorf("decode %s payload: %w", key, err)
	}
	return rec.Version, true, nil
}

func (r *Redis) Save(ctx context.Context, key string, version int, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	data, err := json.Marshal(redisRecord{
		Version:   version,
		UpdatedAt: r.now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, r.key(key), data, 0).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	n, err := r.Client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	body, err := events.Encode(evtType, payload)
	if err != nil {
		return err
	}
	id, err := r.Client.Incr(ctx, r.key(redisEventSeqKey)).Result()
	if err != nil {
		return err
	}
	data, err := json.Marshal(domain.Event{
		ID:         id,
		TS:         r.now().UTC().Format(time.RFC3339),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    events.Actor(actorID),
		Payload:    body,
	})
	if err != nil {
		return err
	}
	pipe := r.Client.TxPipeline()
	pipe.RPush(ctx, r.key(redisEventsKey), data)
	pipe.LTrim(ctx, r.key(redisEventsKey), -redisEventCap, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) allEvents(ctx context.Context) ([]domain.Event, error) {
	raw, err := r.Client.LRange(ctx, r.key(redisEventsKey), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	res := make([]domain.Event, 0, len(raw))
	for _, item := range raw {
		var e domain.Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		res = append(res, e)
	}
	return res, nil
}

func (r *Redis) Latest(ctx context.Context, f events.Filter) ([]domain.Event, error) {
	all, err := r.allEvents(ctx)
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	var res []domain.Event
	for i := len(all) - 1; i >= 0 && len(res) < limit; i-- {
		e := all[i]
		if (f.Type != "" && e.Type != f.Type) ||
			(f.EntityKind != "" && e.EntityKind != f.EntityKind) ||
			(f.EntityID != "" && e.EntityID != f.EntityID) ||
			(f.ActorID != "" && e.ActorID != f.ActorID) ||
			(f.Before > 0 && e.ID >= f.Before) {
			continue
		}
		res = append(res, e)
	}
	return res, nil
}

func (r *Redis) After(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	all, err := r.allEvents(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var res []domain.Event
	for _, e := range all {
		if e.ID <= cursor {
			continue
		}
		res = append(res, e)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (r *Redis) LatestID(ctx context.Context) (int64, error) {
	id, err := r.Client.Get(ctx, r.key(redisEventSeqKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return id, err
}

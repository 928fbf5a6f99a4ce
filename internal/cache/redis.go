// Package cache holds the Redis-backed pieces of the service: the lobby
// activity log consumed by the historian and the cleanup sweep lease.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/wordle-multi/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list holding lobby activity records.
const DefaultQueueName = "wordle_lobby_activity"

// Connect opens a client and pings it with a short timeout.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// ActivityLog is a Redis list of LobbyEventRecord JSON documents.
type ActivityLog struct {
	rdb   *redis.Client
	queue string
}

func NewActivityLog(rdb *redis.Client, queue string) *ActivityLog {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &ActivityLog{rdb: rdb, queue: queue}
}

// Publish appends a record to the tail of the list.
func (a *ActivityLog) Publish(ctx context.Context, rec models.LobbyEventRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal LobbyEventRecord: %w", err)
	}
	if err := a.rdb.RPush(ctx, a.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", a.queue, err)
	}
	return nil
}

// Pop blocks up to timeout for the head record. It returns nil, nil when the
// timeout passes with nothing queued.
func (a *ActivityLog) Pop(ctx context.Context, timeout time.Duration) (*models.LobbyEventRecord, error) {
	res, err := a.rdb.BLPop(ctx, timeout, a.queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// res[0] is the list name, res[1] the payload
	if len(res) < 2 {
		return nil, nil
	}
	var rec models.LobbyEventRecord
	if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
		return nil, fmt.Errorf("invalid activity record: %w", err)
	}
	return &rec, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a best-effort mutual exclusion across replicas.
type Lease struct {
	rdb   *redis.Client
	token string
}

// NewLease returns a Lease whose holder token is unique to this process.
func NewLease(rdb *redis.Client) *Lease {
	return &Lease{rdb: rdb, token: uuid.NewString()}
}

// Acquire takes key for ttl if nobody holds it.
func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, key, l.token, ttl).Result()
}

// Release gives key back if this process still holds it.
func (l *Lease) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, l.rdb, []string{key}, l.token).Err()
}

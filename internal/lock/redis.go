package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/redis/go-redis/v9"
)

// refreshScript sets the lock unless another state holds it and returns
// the conflicting state, or an empty string on success
var refreshScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and current ~= ARGV[1] then
	return current
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return ''
`)

// RedisLocker implements Locker with SET NX so that several archive
// processes share one view of which studies are locked
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker connects to Redis
func NewRedisLocker(addr, password string, db int) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisLockerWithClient(client), nil
}

// NewRedisLockerWithClient wraps an existing client
func NewRedisLockerWithClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire sets the lock key when it is absent
func (r *RedisLocker) Acquire(ctx context.Context, studyUID string, state models.QueueState, ttl time.Duration) error {
	ok, err := r.client.SetNX(ctx, Key(studyUID), string(state), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to lock study %s: %w", studyUID, err)
	}
	if ok {
		return nil
	}
	current, _, err := r.State(ctx, studyUID)
	if err != nil {
		return err
	}
	return &archiveerr.LockConflictError{StudyInstanceUID: studyUID, HeldState: string(current)}
}

// Refresh re-arms the lock key atomically
func (r *RedisLocker) Refresh(ctx context.Context, studyUID string, state models.QueueState, ttl time.Duration) error {
	held, err := refreshScript.Run(ctx, r.client, []string{Key(studyUID)}, string(state), ttl.Milliseconds()).Text()
	if err != nil {
		return fmt.Errorf("failed to refresh lock of study %s: %w", studyUID, err)
	}
	if held != "" {
		return &archiveerr.LockConflictError{StudyInstanceUID: studyUID, HeldState: held}
	}
	return nil
}

// Release deletes the lock key
func (r *RedisLocker) Release(ctx context.Context, studyUID string) error {
	if err := r.client.Del(ctx, Key(studyUID)).Err(); err != nil {
		return fmt.Errorf("failed to unlock study %s: %w", studyUID, err)
	}
	return nil
}

// State reads the lock key
func (r *RedisLocker) State(ctx context.Context, studyUID string) (models.QueueState, bool, error) {
	val, err := r.client.Get(ctx, Key(studyUID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read lock of study %s: %w", studyUID, err)
	}
	return models.QueueState(val), true, nil
}

// Close closes the Redis connection
func (r *RedisLocker) Close() error {
	return r.client.Close()
}

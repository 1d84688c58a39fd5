package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idempotency:"

// Each record is a hash. The scripts run atomically on the server, which
// gives Reserve the same create-if-absent guarantee as the SQL upsert.
var (
	reserveScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status then
	local now = tonumber(ARGV[3])
	local reclaim = status == 'failed'
		or (status == 'pending' and tonumber(redis.call('HGET', KEYS[1], 'reserved_until')) <= now)
		or tonumber(redis.call('HGET', KEYS[1], 'expires_at')) <= now
	if not reclaim then
		return 0
	end
	redis.call('DEL', KEYS[1])
end
redis.call('HSET', KEYS[1],
	'fingerprint', ARGV[1], 'status', 'pending', 'token', ARGV[2],
	'created_at', ARGV[3], 'updated_at', ARGV[3],
	'reserved_until', ARGV[4], 'expires_at', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

	completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'completed', 'result', ARGV[2], 'updated_at', ARGV[3], 'expires_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

	failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'failed', 'error_kind', ARGV[2], 'error_message', ARGV[3], 'updated_at', ARGV[4], 'expires_at', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)
)

// RedisStore keeps records in Redis. It cannot join the ledger transaction,
// so callers complete records after commit.
type RedisStore struct {
	rdb    redis.UniversalClient
	opts   Options
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, opts Options) *RedisStore {
	return &RedisStore{rdb: rdb, opts: opts.withDefaults(), prefix: redisKeyPrefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (Record, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}

	record, err := recordFromHash(key, fields)
	if err != nil {
		return Record{}, err
	}
	if record.Expired(s.opts.Now()) {
		return Record{}, ErrNotFound
	}
	return record, nil
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (Reservation, error) {
	now := s.opts.Now()
	token := uuid.NewString()

	won, err := reserveScript.Run(ctx, s.rdb, []string{s.key(key)},
		fingerprint, token,
		toMillis(now), toMillis(now.Add(ttl)), toMillis(now.Add(s.opts.Retention)),
		s.opts.Retention.Milliseconds(),
	).Int()
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if won == 0 {
		existing, err := s.Lookup(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Reservation{}, &ExistsError{Existing: Record{Key: key, Status: StatusPending}}
			}
			return Reservation{}, err
		}
		return Reservation{}, &ExistsError{Existing: existing}
	}

	return Reservation{Key: key, Token: token}, nil
}

func (s *RedisStore) Complete(ctx context.Context, res Reservation, result []byte) error {
	now := s.opts.Now()
	return s.finish(completeScript.Run(ctx, s.rdb, []string{s.key(res.Key)},
		res.Token, result, toMillis(now), toMillis(now.Add(s.opts.Retention)),
		s.opts.Retention.Milliseconds(),
	))
}

func (s *RedisStore) Fail(ctx context.Context, res Reservation, info ErrorInfo) error {
	now := s.opts.Now()
	return s.finish(failScript.Run(ctx, s.rdb, []string{s.key(res.Key)},
		res.Token, info.Kind, info.Message, toMillis(now), toMillis(now.Add(s.opts.Retention)),
		s.opts.Retention.Milliseconds(),
	))
}

func (s *RedisStore) finish(cmd *redis.Cmd) error {
	updated, err := cmd.Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if updated == 0 {
		return ErrRecordNotPending
	}
	return nil
}

func recordFromHash(key string, fields map[string]string) (Record, error) {
	millis := func(name string) (time.Time, error) {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("idempotency record %s: bad %s: %w", key, name, err)
		}
		return fromMillis(v), nil
	}

	record := Record{
		Key:          key,
		Fingerprint:  fields["fingerprint"],
		Status:       Status(fields["status"]),
		Token:        fields["token"],
		ErrorKind:    fields["error_kind"],
		ErrorMessage: fields["error_message"],
	}
	if result, ok := fields["result"]; ok {
		record.Result = []byte(result)
	}

	var err error
	if record.CreatedAt, err = millis("created_at"); err != nil {
		return Record{}, err
	}
	if record.UpdatedAt, err = millis("updated_at"); err != nil {
		return Record{}, err
	}
	if record.ReservedUntil, err = millis("reserved_until"); err != nil {
		return Record{}, err
	}
	if record.ExpiresAt, err = millis("expires_at"); err != nil {
		return Record{}, err
	}
	return record, nil
}

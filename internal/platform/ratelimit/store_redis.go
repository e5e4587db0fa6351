package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps permit timestamps in a Redis sorted set per tenant so the
// limit holds across every process submitting for that tenant. The
// check-and-record step runs as a Lua script, so two concurrent submitters
// cannot both squeeze through the last slot in a window.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, keyPrefix: "ratelimit:"}
}

// Scores are microseconds since epoch; members carry a random suffix so
// permits granted in the same microsecond stay distinct.
var tryAcquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local minuteCutoff = tonumber(ARGV[2])
local hourCutoff = tonumber(ARGV[3])
local perMinute = tonumber(ARGV[4])
local perHour = tonumber(ARGV[5])
local member = ARGV[6]

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. hourCutoff)

local minuteCount = redis.call('ZCOUNT', key, '(' .. minuteCutoff, '+inf')
if minuteCount >= perMinute then
	local oldest = redis.call('ZRANGEBYSCORE', key, '(' .. minuteCutoff, '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
	return {0, 'minute', oldest[2]}
end

local hourCount = redis.call('ZCARD', key)
if hourCount >= perHour then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, 'hour', oldest[2]}
end

redis.call('ZADD', key, now, member)
redis.call('EXPIRE', key, 3600)
return {1, '', '0'}
`)

func (s *RedisStore) TryAcquire(ctx context.Context, tenantID string, now time.Time, cfg Config) (bool, string, time.Time, error) {
	nowMicro := now.UnixMicro()
	member := strconv.FormatInt(nowMicro, 10) + "-" + uuid.NewString()

	res, err := tryAcquireScript.Run(ctx, s.client,
		[]string{s.keyPrefix + tenantID},
		nowMicro,
		now.Add(-time.Minute).UnixMicro(),
		now.Add(-time.Hour).UnixMicro(),
		cfg.PerMinute,
		cfg.PerHour,
		member,
	).Slice()
	if err != nil {
		return false, "", time.Time{}, err
	}
	if len(res) != 3 {
		return false, "", time.Time{}, fmt.Errorf("unexpected script result: %v", res)
	}

	granted, _ := res[0].(int64)
	if granted == 1 {
		return true, "", time.Time{}, nil
	}

	window, _ := res[1].(string)
	oldestMicro, err := scriptScore(res[2])
	if err != nil {
		return false, "", time.Time{}, err
	}
	return false, window, time.UnixMicro(oldestMicro), nil
}

// scriptScore parses a sorted-set score returned from Lua, which arrives as a
// string (or an integer on some servers).
func scriptScore(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("parse score %q: %w", t, err)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("unexpected score type %T", v)
	}
}

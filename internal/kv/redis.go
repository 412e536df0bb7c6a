package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"
)

// Redis implements Store over a redigo connection pool.
type Redis struct {
	pool *redis.Pool
}

// RedisConfig holds connection settings for the shared Redis instance.
type RedisConfig struct {
	Addr        string        // host:port
	Password    string        // empty for no auth
	DB          int           // logical database
	MaxIdle     int           // default 8
	MaxActive   int           // default 32
	IdleTimeout time.Duration // default 5m
}

// NewRedis creates a pooled Redis store and verifies connectivity.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 8
	}
	maxActive := cfg.MaxActive
	if maxActive <= 0 {
		maxActive = 32
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}

	pool := &redis.Pool{
		MaxIdle:     maxIdle,
		MaxActive:   maxActive,
		IdleTimeout: idleTimeout,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			opts := []redis.DialOption{
				redis.DialDatabase(cfg.DB),
				redis.DialConnectTimeout(5 * time.Second),
				redis.DialReadTimeout(10 * time.Second),
				redis.DialWriteTimeout(10 * time.Second),
			}
			if cfg.Password != "" {
				opts = append(opts, redis.DialPassword(cfg.Password))
			}
			return redis.DialContext(ctx, "tcp", cfg.Addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	r := &Redis{pool: pool}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	log.Debug().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("Redis pool ready")
	return r, nil
}

func (r *Redis) conn(ctx context.Context) (redis.Conn, error) {
	return r.pool.GetContext(ctx)
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, false, err
	}
	defer c.Close()

	val, err := redis.Bytes(c.Do("GET", key))
	if err == redis.ErrNil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if ttl > 0 {
		_, err = c.Do("SET", key, val, "PX", ttl.Milliseconds())
	} else {
		_, err = c.Do("SET", key, val)
	}
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	var reply interface{}
	if ttl > 0 {
		reply, err = c.Do("SET", key, val, "PX", ttl.Milliseconds(), "NX")
	} else {
		reply, err = c.Do("SET", key, val, "NX")
	}
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	// SET ... NX replies OK on success, nil when the key already exists.
	return reply != nil, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := c.Do("DEL", args...); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	n, err := redis.Int(c.Do("EXISTS", key))
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	args := make([]interface{}, 0, len(members)+1)
	args = append(args, key)
	for _, m := range members {
		args = append(args, m)
	}
	if _, err := c.Do("SADD", args...); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	args := make([]interface{}, 0, len(members)+1)
	args = append(args, key)
	for _, m := range members {
		args = append(args, m)
	}
	if _, err := c.Do("SREM", args...); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	members, err := redis.Strings(c.Do("SMEMBERS", key))
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	n, err := redis.Int64(c.Do("SCARD", key))
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	v, err := redis.Int64(c.Do("INCRBY", key, n))
	if err != nil {
		return 0, fmt.Errorf("incrby %s: %w", key, err)
	}
	return v, nil
}

// expireIfEqualScript compares the stored value to the caller's token and
// extends the TTL in the same server-side step.
var expireIfEqualScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

func (r *Redis) ExpireIfEqual(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	n, err := redis.Int(expireIfEqualScript.Do(c, key, val, ttl.Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("expire-if-equal %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Do("PEXPIRE", key, ttl.Milliseconds()); err != nil {
		return fmt.Errorf("pexpire %s: %w", key, err)
	}
	return nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return 0, false, err
	}
	defer c.Close()

	ms, err := redis.Int64(c.Do("PTTL", key))
	if err != nil {
		return 0, false, fmt.Errorf("pttl %s: %w", key, err)
	}
	// -2: no such key, -1: no expiry.
	if ms < 0 {
		return 0, false, nil
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

func (r *Redis) Scan(ctx context.Context, prefix string) ([]string, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var keys []string
	cursor := int64(0)
	for {
		values, err := redis.Values(c.Do("SCAN", cursor, "MATCH", prefix+"*", "COUNT", 500))
		if err != nil {
			return nil, fmt.Errorf("scan %s*: %w", prefix, err)
		}
		var batch []string
		if _, err := redis.Scan(values, &cursor, &batch); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Do("PING"); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.pool.Close()
}

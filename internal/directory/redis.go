package directory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/die-net/gateproxy/internal/auth"
)

// DefaultRedisPrefix is prepended to identities to form hash keys.
const DefaultRedisPrefix = "gateproxy:identity:"

// RedisOptions configures a Redis-backed directory.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// Prefix is the key prefix, DefaultRedisPrefix if empty.
	Prefix string
	// CacheTTL keeps looked-up records in process for this long. Zero
	// disables caching.
	CacheTTL       time.Duration
	EnforceSecrets bool
}

type cachedRecord struct {
	rec     auth.Record
	ok      bool
	expires time.Time
}

// Redis looks identities up in Redis hashes with the fields password,
// enabled, max_connections, allowed_ips (comma separated) and description.
// A missing key means an unknown identity.
type Redis struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	enforce bool
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedRecord
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{
		client:  rdb,
		prefix:  prefix,
		ttl:     opts.CacheTTL,
		enforce: opts.EnforceSecrets,
		now:     time.Now,
		cache:   make(map[string]cachedRecord),
	}, nil
}

var _ auth.Directory = (*Redis)(nil)

func (r *Redis) Lookup(ctx context.Context, id string) (auth.Record, bool, error) {
	if r.ttl > 0 {
		r.mu.Lock()
		c, hit := r.cache[id]
		r.mu.Unlock()
		if hit && r.now().Before(c.expires) {
			return c.rec, c.ok, nil
		}
	}

	fields, err := r.client.HGetAll(ctx, r.prefix+id).Result()
	if err != nil {
		return auth.Record{}, false, fmt.Errorf("redis lookup %q: %w", id, err)
	}

	var rec auth.Record
	ok := len(fields) > 0
	if ok {
		if rec, err = parseRedisRecord(fields); err != nil {
			return auth.Record{}, false, fmt.Errorf("redis record %q: %w", id, err)
		}
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[id] = cachedRecord{rec: rec, ok: ok, expires: r.now().Add(r.ttl)}
		r.mu.Unlock()
	}
	return rec, ok, nil
}

func (r *Redis) EnforceSecrets() bool { return r.enforce }

// Purge drops cached records so the next lookups hit Redis.
func (r *Redis) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.cache)
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func parseRedisRecord(fields map[string]string) (auth.Record, error) {
	rec := auth.Record{
		Secret:      fields["password"],
		Enabled:     true,
		Description: fields["description"],
	}

	if v, ok := fields["enabled"]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return auth.Record{}, fmt.Errorf("enabled: %w", err)
		}
		rec.Enabled = b
	}

	if v, ok := fields["max_connections"]; ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return auth.Record{}, fmt.Errorf("max_connections: %w", err)
		}
		if n < 0 {
			return auth.Record{}, fmt.Errorf("max_connections: negative value %d", n)
		}
		rec.MaxConnections = n
	}

	for _, ip := range strings.Split(fields["allowed_ips"], ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			rec.AllowedIPs = append(rec.AllowedIPs, ip)
		}
	}
	return rec, nil
}

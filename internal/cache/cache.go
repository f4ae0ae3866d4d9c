package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Commander is the subset of Redis commands the store uses. *redis.Client
// satisfies it; tests provide an in-memory fake.
type Commander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Store is a TTL-bounded cache over Redis. Every failure mode degrades:
// reads become misses, writes become no-ops, and the pipeline stays correct
// with the store entirely absent.
type Store struct {
	client  Commander
	logger  *log.Logger
	version int
}

// Entry is a cache read result.
type Entry struct {
	Payload  []byte
	StoredAt time.Time
	Hits     int64
}

// Age reports how long ago the entry was stored.
func (e Entry) Age() time.Duration {
	return time.Since(e.StoredAt)
}

// envelope wraps the caller's payload for storage. Payload is opaque
// bytes, not JSON: encoding/json base64-encodes it, so any payload
// survives the roundtrip unchanged.
type envelope struct {
	Payload       []byte    `json:"payload"`
	StoredAt      time.Time `json:"stored_at"`
	SchemaVersion int       `json:"schema_version"`
}

func New(client Commander, schemaVersion int, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	return &Store{client: client, logger: logger, version: schemaVersion}
}

// Connect builds a Redis client for the store and verifies connectivity.
// A failed ping is reported but the client is still returned; the store
// runs degraded until Redis comes back.
func Connect(ctx context.Context, addr, password string, db int, timeout time.Duration) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("[CACHE] redis ping failed (%s), running degraded: %v", addr, err)
	}
	return client
}

// Get returns the unexpired entry for key, if any. The hit counter is
// incremented best-effort: a counter failure never fails the read.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool) {
	if s == nil || s.client == nil {
		return Entry{}, false
	}

	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Printf("get %s degraded to miss: %v", key, err)
		}
		return Entry{}, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.logger.Printf("get %s: corrupt envelope, treating as miss: %v", key, err)
		return Entry{}, false
	}
	if env.SchemaVersion != s.version {
		return Entry{}, false
	}

	entry := Entry{Payload: env.Payload, StoredAt: env.StoredAt}
	if hits, err := s.client.Incr(ctx, key+":hits").Result(); err != nil {
		s.logger.Printf("hit counter for %s failed: %v", key, err)
	} else {
		entry.Hits = hits
	}
	return entry, true
}

// Set stores payload under key for ttl. It never returns an error; the
// boolean reports whether the write landed. The hit counter shares the ttl.
func (s *Store) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) bool {
	if s == nil || s.client == nil || ttl <= 0 {
		return false
	}

	env := envelope{
		Payload:       payload,
		StoredAt:      time.Now().UTC(),
		SchemaVersion: s.version,
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Printf("set %s: marshal failed: %v", key, err)
		return false
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.logger.Printf("set %s degraded to no-op: %v", key, err)
		return false
	}
	// Initialize the counter under the same ttl. EXPIRE alone would be a
	// no-op here because INCR has not created the key yet, and the counter
	// must not carry stale hits into a regenerated entry.
	if err := s.client.Set(ctx, key+":hits", 0, ttl).Err(); err != nil {
		s.logger.Printf("hit counter ttl for %s failed: %v", key, err)
	}
	return true
}

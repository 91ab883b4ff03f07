package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache provides distributed caching via Redis, so a fleet of hosts
// compiling the same scripts shares transpile output and code cache data
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisConfig configures the Redis cache
type RedisConfig struct {
	Addr     string        // Redis address (e.g., "localhost:6379")
	Password string        // Redis password (empty for no auth)
	DB       int           // Redis database number
	TTL      time.Duration // Cache TTL (0 = no expiration)
	Prefix   string        // Key prefix (default: "gotov8:")
	UseTLS   bool          // Enable TLS connection
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(config RedisConfig) (*RedisCache, error) {
	opts := &redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	}

	// Enable TLS if configured
	if config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return newRedisCache(client, config), nil
}

func newRedisCache(client *redis.Client, config RedisConfig) *RedisCache {
	prefix := config.Prefix
	if prefix == "" {
		prefix = "gotov8:"
	}
	return &RedisCache{
		client: client,
		ttl:    config.TTL,
		prefix: prefix,
	}
}

func (rc *RedisCache) codeKey(key string) string { return rc.prefix + "code:" + key }
func (rc *RedisCache) srcKey(key string) string { return rc.prefix + "src:" + key }
func (rc *RedisCache) labelKey(l string) string { return rc.prefix + "label:" + l }

// GetCodeCache retrieves V8 code cache bytes from Redis
func (rc *RedisCache) GetCodeCache(key string) ([]byte, bool, error) {
	data, err := rc.client.Get(context.Background(), rc.codeKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// SetCodeCache stores V8 code cache bytes in Redis
func (rc *RedisCache) SetCodeCache(key string, data []byte) error {
	return rc.client.Set(context.Background(), rc.codeKey(key), data, rc.ttl).Err()
}

// RemoveCodeCache removes V8 code cache bytes from Redis
func (rc *RedisCache) RemoveCodeCache(key string) error {
	return rc.client.Del(context.Background(), rc.codeKey(key)).Err()
}

// GetTranspiled retrieves a transpiled source from Redis
func (rc *RedisCache) GetTranspiled(key string) (string, bool, error) {
	code, err := rc.client.Get(context.Background(), rc.srcKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return code, true, nil
}

// SetTranspiled stores a transpiled source in Redis
func (rc *RedisCache) SetTranspiled(key string, code string) error {
	return rc.client.Set(context.Background(), rc.srcKey(key), code, rc.ttl).Err()
}

// SetLabelKey adds key to the set of entries compiled under label
func (rc *RedisCache) SetLabelKey(label, key string) error {
	ctx := context.Background()
	if err := rc.client.SAdd(ctx, rc.labelKey(label), key).Err(); err != nil {
		return err
	}
	// Set TTL on the label set if TTL is configured
	if rc.ttl > 0 {
		rc.client.Expire(ctx, rc.labelKey(label), rc.ttl)
	}
	return nil
}

// GetKeysForLabel returns the entries compiled under label
func (rc *RedisCache) GetKeysForLabel(label string) ([]string, error) {
	result, err := rc.client.SMembers(context.Background(), rc.labelKey(label)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// InvalidateLabel removes every entry compiled under label
func (rc *RedisCache) InvalidateLabel(label string) error {
	keys, err := rc.GetKeysForLabel(label)
	if err != nil {
		return err
	}
	del := make([]string, 0, 2*len(keys)+1)
	for _, key := range keys {
		del = append(del, rc.codeKey(key), rc.srcKey(key))
	}
	del = append(del, rc.labelKey(label))
	return rc.client.Del(context.Background(), del...).Err()
}

// Clear removes all gotov8 keys from cache
func (rc *RedisCache) Clear() error {
	ctx := context.Background()
	pattern := rc.prefix + "*"
	var cursor uint64
	for {
		keys, nextCursor, err := rc.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}

		if len(keys) > 0 {
			if err := rc.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return nil
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

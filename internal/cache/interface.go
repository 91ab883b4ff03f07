package cache

// Cache stores compile artifacts so a source seen before skips transpiling and
// reuses V8 code cache data. Keys are content hashes of the source.
type Cache interface {
	// GetCodeCache retrieves V8 code cache bytes for a compiled script
	GetCodeCache(key string) ([]byte, bool, error)
	// SetCodeCache stores V8 code cache bytes
	SetCodeCache(key string, data []byte) error
	// RemoveCodeCache removes V8 code cache bytes, e.g. after V8 rejected them
	RemoveCodeCache(key string) error

	// GetTranspiled retrieves a transpiled source
	GetTranspiled(key string) (string, bool, error)
	// SetTranspiled stores a transpiled source
	SetTranspiled(key string, code string) error

	// Label mapping, so a changed script file can invalidate every entry compiled from it
	SetLabelKey(label, key string) error
	GetKeysForLabel(label string) ([]string, error)
	// InvalidateLabel drops every entry compiled under a label
	InvalidateLabel(label string) error

	// Clear removes all cached data
	Clear() error
}

// CacheType represents the type of cache to use
type CacheType string

const (
	CacheTypeLocal CacheType = "local" // In-memory cache (default)
	CacheTypeRedis CacheType = "redis" // Redis distributed cache
	CacheTypeNone  CacheType = "none"  // Disable caching
)

// CacheConfig configures the cache
type CacheConfig struct {
	Type CacheType `envconfig:"TYPE" default:"local"` // "local", "redis" or "none"

	// Redis options (only used if Type is "redis")
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"` // Redis address
	RedisPassword string `envconfig:"REDIS_PASSWORD"`                      // Redis password
	RedisDB       int    `envconfig:"REDIS_DB"`                            // Redis database number
	RedisTLS      bool   `envconfig:"REDIS_TLS"`                           // Enable TLS for Redis connection
	RedisPrefix   string `envconfig:"REDIS_PREFIX"`                        // Key prefix, "gotov8:" by default
}

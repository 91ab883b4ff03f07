package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// LocalCache is an in-memory cache implementation
// It implements the Cache interface
type LocalCache struct {
	codeCaches  *codeCaches
	transpiled  *transpiled
	labelToKeys *labelToKeys
}

// NewLocalCache creates a new in-memory cache
func NewLocalCache() *LocalCache {
	return &LocalCache{
		codeCaches: &codeCaches{
			data: make(map[string][]byte),
		},
		transpiled: &transpiled{
			sources: make(map[string]string),
		},
		labelToKeys: &labelToKeys{
			keys: make(map[string]map[string]struct{}),
		},
	}
}

// Key derives the cache key of a source string.
func Key(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

type codeCaches struct {
	data map[string][]byte
	lock sync.RWMutex
}

func (cm *LocalCache) GetCodeCache(key string) ([]byte, bool, error) {
	cm.codeCaches.lock.RLock()
	defer cm.codeCaches.lock.RUnlock()
	data, ok := cm.codeCaches.data[key]
	return data, ok, nil
}

func (cm *LocalCache) SetCodeCache(key string, data []byte) error {
	cm.codeCaches.lock.Lock()
	defer cm.codeCaches.lock.Unlock()
	cm.codeCaches.data[key] = data
	return nil
}

func (cm *LocalCache) RemoveCodeCache(key string) error {
	cm.codeCaches.lock.Lock()
	defer cm.codeCaches.lock.Unlock()
	delete(cm.codeCaches.data, key)
	return nil
}

type transpiled struct {
	sources map[string]string
	lock    sync.RWMutex
}

func (cm *LocalCache) GetTranspiled(key string) (string, bool, error) {
	cm.transpiled.lock.RLock()
	defer cm.transpiled.lock.RUnlock()
	code, ok := cm.transpiled.sources[key]
	return code, ok, nil
}

func (cm *LocalCache) SetTranspiled(key string, code string) error {
	cm.transpiled.lock.Lock()
	defer cm.transpiled.lock.Unlock()
	cm.transpiled.sources[key] = code
	return nil
}

type labelToKeys struct {
	keys map[string]map[string]struct{} // label -> set of keys
	lock sync.RWMutex
}

func (cm *LocalCache) SetLabelKey(label, key string) error {
	cm.labelToKeys.lock.Lock()
	defer cm.labelToKeys.lock.Unlock()
	if cm.labelToKeys.keys[label] == nil {
		cm.labelToKeys.keys[label] = make(map[string]struct{})
	}
	cm.labelToKeys.keys[label][key] = struct{}{}
	return nil
}

func (cm *LocalCache) GetKeysForLabel(label string) ([]string, error) {
	cm.labelToKeys.lock.RLock()
	defer cm.labelToKeys.lock.RUnlock()
	set, ok := cm.labelToKeys.keys[label]
	if !ok {
		return nil, nil
	}
	result := make([]string, 0, len(set))
	for key := range set {
		result = append(result, key)
	}
	return result, nil
}

func (cm *LocalCache) InvalidateLabel(label string) error {
	keys, err := cm.GetKeysForLabel(label)
	if err != nil {
		return err
	}

	cm.codeCaches.lock.Lock()
	for _, key := range keys {
		delete(cm.codeCaches.data, key)
	}
	cm.codeCaches.lock.Unlock()

	cm.transpiled.lock.Lock()
	for _, key := range keys {
		delete(cm.transpiled.sources, key)
	}
	cm.transpiled.lock.Unlock()

	cm.labelToKeys.lock.Lock()
	delete(cm.labelToKeys.keys, label)
	cm.labelToKeys.lock.Unlock()
	return nil
}

// Clear removes all cached data
func (cm *LocalCache) Clear() error {
	cm.codeCaches.lock.Lock()
	cm.codeCaches.data = make(map[string][]byte)
	cm.codeCaches.lock.Unlock()

	cm.transpiled.lock.Lock()
	cm.transpiled.sources = make(map[string]string)
	cm.transpiled.lock.Unlock()

	cm.labelToKeys.lock.Lock()
	cm.labelToKeys.keys = make(map[string]map[string]struct{})
	cm.labelToKeys.lock.Unlock()

	return nil
}

// NoopCache never stores anything.
type NoopCache struct{}

func (NoopCache) GetCodeCache(string) ([]byte, bool, error) { return nil, false, nil }
func (NoopCache) SetCodeCache(string, []byte) error { return nil }
func (NoopCache) RemoveCodeCache(string) error { return nil }
func (NoopCache) GetTranspiled(string) (string, bool, error) { return "", false, nil }
func (NoopCache) SetTranspiled(string, string) error { return nil }
func (NoopCache) SetLabelKey(string, string) error { return nil }
func (NoopCache) GetKeysForLabel(string) ([]string, error) { return nil, nil }
func (NoopCache) InvalidateLabel(string) error { return nil }
func (NoopCache) Clear() error { return nil }

// NewCache creates a cache based on the config
func NewCache(config CacheConfig) (Cache, error) {
	switch config.Type {
	case CacheTypeRedis:
		return NewRedisCache(RedisConfig{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
			UseTLS:   config.RedisTLS,
			Prefix:   config.RedisPrefix,
		})
	case CacheTypeNone:
		return NoopCache{}, nil
	case CacheTypeLocal, "":
		return NewLocalCache(), nil
	default:
		return NewLocalCache(), nil
	}
}

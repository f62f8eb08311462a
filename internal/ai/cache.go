package ai

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuenly/invoice-ingest/internal/models"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
)

const (
	cachePrefix = "cuenly:openai:cache:"
	cacheTTL    = 7 * 24 * time.Hour
)

// ResultCache stores LLM extractions in Redis keyed by the content hash, so
// re-scanned messages never pay for a second vision call. Reads fail soft:
// any error is a miss. Writes are best-effort.
type ResultCache struct {
	client *redis.Client
}

// NewResultCache wraps a Redis client.
func NewResultCache(client *redis.Client) *ResultCache {
	return &ResultCache{client: client}
}

type cacheEntry struct {
	models.Extraction
	CacheSource string `json:"_cache_source"`
	CacheKey    string `json:"_cache_key"`
}

func cacheKey(content []byte) string {
	sum := md5.Sum(content)
	return cachePrefix + hex.EncodeToString(sum[:])
}

// Get returns the cached extraction for the given content, or (nil, false).
func (c *ResultCache) Get(ctx context.Context, content []byte) (*models.Extraction, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	key := cacheKey(content)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		logger.Debug("ai", "cache entry unreadable, treating as miss", "key", key)
		return nil, false
	}
	ext := entry.Extraction
	if entry.CacheSource != "" {
		ext.Fuente = models.Source(entry.CacheSource)
	}
	return &ext, true
}

// Set stores an extraction. Failures are logged and swallowed.
func (c *ResultCache) Set(ctx context.Context, content []byte, ext *models.Extraction) {
	if c == nil || c.client == nil || ext == nil {
		return
	}
	key := cacheKey(content)
	entry := cacheEntry{
		Extraction:  *ext,
		CacheSource: string(ext.Fuente),
		CacheKey:    key,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, cacheTTL).Err(); err != nil {
		logger.Debug("ai", "cache write failed", "key", key, "error", err.Error())
	}
}

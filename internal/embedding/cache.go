package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const defaultCacheTTL = 24 * time.Hour

// CachedEmbedder memoizes another provider's vectors in Redis. Cache
// failures degrade to calling the provider directly.
type CachedEmbedder struct {
	next  Embedder
	redis *redis.Client
	ttl   time.Duration
}

func NewCachedEmbedder(next Embedder, client *redis.Client, ttl time.Duration) *CachedEmbedder {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedEmbedder{next: next, redis: client, ttl: ttl}
}

func (c *CachedEmbedder) Name() string { return c.next.Name() }

func (c *CachedEmbedder) key(text string) string {
	hash := sha256.Sum256([]byte(text))
	return fmt.Sprintf("embedding:%s:%x", c.next.Name(), hash)
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	key := c.key(text)

	cached, err := c.redis.Get(ctx, key).Bytes()
	if err == nil {
		var vec []float64
		if err := json.Unmarshal(cached, &vec); err == nil {
			return vec, nil
		}
	} else if err != redis.Nil {
		log.Debug().Err(err).Msg("embedding cache read failed")
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	embeddingJSON, _ := json.Marshal(vec)
	if err := c.redis.Set(ctx, key, embeddingJSON, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Msg("embedding cache write failed")
	}
	return vec, nil
}

package assistant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"taxreply/internal/models"
	"taxreply/internal/redis"
)

const (
	historyCacheTTL = 30 * time.Minute
	// the generation must outlive every list written under it
	historyGenerationTTL = 24 * time.Hour
)

// cacheBackend is the part of the redis client the history cache needs.
type cacheBackend interface {
	Enabled() bool
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, v any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// historyCache keeps serialized message lists in redis for read-only listing. Lists are stored
// under the question's current generation; every write to the log starts a new generation, so
// a list loaded before the write can never be served after it. A nil or disabled client turns
// every call into a no-op miss.
type historyCache struct {
	client cacheBackend
}

func generationKey(questionID int64) string {
	return fmt.Sprintf("taxreply:history:%d:gen", questionID)
}

func historyKey(questionID int64, generation string) string {
	return fmt.Sprintf("taxreply:history:%d:%s", questionID, generation)
}

func (h *historyCache) enabled() bool {
	return h != nil && h.client != nil && h.client.Enabled()
}

// load returns the cached list and the generation it was looked up under. On a miss the
// generation is still returned so the caller can store what it reads from the database.
func (h *historyCache) load(ctx context.Context, questionID int64) ([]*models.Message, string, bool) {
	if !h.enabled() {
		return nil, "", false
	}
	generation, err := h.client.Get(ctx, generationKey(questionID))
	switch {
	case errors.Is(err, redis.ErrCacheMiss):
		generation = "0"
	case err != nil:
		log.Printf("history cache generation %d failed: %v", questionID, err)
		return nil, "", false
	}

	var history []*models.Message
	if err := h.client.GetJSON(ctx, historyKey(questionID, generation), &history); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("history cache read %d failed: %v", questionID, err)
		}
		return nil, generation, false
	}
	return history, generation, true
}

func (h *historyCache) store(ctx context.Context, questionID int64, generation string, history []*models.Message) {
	if !h.enabled() || generation == "" {
		return
	}
	if err := h.client.SetJSON(ctx, historyKey(questionID, generation), history, historyCacheTTL); err != nil {
		log.Printf("history cache write %d failed: %v", questionID, err)
	}
}

func (h *historyCache) invalidate(ctx context.Context, questionID int64) {
	if !h.enabled() {
		return
	}
	if err := h.client.Set(ctx, generationKey(questionID), uuid.NewString(), historyGenerationTTL); err != nil {
		log.Printf("history cache invalidate %d failed: %v", questionID, err)
	}
}

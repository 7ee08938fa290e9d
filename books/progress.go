package books

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spftececpereira/fabrica-de-livros-sub000/notify"
)

const (
	progressCacheTTL     = time.Hour
	progressCacheTimeout = 300 * time.Millisecond
)

// ProgressState is the last reported generation step for a book. Clients can
// poll it over HTTP or receive it pushed over the events socket.
type ProgressState struct {
	BookID    uint64    `json:"book_id"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// progressTracker caches generation progress in Redis and fans updates out to
// websocket subscribers. Both sinks are best-effort: losing an update never
// fails the generation run.
type progressTracker struct {
	client *redis.Client
	hub    *notify.Hub
}

func newProgressTracker(client *redis.Client, hub *notify.Hub) *progressTracker {
	return &progressTracker{client: client, hub: hub}
}

func (t *progressTracker) key(bookID uint64) string {
	return fmt.Sprintf("books:progress:%d", bookID)
}

func (t *progressTracker) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), progressCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= progressCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, progressCacheTimeout)
}

// Publish records the new progress state and notifies the owner's listeners.
func (t *progressTracker) Publish(ctx context.Context, userID uint64, state ProgressState) {
	if t == nil {
		return
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	if t.client != nil {
		payload, err := json.Marshal(state)
		if err != nil {
			log.Printf("books: marshal progress state failed: %v", err)
		} else {
			cacheCtx, cancel := t.cacheContext(ctx)
			if err := t.client.Set(cacheCtx, t.key(state.BookID), payload, progressCacheTTL).Err(); err != nil {
				log.Printf("books: store progress state failed: %v", err)
			}
			cancel()
		}
	}

	if t.hub != nil {
		t.hub.Publish(userID, notify.Event{
			Type:     "book_generation_update",
			BookID:   state.BookID,
			Status:   state.Status,
			Progress: state.Progress,
			Message:  state.Message,
			At:       state.UpdatedAt,
		})
	}
}

// Get returns the cached progress state for a book, if any.
func (t *progressTracker) Get(ctx context.Context, bookID uint64) (ProgressState, bool) {
	if t == nil || t.client == nil {
		return ProgressState{}, false
	}

	cacheCtx, cancel := t.cacheContext(ctx)
	defer cancel()

	data, err := t.client.Get(cacheCtx, t.key(bookID)).Bytes()
	if err != nil {
		return ProgressState{}, false
	}

	var state ProgressState
	if err := json.Unmarshal(data, &state); err != nil {
		return ProgressState{}, false
	}
	return state, true
}

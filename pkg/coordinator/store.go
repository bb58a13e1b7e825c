package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/fusionbridge/fusiond/pkg/swap"
	"github.com/redis/go-redis/v9"
)

// ActionStore keeps track of ledger actions already issued per leg, so a
// restart or a racing sweeper never double-submits a lock, claim or refund.
type ActionStore interface {

	// StoreAction records that an action has been issued on the leg.
	StoreAction(action swap.Action, legID string) error

	// CheckAction returns whether the action was issued on the leg before.
	CheckAction(action swap.Action, legID string) (bool, error)
}

type redisStore struct {
	client *redis.Client
}

func NewRedisActionStore(redisURL string) (ActionStore, error) {
	parsedURL, err := url.Parse(redisURL)
	if err != nil {
		return nil, err
	}
	redisPassword, _ := parsedURL.User.Password()
	client := redis.NewClient(&redis.Options{
		Addr:     parsedURL.Host,
		Password: redisPassword,
		DB:       0, // Use default DB.
	})
	return redisStore{client: client}, nil
}

func (rs redisStore) StoreAction(action swap.Action, legID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return rs.client.Set(ctx, actionKey(action, legID), true, 0).Err()
}

func (rs redisStore) CheckAction(action swap.Action, legID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := rs.client.Get(ctx, actionKey(action, legID)).Bool()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return ok, err
}

func actionKey(action swap.Action, legID string) string {
	return fmt.Sprintf("%v-%v", action, legID)
}

type memStore struct {
	mu      sync.Mutex
	actions map[string]struct{}
}

// NewInMemActionStore is the single-process fallback when no redis is
// configured.
func NewInMemActionStore() ActionStore {
	return &memStore{actions: map[string]struct{}{}}
}

func (ms *memStore) StoreAction(action swap.Action, legID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.actions[actionKey(action, legID)] = struct{}{}
	return nil
}

func (ms *memStore) CheckAction(action swap.Action, legID string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	_, ok := ms.actions[actionKey(action, legID)]
	return ok, nil
}

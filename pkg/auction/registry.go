package auction

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyResolvers is the redis set holding authorized resolver ids.
var KeyResolvers = "resolvers"

// StaticAuthorizer allows the resolvers in a fixed allowlist. Matching is
// case-insensitive since resolver ids are chain addresses.
type StaticAuthorizer struct {
	allowed map[string]struct{}
}

func NewStaticAuthorizer(resolvers []string) StaticAuthorizer {
	allowed := make(map[string]struct{}, len(resolvers))
	for _, resolver := range resolvers {
		allowed[strings.ToLower(resolver)] = struct{}{}
	}
	return StaticAuthorizer{allowed: allowed}
}

func (a StaticAuthorizer) IsAuthorized(_ context.Context, resolver string) (bool, error) {
	_, ok := a.allowed[strings.ToLower(resolver)]
	return ok, nil
}

// RedisAuthorizer checks membership of a redis set, so the allowlist can be
// updated by operators without restarting the daemon.
type RedisAuthorizer struct {
	client *redis.Client
}

func NewRedisAuthorizer(redisURL string) (RedisAuthorizer, error) {
	parsedURL, err := url.Parse(redisURL)
	if err != nil {
		return RedisAuthorizer{}, err
	}
	redisPassword, _ := parsedURL.User.Password()
	client := redis.NewClient(&redis.Options{
		Addr:     parsedURL.Host,
		Password: redisPassword,
		DB:       0, // Use default DB.
	})
	return RedisAuthorizer{client: client}, nil
}

func (a RedisAuthorizer) IsAuthorized(ctx context.Context, resolver string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	ok, err := a.client.SIsMember(ctx, KeyResolvers, strings.ToLower(resolver)).Result()
	if err != nil {
		return false, fmt.Errorf("check resolver allowlist: %w", err)
	}
	return ok, nil
}

// Authorize adds a resolver to the allowlist.
func (a RedisAuthorizer) Authorize(ctx context.Context, resolver string) error {
	return a.client.SAdd(ctx, KeyResolvers, strings.ToLower(resolver)).Err()
}

// Revoke removes a resolver from the allowlist.
func (a RedisAuthorizer) Revoke(ctx context.Context, resolver string) error {
	return a.client.SRem(ctx, KeyResolvers, strings.ToLower(resolver)).Err()
}

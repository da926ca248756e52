package location

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps bindings in a Redis hash per AOR so registrations survive
// proxy restarts and can be shared between instances. Each hash field is a
// contact URI, each value a JSON-encoded binding with its absolute expiry.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

type redisBinding struct {
	Contact    string    `json:"contact"`
	ThruGw     bool      `json:"thruGw,omitempty"`
	GwRef      string    `json:"gwRef,omitempty"`
	GwHost     string    `json:"gwHost,omitempty"`
	GwUsername string    `json:"gwUsername,omitempty"`
	DID        string    `json:"did,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func locationKey(aor string) string { return "location:" + aor }

func (s *RedisStore) AddEndpoint(aor string, route Route, expires time.Duration) error {
	ctx := context.Background()
	b := redisBinding{
		Contact:    route.ContactURI.String(),
		ThruGw:     route.ThruGw,
		GwRef:      route.GwRef,
		GwHost:     route.GwHost,
		GwUsername: route.GwUsername,
		DID:        route.DID,
		ExpiresAt:  time.Now().Add(expires),
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	key := locationKey(aor)
	if err := s.client.HSet(ctx, key, b.Contact, raw).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	// The hash lives at least as long as its longest binding; individual
	// bindings are filtered by their own expiry on read.
	return s.client.Expire(ctx, key, expires+time.Minute).Err()
}

func (s *RedisStore) FindEndpoint(aor string) ([]Route, error) {
	ctx := context.Background()
	fields, err := s.client.HGetAll(ctx, locationKey(aor)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	var routes []Route
	now := time.Now()
	for field, raw := range fields {
		var b redisBinding
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			continue
		}
		if !b.ExpiresAt.After(now) {
			s.client.HDel(ctx, locationKey(aor), field)
			continue
		}
		var contact sip.Uri
		if err := sip.ParseUri(b.Contact, &contact); err != nil {
			continue
		}
		routes = append(routes, Route{
			ContactURI: contact,
			ThruGw:     b.ThruGw,
			GwRef:      b.GwRef,
			GwHost:     b.GwHost,
			GwUsername: b.GwUsername,
			DID:        b.DID,
		})
	}
	return routes, nil
}

func (s *RedisStore) RemoveEndpoint(aor string) error {
	return s.client.Del(context.Background(), locationKey(aor)).Err()
}

func (s *RedisStore) RemoveEndpointContact(aor string, contactURI string) error {
	return s.client.HDel(context.Background(), locationKey(aor), contactURI).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

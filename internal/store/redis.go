package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCredentialCache persists relay-credential rows in Redis so multiple
// server instances share one upstream provider quota. Rows carry their own
// TTL; Redis expiry is set slightly past it as a safety net.
type RedisCredentialCache struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisCredentialCache(rdb *redis.Client, prefix string) *RedisCredentialCache {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "crosstalk"
	}
	return &RedisCredentialCache{rdb: rdb, prefix: p, now: time.Now}
}

func (c *RedisCredentialCache) key(userID int64) string {
	return fmt.Sprintf("%s:relaycred:%d", c.prefix, userID)
}

type credentialRowJSON struct {
	Username   string    `json:"username"`
	Credential string    `json:"credential"`
	URLs       []string  `json:"urls"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (c *RedisCredentialCache) GetCredential(ctx context.Context, userID int64) (*CredentialRow, error) {
	raw, err := c.rdb.Get(ctx, c.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential row: %w", err)
	}

	var row credentialRowJSON
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, fmt.Errorf("decode credential row: %w", err)
	}
	return &CredentialRow{
		UserID:     userID,
		Username:   row.Username,
		Credential: row.Credential,
		URLs:       row.URLs,
		ExpiresAt:  row.ExpiresAt,
	}, nil
}

func (c *RedisCredentialCache) PutCredential(ctx context.Context, row *CredentialRow) error {
	raw, err := json.Marshal(credentialRowJSON{
		Username:   row.Username,
		Credential: row.Credential,
		URLs:       row.URLs,
		ExpiresAt:  row.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode credential row: %w", err)
	}

	ttl := row.ExpiresAt.Sub(c.now()) + time.Minute
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := c.rdb.Set(ctx, c.key(row.UserID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("put credential row: %w", err)
	}
	return nil
}

var _ CredentialCache = (*RedisCredentialCache)(nil)

package conversation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"tagrouter/cli/internal/model"
)

// RedisStore keeps each session as a JSON list under <prefix><session id>.
// The list is trimmed to maxTurns and expires ttl after the last append.
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	maxTurns int
	ttl      time.Duration
}

// NewRedisStore wraps an existing client. prefix defaults to "tagrouter:session:".
func NewRedisStore(client redis.UniversalClient, prefix string, maxTurns int, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "tagrouter:session:"
	}
	return &RedisStore{client: client, prefix: prefix, maxTurns: maxTurns, ttl: ttl}
}

func (r *RedisStore) key(sessionID string) string { return r.prefix + sessionID }

func (r *RedisStore) Append(ctx context.Context, sessionID string, t model.Turn) error {
	data, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "conversation store: marshal turn")
	}
	k := r.key(sessionID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, k, data)
	if r.maxTurns > 0 {
		pipe.LTrim(ctx, k, int64(-r.maxTurns), -1)
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, k, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "conversation store: append")
	}
	return nil
}

func (r *RedisStore) Read(ctx context.Context, sessionID string, n int) (model.ConversationContext, error) {
	cc := model.ConversationContext{SessionID: sessionID}
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	raw, err := r.client.LRange(ctx, r.key(sessionID), start, -1).Result()
	if err != nil {
		return cc, errors.Wrap(err, "conversation store: read")
	}
	cc.Turns = make([]model.Turn, 0, len(raw))
	for _, s := range raw {
		var t model.Turn
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			return cc, errors.Wrap(err, "conversation store: decode turn")
		}
		cc.Turns = append(cc.Turns, t)
	}
	return cc, nil
}

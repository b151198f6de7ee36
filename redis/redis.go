package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/GetStream/chat-sync/chat"
)

// Redis caches confirmed conversation snapshots in Redis.
type Redis struct {
	cli *redis.Client
	// maxSize bounds the messages kept per conversation.
	maxSize int64
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, addr string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{
		cli:     cli,
		maxSize: defaultMaxSize,
	}, nil
}

// SetMaxSize sets how many of the latest messages are kept per conversation.
func (r *Redis) SetMaxSize(n int) {
	if n > 0 {
		r.maxSize = int64(n)
	}
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.cli.Close()
}

const (
	conversationsKey = "conversations"
	defaultMaxSize   = 200
)

func conversationKey(id string) string { return "conversation:" + id }
func messagesKey(convID string) string { return "conversation:" + convID + ":messages" }
func messageKey(id string) string      { return "message:" + id }

// Conversations returns the ids of every cached conversation, most recently
// updated first.
func (r *Redis) Conversations(ctx context.Context) ([]string, error) {
	ids, err := r.cli.ZRevRange(ctx, conversationsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange: %w", err)
	}
	return ids, nil
}

// Put replaces the cached snapshot of a conversation. Messages are kept in a
// sorted set scored by sequence number, each one in its own hash.
func (r *Redis) Put(ctx context.Context, snap chat.Snapshot) error {
	convID := snap.Conversation.ID
	if convID == "" {
		return fmt.Errorf("put snapshot: %w: missing conversation id", chat.ErrValidation)
	}

	msgs := make([]*message, len(snap.Messages))
	for i, m := range snap.Messages {
		cm, err := newMessage(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		msgs[i] = cm
	}
	conv := newConversation(snap.Conversation, snap.Applied)
	zkey := messagesKey(convID)

	err := r.cli.Watch(ctx, func(tx *redis.Tx) error {
		stale, err := tx.ZRange(ctx, zkey, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("zrange: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range stale {
				pipe.Del(ctx, key)
			}
			pipe.Del(ctx, zkey)
			for _, m := range msgs {
				key := messageKey(m.ID)
				pipe.HSet(ctx, key, m)
				pipe.ZAdd(ctx, zkey, redis.Z{
					Score:  float64(m.Seq),
					Member: key,
				})
			}
			pipe.HSet(ctx, conversationKey(convID), conv)
			pipe.ZAdd(ctx, conversationsKey, redis.Z{
				Score:  float64(conv.UpdatedAt),
				Member: convID,
			})
			return nil
		})
		return err
	}, zkey)
	if err != nil {
		return fmt.Errorf("redis put snapshot: %w", err)
	}

	if err := r.evictOldest(ctx, convID); err != nil {
		return fmt.Errorf("evict oldest: %w", err)
	}
	return nil
}

// Get returns the cached snapshot of a conversation, messages in sequence
// order.
func (r *Redis) Get(ctx context.Context, convID string) (chat.Snapshot, error) {
	var conv conversation
	res := r.cli.HGetAll(ctx, conversationKey(convID))
	if err := res.Err(); err != nil {
		return chat.Snapshot{}, fmt.Errorf("hgetall: %w", err)
	}
	if len(res.Val()) == 0 {
		return chat.Snapshot{}, fmt.Errorf("snapshot %s: %w", convID, chat.ErrNotFound)
	}
	if err := res.Scan(&conv); err != nil {
		return chat.Snapshot{}, fmt.Errorf("scan conversation: %w", err)
	}

	keys, err := r.cli.ZRange(ctx, messagesKey(convID), 0, -1).Result()
	if err != nil {
		return chat.Snapshot{}, fmt.Errorf("zrange: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = r.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil {
		return chat.Snapshot{}, fmt.Errorf("hgetall messages: %w", err)
	}

	snap := chat.Snapshot{
		Conversation: conv.ChatConversation(),
		Applied:      conv.Applied,
		Messages:     make([]chat.Message, 0, len(keys)),
	}
	for i, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			// Evicted between the two reads.
			continue
		}
		var m message
		if err := cmd.Scan(&m); err != nil {
			return chat.Snapshot{}, fmt.Errorf("scan %s: %w", keys[i], err)
		}
		cm, err := m.ChatMessage()
		if err != nil {
			return chat.Snapshot{}, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		snap.Messages = append(snap.Messages, cm)
	}
	return snap, nil
}

// Delete drops a conversation from the cache.
func (r *Redis) Delete(ctx context.Context, convID string) error {
	zkey := messagesKey(convID)
	keys, err := r.cli.ZRange(ctx, zkey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}
	_, err = r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Del(ctx, key)
		}
		pipe.Del(ctx, zkey, conversationKey(convID))
		pipe.ZRem(ctx, conversationsKey, convID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete snapshot: %w", err)
	}
	return nil
}

// evictOldest trims a conversation to the latest maxSize messages.
func (r *Redis) evictOldest(ctx context.Context, convID string) error {
	zkey := messagesKey(convID)
	vals, err := r.cli.ZRange(ctx, zkey, 0, -r.maxSize-1).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}

	for _, key := range vals {
		_ = r.cli.ZRem(ctx, zkey, key).Err()
		_ = r.cli.Del(ctx, key).Err()
	}

	return nil
}

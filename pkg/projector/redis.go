package projector

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

// advanceScript sets HASH[field] = id only when id is greater than the
// current value, and mirrors aux into KEYS[2] when it moves. Ids are
// compared as decimal strings; Lua numbers cannot hold a snowflake.
var advanceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
local nxt = ARGV[2]
local newer = (not cur) or (#nxt > #cur) or (#nxt == #cur and nxt > cur)
if not newer then
  return {0, cur, redis.call('HGET', KEYS[2], ARGV[1]) or ''}
end
redis.call('HSET', KEYS[1], ARGV[1], nxt)
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
end
return {1, nxt, ARGV[3]}
`)

func unreadKey(userID string) string   { return "unread:" + userID }
func readKey(chatID string) string     { return "read:" + chatID }
func readAtKey(chatID string) string   { return "readat:" + chatID }
func lastSentKey(chatID string) string { return "lastsent:" + chatID }

// RedisStore keeps projection state in Redis hashes: unread:{user} maps
// chat to counter, read:{chat}/readat:{chat} map user to watermark, and
// lastsent:{chat} maps user to the newest message id they sent.
type RedisStore struct {
	rdb redis.UniversalClient
}

var _ StateStore = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) IncrUnread(ctx context.Context, chatID string, userIDs []string) (map[string]int64, error) {
	if len(userIDs) == 0 {
		return map[string]int64{}, nil
	}
	cmds := make([]*redis.IntCmd, len(userIDs))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, u := range userIDs {
			cmds[i] = p.HIncrBy(ctx, unreadKey(u), chatID, 1)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(userIDs))
	for i, u := range userIDs {
		out[u] = cmds[i].Val()
	}
	return out, nil
}

func (s *RedisStore) ResetUnread(ctx context.Context, chatID, userID string) error {
	return s.rdb.HDel(ctx, unreadKey(userID), chatID).Err()
}

func (s *RedisStore) Unread(ctx context.Context, chatID, userID string) (int64, error) {
	n, err := s.rdb.HGet(ctx, unreadKey(userID), chatID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) UnreadAll(ctx context.Context, userID string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, unreadKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for chatID, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unread %s/%s: %w", userID, chatID, err)
		}
		out[chatID] = n
	}
	return out, nil
}

func (s *RedisStore) AdvanceWatermark(ctx context.Context, chatID, userID string, w Watermark) (Watermark, bool, error) {
	res, err := advanceScript.Run(ctx, s.rdb,
		[]string{readKey(chatID), readAtKey(chatID)},
		userID, w.MessageID.String(), strconv.FormatInt(w.ReadAt.UnixMilli(), 10),
	).Slice()
	if err != nil {
		return Watermark{}, false, err
	}
	if len(res) != 3 {
		return Watermark{}, false, fmt.Errorf("advance watermark: unexpected reply %v", res)
	}
	moved, _ := res[0].(int64)
	cur, err := parseWatermark(fmt.Sprint(res[1]), fmt.Sprint(res[2]))
	if err != nil {
		return Watermark{}, false, err
	}
	return cur, moved == 1, nil
}

func parseWatermark(id, at string) (Watermark, error) {
	mid, err := snowflake.Parse(id)
	if err != nil {
		return Watermark{}, err
	}
	w := Watermark{MessageID: mid}
	if at != "" {
		ms, err := strconv.ParseInt(at, 10, 64)
		if err != nil {
			return Watermark{}, fmt.Errorf("read time %q: %w", at, err)
		}
		w.ReadAt = time.UnixMilli(ms).UTC()
	}
	return w, nil
}

func (s *RedisStore) Watermarks(ctx context.Context, chatID string) (map[string]Watermark, error) {
	var ids, ats *redis.MapStringStringCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		ids = p.HGetAll(ctx, readKey(chatID))
		ats = p.HGetAll(ctx, readAtKey(chatID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]Watermark, len(ids.Val()))
	for userID, id := range ids.Val() {
		w, err := parseWatermark(id, ats.Val()[userID])
		if err != nil {
			return nil, fmt.Errorf("watermark %s/%s: %w", chatID, userID, err)
		}
		out[userID] = w
	}
	return out, nil
}

func (s *RedisStore) AdvanceLastSent(ctx context.Context, chatID, userID string, id snowflake.ID) error {
	return advanceScript.Run(ctx, s.rdb,
		[]string{lastSentKey(chatID), lastSentKey(chatID)},
		userID, id.String(), "",
	).Err()
}

func (s *RedisStore) LastSent(ctx context.Context, chatID string) (map[string]snowflake.ID, error) {
	raw, err := s.rdb.HGetAll(ctx, lastSentKey(chatID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]snowflake.ID, len(raw))
	for userID, v := range raw {
		id, err := snowflake.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("last sent %s/%s: %w", chatID, userID, err)
		}
		out[userID] = id
	}
	return out, nil
}

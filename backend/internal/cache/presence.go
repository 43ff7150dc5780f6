package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 会话在线成员与光标的共享镜像（多节点可见）
type PresenceCache interface {
	AddMember(ctx context.Context, sessionID, userID, name string, ttl time.Duration) error
	RemoveMember(ctx context.Context, sessionID, userID string) error
	GetAliveMembersWithNames(ctx context.Context, sessionID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, sessionID, userID string) ([]byte, error)
}

// 具体实现：基于 redis 的 PresenceCache，单机与集群客户端都可以
type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

type PresenceMember struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// 清理过期成员
// KEYS[1] = roomKey   KEYS[2] = namesKey   ARGV[1] = now (unix seconds)
const cleanupScript = `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`

var cleanup = redis.NewScript(cleanupScript)

func (p *redisPresence) AddMember(ctx context.Context, sessionID, userID, name string, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember 即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := p.now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(sessionID), userID, name)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, sessionID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), userID)
	tx.HDel(ctx, namesKey(sessionID), userID)
	tx.Del(ctx, cursorKey(sessionID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) SetCursor(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(sessionID, userID), jsonData, ttl).Err()
}

// GetCursor 没有光标时返回 nil, nil
func (p *redisPresence) GetCursor(ctx context.Context, sessionID, userID string) ([]byte, error) {
	cursor, err := p.rdb.Get(ctx, cursorKey(sessionID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	// step1: 清理过期成员。约定 score=expireAt，expireAt <= now 视为过期
	now := p.now().Unix()
	if err := cleanup.Run(ctx, p.rdb, []string{roomKey(sessionID), namesKey(sessionID)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{UserID: aliveIDs[i], Name: name})
	}
	return members, nil
}

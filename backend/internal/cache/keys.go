package cache

import "fmt"

// 键语义：
// - roomKey(sessionID):            会话在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(sessionID):           会话内 userId→name 映射（Hash）
// - cursorKey(sessionID, userID):  成员光标 JSON（String，带 TTL）
//
// {} 内是 hash tag，同一会话的 key 落在同一个 slot，lua 脚本才能在集群下执行

const (
	keyRoomFmt   = "presence:session:{sessionID:%s}"          // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:session:names:{sessionID:%s}"    // Hash<userId -> name>
	keyCursorFmt = "presence:session:cursor:{sessionID:%s}:%s" // String JSON with TTL
)

func roomKey(sessionID string) string          { return fmt.Sprintf(keyRoomFmt, sessionID) }
func namesKey(sessionID string) string         { return fmt.Sprintf(keyNamesFmt, sessionID) }
func cursorKey(sessionID, userID string) string { return fmt.Sprintf(keyCursorFmt, sessionID, userID) }

package collab

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"designCollab/backend/internal/eventbus"
)

type FollowEvent struct {
	Request FollowRequest `json:"request"`
	// 接受时附带 leader 当前视角，客户端据此同步
	LeaderView *ViewState `json:"leaderView,omitempty"`
}

func (e *Engine) RequestFollow(ctx context.Context, sessionID, followerID, leaderID string) (*FollowRequest, error) {
	if followerID == leaderID {
		return nil, fmt.Errorf("%w: cannot follow yourself", ErrInvalidArgument)
	}
	ss, _, _, err := e.activeParticipant(ctx, sessionID, followerID)
	if err != nil {
		return nil, err
	}
	ss.mu.RLock()
	leader := ss.participant(leaderID)
	ss.mu.RUnlock()
	if leader == nil {
		return nil, ErrParticipantNotFound
	}

	req := FollowRequest{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		FollowerID:  followerID,
		LeaderID:    leaderID,
		RequestedAt: e.now(),
	}
	stored := req
	ss.dataMu.Lock()
	ss.follows[req.ID] = &stored
	ss.dataMu.Unlock()

	e.publish(sessionID, followerID, eventbus.TypeFollowRequested, FollowEvent{Request: req})
	return &req, nil
}

// AcceptFollow 只有被跟随者本人可以接受
func (e *Engine) AcceptFollow(ctx context.Context, sessionID, leaderID, requestID string) (*FollowRequest, error) {
	ss, leader, _, err := e.activeParticipant(ctx, sessionID, leaderID)
	if err != nil {
		return nil, err
	}

	ss.dataMu.Lock()
	f := ss.follows[requestID]
	if f == nil {
		ss.dataMu.Unlock()
		return nil, ErrFollowNotFound
	}
	if f.LeaderID != leaderID {
		ss.dataMu.Unlock()
		return nil, ErrForbidden
	}
	now := e.now()
	f.Accepted = true
	f.AcceptedAt = &now
	out := f.clone()
	ss.dataMu.Unlock()

	e.publish(sessionID, leaderID, eventbus.TypeFollowAccepted, FollowEvent{Request: *out.clone(), LeaderView: leader.View})
	return out, nil
}

// StopFollowing 删除 follower 发起的全部跟随
func (e *Engine) StopFollowing(ctx context.Context, sessionID, followerID string) error {
	ss, _, _, err := e.activeParticipant(ctx, sessionID, followerID)
	if err != nil {
		return err
	}
	var stopped []FollowRequest
	ss.dataMu.Lock()
	for id, f := range ss.follows {
		if f.FollowerID == followerID {
			stopped = append(stopped, *f)
			delete(ss.follows, id)
		}
	}
	ss.dataMu.Unlock()

	for _, f := range stopped {
		e.publish(sessionID, followerID, eventbus.TypeFollowStopped, FollowEvent{Request: f})
	}
	return nil
}

func (e *Engine) GetFollowRequests(sessionID string) ([]FollowRequest, error) {
	ss, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	ss.dataMu.RLock()
	out := make([]FollowRequest, 0, len(ss.follows))
	for _, f := range ss.follows {
		out = append(out, *f.clone())
	}
	ss.dataMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

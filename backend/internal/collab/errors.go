package collab

import "errors"

// 调用方误用统一以错误返回；锁竞争不是错误（返回 nil, nil）
var (
	ErrSessionNotFound     = errors.New("SESSION_NOT_FOUND")
	ErrSessionEnded        = errors.New("SESSION_ENDED")
	ErrSessionFull         = errors.New("SESSION_FULL")
	ErrEditingDisabled     = errors.New("EDITING_DISABLED")
	ErrForbidden           = errors.New("FORBIDDEN")
	ErrElementLocked       = errors.New("ELEMENT_LOCKED")
	ErrMarkupsDisabled     = errors.New("MARKUPS_DISABLED")
	ErrParticipantNotFound = errors.New("PARTICIPANT_NOT_FOUND")
	ErrOperationCancelled  = errors.New("OPERATION_CANCELLED")

	ErrConflictNotFound   = errors.New("CONFLICT_NOT_FOUND")
	ErrConflictClosed     = errors.New("CONFLICT_ALREADY_CLOSED")
	ErrAnnotationNotFound = errors.New("ANNOTATION_NOT_FOUND")
	ErrFollowNotFound     = errors.New("FOLLOW_REQUEST_NOT_FOUND")
	ErrRecordingNotFound  = errors.New("RECORDING_NOT_FOUND")
	ErrInvalidArgument    = errors.New("INVALID_ARGUMENT")
	ErrEngineShutdown     = errors.New("ENGINE_SHUT_DOWN")
)

var codedErrors = []error{
	ErrSessionNotFound, ErrSessionEnded, ErrSessionFull, ErrEditingDisabled,
	ErrForbidden, ErrElementLocked, ErrMarkupsDisabled, ErrParticipantNotFound,
	ErrOperationCancelled, ErrConflictNotFound, ErrConflictClosed,
	ErrAnnotationNotFound, ErrFollowNotFound, ErrRecordingNotFound,
	ErrInvalidArgument, ErrEngineShutdown,
}

// ErrorCode 返回错误链中第一个已知错误的代码，供 ws / http 层回给客户端
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, known := range codedErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "INTERNAL"
}

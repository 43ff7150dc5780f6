package collab

import (
	"context"
	"errors"
)

// DefaultMaxSemaphore 默认并发上限（用于会话创建准入、Kafka 发送并发）
const DefaultMaxSemaphore = 100

var (
	ErrSemaphoreTimeout     = errors.New("Acquire Reach time limit")
	ErrSemaphoreNotAcquired = errors.New("Release Failed, semaphore is not acquired")
)

// SemaphoreControl 有界计数信号量，缓冲 channel 的容量就是许可数
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(capacity int) *SemaphoreControl {
	if capacity <= 0 {
		capacity = DefaultMaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, capacity)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrSemaphoreTimeout
	}
}

// TryAcquire 不等待，拿不到立即返回 false
func (s *SemaphoreControl) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotAcquired
	}
}

// InUse 当前已被占用的许可数
func (s *SemaphoreControl) InUse() int { return len(s.ch) }

func (s *SemaphoreControl) Capacity() int { return cap(s.ch) }

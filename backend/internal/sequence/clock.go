package sequence

import "sync/atomic"

// Clock 单调递增计数器，事件与变更的全序来源
// 零值可用，第一次 Next 返回 1
type Clock struct {
	n atomic.Uint64
}

func NewClock() *Clock {
	return &Clock{}
}

// Next 分配下一个序号（并发安全）
func (c *Clock) Next() uint64 {
	return c.n.Add(1)
}

// Current 返回最近一次分配的序号，未分配时为 0
func (c *Clock) Current() uint64 {
	return c.n.Load()
}

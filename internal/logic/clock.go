package logic

import "time"

// Clock 时间来源，测试中可替换
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock 系统时钟，统一返回 UTC
var SystemClock Clock = systemClock{}

// FixedClock 固定时间，测试使用
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time {
	return c.T
}

// Advance 推进时间
func (c *FixedClock) Advance(d time.Duration) {
	c.T = c.T.Add(d)
}

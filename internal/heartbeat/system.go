package heartbeat

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// SystemFunc 为周期任务的回调，dt 为距上一个 tick 的实际时间。
type SystemFunc func(ctx context.Context, dt time.Duration) error

// System 为注册在调度器上的周期任务。
type System struct {
	name      string
	interval  time.Duration
	countdown time.Duration
	fn        SystemFunc
}

// NewSystem 创建周期任务，倒计时从一个完整间隔开始。
func NewSystem(name string, interval time.Duration, fn SystemFunc) *System {
	return &System{
		name:      name,
		interval:  interval,
		countdown: interval,
		fn:        fn,
	}
}

func (s *System) Name() string { return s.name }

func (s *System) Interval() time.Duration { return s.interval }

// Countdown 返回距下次运行的剩余时间，可能为负。
func (s *System) Countdown() time.Duration { return s.countdown }

func (s *System) invoke(ctx context.Context, dt time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
		}
	}()
	return s.fn(ctx, dt)
}

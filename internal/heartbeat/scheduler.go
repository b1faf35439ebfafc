package heartbeat

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/internal/config"
	"github.com/lk2023060901/kai-go/internal/network/connection"
	"github.com/lk2023060901/kai-go/internal/session"
	"github.com/lk2023060901/kai-go/pkg/log"
	"github.com/lk2023060901/kai-go/pkg/metrics"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

// minWait 为超时 tick 之后的最短等待。
const minWait = time.Millisecond

// State 为调度器状态。
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateSleeping
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// Scheduler 以固定节拍驱动全部 tick 阶段，单协程运行。
//
// 每个 tick 的阶段顺序固定：
// 应用传输事件并开启事务，清理断开连接，接纳新连接，读取连接输入，
// 更新会话，运行到期的周期任务，发送输出并回收过期会话，最后提交事务。
type Scheduler struct {
	log.Binder

	rt      *Runtime
	systems []*System
	names   map[string]struct{}

	interval     time.Duration
	clamp        bool
	logEgregious bool

	state  atomic.Int32
	ticks  atomic.Uint64
	tracer trace.Tracer
}

func NewScheduler(rt *Runtime, cfg config.ServerConfig) *Scheduler {
	return &Scheduler{
		rt:           rt,
		names:        make(map[string]struct{}),
		interval:     cfg.HeartbeatInterval,
		clamp:        cfg.Catchup == config.CatchupClamp,
		logEgregious: cfg.LogEgregiousTimings,
		tracer:       otel.Tracer("kai"),
	}
}

// Register 注册周期任务，只能在 Run 之前调用。
func (s *Scheduler) Register(sys *System) error {
	if s.State() != StateIdle {
		return merr.WrapErrServiceInternal("register game system after start", sys.Name())
	}
	if sys.Interval() <= 0 {
		return merr.WrapErrParameterInvalidMsg("game system %s: interval must be positive", sys.Name())
	}
	if _, ok := s.names[sys.Name()]; ok {
		return merr.WrapErrParameterInvalidMsg("game system %s already registered", sys.Name())
	}
	s.names[sys.Name()] = struct{}{}
	s.systems = append(s.systems, sys)
	return nil
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(state State) {
	s.state.Store(int32(state))
}

// Ticks 返回已完成的 tick 数。
func (s *Scheduler) Ticks() uint64 {
	return s.ticks.Load()
}

// Run 运行调度循环，直到设置退出标志或 tick 失败。
// ctx 结束只会设置退出标志，当前 tick 仍然完整提交。
// 退出后释放 I/O 执行器并取消 Runtime 的上下文。
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.rt.teardown()
	stop := context.AfterFunc(ctx, s.rt.Shutdown)
	defer stop()

	s.setState(StateRunning)
	s.Logger().Info("heartbeat loop started", zap.Duration("interval", s.interval))

	dt := s.interval
	for !s.rt.ShuttingDown() {
		loopStart := time.Now()
		if err := s.Tick(s.rt.Context(), dt); err != nil {
			s.setState(StateShuttingDown)
			s.Logger().Error("tick failed, shutting down", zap.Error(err))
			return err
		}

		wait := s.interval - time.Since(loopStart)
		if wait < 0 {
			s.overrun(-wait)
			wait = minWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		dt = time.Since(loopStart)
	}

	s.setState(StateShuttingDown)
	s.Logger().Info("heartbeat loop stopped", zap.Uint64("ticks", s.Ticks()), zap.Int32("reboot", s.rt.Reboot()))
	return nil
}

// Tick 执行一次完整的 tick，dt 为距上一个 tick 开始的时间。
// 任何阶段失败都会回滚事务并返回 SystemFault。
func (s *Scheduler) Tick(ctx context.Context, dt time.Duration) error {
	tick := s.ticks.Load() + 1
	ctx = NewContext(log.WithTick(ctx, tick), s.rt)
	ctx, span := s.tracer.Start(ctx, "heartbeat.tick", trace.WithAttributes(
		attribute.Int64("tick", int64(tick)),
		attribute.Int64("delta_ms", dt.Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	s.rt.clearTimings()
	s.rt.Registry.ApplyEvents()

	tx, err := s.rt.Store.Begin(ctx)
	if err != nil {
		return s.fail(span, merr.WrapErrSystemFault("storage", err))
	}
	s.rt.tx = tx
	defer func() { s.rt.tx = nil }()

	if err := s.runPhases(ctx, dt); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Ctx(ctx).Warn("rollback failed", zap.Error(rbErr))
		}
		return s.fail(span, err)
	}

	if err := s.measure("transaction.commit", tx.Commit); err != nil {
		_ = tx.Rollback()
		return s.fail(span, merr.WrapErrSystemFault("storage", err))
	}

	s.ticks.Store(tick)
	elapsed := time.Since(start)
	metrics.TickDuration.Observe(float64(elapsed.Microseconds()) / 1000)
	return nil
}

func (s *Scheduler) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *Scheduler) runPhases(ctx context.Context, dt time.Duration) error {
	sessions := s.rt.Sessions

	_ = s.measure("process connections", func() error {
		s.rt.Registry.Reconcile(sessions)
		s.rt.Registry.Range(func(conn *connection.Connection) bool {
			conn.OnHeartbeat(dt, sessions.InputTarget(conn))
			return true
		})
		return nil
	})

	if sessions.Count() == 0 {
		if s.State() != StateSleeping {
			s.Logger().Info("no sessions, going to sleep")
			s.setState(StateSleeping)
		}
		return nil
	}
	if s.State() == StateSleeping {
		s.Logger().Info("waking up")
		s.setState(StateRunning)
	}

	err := s.measure("handle input", func() error {
		var err error
		sessions.Range(func(sess *session.Session) bool {
			if uerr := sess.Update(ctx, dt); uerr != nil {
				err = merr.WrapErrSystemFault("session", errors.Wrapf(uerr, "session %d", sess.ID()))
				return false
			}
			return true
		})
		return err
	})
	if err != nil {
		return err
	}

	if sessions.AnyActive() {
		if err := s.measure("heartbeat total", func() error {
			return s.heartbeat(ctx, dt)
		}); err != nil {
			return err
		}
	}

	_ = s.measure("process output", func() error {
		sessions.FlushOutput()
		sessions.Sweep(time.Now())
		return nil
	})
	return nil
}

// heartbeat 运行倒计时到期的周期任务，每个任务每 tick 最多运行一次。
func (s *Scheduler) heartbeat(ctx context.Context, dt time.Duration) error {
	for _, sys := range s.systems {
		sys.countdown -= dt
		if sys.countdown > 0 {
			continue
		}
		start := time.Now()
		err := sys.invoke(log.WithFields(ctx, log.FieldSystem(sys.name)), dt)
		elapsed := time.Since(start)
		s.rt.Record(sys.name, elapsed)
		metrics.SystemDuration.WithLabelValues(sys.name).Observe(float64(elapsed.Microseconds()) / 1000)
		if err != nil {
			return merr.WrapErrSystemFault(sys.name, err)
		}
		sys.countdown += sys.interval
		if s.clamp && sys.countdown <= 0 {
			sys.countdown = sys.interval
		}
	}
	return nil
}

func (s *Scheduler) measure(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.rt.Record(name, time.Since(start))
	return err
}

func (s *Scheduler) overrun(over time.Duration) {
	metrics.TickOverruns.Inc()
	if s.logEgregious {
		logger := s.Logger()
		logger.Warn("heartbeat took too long, defaulting to short wait", zap.Duration("over", over))
		for _, t := range s.rt.timings {
			logger.RatedWarn(0.1, "heartbeat timing", zap.String("phase", t.Name), log.FieldElapsed(t.Elapsed))
		}
	}
	s.rt.clearTimings()
}

package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/kai-go/internal/config"
	"github.com/lk2023060901/kai-go/internal/network"
	"github.com/lk2023060901/kai-go/internal/network/connection"
	"github.com/lk2023060901/kai-go/internal/session"
	"github.com/lk2023060901/kai-go/internal/storage"
	"github.com/lk2023060901/kai-go/pkg/util/conc"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

const tick = 100 * time.Millisecond

type failingCommitStore struct {
	*storage.MemoryStore
}

func (s failingCommitStore) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.MemoryStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return failingCommitTx{Tx: tx}, nil
}

type failingCommitTx struct {
	storage.Tx
}

func (failingCommitTx) Commit() error {
	return errors.New("disk full")
}

type SchedulerSuite struct {
	suite.Suite

	store    *storage.MemoryStore
	registry *connection.Registry
	sessions *session.Manager
	pool     *conc.Pool[any]
	rt       *Runtime
	sched    *Scheduler
	cfg      config.ServerConfig
	interp   session.InterpreterFunc
}

func (s *SchedulerSuite) SetupTest() {
	s.cfg = config.Default().Server
	s.cfg.HeartbeatInterval = tick
	s.interp = func(ctx context.Context, sess *session.Session, line string) error {
		switch line {
		case "fail":
			return errors.New("interpreter exploded")
		case "save":
			rt, _ := FromContext(ctx)
			return rt.Tx().Put("saved", []byte(sess.Account()))
		}
		return nil
	}
	s.store = storage.NewMemoryStore()
	s.rebuild(s.store)
}

func (s *SchedulerSuite) rebuild(store storage.Store) {
	s.registry = connection.NewRegistry()
	s.sessions = session.NewManager(s.registry, s.interp, config.Default().Session)
	s.pool = conc.NewPool[any](2)
	s.rt = NewRuntime(context.Background(), s.registry, s.sessions, store, s.pool)
	s.sched = NewScheduler(s.rt, s.cfg)
}

func (s *SchedulerSuite) connect(id int64) *connection.Connection {
	conn := connection.New(id, connection.DefaultCapabilities(), nil)
	s.Require().NoError(s.registry.Register(conn))
	return conn
}

func (s *SchedulerSuite) counter(name string, interval time.Duration, fired *int) *System {
	return NewSystem(name, interval, func(context.Context, time.Duration) error {
		*fired++
		return nil
	})
}

func (s *SchedulerSuite) TestSystemTiming() {
	var fast, slow int
	s.Require().NoError(s.sched.Register(s.counter("fast", time.Second, &fast)))
	s.Require().NoError(s.sched.Register(s.counter("slow", 2500*time.Millisecond, &slow)))
	s.connect(1)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		s.Require().NoError(s.sched.Tick(ctx, tick))
	}
	s.Equal(1, fast)
	s.Equal(0, slow)

	for i := 0; i < 15; i++ {
		s.Require().NoError(s.sched.Tick(ctx, tick))
	}
	s.Equal(2, fast)
	s.Equal(1, slow)
	s.Equal(uint64(25), s.sched.Ticks())
}

func (s *SchedulerSuite) TestSystemsIdleWithoutActiveSession() {
	var fired int
	s.Require().NoError(s.sched.Register(s.counter("fast", tick, &fired)))
	conn := s.connect(1)
	ctx := context.Background()

	s.Require().NoError(s.sched.Tick(ctx, tick))
	s.Equal(1, fired)

	s.registry.MarkDisconnected(conn.ID(), network.ConnectionLost)
	s.Require().NoError(s.sched.Tick(ctx, tick))
	s.Equal(1, s.sessions.Count())
	s.Equal(1, fired)
}

func (s *SchedulerSuite) TestCatchupPolicy() {
	run := func(catchup string) int {
		s.cfg.Catchup = catchup
		s.rebuild(storage.NewMemoryStore())
		var fired int
		s.Require().NoError(s.sched.Register(s.counter("burst", tick, &fired)))
		s.connect(1)
		ctx := context.Background()
		s.Require().NoError(s.sched.Tick(ctx, 350*time.Millisecond))
		s.Require().NoError(s.sched.Tick(ctx, 10*time.Millisecond))
		s.Require().NoError(s.sched.Tick(ctx, 10*time.Millisecond))
		return fired
	}
	s.Equal(3, run(config.CatchupCarry))
	s.Equal(1, run(config.CatchupClamp))
}

func (s *SchedulerSuite) TestEndToEnd() {
	ctx := context.Background()
	conn := s.connect(42)
	s.True(s.registry.IsPending(42))

	s.Require().NoError(s.sched.Tick(ctx, tick))
	s.False(s.registry.IsPending(42))
	got, ok := s.registry.Get(42)
	s.Require().True(ok)
	s.Same(conn, got)
	sess, ok := s.sessions.Get(conn.SessionID())
	s.Require().True(ok)
	s.True(sess.IsActive())

	s.registry.MarkDisconnected(42, network.ConnectionClosed)
	s.registry.MarkDisconnected(42, network.ConnectionLost)
	s.Require().NoError(s.sched.Tick(ctx, tick))

	_, ok = s.registry.Get(42)
	s.False(ok)
	s.False(s.registry.IsDead(42))
	select {
	case <-conn.Done():
	default:
		s.Fail("connection must be cleaned up")
	}
	s.Equal(session.StateLinkless, sess.State())
	s.True(sess.Graceful())
}

func (s *SchedulerSuite) TestEventsAppliedAtTickStart() {
	ctx := context.Background()
	conn := connection.New(7, connection.DefaultCapabilities(), nil)
	s.Require().NoError(s.registry.Publish(ctx, connection.Event{Kind: connection.EventConnected, Conn: conn}))
	s.Require().NoError(conn.Deliver(ctx, connection.TextMessage("save")))

	s.Require().NoError(s.sched.Tick(ctx, tick))
	s.Equal(1, s.sessions.Count())
	s.Equal(1, s.store.Len())
}

func (s *SchedulerSuite) TestSleepAndWake() {
	ctx := context.Background()
	s.Require().NoError(s.sched.Tick(ctx, tick))
	s.Equal(StateSleeping, s.sched.State())
	s.Require().NoError(s.sched.Tick(ctx, tick))
	s.Equal(StateSleeping, s.sched.State())

	s.connect(1)
	s.Require().NoError(s.sched.Tick(ctx, tick))
	s.Equal(StateRunning, s.sched.State())
}

func (s *SchedulerSuite) TestSystemFaultRollsBack() {
	s.Require().NoError(s.sched.Register(NewSystem("broken", tick, func(ctx context.Context, _ time.Duration) error {
		rt, ok := FromContext(ctx)
		s.Require().True(ok)
		s.Require().NoError(rt.Tx().Put("partial", []byte("x")))
		return errors.New("boom")
	})))
	s.connect(1)

	err := s.sched.Tick(context.Background(), tick)
	s.ErrorIs(err, merr.ErrSystemFault)
	s.Contains(err.Error(), "broken")
	s.Equal(0, s.store.Len())
	s.Equal(uint64(0), s.sched.Ticks())
}

func (s *SchedulerSuite) TestSystemPanicIsFault() {
	s.Require().NoError(s.sched.Register(NewSystem("panicky", tick, func(context.Context, time.Duration) error {
		panic("bad index")
	})))
	s.connect(1)
	err := s.sched.Tick(context.Background(), tick)
	s.ErrorIs(err, merr.ErrSystemFault)
	s.True(merr.IsFatal(err))
}

func (s *SchedulerSuite) TestSessionFault() {
	ctx := context.Background()
	conn := s.connect(1)
	s.Require().NoError(s.sched.Tick(ctx, tick))
	s.Require().NoError(conn.Deliver(ctx, connection.TextMessage("fail")))

	err := s.sched.Tick(ctx, tick)
	s.ErrorIs(err, merr.ErrSystemFault)
	s.Contains(err.Error(), "interpreter exploded")
}

func (s *SchedulerSuite) TestCommitFailure() {
	s.rebuild(failingCommitStore{MemoryStore: s.store})
	err := s.sched.Tick(context.Background(), tick)
	s.ErrorIs(err, merr.ErrSystemFault)
}

func (s *SchedulerSuite) TestRegister() {
	s.NoError(s.sched.Register(NewSystem("a", tick, nil)))
	s.Error(s.sched.Register(NewSystem("a", tick, nil)))
	s.Error(s.sched.Register(NewSystem("b", 0, nil)))
}

func (s *SchedulerSuite) TestShutdownCompletesTick() {
	s.cfg.HeartbeatInterval = 5 * time.Millisecond
	s.rebuild(s.store)

	var calls int
	s.Require().NoError(s.sched.Register(NewSystem("stopper", s.cfg.HeartbeatInterval, func(ctx context.Context, _ time.Duration) error {
		calls++
		if calls == 3 {
			rt, _ := FromContext(ctx)
			rt.ShutdownWithReboot(1)
			return rt.Tx().Put("last", []byte("tick"))
		}
		return nil
	})))
	s.connect(1)

	done := make(chan error, 1)
	go func() {
		done <- s.sched.Run(context.Background())
	}()

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("scheduler did not stop")
	}

	s.Equal(3, calls)
	s.Equal(uint64(3), s.sched.Ticks())
	s.Equal(1, s.store.Len())
	s.Equal(int32(1), s.rt.Reboot())
	s.Equal(StateShuttingDown, s.sched.State())
	s.True(s.pool.IsClosed())
	s.Error(s.rt.Context().Err())
	s.Error(s.sched.Register(NewSystem("late", tick, nil)))
}

func (s *SchedulerSuite) TestContextCancelStopsLoop() {
	s.cfg.HeartbeatInterval = 5 * time.Millisecond
	s.rebuild(s.store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.sched.Run(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("scheduler did not stop")
	}
	s.True(s.rt.ShuttingDown())
}

func (s *SchedulerSuite) TestFaultStopsLoop() {
	s.cfg.HeartbeatInterval = 5 * time.Millisecond
	s.rebuild(s.store)
	s.Require().NoError(s.sched.Register(NewSystem("broken", s.cfg.HeartbeatInterval, func(context.Context, time.Duration) error {
		return errors.New("boom")
	})))
	s.connect(1)

	err := s.sched.Run(context.Background())
	s.ErrorIs(err, merr.ErrSystemFault)
	s.True(s.pool.IsClosed())
}

func TestScheduler(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	lua "github.com/yuin/gopher-lua"

	"github.com/lk2023060901/kai-go/internal/config"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

type recordingReporter struct {
	faults []error
}

func (r *recordingReporter) ReportFault(_ *Task, err error) {
	r.faults = append(r.faults, err)
}

type ScriptSuite struct {
	suite.Suite
	manager  *Manager
	reporter *recordingReporter
}

func (s *ScriptSuite) SetupTest() {
	s.manager = NewManager(config.ScriptConfig{RunTimeout: time.Second})
	s.reporter = &recordingReporter{}
}

func (s *ScriptSuite) TearDownTest() {
	s.manager.Close()
}

func (s *ScriptSuite) task(source string) *Task {
	cs, err := s.manager.Compile(source)
	s.Require().NoError(err)
	task := s.manager.NewTask("test", cs, s.reporter)
	s.Require().NoError(task.Load())
	return task
}

func (s *ScriptSuite) TestCompileIdempotent() {
	a, err := s.manager.Compile("return 1 + 1")
	s.Require().NoError(err)
	b, err := s.manager.Compile("return 1 + 1")
	s.Require().NoError(err)
	s.Same(a, b)
	s.Same(a.Proto, b.Proto)
	s.Equal(1, s.manager.Compiles())

	c, err := s.manager.Compile("return 1 + 1 ")
	s.Require().NoError(err)
	s.NotSame(a, c)
	s.Equal(2, s.manager.Compiles())
}

func (s *ScriptSuite) TestCompileError() {
	_, err := s.manager.Compile("return +")
	s.ErrorIs(err, merr.ErrCompile)
	s.Contains(err.Error(), "script")
	s.Equal(0, s.manager.Compiles())
}

func (s *ScriptSuite) TestCompleted() {
	task := s.task("return 40 + 2")
	s.Require().NoError(task.Run(context.Background()))
	s.Equal(TaskCompleted, task.State())
	s.Require().Len(task.Results(), 1)
	s.Equal(lua.LNumber(42), task.Results()[0])
	s.NotEmpty(task.ID())
}

func (s *ScriptSuite) TestLoadOnlyFromCreated() {
	task := s.task("return 1")
	err := task.Load()
	s.ErrorIs(err, merr.ErrTaskState)
	s.Equal(TaskLoaded, task.State())
}

func (s *ScriptSuite) TestRunIllegalStates() {
	cs, err := s.manager.Compile("return 1")
	s.Require().NoError(err)

	created := s.manager.NewTask("created", cs, nil)
	s.ErrorIs(created.Run(context.Background()), merr.ErrTaskState)
	s.Equal(TaskCreated, created.State())

	done := s.task("return 1")
	s.Require().NoError(done.Run(context.Background()))
	s.ErrorIs(done.Run(context.Background()), merr.ErrTaskState)
	s.Equal(TaskCompleted, done.State())

	broken := s.task("error('bad')")
	s.Require().NoError(broken.Run(context.Background()))
	s.Equal(TaskError, broken.State())
	s.ErrorIs(broken.Run(context.Background()), merr.ErrTaskState)
	s.Equal(TaskError, broken.State())

	running := s.task("return 1")
	running.state = TaskRunning
	s.ErrorIs(running.Run(context.Background()), merr.ErrTaskState)
	s.Equal(TaskRunning, running.State())
}

func (s *ScriptSuite) TestFaultReported() {
	task := s.task("local t = nil\nreturn t.field")
	s.Require().NoError(task.Run(context.Background()))
	s.Equal(TaskError, task.State())
	s.ErrorIs(task.Err(), merr.ErrScriptFault)
	s.Require().Len(s.reporter.faults, 1)
	s.ErrorIs(s.reporter.faults[0], merr.ErrScriptFault)
}

func (s *ScriptSuite) TestYieldSuspendWait() {
	task := s.task(`
coroutine.yield()
suspend()
wait(0.01)
return "done"`)
	ctx := context.Background()

	s.Require().NoError(task.Run(ctx))
	s.Equal(TaskYielded, task.State())

	s.Require().NoError(task.Run(ctx))
	s.Equal(TaskSuspended, task.State())

	before := time.Now()
	s.Require().NoError(task.Run(ctx))
	s.Equal(TaskWaiting, task.State())
	s.False(task.WakeAt().Before(before.Add(10 * time.Millisecond)))

	s.Require().NoError(task.Run(ctx))
	s.Equal(TaskCompleted, task.State())
	s.Equal(lua.LString("done"), task.Results()[0])
}

func (s *ScriptSuite) TestSandbox() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage"} {
		task := s.task("return " + name + " == nil")
		s.Require().NoError(task.Run(context.Background()))
		s.Equal(lua.LTrue, task.Results()[0], name)
	}
	task := s.task("return string.upper('ok') .. math.floor(1.5) .. #table.concat({'a','b'})")
	s.Require().NoError(task.Run(context.Background()))
	s.Equal(lua.LString("OK12"), task.Results()[0])

	task = s.task("return os == nil and io == nil")
	s.Require().NoError(task.Run(context.Background()))
	s.Equal(lua.LTrue, task.Results()[0])
}

func (s *ScriptSuite) TestGlobalsIsolated() {
	a := s.task(`
		wait = nil
		print = nil
		x = 1
		_G.y = 2
		rawset(string, "rep", 1)
		local libWrite = pcall(function() string.upper = nil end)
		local envMeta = pcall(setmetatable, _G, {})
		local strMeta = getmetatable("")
		return libWrite, envMeta, strMeta, string.rep`)
	s.Require().NoError(a.Run(context.Background()))
	s.Equal(TaskCompleted, a.State())
	s.Equal([]lua.LValue{lua.LFalse, lua.LFalse, lua.LFalse, lua.LNumber(1)}, a.Results())

	b := s.task(`
		wait(0)
		return type(print), string.rep("x", 2), ("y"):rep(2), x == nil and y == nil`)
	s.Require().NoError(b.Run(context.Background()))
	s.Equal(TaskWaiting, b.State())
	s.Require().NoError(b.Run(context.Background()))
	s.Equal(TaskCompleted, b.State())
	s.Equal([]lua.LValue{lua.LString("function"), lua.LString("xx"), lua.LString("yy"), lua.LTrue}, b.Results())
	s.Empty(s.reporter.faults)
}

func (s *ScriptSuite) TestRunTimeout() {
	m := NewManager(config.ScriptConfig{RunTimeout: 20 * time.Millisecond})
	defer m.Close()
	cs, err := m.Compile("while true do end")
	s.Require().NoError(err)
	task := m.NewTask("spin", cs, s.reporter)
	s.Require().NoError(task.Load())

	s.Require().NoError(task.Run(context.Background()))
	s.Equal(TaskError, task.State())
	s.Len(s.reporter.faults, 1)
}

func (s *ScriptSuite) TestClosedManager() {
	task := s.task("coroutine.yield()")
	s.Require().NoError(task.Run(context.Background()))
	s.manager.Close()

	s.ErrorIs(task.Run(context.Background()), merr.ErrManagerClosed)
	s.Equal(TaskYielded, task.State())
	_, err := s.manager.Compile("return 1")
	s.ErrorIs(err, merr.ErrManagerClosed)
	_, err = s.manager.NewThread()
	s.ErrorIs(err, merr.ErrManagerClosed)
}

func TestScript(t *testing.T) {
	suite.Run(t, new(ScriptSuite))
}

func TestRunner(t *testing.T) {
	m := NewManager(config.ScriptConfig{})
	defer m.Close()
	runner := NewRunner(m)
	ctx := context.Background()

	compile := func(src string) *CompiledScript {
		cs, err := m.Compile(src)
		require.NoError(t, err)
		return cs
	}

	yielder := m.NewTask("yielder", compile("coroutine.yield()\nreturn 1"), nil)
	sleeper := m.NewTask("sleeper", compile("wait(3600)\nreturn 1"), nil)
	parked := m.NewTask("parked", compile("suspend()\nreturn 1"), nil)
	broken := m.NewTask("broken", compile("error('x')"), nil)
	for _, task := range []*Task{yielder, sleeper, parked, broken} {
		require.NoError(t, runner.Submit(task))
	}
	assert.Equal(t, 4, runner.Len())

	require.NoError(t, runner.Run(ctx, 0))
	assert.Equal(t, TaskYielded, yielder.State())
	assert.Equal(t, TaskWaiting, sleeper.State())
	assert.Equal(t, TaskSuspended, parked.State())
	assert.Equal(t, TaskError, broken.State())
	assert.Equal(t, 3, runner.Len())

	require.NoError(t, runner.Run(ctx, 0))
	assert.Equal(t, TaskCompleted, yielder.State())
	assert.Equal(t, TaskWaiting, sleeper.State())
	assert.Equal(t, TaskSuspended, parked.State())
	assert.Equal(t, 2, runner.Len())

	parked.Wake()
	require.NoError(t, runner.Run(ctx, 0))
	assert.Equal(t, TaskCompleted, parked.State())
	assert.Equal(t, 1, runner.Len())

	assert.ErrorIs(t, runner.Submit(yielder), merr.ErrTaskState)
}

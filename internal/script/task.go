package script

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/pkg/log"
	"github.com/lk2023060901/kai-go/pkg/metrics"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

// TaskState 为任务状态，只能沿合法转换前进。
type TaskState int

const (
	TaskCreated TaskState = iota
	TaskLoaded
	TaskError
	TaskRunning
	TaskSuspended
	TaskYielded
	TaskWaiting
	TaskCompleted
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "Created"
	case TaskLoaded:
		return "Loaded"
	case TaskError:
		return "Error"
	case TaskRunning:
		return "Running"
	case TaskSuspended:
		return "Suspended"
	case TaskYielded:
		return "Yielded"
	case TaskWaiting:
		return "Waiting"
	case TaskCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

// Runnable 判断该状态下是否允许 Run。
func (s TaskState) Runnable() bool {
	switch s {
	case TaskLoaded, TaskSuspended, TaskYielded, TaskWaiting:
		return true
	default:
		return false
	}
}

// Finished 判断任务是否已结束。
func (s TaskState) Finished() bool {
	return s == TaskCompleted || s == TaskError
}

// FaultReporter 接收任务的脚本错误，通常为发起任务的会话。
type FaultReporter interface {
	ReportFault(task *Task, err error)
}

// Task 为一次脚本执行，独占一个执行线程。
type Task struct {
	id      string
	name    string
	manager *Manager
	script  *CompiledScript
	owner   FaultReporter

	thread *lua.LState
	fn     *lua.LFunction

	state   TaskState
	wakeAt  time.Time
	woken   bool
	err     error
	results []lua.LValue
}

func newTask(m *Manager, name string, cs *CompiledScript, owner FaultReporter) *Task {
	return &Task{
		id:      uuid.NewString(),
		name:    name,
		manager: m,
		script:  cs,
		owner:   owner,
		state:   TaskCreated,
	}
}

func (t *Task) ID() string { return t.id }

func (t *Task) Name() string { return t.name }

func (t *Task) State() TaskState { return t.state }

// WakeAt 返回 Waiting 任务的唤醒时间。
func (t *Task) WakeAt() time.Time { return t.wakeAt }

// Err 返回导致任务进入 Error 的错误。
func (t *Task) Err() error { return t.err }

// Results 返回脚本结束时的返回值。
func (t *Task) Results() []lua.LValue { return t.results }

// Load 为任务分配执行线程，只允许在 Created 状态调用。
func (t *Task) Load() error {
	if t.state != TaskCreated {
		return merr.WrapErrTaskState("load", t.state)
	}
	if t.script == nil {
		return merr.WrapErrTaskState("load", t.state, "no compiled script")
	}
	th, err := t.manager.NewThread()
	if err != nil {
		return err
	}
	t.thread = th
	t.fn = t.manager.L.NewFunctionFromProto(t.script.Proto)
	t.fn.Env = t.manager.sandbox()
	t.transit(TaskLoaded)
	return nil
}

// Wake 允许 Suspended 任务被 Runner 再次调度。
func (t *Task) Wake() {
	if t.state == TaskSuspended {
		t.woken = true
	}
}

// Due 判断任务在 now 时是否应被 Runner 调度。
func (t *Task) Due(now time.Time) bool {
	switch t.state {
	case TaskLoaded, TaskYielded:
		return true
	case TaskWaiting:
		return !now.Before(t.wakeAt)
	case TaskSuspended:
		return t.woken
	default:
		return false
	}
}

// Run 执行或恢复任务直到其结束或再次挂起。
//
// 非法状态下返回 TaskStateError 且状态不变；脚本错误使任务进入 Error 并通知拥有者，不作为返回值。
func (t *Task) Run(ctx context.Context) (err error) {
	if !t.state.Runnable() {
		return merr.WrapErrTaskState("run", t.state)
	}
	if t.manager.Closed() {
		return merr.WrapErrManagerClosed("run", t.name)
	}

	t.transit(TaskRunning)
	t.woken = false
	runCtx, cancel := t.manager.runContext(ctx)
	defer cancel()
	t.thread.SetContext(runCtx)
	defer t.thread.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			t.fail(fmt.Sprintf("panic: %v", r))
		}
	}()

	st, rerr, values := t.manager.L.Resume(t.thread, t.fn)
	switch st {
	case lua.ResumeOK:
		t.results = values
		t.transit(TaskCompleted)
	case lua.ResumeError:
		t.fail(describe(rerr))
	case lua.ResumeYield:
		state, wait := t.manager.yieldKind(values)
		if state == TaskWaiting {
			t.wakeAt = time.Now().Add(wait)
		}
		t.transit(state)
	}
	return nil
}

func (t *Task) fail(reason string) {
	t.err = merr.WrapErrScriptFault(t.name, reason)
	t.transit(TaskError)
	log.With(log.FieldTask(t.name)).Warn("script task failed", zap.String("id", t.id), zap.Error(t.err))
	if t.owner != nil {
		t.owner.ReportFault(t, t.err)
	}
}

func (t *Task) transit(state TaskState) {
	t.state = state
	metrics.ScriptTasks.WithLabelValues(state.String()).Inc()
}

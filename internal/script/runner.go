package script

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/pkg/log"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

// Runner 在每个 tick 恢复到期的任务，作为周期任务注册到调度器。
type Runner struct {
	log.Binder

	manager *Manager
	tasks   []*Task
}

func NewRunner(m *Manager) *Runner {
	return &Runner{manager: m}
}

// Submit 将任务加入队列，Created 任务会先被 Load。
func (r *Runner) Submit(task *Task) error {
	if task.State() == TaskCreated {
		if err := task.Load(); err != nil {
			return err
		}
	}
	if !task.State().Runnable() {
		return merr.WrapErrTaskState("submit", task.State())
	}
	r.tasks = append(r.tasks, task)
	return nil
}

// Len 返回队列中的任务数。
func (r *Runner) Len() int {
	return len(r.tasks)
}

// Run 恢复全部到期任务并移除已结束的任务。脚本错误只影响对应任务。
func (r *Runner) Run(ctx context.Context, _ time.Duration) error {
	now := time.Now()
	for _, task := range r.tasks {
		if !task.Due(now) {
			continue
		}
		if err := task.Run(ctx); err != nil {
			r.Logger().Warn("failed to resume script task", log.FieldTask(task.Name()), zap.Error(err))
		}
	}

	kept := r.tasks[:0]
	for _, task := range r.tasks {
		if task.State().Finished() || r.manager.Closed() {
			continue
		}
		kept = append(kept, task)
	}
	clear(r.tasks[len(kept):])
	r.tasks = kept
	return nil
}

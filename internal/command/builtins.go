package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/kai-go/internal/json"
	"github.com/lk2023060901/kai-go/internal/script"
	"github.com/lk2023060901/kai-go/internal/session"
)

// HistoryKey 返回会话历史在存储中的键，有账号时按账号保存。
func HistoryKey(sess *session.Session) string {
	if sess.Account() != "" {
		return "history/" + sess.Account()
	}
	return "history/#" + strconv.FormatInt(sess.ID(), 10)
}

// RegisterBuiltins 注册内置命令。scripts 或 runner 为 nil 时不注册 lua 命令。
func RegisterBuiltins(i *Interpreter, scripts *script.Manager, runner *script.Runner) error {
	routes := map[string]Route{
		"say":     {Handler: say, Help: "say <text>"},
		"history": {Handler: history, Help: "show recent commands"},
		"who":     {Handler: who, Help: "list sessions"},
		"save":    {Handler: save, Help: "save command history"},
		"quit":    {Handler: quit, Help: "leave the game"},
	}
	if scripts != nil && runner != nil {
		routes["lua"] = Route{Handler: luaHandler(scripts, runner), Help: "lua <source>"}
	}
	for name, route := range routes {
		if err := i.Register(name, route); err != nil {
			return err
		}
	}
	return nil
}

func say(_ context.Context, sess *session.Session, args string) error {
	if args == "" {
		reply(sess, "Say what?")
		return nil
	}
	reply(sess, fmt.Sprintf("You say, \"%s\"", args))
	return nil
}

func history(_ context.Context, sess *session.Session, _ string) error {
	lines := sess.History()
	if len(lines) == 0 {
		reply(sess, "No history.")
		return nil
	}
	var b strings.Builder
	for n, line := range lines {
		if n > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%3d  %s", n+1, line)
	}
	reply(sess, b.String())
	return nil
}

func who(ctx context.Context, sess *session.Session, _ string) error {
	rt, err := runtimeFrom(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	rt.Sessions.Range(func(other *session.Session) bool {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		name := other.Account()
		if name == "" {
			name = "#" + strconv.FormatInt(other.ID(), 10)
		}
		fmt.Fprintf(&b, "%-16s %s", name, other.State())
		return true
	})
	reply(sess, b.String())
	return nil
}

// save 在当前 tick 的事务中写入历史，随 tick 一起提交。
func save(ctx context.Context, sess *session.Session, _ string) error {
	rt, err := runtimeFrom(ctx)
	if err != nil {
		return err
	}
	tx := rt.Tx()
	if tx == nil {
		return errors.New("command: no transaction in progress")
	}
	data, err := json.Marshal(sess.History())
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	if err := tx.Put(HistoryKey(sess), data); err != nil {
		return err
	}
	reply(sess, "Saved.")
	return nil
}

func quit(ctx context.Context, sess *session.Session, _ string) error {
	rt, err := runtimeFrom(ctx)
	if err != nil {
		return err
	}
	reply(sess, "Goodbye.")
	rt.Sessions.Logoff(sess.ID())
	return nil
}

// sessionReporter 把脚本错误回显给发起任务的会话。
type sessionReporter struct {
	sess *session.Session
}

func (r sessionReporter) ReportFault(task *script.Task, err error) {
	reply(r.sess, fmt.Sprintf("Script %s failed: %v", task.Name(), err))
}

func luaHandler(scripts *script.Manager, runner *script.Runner) Handler {
	return func(_ context.Context, sess *session.Session, args string) error {
		if args == "" {
			reply(sess, "Run what?")
			return nil
		}
		cs, err := scripts.Compile(args)
		if err != nil {
			reply(sess, err.Error())
			return nil
		}
		name := "session-" + strconv.FormatInt(sess.ID(), 10)
		task := scripts.NewTask(name, cs, sessionReporter{sess: sess})
		if err := runner.Submit(task); err != nil {
			reply(sess, err.Error())
			return nil
		}
		reply(sess, "Task "+task.ID()+" queued.")
		return nil
	}
}

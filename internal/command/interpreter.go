package command

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/internal/heartbeat"
	"github.com/lk2023060901/kai-go/internal/session"
	"github.com/lk2023060901/kai-go/pkg/log"
)

// Handler 处理一条命令，args 为命令名之后去掉首尾空白的部分。
//
// 返回的错误会被会话视为致命错误并上报调度器，玩家输入错误应通过 SendText 回显而不是返回。
type Handler func(ctx context.Context, sess *session.Session, args string) error

// Route 描述一条命令。
type Route struct {
	Handler Handler
	// Help 为 help 命令输出的一行说明。
	Help string
}

// Interpreter 维护命令名到 Route 的映射，实现 session.Interpreter。
type Interpreter struct {
	log.Binder

	routes map[string]Route
}

var _ session.Interpreter = (*Interpreter)(nil)

// New 创建只包含 help 命令的解释器。
func New() *Interpreter {
	i := &Interpreter{routes: make(map[string]Route)}
	i.routes["help"] = Route{Handler: i.help, Help: "list commands"}
	return i
}

// Register 注册命令，名称不区分大小写，重复注册返回错误。
func (i *Interpreter) Register(name string, route Route) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || strings.ContainsAny(name, " \t") {
		return errors.Newf("command: invalid name %q", name)
	}
	if route.Handler == nil {
		return errors.Newf("command: handler is nil for %q", name)
	}
	if _, exists := i.routes[name]; exists {
		return errors.Newf("command: %q already registered", name)
	}
	i.routes[name] = route
	return nil
}

// Execute 实现 session.Interpreter。
func (i *Interpreter) Execute(ctx context.Context, sess *session.Session, line string) error {
	name, args := split(line)
	if name == "" {
		return nil
	}
	route, ok := i.routes[name]
	if !ok {
		reply(sess, "Huh?")
		return nil
	}
	i.Logger().Debug("execute command", log.FieldSessionID(sess.ID()), zap.String("command", name))
	return route.Handler(ctx, sess, args)
}

func (i *Interpreter) help(_ context.Context, sess *session.Session, _ string) error {
	names := make([]string, 0, len(i.routes))
	for name := range i.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%-10s %s\n", name, i.routes[name].Help)
	}
	reply(sess, strings.TrimRight(b.String(), "\n"))
	return nil
}

func split(line string) (string, string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	name, args, _ := strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(args)
}

func runtimeFrom(ctx context.Context) (*heartbeat.Runtime, error) {
	rt, ok := heartbeat.FromContext(ctx)
	if !ok {
		return nil, errors.New("command: no runtime in context")
	}
	return rt, nil
}

// reply 追加一行输出。
func reply(sess *session.Session, text string) {
	sess.SendText(text + "\n")
}

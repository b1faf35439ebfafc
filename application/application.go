package application

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/kai-go/internal/command"
	"github.com/lk2023060901/kai-go/internal/config"
	"github.com/lk2023060901/kai-go/internal/heartbeat"
	"github.com/lk2023060901/kai-go/internal/network/acceptor"
	"github.com/lk2023060901/kai-go/internal/network/connection"
	"github.com/lk2023060901/kai-go/internal/network/link"
	"github.com/lk2023060901/kai-go/internal/script"
	"github.com/lk2023060901/kai-go/internal/session"
	"github.com/lk2023060901/kai-go/internal/storage"
	"github.com/lk2023060901/kai-go/pkg/log"
	"github.com/lk2023060901/kai-go/pkg/metrics"
	"github.com/lk2023060901/kai-go/pkg/util/conc"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

// 进程退出码。
const (
	ExitOK    = 0
	ExitFatal = 1
)

// ScriptsSystem 为脚本任务周期任务的名称。
const ScriptsSystem = "scripts"

// ExitCode 将 Run 的返回值转换为进程退出码。
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	return ExitFatal
}

// Application 为 kai 进程的运行时容器，负责配置、日志、组件装配以及运行调度循环。
type Application struct {
	cfg     *config.Config
	loggers map[string]*log.MLogger
	rt      *heartbeat.Runtime

	// Hooks 在调度循环启动前调用，测试可借此注册额外的周期任务或在运行中触发关闭。
	Hooks []func(rt *heartbeat.Runtime, sched *heartbeat.Scheduler) error
}

// New creates a new Application instance.
func New() *Application {
	return &Application{}
}

// Run 为 kai 进程入口，args 通常为 os.Args[1:]。
//
// 配置文件路径优先级：
//  1. 缺省：./config.yaml
//  2. 环境变量：KAI_CONFIG_FILE_PATH
//  3. 命令行：--config <path> 或 --config=<path>
func (a *Application) Run(ctx context.Context, args []string) error {
	path, err := resolveConfigPath(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return a.RunWithConfig(ctx, cfg)
}

// RunWithConfig 使用已加载的配置运行，阻塞直至调度循环退出。
func (a *Application) RunWithConfig(ctx context.Context, cfg *config.Config) error {
	a.cfg = cfg
	if err := a.initLogging(); err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	undo, err := maxprocs.Set(maxprocs.Logger(log.S().Infof))
	if err != nil {
		log.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}
	defer undo()

	metrics.Register(prometheus.DefaultRegisterer)

	res, err := a.prepare(ctx)
	if err != nil {
		return err
	}
	defer res.close()

	registry := connection.NewRegistry(
		connection.WithEventQueueSize(cfg.Server.EventQueue),
		connection.WithLogUnwelcomed(cfg.Server.UnwelcomedDisconnect == config.UnwelcomedLog))
	registry.SetLogger(a.Logger("network"))

	scripts := script.NewManager(cfg.Script)
	defer scripts.Close()
	scripts.SetLogger(a.Logger("script"))
	runner := script.NewRunner(scripts)
	runner.SetLogger(a.Logger("script"))

	interp := command.New()
	interp.SetLogger(a.Logger("command"))
	if err := command.RegisterBuiltins(interp, scripts, runner); err != nil {
		return err
	}

	sessions := session.NewManager(registry, interp, cfg.Session)
	sessions.SetLogger(a.Logger("session"))

	services := a.services(registry, res)
	// 后台服务各自常驻一个 worker，其余 worker 留给 I/O 任务。
	pool := conc.NewPool[any](cfg.WorkerThreads()+len(services), conc.WithPreAlloc(true), conc.WithConcealPanic(true))

	rt := heartbeat.NewRuntime(ctx, registry, sessions, res.store, pool)
	a.rt = rt
	sched := heartbeat.NewScheduler(rt, cfg.Server)
	sched.SetLogger(a.Logger("heartbeat"))
	if err := a.schedule(rt, sched, runner); err != nil {
		pool.Release()
		return err
	}

	futures := lo.Map(services, func(svc service, _ int) *conc.Future[any] {
		return pool.Submit(func() (any, error) {
			defer func() {
				if r := recover(); r != nil {
					rt.Shutdown()
					panic(r)
				}
			}()
			err := svc.run(rt.Context())
			if err != nil {
				a.Logger(svc.name).Error("background service failed", zap.String("service", svc.name), zap.Error(err))
				rt.Shutdown()
			}
			return nil, err
		})
	})

	log.Info("kai started",
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("workers", pool.Cap()),
		zap.Strings("services", lo.Map(services, func(svc service, _ int) string { return svc.name })))

	runErr := sched.Run(ctx)
	svcErr := conc.AwaitAll(futures...)

	if mode := rt.Reboot(); mode != 0 {
		log.Info("shutdown with reboot requested", zap.Int32("mode", mode))
	}
	if runErr != nil {
		return runErr
	}
	if svcErr != nil {
		return merr.WrapErrServiceInternal("background service failed", svcErr.Error())
	}
	log.Info("kai stopped")
	return nil
}

// schedule 注册周期任务，须在调度循环启动前完成。
func (a *Application) schedule(rt *heartbeat.Runtime, sched *heartbeat.Scheduler, runner *script.Runner) error {
	if err := sched.Register(heartbeat.NewSystem(ScriptsSystem, a.cfg.Server.HeartbeatInterval, runner.Run)); err != nil {
		return err
	}
	for _, hook := range a.Hooks {
		if err := hook(rt, sched); err != nil {
			return err
		}
	}
	return nil
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *config.Config {
	return a.cfg
}

// Reboot 返回退出时请求的重启方式，0 表示不重启。
func (a *Application) Reboot() int32 {
	if a.rt == nil {
		return 0
	}
	return a.rt.Reboot()
}

// Logger returns a named logger created from configuration.
// If the name is unknown, it falls back to the global logger tagged with the module name.
func (a *Application) Logger(name string) *log.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return log.With(log.FieldModule(name))
}

// resources 为启动阶段并行准备的外部资源，在全部后台服务退出后统一释放。
type resources struct {
	store    storage.Store
	listener net.Listener
	metrics  *metrics.Server
}

func (r *resources) close() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			log.Warn("failed to close store", zap.Error(err))
		}
	}
	if r.listener != nil {
		_ = r.listener.Close()
	}
	if r.metrics != nil {
		_ = r.metrics.Close()
	}
}

// prepare 并行打开存储并绑定监听端口，任一失败则释放已获得的资源。
func (a *Application) prepare(ctx context.Context) (*resources, error) {
	res := &resources{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store, err := storage.Open(gctx, a.cfg.Storage)
		if err != nil {
			return err
		}
		res.store = store
		return nil
	})
	if addr := a.cfg.Listen.Address; addr != "" {
		g.Go(func() error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return errors.Wrapf(err, "listen on %s", addr)
			}
			res.listener = ln
			return nil
		})
	}
	if addr := a.cfg.Metrics.Address; addr != "" {
		g.Go(func() error {
			srv, err := metrics.NewServer(addr, prometheus.DefaultGatherer)
			if err != nil {
				return errors.Wrapf(err, "metrics listen on %s", addr)
			}
			res.metrics = srv
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		res.close()
		return nil, err
	}
	return res, nil
}

// service 为常驻 I/O 执行器的后台任务，ctx 在调度循环退出后取消。
type service struct {
	name string
	run  func(ctx context.Context) error
}

func (a *Application) services(registry *connection.Registry, res *resources) []service {
	var out []service
	if a.cfg.Link.Address != "" {
		l := link.New(link.Config{
			Address:    a.cfg.Link.Address,
			MaxBackoff: a.cfg.Link.MaxBackoff,
			InboxSize:  a.cfg.Server.ConnectionInbox,
		}, registry)
		l.SetLogger(a.Logger("link"))
		out = append(out, service{name: "link", run: l.Run})
	}
	if res.listener != nil {
		acc := acceptor.New(acceptor.Config{
			Path:      a.cfg.Listen.Path,
			InboxSize: a.cfg.Server.ConnectionInbox,
		}, registry)
		acc.SetLogger(a.Logger("acceptor"))
		ln := res.listener
		out = append(out, service{name: "acceptor", run: func(ctx context.Context) error {
			return acc.Serve(ctx, ln)
		}})
	}
	if res.metrics != nil {
		out = append(out, service{name: "metrics", run: res.metrics.Serve})
	}
	out = append(out, service{name: "signals", run: func(ctx context.Context) error {
		watchSignals(ctx, a.rt, a.Logger("signals"))
		return nil
	}})
	return out
}

// resolveConfigPath 按优先级解析配置文件路径。
func resolveConfigPath(args []string) (string, error) {
	configPath := "./config.yaml"

	if envPath := os.Getenv("KAI_CONFIG_FILE_PATH"); envPath != "" {
		configPath = envPath
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return "", merr.WrapErrConfig("--config", "missing value")
			}
			configPath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			val := strings.TrimPrefix(arg, "--config=")
			if val != "" {
				configPath = val
			}
			continue
		}
	}
	return configPath, nil
}

// initLogging initializes global and module-level loggers.
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	return a.initModuleLoggersFromConfig()
}

// initGlobalLoggerFromEnv configures the process-wide logger based on KAI_LOG_* env vars.
//
// Priority:
//   - KAI_LOG_ENABLE: "0"/"false" to discard all outputs (default true).
//   - KAI_LOG_LEVEL: log level (default "info").
//   - KAI_LOG_STDOUT: whether to log to stdout (default true).
//   - KAI_LOG_FILE_DIR: log directory.
//   - KAI_LOG_FILE: log file name (empty means no file).
//   - KAI_LOG_FORMAT: log format ("text" or "json", default "text").
func (a *Application) initGlobalLoggerFromEnv() error {
	enabled := getenvBool("KAI_LOG_ENABLE", true)

	cfg := &log.Config{
		Level:               getenvDefault("KAI_LOG_LEVEL", "info"),
		Format:              getenvDefault("KAI_LOG_FORMAT", "text"),
		Stdout:              getenvBool("KAI_LOG_STDOUT", true),
		DisableErrorVerbose: true,
		File: log.FileLogConfig{
			RootPath: getenvDefault("KAI_LOG_FILE_DIR", ""),
			Filename: getenvDefault("KAI_LOG_FILE", ""),
		},
	}

	// When not enabled, direct all outputs to a discarded sink.
	if !enabled {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := log.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("init global logger from env: %w", err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig creates named loggers from the "logging" section.
//
// Example:
//
//	logging:
//	  heartbeat:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: heartbeat.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil || len(a.cfg.Logging) == 0 {
		return nil
	}
	a.loggers = make(map[string]*log.MLogger, len(a.cfg.Logging))
	for name, lc := range a.cfg.Logging {
		cfgCopy := lc
		logger, _, err := log.InitLogger(&cfgCopy)
		if err != nil {
			return fmt.Errorf("init module logger %q: %w", name, err)
		}
		a.loggers[name] = &log.MLogger{Logger: logger.With(log.FieldModule(name))}
	}
	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

package config

import (
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/lk2023060901/kai-go/pkg/log"
	"github.com/lk2023060901/kai-go/pkg/util/hardware"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
	zviper "github.com/lk2023060901/kai-go/pkg/util/viper"
)

// EnvPrefix 为所有环境变量覆盖项的前缀。
const EnvPrefix = "KAI"

// 追赶策略：carry 保留余量，clamp 对齐到下一个间隔边界。
const (
	CatchupCarry = "carry"
	CatchupClamp = "clamp"
)

// 未欢迎即断开的连接的处理策略。
const (
	UnwelcomedSilent = "silent"
	UnwelcomedLog    = "log"
)

const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Config 为进程的完整配置。
type Config struct {
	Server  ServerConfig          `mapstructure:"server"`
	Session SessionConfig         `mapstructure:"session"`
	Script  ScriptConfig          `mapstructure:"script"`
	Storage StorageConfig         `mapstructure:"storage"`
	Link    LinkConfig            `mapstructure:"link"`
	Listen  ListenConfig          `mapstructure:"listen"`
	Metrics MetricsConfig         `mapstructure:"metrics"`
	Logging map[string]log.Config `mapstructure:"logging"`
}

type ServerConfig struct {
	// HeartbeatInterval 为 tick 目标间隔。
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`
	// Threads 为额外 I/O 线程数，小于 1 时按 CPU 核数-1 计算。
	Threads              int    `mapstructure:"threads"`
	EnableMultithreading bool   `mapstructure:"enable-multithreading"`
	LogEgregiousTimings  bool   `mapstructure:"log-egregious-timings"`
	Catchup              string `mapstructure:"catchup"`
	UnwelcomedDisconnect string `mapstructure:"unwelcomed-disconnect"`
	// ConnectionInbox 为单个连接入站消息通道容量。
	ConnectionInbox int `mapstructure:"connection-inbox"`
	// EventQueue 为注册表事件通道容量。
	EventQueue int `mapstructure:"event-queue"`
}

type SessionConfig struct {
	InputCapacity  int           `mapstructure:"input-capacity"`
	HistorySize    int           `mapstructure:"history-size"`
	ReconnectGrace time.Duration `mapstructure:"reconnect-grace"`
}

type ScriptConfig struct {
	// RunTimeout 限制单次 Run 的执行时长，0 表示不限制。
	RunTimeout time.Duration `mapstructure:"run-timeout"`
}

type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Compress bool   `mapstructure:"compress"`
}

type LinkConfig struct {
	// Address 为 portal 的 websocket 地址，留空表示不连接。
	Address    string        `mapstructure:"address"`
	MaxBackoff time.Duration `mapstructure:"max-backoff"`
}

// ListenConfig 为直连 websocket 监听配置，Address 留空表示关闭。
type ListenConfig struct {
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

type MetricsConfig struct {
	// Address 为 /metrics 监听地址，留空表示关闭。
	Address string `mapstructure:"address"`
}

func setDefaults(c *zviper.Config) {
	c.SetDefault("server.heartbeat-interval", 100*time.Millisecond)
	c.SetDefault("server.threads", 0)
	c.SetDefault("server.enable-multithreading", true)
	c.SetDefault("server.log-egregious-timings", false)
	c.SetDefault("server.catchup", CatchupCarry)
	c.SetDefault("server.unwelcomed-disconnect", UnwelcomedSilent)
	c.SetDefault("server.connection-inbox", 64)
	c.SetDefault("server.event-queue", 1024)

	c.SetDefault("session.input-capacity", 64)
	c.SetDefault("session.history-size", 100)
	c.SetDefault("session.reconnect-grace", 5*time.Minute)

	c.SetDefault("script.run-timeout", 50*time.Millisecond)

	c.SetDefault("storage.driver", StorageSQLite)
	c.SetDefault("storage.path", "data/kai.db")
	c.SetDefault("storage.compress", true)

	c.SetDefault("link.address", "")
	c.SetDefault("link.max-backoff", 30*time.Second)

	c.SetDefault("listen.address", "")
	c.SetDefault("listen.path", "/ws")

	c.SetDefault("metrics.address", "")
}

// Default 返回仅包含缺省值的配置。
func Default() *Config {
	c := zviper.New()
	setDefaults(c)
	cfg := &Config{}
	// 缺省值均为合法值，解码不会失败。
	_ = c.Unmarshal(cfg)
	return cfg
}

// Load 读取 path 指向的配置文件，叠加缺省值与 KAI_ 环境变量后校验。
func Load(path string) (*Config, error) {
	c := zviper.New()
	c.BindEnv(EnvPrefix)
	setDefaults(c)
	if err := c.LoadFile(path); err != nil {
		return nil, merr.WrapErrConfig("config", errors.Wrapf(err, "failed to load config file %q", path).Error())
	}
	return decode(c)
}

// Parse 从 reader 读取配置，typ 为 yaml 或 json。
func Parse(r io.Reader, typ string) (*Config, error) {
	c := zviper.New()
	c.BindEnv(EnvPrefix)
	setDefaults(c)
	if err := c.LoadReader(r, typ); err != nil {
		return nil, merr.WrapErrConfig("config", err.Error())
	}
	return decode(c)
}

func decode(c *zviper.Config) (*Config, error) {
	cfg := &Config{}
	if err := c.Unmarshal(cfg); err != nil {
		return nil, merr.WrapErrConfig("config", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置取值，任何错误都属于 ConfigError。
func (c *Config) Validate() error {
	if c.Server.HeartbeatInterval <= 0 {
		return merr.WrapErrConfig("server.heartbeat-interval", "must be positive")
	}
	if !lo.Contains([]string{CatchupCarry, CatchupClamp}, c.Server.Catchup) {
		return merr.WrapErrConfig("server.catchup", "must be carry or clamp", c.Server.Catchup)
	}
	if !lo.Contains([]string{UnwelcomedSilent, UnwelcomedLog}, c.Server.UnwelcomedDisconnect) {
		return merr.WrapErrConfig("server.unwelcomed-disconnect", "must be silent or log", c.Server.UnwelcomedDisconnect)
	}
	if c.Server.ConnectionInbox < 1 {
		return merr.WrapErrConfig("server.connection-inbox", "must be at least 1")
	}
	if c.Server.EventQueue < 1 {
		return merr.WrapErrConfig("server.event-queue", "must be at least 1")
	}
	if c.Session.InputCapacity < 1 {
		return merr.WrapErrConfig("session.input-capacity", "must be at least 1")
	}
	if c.Session.HistorySize < 0 {
		return merr.WrapErrConfig("session.history-size", "must not be negative")
	}
	if c.Session.ReconnectGrace < 0 {
		return merr.WrapErrConfig("session.reconnect-grace", "must not be negative")
	}
	if c.Script.RunTimeout < 0 {
		return merr.WrapErrConfig("script.run-timeout", "must not be negative")
	}
	if c.Listen.Address != "" && !strings.HasPrefix(c.Listen.Path, "/") {
		return merr.WrapErrConfig("listen.path", "must start with /", c.Listen.Path)
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			return merr.WrapErrConfig("storage.path", "required by sqlite driver")
		}
	default:
		return merr.WrapErrConfig("storage.driver", "must be sqlite or memory", c.Storage.Driver)
	}
	return nil
}

// WorkerThreads 返回 I/O 执行器的线程数。
func (c *Config) WorkerThreads() int {
	if !c.Server.EnableMultithreading {
		return 1
	}
	return hardware.WorkerThreads(c.Server.Threads)
}

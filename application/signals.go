package application

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/internal/heartbeat"
	"github.com/lk2023060901/kai-go/pkg/log"
)

// 重启方式，由 SIGUSR1/SIGUSR2 请求。
const (
	RebootWarm int32 = 1
	RebootCold int32 = 2
)

// watchSignals 将进程信号转换为运行时的关闭请求，直到 ctx 取消。
func watchSignals(ctx context.Context, rt *heartbeat.Runtime, logger *log.MLogger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			logger.Info("received signal", zap.Stringer("signal", sig))
			handleSignal(rt, sig)
		}
	}
}

func handleSignal(rt *heartbeat.Runtime, sig os.Signal) {
	switch sig {
	case syscall.SIGUSR1:
		rt.ShutdownWithReboot(RebootWarm)
	case syscall.SIGUSR2:
		rt.ShutdownWithReboot(RebootCold)
	default:
		rt.Shutdown()
	}
}

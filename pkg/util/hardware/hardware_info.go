package hardware

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/pkg/log"
)

// GetCPUNum 返回可用的逻辑 CPU 核数，探测失败时退回 runtime.NumCPU。
func GetCPUNum() int {
	cpuNum, err := cpu.Counts(true)
	if err != nil || cpuNum <= 0 {
		log.Warn("failed to get cpu counts, fall back to runtime.NumCPU", zap.Error(err))
		return runtime.NumCPU()
	}
	// 容器内 GOMAXPROCS 可能已被 automaxprocs 调低。
	if maxProcs := runtime.GOMAXPROCS(0); maxProcs > 0 && maxProcs < cpuNum {
		return maxProcs
	}
	return cpuNum
}

// WorkerThreads 按照配置计算额外 I/O 线程数：
// configured < 1 时取 核数-1，最小为 1。
func WorkerThreads(configured int) int {
	if configured >= 1 {
		return configured
	}
	n := GetCPUNum() - 1
	if n < 1 {
		n = 1
	}
	return n
}

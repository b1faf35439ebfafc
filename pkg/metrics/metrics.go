// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// kaiNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	kaiNamespace = "kai"

	heartbeatSubsystem = "heartbeat"
	networkSubsystem   = "network"
	scriptSubsystem    = "script"
	storageSubsystem   = "storage"

	systemLabelName = "system"
	reasonLabelName = "reason"
	stateLabelName  = "state"
	opLabelName     = "op"
	stageLabelName  = "stage"
)

var (
	// tickBuckets 为单个 tick 耗时的桶划分，单位为毫秒。
	// [0.25 0.5 1 2 4 8 16 32 64 128 256 512 1024]
	tickBuckets = prometheus.ExponentialBuckets(0.25, 2, 13)

	// TickDuration 记录每个 tick 从开始到提交完成的耗时。
	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: kaiNamespace,
		Subsystem: heartbeatSubsystem,
		Name:      "tick_duration_ms",
		Help:      "duration of one heartbeat tick in milliseconds",
		Buckets:   tickBuckets,
	})

	// TickOverruns 统计耗时超过 heartbeat 间隔的 tick 数。
	TickOverruns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: kaiNamespace,
		Subsystem: heartbeatSubsystem,
		Name:      "tick_overruns_total",
		Help:      "number of ticks that exceeded the heartbeat interval",
	})

	SystemDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: kaiNamespace,
		Subsystem: heartbeatSubsystem,
		Name:      "system_duration_ms",
		Help:      "duration of one game system run in milliseconds",
		Buckets:   tickBuckets,
	}, []string{systemLabelName})

	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: kaiNamespace,
		Subsystem: networkSubsystem,
		Name:      "connections",
		Help:      "number of live connections in the registry",
	})

	Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: kaiNamespace,
		Subsystem: networkSubsystem,
		Name:      "disconnects_total",
		Help:      "number of reconciled disconnects by reason",
	}, []string{reasonLabelName})

	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: kaiNamespace,
		Subsystem: networkSubsystem,
		Name:      "sessions",
		Help:      "number of sessions owned by the session manager",
	})

	ScriptTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: kaiNamespace,
		Subsystem: scriptSubsystem,
		Name:      "task_transitions_total",
		Help:      "number of script task state transitions by target state",
	}, []string{stateLabelName})

	ScriptCompiles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: kaiNamespace,
		Subsystem: scriptSubsystem,
		Name:      "compiles_total",
		Help:      "number of script sources compiled (cache misses)",
	})

	StorageTx = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: kaiNamespace,
		Subsystem: storageSubsystem,
		Name:      "transactions_total",
		Help:      "number of finished storage transactions by outcome",
	}, []string{opLabelName})

	// TransportErrors 按阶段统计传输层错误，传输错误只导致断开。
	TransportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: kaiNamespace,
		Subsystem: networkSubsystem,
		Name:      "transport_errors_total",
		Help:      "number of transport errors by stage",
	}, []string{stageLabelName})

	// LinkReconnects 统计 portal 链路的重连次数。
	LinkReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: kaiNamespace,
		Subsystem: networkSubsystem,
		Name:      "link_reconnects_total",
		Help:      "number of portal link reconnect attempts",
	})

	registerOnce     sync.Once
	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(TickDuration)
		r.MustRegister(TickOverruns)
		r.MustRegister(SystemDuration)
		r.MustRegister(Connections)
		r.MustRegister(Disconnects)
		r.MustRegister(Sessions)
		r.MustRegister(ScriptTasks)
		r.MustRegister(ScriptCompiles)
		r.MustRegister(StorageTx)
		r.MustRegister(TransportErrors)
		r.MustRegister(LinkReconnects)
		metricRegisterer = r
	})
}

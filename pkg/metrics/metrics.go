// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
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
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		ExecutionTotal, ExecutionDuration,
		NodeAttemptTotal, ActionDuration,
		CASConflictTotal, TaskRedeliveryTotal,
		SandboxViolationTotal, PayloadSpillTotal,
		TelemetryDroppedTotal, WorkerBusy,
	)
}

// ExecutionTotal 进入终态的执行数（按状态）
var ExecutionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flowrun_execution_total",
		Help: "进入终态的执行总数（按状态）",
	},
	[]string{"status"}, // completed | failed | cancelled | timed_out
)

// ExecutionDuration 执行从创建到终态的耗时（秒）
var ExecutionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "flowrun_execution_duration_seconds",
		Help:    "执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"workflow_id"},
)

// NodeAttemptTotal 节点尝试数（按动作类型与处置）
var NodeAttemptTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flowrun_node_attempt_total",
		Help: "节点尝试总数",
	},
	[]string{"action", "disposition"},
)

// ActionDuration 动作调用耗时（秒）
var ActionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "flowrun_action_duration_seconds",
		Help:    "动作调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"action", "isolation"},
)

// CASConflictTotal journal 乐观并发冲突次数
var CASConflictTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flowrun_cas_conflict_total",
		Help: "journal CAS 冲突次数",
	},
	[]string{"op"}, // append | transition
)

// TaskRedeliveryTotal 重复投递被去重的任务数
var TaskRedeliveryTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "flowrun_task_redelivery_total",
		Help: "重复投递且未再次调用动作的任务数",
	},
)

// SandboxViolationTotal 未授权的特权调用次数
var SandboxViolationTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flowrun_sandbox_violation_total",
		Help: "沙箱越权调用次数",
	},
	[]string{"action"},
)

// PayloadSpillTotal 超限输出外溢到对象存储的次数
var PayloadSpillTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "flowrun_payload_spill_total",
		Help: "超限输出外溢次数",
	},
)

// TelemetryDroppedTotal 异步遥测缓冲溢出丢弃的事件数
var TelemetryDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "flowrun_telemetry_dropped_total",
		Help: "遥测事件丢弃数",
	},
)

// WorkerBusy 当前持有许可的任务数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "flowrun_worker_busy",
		Help: "当前正在执行的任务数",
	},
	[]string{"worker_id"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	families, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

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

// Package telemetry 尽力而为的遥测出口。事件丢失不影响正确性，恢复从不读取遥测
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"flowrun/pkg/log"
	"flowrun/pkg/metrics"
)

// Kind 事件类型
type Kind string

const (
	KindNodeStarted       Kind = "node_started"
	KindNodeAttempt       Kind = "node_attempt"
	KindTaskRedelivered   Kind = "task_redelivered"
	KindExecutionFinished Kind = "execution_finished"
)

// Event 遥测事件
type Event struct {
	Kind        Kind
	Time        time.Time
	ExecutionID string
	NodeID      string
	Attempt     int
	ActionType  string
	Isolation   string
	Disposition string
	Status      string
	Error       string
	Duration    time.Duration
	BytesIn     int64
	BytesOut    int64
	WorkerID    string
}

// Sink 遥测出口；Emit 不得阻塞调用方
type Sink interface {
	Emit(Event)
}

// Nop 丢弃全部事件
type Nop struct{}

func (Nop) Emit(Event) {}

// LogSink 以结构化日志输出
type LogSink struct {
	log *log.Logger
}

func NewLogSink(l *log.Logger) *LogSink {
	return &LogSink{log: log.OrDiscard(l)}
}

func (s *LogSink) Emit(e Event) {
	level := slog.LevelDebug
	if e.Error != "" {
		level = slog.LevelWarn
	}
	s.log.Log(context.Background(), level, "telemetry",
		"kind", e.Kind,
		"execution_id", e.ExecutionID,
		"node_id", e.NodeID,
		"attempt", e.Attempt,
		"action", e.ActionType,
		"disposition", e.Disposition,
		"status", e.Status,
		"duration_ms", e.Duration.Milliseconds(),
		"bytes_in", e.BytesIn,
		"bytes_out", e.BytesOut,
		"worker_id", e.WorkerID,
		"error", e.Error,
	)
}

// MetricsSink 把节点尝试与重复投递计入 Prometheus
type MetricsSink struct{}

func (MetricsSink) Emit(e Event) {
	switch e.Kind {
	case KindNodeAttempt:
		metrics.NodeAttemptTotal.WithLabelValues(e.ActionType, e.Disposition).Inc()
	case KindTaskRedelivered:
		metrics.TaskRedeliveryTotal.Inc()
	}
}

// Multi 依次转发到每个 Sink
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// AsyncSink 有界缓冲的异步出口；缓冲满时丢弃并计数
type AsyncSink struct {
	next Sink
	ch   chan Event
	wg   sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func NewAsyncSink(next Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &AsyncSink{next: next, ch: make(chan Event, buffer)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for e := range s.ch {
			s.next.Emit(e)
		}
	}()
	return s
}

func (s *AsyncSink) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
		metrics.TelemetryDroppedTotal.Inc()
	}
}

// Dropped 因缓冲满而丢弃的事件数
func (s *AsyncSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close 停止接收并排空缓冲
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.wg.Wait()
}

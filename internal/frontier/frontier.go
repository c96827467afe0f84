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

// Package frontier 由日志重放出执行的前沿（就绪、等待、完成），并把单次尝试的结果解释为下一步
package frontier

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"flowrun/internal/action"
	"flowrun/internal/planner"
	"flowrun/internal/runtime/journal"
)

// Phase 节点阶段
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseReady        Phase = "ready"
	PhaseRunning      Phase = "running"
	PhaseWaiting      Phase = "waiting"
	PhaseLooping      Phase = "looping"
	PhaseRetryPending Phase = "retry_pending"
	PhaseDone         Phase = "done"
	PhaseFailed       Phase = "failed"
	PhaseDead         Phase = "dead"
	PhaseCancelled    Phase = "cancelled"
)

// Terminal 节点不会再被调度
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseFailed, PhaseDead, PhaseCancelled:
		return true
	}
	return false
}

// Runnable 可以开始一次新的尝试
func (p Phase) Runnable() bool {
	return p == PhaseReady || p == PhaseLooping || p == PhaseRetryPending
}

// NodeState 单个节点的重放结果
type NodeState struct {
	ID    string
	Phase Phase
	// Attempt 最近一次开始或完成的尝试编号，0 表示从未开始
	Attempt int
	// Attempts 已记录的 node_attempt 条目数
	Attempts int
	// Interrupted 尝试已开始但执行者已失联，下一次以同一编号重跑
	Interrupted bool
	Iteration   int
	State       json.RawMessage
	Result      *action.Result
	Error       *action.Error
	NotBefore   time.Time
	Wait        *action.WaitSpec
	// WaitDeadline 零值表示无超时
	WaitDeadline time.Time
	StartedBy    string
}

// NextAttempt 下一次尝试的编号；被中断的尝试沿用原编号（同一幂等键）
func (n NodeState) NextAttempt() int {
	if n.Phase == PhaseRunning || n.Interrupted {
		return n.Attempt
	}
	return n.Attempt + 1
}

// Failure 导致执行失败的节点
type Failure struct {
	NodeID   string
	Error    *action.Error
	Attempts int
}

// Frontier 某一时刻执行的完整前沿；只由 Replay 构造，不做增量修改
type Frontier struct {
	plan     *planner.ExecutionPlan
	input    json.RawMessage
	deadline time.Time
	nodes    map[string]*NodeState
	retries  int

	cancelRequested bool
	failure         *Failure
	finished        journal.Kind
}

// FromState 从执行状态重放；计划取自 execution_started 条目
func FromState(st *journal.State) (*Frontier, error) {
	if len(st.Entries) == 0 || st.Entries[0].Kind != journal.KindExecutionStarted {
		return nil, fmt.Errorf("execution %s: first entry is not %s", st.ExecutionID, journal.KindExecutionStarted)
	}
	var started journal.ExecutionStarted
	if err := st.Entries[0].Decode(&started); err != nil {
		return nil, fmt.Errorf("execution %s: %w", st.ExecutionID, err)
	}
	if started.Plan == nil {
		return nil, fmt.Errorf("execution %s: started entry carries no plan", st.ExecutionID)
	}
	return Replay(started.Plan, st.Entries)
}

// Replay 按 seq 顺序重放条目。结果只取决于计划与条目，与重放次数和时机无关
func Replay(plan *planner.ExecutionPlan, entries []journal.Entry) (*Frontier, error) {
	f := &Frontier{plan: plan, nodes: make(map[string]*NodeState, len(plan.Nodes))}
	for _, n := range plan.Nodes {
		f.nodes[n.ID] = &NodeState{ID: n.ID, Phase: PhasePending}
	}
	completed := make(map[string]map[int]bool)
	for _, e := range entries {
		if err := f.apply(e, completed); err != nil {
			return nil, fmt.Errorf("replay entry %d (%s): %w", e.Seq, e.Kind, err)
		}
	}
	f.propagate()
	return f, nil
}

func (f *Frontier) apply(e journal.Entry, completed map[string]map[int]bool) error {
	switch e.Kind {
	case journal.KindExecutionStarted:
		var p journal.ExecutionStarted
		if err := e.Decode(&p); err != nil {
			return err
		}
		f.input = p.Input
		f.deadline = p.Deadline

	case journal.KindNodeStarted:
		var p journal.NodeStarted
		if err := e.Decode(&p); err != nil {
			return err
		}
		n, ok := f.nodes[p.NodeID]
		if !ok || n.Phase.Terminal() || completed[p.NodeID][p.Attempt] {
			return nil
		}
		n.Phase = PhaseRunning
		n.Attempt = p.Attempt
		n.Iteration = p.Iteration
		n.Interrupted = false
		n.StartedBy = p.WorkerID

	case journal.KindNodeAttempt:
		var p journal.NodeAttempt
		if err := e.Decode(&p); err != nil {
			return err
		}
		n, ok := f.nodes[p.NodeID]
		if !ok || n.Phase.Terminal() {
			return nil
		}
		if completed[p.NodeID] == nil {
			completed[p.NodeID] = make(map[int]bool)
		}
		if completed[p.NodeID][p.Attempt] {
			return nil
		}
		completed[p.NodeID][p.Attempt] = true
		f.applyAttempt(n, p)

	case journal.KindWaitResolved:
		var p journal.WaitResolved
		if err := e.Decode(&p); err != nil {
			return err
		}
		n, ok := f.nodes[p.NodeID]
		if !ok || n.Phase != PhaseWaiting {
			return nil
		}
		if p.Error != nil {
			f.failNode(n, p.Error)
			return nil
		}
		r := action.Success(p.Payload)
		n.Phase = PhaseDone
		n.Result = &r
		n.Wait = nil

	case journal.KindRecoveryStarted:
		for _, n := range f.nodes {
			if n.Phase == PhaseRunning {
				n.Phase = PhaseReady
				n.Interrupted = true
			}
		}

	case journal.KindCancellationRequested:
		f.cancelRequested = true

	case journal.KindExecutionCompleted, journal.KindExecutionFailed,
		journal.KindExecutionCancelled, journal.KindExecutionTimedOut:
		f.finished = e.Kind
	}
	return nil
}

func (f *Frontier) applyAttempt(n *NodeState, p journal.NodeAttempt) {
	if p.Attempt > n.Attempt {
		n.Attempt = p.Attempt
	}
	n.Attempts++
	n.Interrupted = false
	n.StartedBy = ""
	switch p.Disposition {
	case journal.DispositionAdvance:
		r := action.Skip()
		if p.Output != nil {
			r = *p.Output
		}
		n.Phase = PhaseDone
		n.Result = &r
		n.Error = p.Error
	case journal.DispositionLoop:
		n.Phase = PhaseLooping
		n.Iteration = p.Iteration + 1
		if p.Output != nil {
			n.State = p.Output.State
			n.Result = p.Output
		}
		n.NotBefore = p.CompletedAt.Add(p.Delay)
	case journal.DispositionPark:
		n.Phase = PhaseWaiting
		if p.Output != nil {
			n.Wait = p.Output.Wait
		}
		if p.WaitDeadline != nil {
			n.WaitDeadline = *p.WaitDeadline
		}
	case journal.DispositionRetry:
		n.Phase = PhaseRetryPending
		n.Error = p.Error
		n.NotBefore = p.CompletedAt.Add(p.Delay)
		f.retries++
	case journal.DispositionCancelled:
		// 未请求取消时动作自行返回的 Cancelled 按失败处理，否则后继死亡后执行会被误判为完成
		if !f.cancelRequested {
			f.failNode(n, p.Error)
			return
		}
		n.Phase = PhaseCancelled
		n.Error = p.Error
	default:
		f.failNode(n, p.Error)
	}
}

func (f *Frontier) failNode(n *NodeState, err *action.Error) {
	n.Phase = PhaseFailed
	n.Error = err
	if f.failure == nil {
		f.failure = &Failure{NodeID: n.ID, Error: err, Attempts: n.Attempts}
	}
}

// propagate 按拓扑序推导尚未开始的节点：入边全部确定且至少一条激活则就绪，全部未激活则死亡
func (f *Frontier) propagate() {
	for _, id := range f.plan.Order {
		n := f.nodes[id]
		if n == nil || n.Phase != PhasePending {
			continue
		}
		in := f.plan.Incoming(id)
		if len(in) == 0 {
			n.Phase = PhaseReady
			continue
		}
		resolved, active := true, false
		for _, e := range in {
			on, ok := f.edgeState(e)
			if !ok {
				resolved = false
				break
			}
			active = active || on
		}
		switch {
		case !resolved:
		case active:
			n.Phase = PhaseReady
		default:
			n.Phase = PhaseDead
		}
	}
}

// edgeState 返回边是否激活；ok=false 表示上游尚未确定
func (f *Frontier) edgeState(e planner.Edge) (active, ok bool) {
	src := f.nodes[e.From]
	if src == nil {
		return false, true
	}
	switch src.Phase {
	case PhaseDone:
		_, on := src.Result.OutputFor(e.Port)
		return on, true
	case PhaseFailed, PhaseDead, PhaseCancelled:
		return false, true
	}
	return false, false
}

func (f *Frontier) Plan() *planner.ExecutionPlan { return f.plan }

func (f *Frontier) Input() json.RawMessage { return f.input }

// Deadline 执行的墙钟截止时间
func (f *Frontier) Deadline() time.Time { return f.deadline }

// Node 返回节点状态副本
func (f *Frontier) Node(id string) (NodeState, bool) {
	n, ok := f.nodes[id]
	if !ok {
		return NodeState{}, false
	}
	return *n, true
}

func (f *Frontier) inPhase(match func(Phase) bool) []string {
	var out []string
	for _, id := range f.plan.Order {
		if n := f.nodes[id]; n != nil && match(n.Phase) {
			out = append(out, id)
		}
	}
	return out
}

// Ready 可开始新尝试的节点（按拓扑序）
func (f *Frontier) Ready() []string {
	return f.inPhase(Phase.Runnable)
}

// Waiting 挂起中的节点
func (f *Frontier) Waiting() []string {
	return f.inPhase(func(p Phase) bool { return p == PhaseWaiting })
}

// Completed 已完成并可向下游提供输出的节点
func (f *Frontier) Completed() []string {
	return f.inPhase(func(p Phase) bool { return p == PhaseDone })
}

// InFlight 已开始但尚无结果的节点
func (f *Frontier) InFlight() []string {
	return f.inPhase(func(p Phase) bool { return p == PhaseRunning })
}

// Done 所有节点均已到达终止阶段
func (f *Frontier) Done() bool {
	for _, n := range f.nodes {
		if !n.Phase.Terminal() {
			return false
		}
	}
	return true
}

// Failure 首个失败节点；没有 ContinueOnFail 的失败会使整个执行失败
func (f *Frontier) Failure() *Failure { return f.failure }

// RetriesUsed 执行范围内已消耗的重试次数
func (f *Frontier) RetriesUsed() int { return f.retries }

func (f *Frontier) CancelRequested() bool { return f.cancelRequested }

// Finished 终态条目类型；未结束时为空
func (f *Frontier) Finished() journal.Kind { return f.finished }

// InputsFor 节点的解析后输入：参数、执行输入与激活入边上的上游数据
func (f *Frontier) InputsFor(id string) (action.Input, error) {
	pn, ok := f.plan.Node(id)
	if !ok {
		return action.Input{}, fmt.Errorf("unknown node %q", id)
	}
	params, err := pn.ParamsJSON()
	if err != nil {
		return action.Input{}, fmt.Errorf("node %s params: %w", id, err)
	}
	in := action.Input{Params: params, Execution: f.input}

	type edgeData struct {
		port string
		data json.RawMessage
	}
	bySource := make(map[string][]edgeData)
	var sources []string
	for _, e := range f.plan.Incoming(id) {
		src := f.nodes[e.From]
		if src == nil || src.Phase != PhaseDone {
			continue
		}
		data, on := src.Result.OutputFor(e.Port)
		if !on {
			continue
		}
		if _, seen := bySource[e.From]; !seen {
			sources = append(sources, e.From)
		}
		bySource[e.From] = append(bySource[e.From], edgeData{port: action.NormalizePort(e.Port), data: data})
	}
	if len(sources) == 0 {
		return in, nil
	}
	sort.Strings(sources)
	in.Upstream = make(map[string]json.RawMessage, len(sources))
	for _, src := range sources {
		list := bySource[src]
		if len(list) == 1 {
			in.Upstream[src] = list[0].data
			continue
		}
		// 同一上游经多个端口连入时以 "节点.端口" 区分
		for _, ed := range list {
			in.Upstream[src+"."+ed.port] = ed.data
		}
	}
	return in, nil
}

// Outputs 汇节点（无出边）的输出，写入 execution_completed
func (f *Frontier) Outputs() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, id := range f.plan.Order {
		if len(f.plan.Outgoing(id)) > 0 {
			continue
		}
		n := f.nodes[id]
		if n == nil || n.Phase != PhaseDone || n.Result == nil {
			continue
		}
		if d := ResultData(*n.Result); len(d) > 0 {
			out[id] = d
		}
	}
	return out
}

// ResultData 结果的主数据；multi_output 编码为端口到数据的对象
func ResultData(r action.Result) json.RawMessage {
	if r.Kind == action.ResultMultiOutput {
		b, err := json.Marshal(r.Outputs)
		if err != nil {
			return nil
		}
		return b
	}
	return r.Data
}

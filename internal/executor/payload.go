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

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"flowrun/internal/action"
	"flowrun/internal/storage/object"
	"flowrun/pkg/metrics"
)

// PayloadPolicy 输出超过负载上限时的处理方式
type PayloadPolicy string

const (
	PolicyReject PayloadPolicy = "reject"
	PolicySpill  PayloadPolicy = "spill"
)

// ParsePayloadPolicy 未知值按 reject 处理
func ParsePayloadPolicy(s string) PayloadPolicy {
	if PayloadPolicy(s) == PolicySpill {
		return PolicySpill
	}
	return PolicyReject
}

// SpillRef 外溢负载在 journal 与任务中的占位：{"$ref": key, "size": n}
type SpillRef struct {
	Ref  string `json:"$ref"`
	Size int64  `json:"size"`
}

var refPrefix = []byte(`{"$ref"`)

// ParseSpillRef 判断数据是否为外溢占位
func ParseSpillRef(data json.RawMessage) (SpillRef, bool) {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, refPrefix) {
		return SpillRef{}, false
	}
	var ref SpillRef
	if err := json.Unmarshal(trimmed, &ref); err != nil || ref.Ref == "" {
		return SpillRef{}, false
	}
	return ref, true
}

// spillKey 同一尝试的重放写入同一 key
func spillKey(inv action.Invocation, part string) string {
	return fmt.Sprintf("spill/%s/%s/%d/%s", inv.ExecutionID, inv.NodeID, inv.Attempt, part)
}

// applyCeiling 检查输出体积；spill 策略下把数据写入对象存储并替换为占位。
// 循环状态不外溢，外溢后仍超限即 DataLimitExceeded
func applyCeiling(ctx context.Context, store object.Store, policy PayloadPolicy, limit int64, inv action.Invocation, res action.Result) (action.Result, bool, error) {
	size := res.Size()
	if limit <= 0 || size <= limit {
		return res, false, nil
	}
	if policy != PolicySpill || store == nil {
		return action.Result{}, false, action.DataLimitError(size, limit)
	}

	out := res
	if len(res.Data) > 0 {
		ref, err := spill(ctx, store, spillKey(inv, "data"), inv, res.Data)
		if err != nil {
			return action.Result{}, false, err
		}
		out.Data = ref
	}
	if len(res.Outputs) > 0 {
		out.Outputs = make(map[string]json.RawMessage, len(res.Outputs))
		for port, d := range res.Outputs {
			if len(d) == 0 {
				out.Outputs[port] = d
				continue
			}
			ref, err := spill(ctx, store, spillKey(inv, "port-"+port), inv, d)
			if err != nil {
				return action.Result{}, false, err
			}
			out.Outputs[port] = ref
		}
	}
	if s := out.Size(); s > limit {
		return action.Result{}, false, action.DataLimitError(s, limit)
	}
	metrics.PayloadSpillTotal.Inc()
	return out, true, nil
}

func spill(ctx context.Context, store object.Store, key string, inv action.Invocation, data json.RawMessage) (json.RawMessage, error) {
	meta := map[string]string{
		"execution_id":    inv.ExecutionID,
		"node_id":         inv.NodeID,
		"idempotency_key": inv.IdempotencyKey,
	}
	if err := store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), meta); err != nil {
		return nil, action.RetryableError(fmt.Sprintf("spill payload: %v", err), 0)
	}
	ref, err := json.Marshal(SpillRef{Ref: key, Size: int64(len(data))})
	if err != nil {
		return nil, action.Fatalf("encode spill ref: %v", err)
	}
	return ref, nil
}

// hydrate 把上游数据中的外溢占位还原为原始数据
func hydrate(ctx context.Context, store object.Store, in action.Input) (action.Input, error) {
	var out map[string]json.RawMessage
	for k, d := range in.Upstream {
		ref, ok := ParseSpillRef(d)
		if !ok {
			continue
		}
		if store == nil {
			return in, action.FatalError("input " + k + " was spilled but no object store is configured")
		}
		data, err := object.ReadAll(ctx, store, ref.Ref)
		if err != nil {
			return in, action.RetryableError(fmt.Sprintf("load spilled input %s: %v", k, err), 0)
		}
		if out == nil {
			out = make(map[string]json.RawMessage, len(in.Upstream))
			for k2, d2 := range in.Upstream {
				out[k2] = d2
			}
		}
		out[k] = data
	}
	if out != nil {
		in.Upstream = out
	}
	return in, nil
}

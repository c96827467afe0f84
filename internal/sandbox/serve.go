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

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"

	"flowrun/internal/action"
)

// Serve 沙箱宿主进程入口：从 r 读取一个 Request，执行后把 Response 写入 w。
// 每个进程只处理一次调用，内存上限作用于整个宿主进程
func Serve(ctx context.Context, registry *action.Registry, env Env, r io.Reader, w io.Writer) error {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		resp := Response{Error: action.FatalError(fmt.Sprintf("decode sandbox request: %v", err))}
		if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
			return encErr
		}
		return fmt.Errorf("decode sandbox request: %w", err)
	}
	if req.Limits.MemoryBytes > 0 {
		debug.SetMemoryLimit(req.Limits.MemoryBytes)
	}
	resp := Handle(ctx, registry, env, req)
	return json.NewEncoder(w).Encode(resp)
}

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

package worker

import (
	"flowrun/internal/runtime/journal"
)

// Event Worker 到引擎的单向通知：一次尝试已记录（或执行已结束）
type Event struct {
	ExecutionID string
	NodeID      string
	Attempt     int
	Disposition journal.Disposition
	// Status 记录后执行的状态
	Status journal.Status
}

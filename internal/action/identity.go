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

package action

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// IdempotencyKey 节点尝试的确定性幂等键：同一 (execution, node, attempt) 始终得到同一键，
// 重复投递时动作可据此去重外部副作用
func IdempotencyKey(executionID, nodeID string, attempt int) string {
	h := sha256.New()
	h.Write([]byte(executionID))
	h.Write([]byte("\x00"))
	h.Write([]byte(nodeID))
	h.Write([]byte("\x00"))
	h.Write([]byte(strconv.Itoa(attempt)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

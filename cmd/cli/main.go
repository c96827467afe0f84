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

package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const version = "0.1.0"

func main() {
	if err := run(os.Args[1:], os.Stdout, newClient(apiBaseURL())); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func run(args []string, out io.Writer, c *client) error {
	if len(args) == 0 {
		printUsage(out)
		return nil
	}
	cmd, args := args[0], args[1:]
	var (
		res any
		err error
	)
	switch cmd {
	case "version":
		fmt.Fprintln(out, "flowrun cli", version)
		return nil
	case "health":
		res, err = c.health()
	case "workflows":
		res, err = c.workflows()
	case "register":
		if len(args) < 1 {
			return usage("register <file.yaml>")
		}
		data, rerr := os.ReadFile(args[0])
		if rerr != nil {
			return rerr
		}
		res, err = c.registerWorkflow(data)
	case "run":
		res, err = runExecute(args, c)
	case "status":
		if len(args) < 1 {
			return usage("status <execution_id>")
		}
		res, err = c.status(args[0])
	case "result":
		if len(args) < 1 {
			return usage("result <execution_id> [wait]")
		}
		wait := time.Duration(0)
		if len(args) > 1 {
			if wait, err = time.ParseDuration(args[1]); err != nil {
				return err
			}
		}
		res, _, err = c.result(args[0], wait)
	case "list":
		status := ""
		if len(args) > 0 {
			status = args[0]
		}
		res, err = c.list(status)
	case "cancel":
		if len(args) < 1 {
			return usage("cancel <execution_id> [reason]")
		}
		res, err = c.cancel(args[0], strings.Join(args[1:], " "))
	case "signal":
		res, err = runSignal(args, c)
	case "trace":
		if len(args) < 1 {
			return usage("trace <execution_id>")
		}
		res, err = c.trace(args[0])
	default:
		printUsage(out)
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

// runExecute run <workflow_id> [-input JSON] [-wait 30s]
func runExecute(args []string, c *client) (any, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	input := fs.String("input", "", "execution input as JSON")
	wait := fs.Duration("wait", 0, "wait for the result up to this long")
	if len(args) < 1 {
		return nil, usage("run <workflow_id> [-input JSON] [-wait 30s]")
	}
	workflowID := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if *input != "" {
		if !json.Valid([]byte(*input)) {
			return nil, fmt.Errorf("-input is not valid JSON")
		}
		raw = json.RawMessage(*input)
	}
	started, err := c.execute(workflowID, raw)
	if err != nil || *wait <= 0 {
		return started, err
	}
	id, _ := started["execution_id"].(string)
	res, _, err := c.result(id, *wait)
	return res, err
}

// runSignal signal <execution_id> <correlation_key|node:ID> [payload JSON]
func runSignal(args []string, c *client) (any, error) {
	if len(args) < 2 {
		return nil, usage("signal <execution_id> <correlation_key|node:ID> [payload]")
	}
	sig := map[string]any{}
	if node, ok := strings.CutPrefix(args[1], "node:"); ok {
		sig["node_id"] = node
	} else {
		sig["correlation_key"] = args[1]
	}
	if len(args) > 2 {
		if !json.Valid([]byte(args[2])) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		sig["payload"] = json.RawMessage(args[2])
	}
	return c.signal(args[0], sig)
}

func usage(s string) error {
	return fmt.Errorf("%w: flowrun %s", errUsage, s)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: flowrun <command> [args]")
	fmt.Fprintln(out, "  version                               - 显示版本")
	fmt.Fprintln(out, "  health                                - 健康检查")
	fmt.Fprintln(out, "  workflows                             - 列出已注册工作流")
	fmt.Fprintln(out, "  register <file>                       - 注册工作流定义（YAML/JSON）")
	fmt.Fprintln(out, "  run <workflow_id> [-input J] [-wait D] - 启动执行，可等待结果")
	fmt.Fprintln(out, "  status <execution_id>                 - 执行状态与节点明细")
	fmt.Fprintln(out, "  result <execution_id> [wait]          - 终态结果")
	fmt.Fprintln(out, "  list [status,...]                     - 按状态列出执行")
	fmt.Fprintln(out, "  cancel <execution_id> [reason]        - 请求取消")
	fmt.Fprintln(out, "  signal <execution_id> <key|node:ID> [payload] - 唤醒等待节点")
	fmt.Fprintln(out, "  trace <execution_id>                  - 执行追踪树")
	fmt.Fprintln(out, "环境变量 FLOWRUN_API_URL 指定 API 地址（默认 http://localhost:8080）")
}

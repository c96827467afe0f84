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

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"flowrun/pkg/redaction"
)

// Config 应用配置结构体
type Config struct {
	Engine      EngineConfig              `mapstructure:"engine"`
	Journal     JournalConfig             `mapstructure:"journal"`
	Queue       QueueConfig               `mapstructure:"queue"`
	Worker      WorkerConfig              `mapstructure:"worker"`
	Sandbox     SandboxConfig             `mapstructure:"sandbox"`
	Payload     PayloadConfig             `mapstructure:"payload"`
	ObjectStore ObjectStoreConfig         `mapstructure:"object_store"`
	Secrets     SecretsConfig             `mapstructure:"secrets"`
	Resources   map[string]ResourceConfig `mapstructure:"resources"`
	RateLimits  RateLimitsConfig          `mapstructure:"rate_limits"`
	API         APIConfig                 `mapstructure:"api"`
	Log         LogConfig                 `mapstructure:"log"`
	Monitoring  MonitoringConfig          `mapstructure:"monitoring"`
	Workflows   WorkflowsConfig           `mapstructure:"workflows"`
}

// EngineConfig 引擎门面：看门狗、Wait 扫描、默认预算
type EngineConfig struct {
	WatchdogInterval  string       `mapstructure:"watchdog_interval"`   // 如 "1s"
	WaitSweepInterval string       `mapstructure:"wait_sweep_interval"` // 如 "1s"
	AwaitPollInterval string       `mapstructure:"await_poll_interval"` // AwaitResult 轮询 journal 的间隔
	MinIsolation      string       `mapstructure:"min_isolation"`       // 一方动作的最低隔离级别：none | capability_gated | isolated
	Budget            BudgetConfig `mapstructure:"budget"`
}

// BudgetConfig 执行预算默认值；工作流 settings 与调用方选项可覆盖
type BudgetConfig struct {
	MaxConcurrentNodes int    `mapstructure:"max_concurrent_nodes"`
	MaxTotalRetries    int    `mapstructure:"max_total_retries"`
	MaxWallClock       string `mapstructure:"max_wall_clock"`
	MaxPayloadBytes    int64  `mapstructure:"max_payload_bytes"`
	MaxLoopIterations  int    `mapstructure:"max_loop_iterations"`
}

// JournalConfig 执行日志存储配置（状态 + 条目 + 租约）
type JournalConfig struct {
	Type     string `mapstructure:"type"`      // memory | postgres
	DSN      string `mapstructure:"dsn"`       // Postgres 连接串，type=postgres 时必填
	LeaseTTL string `mapstructure:"lease_ttl"` // 执行租约时长，如 "30s"
	MaxConns int32  `mapstructure:"max_conns"`
}

// QueueConfig 任务队列配置
type QueueConfig struct {
	Type       string `mapstructure:"type"` // memory | redis
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Prefix     string `mapstructure:"prefix"`     // Redis key 前缀
	Visibility string `mapstructure:"visibility"` // 出队后的可见性超时
}

// WorkerConfig Worker 服务配置
type WorkerConfig struct {
	ID                string `mapstructure:"id"`                 // 空则自动生成
	Concurrency       int    `mapstructure:"concurrency"`        // 全局并发许可数
	PollInterval      string `mapstructure:"poll_interval"`      // 队列为空时的轮询间隔
	HeartbeatInterval string `mapstructure:"heartbeat_interval"` // 租约续期间隔
	ReaperInterval    string `mapstructure:"reaper_interval"`
	StaleThreshold    string `mapstructure:"stale_threshold"` // 租约/在途任务多久未续视为失效
	ShutdownTimeout   string `mapstructure:"shutdown_timeout"`
}

// SandboxConfig Isolated 级别的执行边界
type SandboxConfig struct {
	Isolated      string   `mapstructure:"isolated"` // "" | process | remote
	ProcessPath   string   `mapstructure:"process_path"`
	ProcessArgs   []string `mapstructure:"process_args"`
	RemoteURL     string   `mapstructure:"remote_url"`
	RemoteTimeout string   `mapstructure:"remote_timeout"`
}

// PayloadConfig 输出体积超限策略
type PayloadConfig struct {
	Policy string `mapstructure:"policy"` // reject | spill
}

// ObjectStoreConfig 大负载外溢目标
type ObjectStoreConfig struct {
	Type      string `mapstructure:"type"` // memory | file | s3
	Dir       string `mapstructure:"dir"`
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

// SecretsConfig 凭据来源
type SecretsConfig struct {
	Type      string            `mapstructure:"type"` // memory | env | vault
	EnvPrefix string            `mapstructure:"env_prefix"`
	Static    map[string]string `mapstructure:"static"`
	Vault     VaultConfig       `mapstructure:"vault"`
}

// VaultConfig HashiCorp Vault KV v2
type VaultConfig struct {
	Address   string `mapstructure:"address"`
	Token     string `mapstructure:"token"`
	MountPath string `mapstructure:"mount_path"`
	Namespace string `mapstructure:"namespace"`
}

// ResourceConfig 命名共享资源（连接池等），动作经授权后按名取用
type ResourceConfig struct {
	Type     string `mapstructure:"type"` // redis | postgres | http
	Addr     string `mapstructure:"addr"`
	DSN      string `mapstructure:"dsn"`
	BaseURL  string `mapstructure:"base_url"`
	PoolSize int    `mapstructure:"pool_size"`
	Timeout  string `mapstructure:"timeout"`
}

// RateLimitsConfig 按动作类型限流
type RateLimitsConfig struct {
	Actions map[string]ActionRateLimitConfig `mapstructure:"actions"`
}

// ActionRateLimitConfig 单个动作类型的限流配置
type ActionRateLimitConfig struct {
	QPS           float64 `mapstructure:"qps"`
	Burst         int     `mapstructure:"burst"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
}

// APIConfig 控制面 API 配置
type APIConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	EmbeddedWorker bool   `mapstructure:"embedded_worker"` // 为 true 时 API 进程内同时运行 Worker
	// Redaction 对外返回原始日志条目时的脱敏策略
	Redaction redaction.PolicyConfig `mapstructure:"redaction"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// WorkflowsConfig 启动时加载的工作流定义
type WorkflowsConfig struct {
	Dir   string   `mapstructure:"dir"`
	Files []string `mapstructure:"files"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.watchdog_interval", "1s")
	v.SetDefault("engine.wait_sweep_interval", "1s")
	v.SetDefault("engine.await_poll_interval", "200ms")
	v.SetDefault("engine.min_isolation", "none")
	v.SetDefault("engine.budget.max_concurrent_nodes", 4)
	v.SetDefault("engine.budget.max_total_retries", 10)
	v.SetDefault("engine.budget.max_wall_clock", "1h")
	v.SetDefault("engine.budget.max_payload_bytes", 1<<20)
	v.SetDefault("engine.budget.max_loop_iterations", 10000)
	v.SetDefault("journal.type", "memory")
	v.SetDefault("journal.lease_ttl", "30s")
	v.SetDefault("queue.type", "memory")
	v.SetDefault("queue.prefix", "flowrun")
	v.SetDefault("queue.visibility", "30s")
	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.poll_interval", "100ms")
	v.SetDefault("worker.heartbeat_interval", "10s")
	v.SetDefault("worker.reaper_interval", "15s")
	v.SetDefault("worker.stale_threshold", "45s")
	v.SetDefault("worker.shutdown_timeout", "30s")
	v.SetDefault("sandbox.remote_timeout", "30s")
	v.SetDefault("payload.policy", "reject")
	v.SetDefault("object_store.type", "memory")
	v.SetDefault("secrets.type", "memory")
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.tracing.service_name", "flowrun")
}

// Default 返回仅含默认值的配置，测试与无配置文件启动时使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// LoadConfig 加载配置文件；环境变量覆盖（engine.budget.max_total_retries -> ENGINE_BUDGET_MAX_TOTAL_RETRIES）
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv 替换 ${VAR}；变量未设置时保留原文
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return m
	})
}

// replaceEnvVars 替换配置中的环境变量（连接串与密钥）
func replaceEnvVars(config *Config) {
	config.Journal.DSN = expandEnv(config.Journal.DSN)
	config.Queue.Addr = expandEnv(config.Queue.Addr)
	config.Queue.Password = expandEnv(config.Queue.Password)
	config.ObjectStore.Endpoint = expandEnv(config.ObjectStore.Endpoint)
	config.ObjectStore.AccessKey = expandEnv(config.ObjectStore.AccessKey)
	config.ObjectStore.SecretKey = expandEnv(config.ObjectStore.SecretKey)
	config.Secrets.Vault.Address = expandEnv(config.Secrets.Vault.Address)
	config.Secrets.Vault.Token = expandEnv(config.Secrets.Vault.Token)
	config.Sandbox.RemoteURL = expandEnv(config.Sandbox.RemoteURL)
	for k, val := range config.Secrets.Static {
		config.Secrets.Static[k] = expandEnv(val)
	}
	for name, rc := range config.Resources {
		rc.Addr = expandEnv(rc.Addr)
		rc.DSN = expandEnv(rc.DSN)
		rc.BaseURL = expandEnv(rc.BaseURL)
		config.Resources[name] = rc
	}
}

// Duration 解析时长字符串，空或非法时返回 def
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"hyperfleet/internal/agent"
	xerrors "hyperfleet/internal/errors"
	"hyperfleet/internal/policy"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "HYPERFLEET_CONFIG"

// Config 描述了舰队进程启动阶段需要加载的全部配置。
type Config struct {
	RPC       RPCConfig              `yaml:"rpc"`
	Market    MarketConfig           `yaml:"market"`
	Wallet    WalletConfig           `yaml:"wallet"`
	Funding   FundingConfig          `yaml:"funding"`
	Execution ExecutionConfig        `yaml:"execution"`
	Scheduler SchedulerConfig        `yaml:"scheduler"`
	Snapshot  SnapshotConfig         `yaml:"snapshot"`
	Audit     AuditConfig            `yaml:"audit"`
	Alerting  AlertingConfig         `yaml:"alerting"`
	Metrics   MetricsConfig          `yaml:"metrics"`
	Server    ServerConfig           `yaml:"server"`
	Logging   LoggingConfig          `yaml:"logging"`
	Agents    map[string]AgentConfig `yaml:"agents"`
}

// RPCConfig 描述 JSON-RPC 节点。
type RPCConfig struct {
	URL     string        `yaml:"url"`
	ChainID uint64        `yaml:"chain_id"`
	Timeout time.Duration `yaml:"timeout"`
}

// MarketConfig 指定 Hyperdrive 池与其基础代币。
type MarketConfig struct {
	Hyperdrive string `yaml:"hyperdrive"`
	BaseToken  string `yaml:"base_token"`
	Decimals   int32  `yaml:"decimals"`
}

// WalletConfig 控制代理钱包私钥的派生来源。
type WalletConfig struct {
	SeedEnv string `yaml:"seed_env"`
}

// FundingConfig 控制资金钱包与注资流程。
type FundingConfig struct {
	KeyEnv         string        `yaml:"key_env"`
	KeyFile        string        `yaml:"key_file"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RefillFraction string        `yaml:"refill_fraction"`
	ApproveBase    *bool         `yaml:"approve_base"`
	Epoch          string        `yaml:"epoch"`
	Ledger         LedgerConfig  `yaml:"ledger"`
}

// LedgerConfig 选择注资幂等账本的实现。
type LedgerConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// ExecutionConfig 控制交易构造、手续费与回执轮询。
type ExecutionConfig struct {
	TxTimeout           time.Duration `yaml:"tx_timeout"`
	PollInitial         time.Duration `yaml:"poll_initial"`
	PollMaxInterval     time.Duration `yaml:"poll_max_interval"`
	PollJitter          time.Duration `yaml:"poll_jitter"`
	BaseFeeMultiple     float64       `yaml:"base_fee_multiple"`
	PriorityFeeMultiple float64       `yaml:"priority_fee_multiple"`
	FeeBumpPercent      int           `yaml:"fee_bump_percent"`
	GasLimit            uint64        `yaml:"gas_limit"`
	GasMarginPercent    int           `yaml:"gas_margin_percent"`
	MaxResubmissions    int           `yaml:"max_resubmissions"`
	ReadRetries         int           `yaml:"read_retries"`
	WriteRetries        int           `yaml:"write_retries"`
}

// SchedulerConfig 控制代理循环节奏与 RPC 准入限制。
type SchedulerConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	MaxInFlight       int64         `yaml:"max_in_flight"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	RevertBackoff     time.Duration `yaml:"revert_backoff"`
	Duration          time.Duration `yaml:"duration"`
	Seed              uint64        `yaml:"seed"`
	// CrashReportDir 为空时不落盘崩溃报告，只记审计日志与告警。
	CrashReportDir    string        `yaml:"crash_report_dir"`
}

// SnapshotConfig 控制行情快照缓存。
type SnapshotConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	EndpointRetries int           `yaml:"endpoint_retries"`
}

// AuditConfig 描述交易审计记录的输出位置。
type AuditConfig struct {
	JSONLPath   string         `yaml:"jsonl_path"`
	HistorySize int            `yaml:"history_size"`
	MySQL       MySQLConfig    `yaml:"mysql"`
	RabbitMQ    RabbitMQConfig `yaml:"rabbitmq"`
}

// MySQLConfig 描述审计库连接。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RabbitMQConfig 描述审计事件推送目标。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// MetricsConfig 控制 Prometheus 指标。
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// ServerConfig 控制运维状态 API 的监听地址，留空表示不启动。
type ServerConfig struct {
	Address string `yaml:"address"`
	// TokenEnv 指定保存 API 访问令牌（逗号分隔）的环境变量，变量为空时不校验。
	TokenEnv string `yaml:"token_env"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string            `yaml:"level"`
	Format  string            `yaml:"format"`
	Outputs []string          `yaml:"outputs"`
	Audit   AuditLoggerConfig `yaml:"audit"`
}

// AuditLoggerConfig 控制审计日志文件滚动。
type AuditLoggerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AgentConfig 描述单个代理（或一组同构代理）的策略与预算。
type AgentConfig struct {
	PolicyKind     string         `yaml:"policy_kind"`
	PolicyParams   map[string]any `yaml:"policy_parameters"`
	BaseBudget     string         `yaml:"base_budget"`
	ProtocolBudget string         `yaml:"protocol_budget"`
	TickInterval   time.Duration  `yaml:"tick_interval"`
	KeyEnv         string         `yaml:"key_env"`
	Count          int            `yaml:"count"`
}

// Load 负责解析指定路径的 YAML 配置文件，补齐默认值并校验。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse 解析 YAML 内容，补齐默认值并校验。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults() {
	if c.RPC.Timeout <= 0 {
		c.RPC.Timeout = 15 * time.Second
	}
	if c.Market.Decimals <= 0 {
		c.Market.Decimals = agent.DefaultDecimals
	}
	if c.Wallet.SeedEnv == "" {
		c.Wallet.SeedEnv = "HYPERFLEET_AGENT_SEED"
	}

	f := &c.Funding
	if f.KeyEnv == "" {
		f.KeyEnv = "HYPERFLEET_FUNDING_KEY"
	}
	if f.MaxRetries <= 0 {
		f.MaxRetries = 5
	}
	if f.InitialBackoff <= 0 {
		f.InitialBackoff = 200 * time.Millisecond
	}
	if f.MaxBackoff <= 0 {
		f.MaxBackoff = 5 * time.Second
	}
	if f.RefillFraction == "" {
		f.RefillFraction = "0.1"
	}
	if f.ApproveBase == nil {
		approve := true
		f.ApproveBase = &approve
	}
	if f.Ledger.Driver == "" {
		f.Ledger.Driver = "memory"
	}
	if f.Ledger.Redis.KeyPrefix == "" {
		f.Ledger.Redis.KeyPrefix = "hyperfleet:funding"
	}

	e := &c.Execution
	if e.TxTimeout <= 0 {
		e.TxTimeout = 120 * time.Second
	}
	if e.PollInitial <= 0 {
		e.PollInitial = 10 * time.Millisecond
	}
	if e.PollMaxInterval <= 0 {
		e.PollMaxInterval = 2 * time.Second
	}
	if e.PollJitter <= 0 {
		e.PollJitter = 100 * time.Millisecond
	}
	if e.BaseFeeMultiple <= 0 {
		e.BaseFeeMultiple = 2
	}
	if e.PriorityFeeMultiple <= 0 {
		e.PriorityFeeMultiple = 1
	}
	if e.FeeBumpPercent <= 0 {
		e.FeeBumpPercent = 25
	}
	if e.GasMarginPercent <= 0 {
		e.GasMarginPercent = 20
	}
	if e.MaxResubmissions < 0 {
		e.MaxResubmissions = 0
	} else if e.MaxResubmissions == 0 {
		e.MaxResubmissions = 1
	}
	if e.ReadRetries <= 0 {
		e.ReadRetries = 5
	}
	if e.WriteRetries <= 0 {
		e.WriteRetries = 1
	}

	s := &c.Scheduler
	if s.TickInterval <= 0 {
		s.TickInterval = time.Second
	}
	if s.MaxInFlight <= 0 {
		s.MaxInFlight = 8
	}
	if s.RequestsPerSecond <= 0 {
		s.RequestsPerSecond = 20
	}
	if s.Burst <= 0 {
		s.Burst = int(s.MaxInFlight)
	}
	if s.DrainTimeout <= 0 {
		s.DrainTimeout = e.TxTimeout + 30*time.Second
	}
	if s.RevertBackoff <= 0 {
		s.RevertBackoff = 5 * time.Second
	}

	if c.Snapshot.MaxAge <= 0 {
		c.Snapshot.MaxAge = 2 * time.Second
	}
	if c.Snapshot.FetchTimeout <= 0 {
		c.Snapshot.FetchTimeout = 10 * time.Second
	}
	if c.Snapshot.EndpointRetries <= 0 {
		c.Snapshot.EndpointRetries = 3
	}

	if c.Audit.JSONLPath == "" {
		c.Audit.JSONLPath = filepath.Join("data", "transactions.jsonl")
	}
	if c.Audit.HistorySize <= 0 {
		c.Audit.HistorySize = 1000
	}
	if c.Audit.RabbitMQ.RoutingKey == "" {
		c.Audit.RabbitMQ.RoutingKey = "hyperfleet.transactions"
	}
	if c.Alerting.WebhookTimeout <= 0 {
		c.Alerting.WebhookTimeout = 5 * time.Second
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "hyperfleet"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	for id, ac := range c.Agents {
		if ac.PolicyKind == "" {
			ac.PolicyKind = "no_action"
		}
		if ac.TickInterval <= 0 {
			ac.TickInterval = s.TickInterval
		}
		if ac.Count <= 0 {
			ac.Count = 1
		}
		c.Agents[id] = ac
	}
}

// resolvePaths 将相对路径解析为相对配置文件所在目录。
func (c *Config) resolvePaths(baseDir string) {
	if c.Audit.JSONLPath != "" && !filepath.IsAbs(c.Audit.JSONLPath) {
		c.Audit.JSONLPath = filepath.Join(baseDir, c.Audit.JSONLPath)
	}
	if c.Scheduler.CrashReportDir != "" && !filepath.IsAbs(c.Scheduler.CrashReportDir) {
		c.Scheduler.CrashReportDir = filepath.Join(baseDir, c.Scheduler.CrashReportDir)
	}
	if c.Funding.KeyFile != "" && !filepath.IsAbs(c.Funding.KeyFile) {
		c.Funding.KeyFile = filepath.Join(baseDir, c.Funding.KeyFile)
	}
}

// Validate 检查配置是否足以开始调度，失败返回 CONFIGURATION_ERROR。
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.RPC.URL) == "" {
		problems = append(problems, "rpc.url 不能为空")
	}
	if !common.IsHexAddress(c.Market.Hyperdrive) {
		problems = append(problems, "market.hyperdrive 不是合法地址")
	}
	if !common.IsHexAddress(c.Market.BaseToken) {
		problems = append(problems, "market.base_token 不是合法地址")
	}
	if c.Market.Decimals > 36 {
		problems = append(problems, "market.decimals 超出范围")
	}
	switch c.Funding.Ledger.Driver {
	case "memory":
	case "redis":
		if c.Funding.Ledger.Redis.Addr == "" {
			problems = append(problems, "funding.ledger.redis.addr 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的 funding.ledger.driver %q", c.Funding.Ledger.Driver))
	}
	if fraction, err := decimal.NewFromString(c.Funding.RefillFraction); err != nil || fraction.IsNegative() || fraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		problems = append(problems, "funding.refill_fraction 必须位于 [0, 1)")
	}
	if c.Execution.BaseFeeMultiple < 1 {
		problems = append(problems, "execution.base_fee_multiple 不能小于 1")
	}
	if len(c.Agents) == 0 {
		problems = append(problems, "agents 不能为空")
	}
	for _, id := range c.AgentIDs() {
		ac := c.Agents[id]
		if _, err := agent.ParseAmount(ac.BaseBudget, c.Market.Decimals); err != nil {
			problems = append(problems, fmt.Sprintf("agents.%s.base_budget: %v", id, err))
		}
		if _, err := agent.ParseAmount(ac.ProtocolBudget, agent.DefaultDecimals); err != nil {
			problems = append(problems, fmt.Sprintf("agents.%s.protocol_budget: %v", id, err))
		}
		if !slices.Contains(policy.Kinds(), policy.Kind(ac.PolicyKind)) {
			problems = append(problems, fmt.Sprintf("agents.%s.policy_kind 不支持 %q", id, ac.PolicyKind))
		}
	}
	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// AgentIDs 返回排序后的代理配置键，保证派生顺序稳定。
func (c *Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

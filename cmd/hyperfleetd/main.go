package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"hyperfleet/internal/agent"
	"hyperfleet/internal/api"
	"hyperfleet/internal/audit"
	"hyperfleet/internal/auth"
	"hyperfleet/internal/config"
	"hyperfleet/internal/execution"
	"hyperfleet/internal/fleet"
	"hyperfleet/internal/funding"
	"hyperfleet/internal/hyperdrive"
	"hyperfleet/internal/observability/alerting"
	"hyperfleet/internal/observability/metrics"
	"hyperfleet/internal/scheduler"
	"hyperfleet/internal/snapshot"
	"hyperfleet/internal/storage/mysql"
	"hyperfleet/internal/storage/redis"
	"hyperfleet/internal/wallet"
	"hyperfleet/internal/web3/ethereum"
	"hyperfleet/internal/web3/limiter"
	"hyperfleet/pkg/logger"
)

type options struct {
	configPath  string
	envFile     string
	fundOnly    bool
	skipFunding bool
	refill      bool
	duration    time.Duration
}

// main 是舰队守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := parseFlags()
	if err := run(ctx, opts); err != nil {
		log.Fatalf("hyperfleetd 运行失败: %v", err)
	}
}

func parseFlags() options {
	var opts options
	defaultConfig := os.Getenv(config.EnvConfigPath)
	if defaultConfig == "" {
		defaultConfig = filepath.Join("configs", "hyperfleet.yaml")
	}
	pflag.StringVarP(&opts.configPath, "config", "c", defaultConfig, "YAML 配置文件路径")
	pflag.StringVar(&opts.envFile, "env-file", ".env", "启动前加载的 .env 文件，不存在时忽略")
	pflag.BoolVar(&opts.fundOnly, "fund-only", false, "只执行注资，不启动调度")
	pflag.BoolVar(&opts.skipFunding, "skip-funding", false, "跳过注资，直接调度已注资的代理")
	pflag.BoolVar(&opts.refill, "refill", false, "调度前为余额低于阈值的代理补充注资")
	pflag.DurationVar(&opts.duration, "duration", 0, "运行时长，覆盖 scheduler.duration，0 表示直到收到信号")
	pflag.Parse()
	return opts
}

func run(ctx context.Context, opts options) error {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("加载 %s 失败: %w", opts.envFile, err)
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	runID := uuid.NewString()
	log := logger.L().With(slog.String("run_id", runID))

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	// 链客户端：所有代理共享同一准入限制。
	chain, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:    "hyperdrive",
		RPCURL:  cfg.RPC.URL,
		ChainID: cfg.RPC.ChainID,
		Timeout: cfg.RPC.Timeout,
	})
	if err != nil {
		return err
	}
	defer chain.Close()
	client := limiter.New(chain,
		limiter.WithMaxInFlight(cfg.Scheduler.MaxInFlight),
		limiter.WithRate(cfg.Scheduler.RequestsPerSecond, cfg.Scheduler.Burst),
		limiter.WithObserver(m.ObserveRPC))

	market := hyperdrive.Market{
		Hyperdrive: common.HexToAddress(cfg.Market.Hyperdrive),
		BaseToken:  common.HexToAddress(cfg.Market.BaseToken),
	}
	cache := snapshot.NewCache(snapshot.NewChainFetcher(client, market),
		snapshot.WithMaxAge(cfg.Snapshot.MaxAge),
		snapshot.WithFetchTimeout(cfg.Snapshot.FetchTimeout),
		snapshot.WithEndpointRetries(cfg.Snapshot.EndpointRetries),
		snapshot.WithReadRetries(cfg.Execution.ReadRetries),
		snapshot.WithObserver(func(err error) {
			if err != nil {
				m.ObserveSnapshotFailure()
			}
		}))

	sinks, lister, closeSinks, err := buildAudit(ctx, cfg, runID)
	if err != nil {
		return err
	}
	defer closeSinks()
	if m != nil {
		sinks = append(sinks, m)
	}
	recorder := audit.NewMulti(sinks...)

	engine := execution.New(client, market, executionConfig(cfg.Execution),
		execution.WithRecorder(recorder),
		execution.WithInvalidator(cache))

	seed := []byte(os.Getenv(cfg.Wallet.SeedEnv))
	if cfg.Wallet.SeedEnv != "" {
		os.Unsetenv(cfg.Wallet.SeedEnv)
	}
	fl, err := fleet.Build(cfg, fleet.Options{Seed: seed, PolicySeed: cfg.Scheduler.Seed})
	if err != nil {
		return err
	}
	defer fl.Release()
	for _, a := range fl.Agents {
		log.Info("代理就绪",
			slog.String("agent", a.ID),
			slog.String("address", a.Address.Hex()),
			slog.String("policy", a.Spec.PolicyKind),
			slog.String("key_source", string(fl.Sources[a.ID])))
	}

	if !opts.skipFunding {
		if err := fund(ctx, cfg, engine, recorder, fl.Agents, opts.refill); err != nil {
			return err
		}
	} else {
		for _, a := range fl.Agents {
			a.Transition(agent.StatusUnfunded, agent.StatusFunded)
		}
	}
	if opts.fundOnly {
		log.Info("仅注资模式，退出")
		return nil
	}

	dispatcher := alerting.NewFanout(alerting.LogNotifier{})
	if cfg.Alerting.WebhookURL != "" {
		dispatcher = alerting.NewFanout(alerting.LogNotifier{},
			alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.WebhookTimeout))
	}
	dispatcher.OnNotify(func(ev alerting.Event) { m.ObserveAlert(ev.Code) })

	sched := scheduler.New(cache, engine, fl.Policies, scheduler.Config{
		TickInterval:  cfg.Scheduler.TickInterval,
		RevertBackoff: cfg.Scheduler.RevertBackoff,
		DrainTimeout:  cfg.Scheduler.DrainTimeout,
	}, scheduler.WithAlertDispatcher(dispatcher), scheduler.WithMetrics(m), scheduler.WithRunID(runID),
		scheduler.WithCrashReports(cfg.Scheduler.CrashReportDir))

	if cfg.Server.Address != "" {
		guard := auth.FromEnv(cfg.Server.TokenEnv)
		server := api.NewServer(cfg.Server.Address, runID, sched, lister, m,
			api.WithGuard(guard), api.WithMarket(cache), api.WithPending(engine))
		go func() {
			if err := server.Start(ctx); err != nil {
				log.Error("状态 API 退出", slog.Any("error", err))
			}
		}()
	}

	duration := cfg.Scheduler.Duration
	if opts.duration > 0 {
		duration = opts.duration
	}
	summary, err := sched.Run(ctx, fl.Agents, duration)
	log.Info("运行汇总",
		slog.Int64("cycles", summary.Cycles),
		slog.Int64("submitted", summary.Submitted),
		slog.Int64("confirmed", summary.Confirmed),
		slog.Int64("reverted", summary.Reverted),
		slog.Int64("timed_out", summary.TimedOut),
		slog.Any("errored", summary.Errored),
		slog.Bool("halted", summary.Halted))
	return err
}

// buildAudit 组装审计目标：内存历史、JSONL 文件以及可选的 MySQL 与 RabbitMQ。
// 返回的 lister 供状态 API 查询交易。
func buildAudit(ctx context.Context, cfg *config.Config, runID string) ([]audit.Sink, api.TransactionLister, func(), error) {
	history := audit.NewHistory(cfg.Audit.HistorySize)
	if err := history.Restore(cfg.Audit.JSONLPath); err != nil {
		logger.Named("audit").Warn("恢复交易历史失败", slog.Any("error", err))
	}
	jsonl, err := audit.NewJSONLSink(audit.JSONLConfig{Path: cfg.Audit.JSONLPath})
	if err != nil {
		return nil, nil, nil, err
	}
	closers := []func() error{jsonl.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Named("audit").Warn("关闭审计目标失败", slog.Any("error", err))
			}
		}
	}

	sinks := []audit.Sink{history, jsonl}
	var lister api.TransactionLister = history
	if cfg.Audit.MySQL.DSN != "" {
		repo, err := mysql.NewAuditRepository(ctx, mysql.Config{
			DSN:             cfg.Audit.MySQL.DSN,
			MaxOpenConns:    cfg.Audit.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Audit.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.Audit.MySQL.ConnMaxLifetime,
		})
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, repo.Close)
		sinks = append(sinks, repo)
		lister = api.ListerFunc(repo.ListTransactions)
	}
	if cfg.Audit.RabbitMQ.URL != "" {
		mq, err := audit.NewRabbitMQSink(audit.RabbitMQConfig{
			URL:        cfg.Audit.RabbitMQ.URL,
			Exchange:   cfg.Audit.RabbitMQ.Exchange,
			RoutingKey: cfg.Audit.RabbitMQ.RoutingKey,
			RunID:      runID,
		})
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, mq.Close)
		sinks = append(sinks, mq)
	}
	return sinks, lister, closeAll, nil
}

func fund(ctx context.Context, cfg *config.Config, engine *execution.Engine, recorder funding.Recorder, agents []*agent.Agent, refill bool) error {
	funder, err := loadFunder(cfg.Funding)
	if err != nil {
		return err
	}
	defer funder.Release()

	var ledger funding.Ledger
	if cfg.Funding.Ledger.Driver == "redis" {
		rc := cfg.Funding.Ledger.Redis
		l, err := redis.NewLedger(redis.Config{
			Address:   rc.Addr,
			Password:  rc.Password,
			DB:        rc.DB,
			KeyPrefix: rc.KeyPrefix,
			TTL:       rc.TTL,
		})
		if err != nil {
			return err
		}
		defer l.Close()
		ledger = l
	}

	fc, err := fundingConfig(cfg.Funding)
	if err != nil {
		return err
	}
	service := funding.NewService(engine, funder, ledger, fc, funding.WithRecorder(recorder))
	report := service.FundAll(ctx, agents)
	if err := report.Err(); err != nil {
		logger.Named("funding").Error("部分代理注资失败", slog.Any("error", err))
	}
	if refill {
		if err := service.Refill(ctx, agents).Err(); err != nil {
			logger.Named("funding").Error("补充注资失败", slog.Any("error", err))
		}
	}
	return ctx.Err()
}

func loadFunder(cfg config.FundingConfig) (*wallet.Key, error) {
	if cfg.KeyEnv != "" {
		if key, err := wallet.LoadFromEnv(cfg.KeyEnv); err == nil {
			return key, nil
		} else if cfg.KeyFile == "" {
			return nil, err
		}
	}
	return wallet.LoadFromFile(cfg.KeyFile)
}

func fundingConfig(cfg config.FundingConfig) (funding.Config, error) {
	out := funding.DefaultConfig()
	if cfg.MaxRetries > 0 {
		out.MaxRetries = cfg.MaxRetries
	}
	if cfg.InitialBackoff > 0 {
		out.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		out.MaxBackoff = cfg.MaxBackoff
	}
	if cfg.RefillFraction != "" {
		fraction, err := decimal.NewFromString(cfg.RefillFraction)
		if err != nil {
			return out, fmt.Errorf("refill_fraction 无效: %w", err)
		}
		out.RefillFraction = fraction
	}
	if cfg.ApproveBase != nil {
		out.ApproveBase = *cfg.ApproveBase
	}
	if cfg.Epoch != "" {
		out.Epoch = cfg.Epoch
	}
	return out, nil
}

func executionConfig(cfg config.ExecutionConfig) execution.Config {
	return execution.Config{
		TxTimeout:           cfg.TxTimeout,
		PollInitial:         cfg.PollInitial,
		PollMaxInterval:     cfg.PollMaxInterval,
		PollJitter:          cfg.PollJitter,
		BaseFeeMultiple:     cfg.BaseFeeMultiple,
		PriorityFeeMultiple: cfg.PriorityFeeMultiple,
		FeeBumpPercent:      cfg.FeeBumpPercent,
		GasLimit:            cfg.GasLimit,
		GasMarginPercent:    cfg.GasMarginPercent,
		MaxResubmissions:    cfg.MaxResubmissions,
		ReadRetries:         cfg.ReadRetries,
		WriteRetries:        cfg.WriteRetries,
	}
}

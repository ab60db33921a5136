package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hyperfleet/internal/agent"
	xerrors "hyperfleet/internal/errors"
	"hyperfleet/internal/observability/alerting"
	"hyperfleet/internal/observability/metrics"
	"hyperfleet/internal/policy"
	"hyperfleet/internal/snapshot"
	"hyperfleet/pkg/logger"
)

// Snapshots 提供共享行情快照。
type Snapshots interface {
	Get(ctx context.Context) (*snapshot.MarketSnapshot, error)
}

// Executor 定义了调度器所需的交易能力，*execution.Engine 满足该接口。
type Executor interface {
	Submit(ctx context.Context, a *agent.Agent, intent agent.TradeIntent) (*agent.TransactionRecord, error)
	Await(ctx context.Context, rec *agent.TransactionRecord) (*agent.TransactionRecord, error)
	PendingCount() int
}

// Config 控制调度节奏与停机排空。
type Config struct {
	TickInterval  time.Duration
	RevertBackoff time.Duration
	DrainTimeout  time.Duration
}

// DefaultConfig 返回默认调度参数。
func DefaultConfig() Config {
	return Config{
		TickInterval:  time.Second,
		RevertBackoff: 5 * time.Second,
		DrainTimeout:  150 * time.Second,
	}
}

// Summary 汇总一次运行的结果。
type Summary struct {
	RunID     string
	Cycles    int64
	Submitted int64
	Confirmed int64
	Reverted  int64
	TimedOut  int64
	Errored   []string
	Halted    bool
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Scheduler) { s.alerter = dispatcher }
}

// WithMetrics 配置指标上报。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithCrashReports 把代理进入 ERRORED 时的崩溃报告写入 dir。
func WithCrashReports(dir string) Option {
	return func(s *Scheduler) { s.crashDir = dir }
}

// WithRunID 指定运行 ID，默认随机生成。
func WithRunID(id string) Option {
	return func(s *Scheduler) { s.runID = id }
}

// Scheduler 为每个代理运行一个独立循环：快照、决策、提交、等待终态、记录。
// 代理集合由调度器持有，API 通过 Agents 读取。
type Scheduler struct {
	snapshots Snapshots
	exec      Executor
	policies  map[string]policy.Policy
	cfg       Config
	alerter   alerting.Dispatcher
	metrics   *metrics.Metrics
	runID     string
	crashDir  string

	mu     sync.RWMutex
	agents []*agent.Agent

	cycles, submitted, confirmed, reverted, timedOut atomic.Int64
}

// New 构造调度器。policies 以代理 ID 为键。
func New(snapshots Snapshots, exec Executor, policies map[string]policy.Policy, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.RevertBackoff <= 0 {
		cfg.RevertBackoff = def.RevertBackoff
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	s := &Scheduler{snapshots: snapshots, exec: exec, policies: policies, cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	return s
}

// RunID 返回本次运行的标识。
func (s *Scheduler) RunID() string { return s.runID }

// Agents 返回调度中的代理集合。
func (s *Scheduler) Agents() []*agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*agent.Agent(nil), s.agents...)
}

// Run 驱动全部代理直到 ctx 取消、duration 到期或发生全局中止。
// duration 为 0 表示一直运行到取消。取消后不再开始新周期，
// 在途交易在独立的排空上下文中等待终态，最长 DrainTimeout。
// 只有端点不可达会以错误返回；单个代理的失败只影响该代理。
func (s *Scheduler) Run(ctx context.Context, agents []*agent.Agent, duration time.Duration) (Summary, error) {
	s.mu.Lock()
	s.agents = append([]*agent.Agent(nil), agents...)
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if duration > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, duration)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(runCtx)
	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()
	go func() {
		select {
		case <-gctx.Done():
		case <-drainCtx.Done():
			return
		}
		timer := time.NewTimer(s.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.log().Warn("排空超时，放弃等待在途交易", slog.Duration("drain_timeout", s.cfg.DrainTimeout))
			cancelDrain()
		case <-drainCtx.Done():
		}
	}()

	log := s.log()
	log.Info("调度开始", slog.Int("agents", len(agents)), slog.Duration("duration", duration))
	for _, a := range agents {
		if !a.Status().Schedulable() {
			log.Warn("代理不可调度，跳过", slog.String("agent", a.ID), slog.String("status", string(a.Status())))
			continue
		}
		pol, ok := s.policies[a.ID]
		if !ok || pol == nil {
			a.Fail(xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("代理 %s 缺少策略", a.ID)))
			continue
		}
		g.Go(func() error { return s.loop(gctx, drainCtx, a, pol) })
	}
	err := g.Wait()

	summary := s.finish(agents, err)
	if err != nil {
		log.Error("调度中止", slog.Any("error", err))
		s.emitAlert(context.WithoutCancel(ctx), "", err, nil)
		return summary, err
	}
	log.Info("调度结束",
		slog.Int64("cycles", summary.Cycles),
		slog.Int64("submitted", summary.Submitted),
		slog.Int64("confirmed", summary.Confirmed),
		slog.Int64("reverted", summary.Reverted),
		slog.Int("errored", len(summary.Errored)))
	return summary, nil
}

func (s *Scheduler) loop(ctx, drain context.Context, a *agent.Agent, pol policy.Policy) error {
	a.Transition(agent.StatusFunded, agent.StatusActive)
	tick := a.Spec.TickInterval
	if tick <= 0 {
		tick = s.cfg.TickInterval
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		var trace cycleTrace
		wait, err := s.cycle(ctx, drain, a, pol, tick, &trace)
		s.publish()
		if err != nil {
			if xerrors.IsCode(err, xerrors.CodeEndpointUnreachable) {
				return err
			}
			if a.Status() == agent.StatusErrored {
				s.crashed(drain, a, trace, err)
				return nil
			}
		}
		if err := sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// cycle 执行一次决策周期，返回到下一周期前的等待时间。
func (s *Scheduler) cycle(ctx, drain context.Context, a *agent.Agent, pol policy.Policy, tick time.Duration, trace *cycleTrace) (time.Duration, error) {
	s.cycles.Add(1)
	log := s.log().With(slog.String("agent", a.ID))

	snap, err := s.snapshots.Get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		if xerrors.IsCode(err, xerrors.CodeEndpointUnreachable) {
			return 0, err
		}
		log.Warn("获取行情快照失败，跳过本周期", slog.Any("error", err))
		return tick, nil
	}
	trace.snap = snap

	intent := pol.Decide(policy.Input{
		AgentID:  a.ID,
		Snapshot: snap,
		State:    a.State(),
		Budget:   a.Budget(),
	})
	if intent == nil {
		return tick, nil
	}
	trace.intent = intent
	// 停机信号到达后不再提交
	if ctx.Err() != nil {
		return 0, nil
	}

	rec, err := s.exec.Submit(drain, a, *intent)
	if err != nil {
		switch xerrors.CodeOf(err) {
		case xerrors.CodeTxReverted:
			log.Info("预估执行回滚，稍后重试", slog.String("action", string(intent.Action)), slog.Any("error", err))
			return s.cfg.RevertBackoff, nil
		case xerrors.CodeInsufficientFunds, xerrors.CodeKeyReleased, xerrors.CodeConfiguration:
			a.Fail(err)
			return 0, err
		default:
			log.Warn("提交交易失败", slog.String("action", string(intent.Action)), slog.Any("error", err))
			return tick, nil
		}
	}
	s.submitted.Add(1)
	trace.record = rec

	final, err := s.exec.Await(drain, rec)
	if final != nil {
		a.ApplyOutcome(final)
		trace.record = final
	}
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeTxTimeout) {
			s.timedOut.Add(1)
			a.Fail(err)
			return 0, err
		}
		if errors.Is(err, context.Canceled) {
			log.Warn("排空结束时交易仍未终结", slog.String("tx_hash", rec.TxHash))
			return 0, nil
		}
		log.Warn("等待交易终态失败", slog.String("tx_hash", rec.TxHash), slog.Any("error", err))
		return tick, nil
	}

	switch final.Status {
	case agent.TxConfirmed:
		s.confirmed.Add(1)
		log.Debug("交易已确认", slog.String("action", string(intent.Action)), slog.String("tx_hash", final.TxHash))
	case agent.TxReverted:
		s.reverted.Add(1)
		log.Info("交易回滚，由策略在下个周期重新决策",
			slog.String("action", string(intent.Action)),
			slog.String("tx_hash", final.TxHash))
		return s.cfg.RevertBackoff, nil
	}
	return tick, nil
}

func (s *Scheduler) finish(agents []*agent.Agent, err error) Summary {
	summary := Summary{
		RunID:     s.runID,
		Cycles:    s.cycles.Load(),
		Submitted: s.submitted.Load(),
		Confirmed: s.confirmed.Load(),
		Reverted:  s.reverted.Load(),
		TimedOut:  s.timedOut.Load(),
		Halted:    err != nil,
	}
	for _, a := range agents {
		a.Transition(agent.StatusActive, agent.StatusHalted)
		if a.Status() == agent.StatusErrored {
			summary.Errored = append(summary.Errored, a.ID)
		}
	}
	s.publish()
	return summary
}

func (s *Scheduler) publish() {
	if s.metrics == nil {
		return
	}
	counts := make(map[agent.Status]int)
	for _, a := range s.Agents() {
		counts[a.Status()]++
	}
	s.metrics.SetAgentStatuses(counts)
	s.metrics.SetPending(s.exec.PendingCount())
}

// crashed 记录代理退出调度的现场并告警。
func (s *Scheduler) crashed(ctx context.Context, a *agent.Agent, trace cycleTrace, err error) {
	report := s.crashReport(a, trace, err)
	extra := report.AlertMetadata()
	attrs := []any{
		slog.String("run_id", s.runID),
		slog.String("agent", a.ID),
		slog.String("code", string(report.Code)),
		slog.String("error", report.Error),
		slog.Uint64("block", report.BlockNumber),
	}
	if s.crashDir != "" {
		path, werr := writeCrashReport(s.crashDir, report)
		if werr != nil {
			s.log().Warn("写入崩溃报告失败", slog.String("agent", a.ID), slog.Any("error", werr))
		} else {
			extra["crash_report"] = path
			attrs = append(attrs, slog.String("crash_report", path))
		}
	}
	logger.Audit().Warn("代理退出调度", attrs...)
	s.emitAlert(ctx, a.ID, err, extra)
}

func (s *Scheduler) emitAlert(ctx context.Context, agentID string, err error, extra map[string]string) {
	if s.alerter == nil || err == nil {
		return
	}
	event := alerting.FromError(s.runID, agentID, err)
	if len(extra) > 0 {
		if event.Metadata == nil {
			event.Metadata = make(map[string]string, len(extra))
		}
		for k, v := range extra {
			if _, taken := event.Metadata[k]; !taken {
				event.Metadata[k] = v
			}
		}
	}
	if notifyErr := s.alerter.Notify(ctx, event); notifyErr != nil {
		s.log().Warn("发送告警失败", slog.Any("error", notifyErr), slog.String("agent", agentID))
	}
}

func (s *Scheduler) log() *slog.Logger {
	return logger.Named("scheduler").With(slog.String("run_id", s.runID))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package funding 负责把资金钱包中的原生币与基础代币转给代理，使其余额达到预算。
// 每笔转账都以 (epoch, agent, asset) 在账本中登记，重复运行不会重复注资。
package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hyperfleet/internal/agent"
	xerrors "hyperfleet/internal/errors"
	"hyperfleet/internal/execution"
	"hyperfleet/internal/wallet"
	"hyperfleet/pkg/logger"
)

// DefaultEpoch 是首次注资使用的幂等纪元。
const DefaultEpoch = "initial"

// FunderID 是资金钱包在执行引擎与审计记录中的身份。
const FunderID = "funder"

// Executor 是注资服务依赖的执行引擎能力，*execution.Engine 满足该接口。
type Executor interface {
	Balance(ctx context.Context, addr common.Address, asset agent.AssetKind) (*big.Int, error)
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)
	SubmitAs(ctx context.Context, owner string, key *wallet.Key, intent agent.TradeIntent, opts ...execution.SubmitOption) (*agent.TransactionRecord, error)
	Await(ctx context.Context, rec *agent.TransactionRecord) (*agent.TransactionRecord, error)
	Execute(ctx context.Context, owner string, key *wallet.Key, intent agent.TradeIntent, opts ...execution.SubmitOption) (*agent.TransactionRecord, error)
	Locate(ctx context.Context, from common.Address, txHash string, nonce uint64) (execution.Landing, error)
}

// Recorder 接收注资请求的状态变化。
type Recorder interface {
	RecordFunding(ctx context.Context, req agent.FundingRequest) error
}

// Config 控制重试与补充注资。
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RefillFraction 是触发补充注资的余额占预算比例。
	RefillFraction decimal.Decimal
	// ApproveBase 为 true 时在注资后确保代理已授权池合约使用基础代币。
	ApproveBase bool
	Epoch       string
	// ClaimTTL 之内尚未签名的 PENDING 登记视为其他进程正在处理。
	ClaimTTL time.Duration
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		RefillFraction: decimal.NewFromFloat(0.1),
		ApproveBase:    true,
		Epoch:          DefaultEpoch,
		ClaimTTL:       2 * time.Minute,
	}
}

// Outcome 汇总一次注资的结果。
type Outcome struct {
	AgentID  string                 `json:"agent_id"`
	Requests []agent.FundingRequest `json:"requests,omitempty"`
	Approved bool                   `json:"approved"`
	// ApprovalDeferred 表示代理没有原生币支付授权的 gas，授权留到下次注资。
	ApprovalDeferred bool `json:"approval_deferred,omitempty"`
}

// AlreadyFunded 判断本次是否没有产生新的转账。
func (o Outcome) AlreadyFunded() bool {
	return len(o.Requests) == 0
}

// Report 是批量注资的结果，失败按代理隔离。
type Report struct {
	Outcomes []Outcome
	Failed   map[string]error
}

// Err 合并所有失败，全部成功时返回 nil。
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for id, err := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", id, err))
	}
	return errors.Join(errs...)
}

// Service 是注资服务。
type Service struct {
	exec     Executor
	funder   *wallet.Key
	ledger   Ledger
	cfg      Config
	recorder Recorder
	observer func(req agent.FundingRequest)
	now      func() time.Time
	backOff  func() backoff.BackOff
}

// Option 定义可选配置。
type Option func(*Service)

// WithRecorder 设置注资请求的审计接收方。
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithObserver 注册注资请求状态变化的观察者。
func WithObserver(fn func(req agent.FundingRequest)) Option {
	return func(s *Service) { s.observer = fn }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBackOff 替换重试的退避策略。
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(s *Service) {
		if factory != nil {
			s.backOff = factory
		}
	}
}

// NewService 创建注资服务。ledger 为空时使用内存账本。
func NewService(exec Executor, funder *wallet.Key, ledger Ledger, cfg Config, opts ...Option) *Service {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if cfg.Epoch == "" {
		cfg.Epoch = DefaultEpoch
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	s := &Service{exec: exec, funder: funder, ledger: ledger, cfg: cfg, now: time.Now}
	s.backOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		if cfg.InitialBackoff > 0 {
			b.InitialInterval = cfg.InitialBackoff
		}
		if cfg.MaxBackoff > 0 {
			b.MaxInterval = cfg.MaxBackoff
		}
		b.MaxElapsedTime = 0
		return b
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Ledger 返回服务使用的账本。
func (s *Service) Ledger() Ledger { return s.ledger }

// EnsureFunded 使代理两种资产的余额不低于预算。原生币先于基础代币注资，
// 以便代理有 gas 完成后续授权。失败时代理进入 ERRORED 并返回带错误码的错误；
// 上次的转账仍在途时返回可重试的 PENDING_IN_FLIGHT，代理状态不变。
func (s *Service) EnsureFunded(ctx context.Context, a *agent.Agent) (Outcome, error) {
	return s.fund(ctx, a, s.cfg.Epoch, func(_, _ *big.Int) bool { return true })
}

// FundAll 依次为代理注资。资金钱包只有一条 nonce 序列，因此不并发；
// 单个代理失败不会中断其他代理。
func (s *Service) FundAll(ctx context.Context, agents []*agent.Agent) Report {
	return s.each(ctx, agents, s.EnsureFunded)
}

// Refill 为余额跌破 RefillFraction*预算的代理补足预算，使用新的幂等纪元。
func (s *Service) Refill(ctx context.Context, agents []*agent.Agent) Report {
	epoch := "refill-" + uuid.NewString()
	fraction := s.cfg.RefillFraction
	below := func(balance, budget *big.Int) bool {
		threshold := decimal.NewFromBigInt(budget, 0).Mul(fraction)
		return decimal.NewFromBigInt(balance, 0).LessThan(threshold)
	}
	return s.each(ctx, agents, func(ctx context.Context, a *agent.Agent) (Outcome, error) {
		return s.fund(ctx, a, epoch, below)
	})
}

func (s *Service) each(ctx context.Context, agents []*agent.Agent, fn func(context.Context, *agent.Agent) (Outcome, error)) Report {
	report := Report{Failed: make(map[string]error)}
	for _, a := range agents {
		if err := ctx.Err(); err != nil {
			report.Failed[a.ID] = err
			continue
		}
		out, err := fn(ctx, a)
		if err != nil {
			report.Failed[a.ID] = err
			continue
		}
		report.Outcomes = append(report.Outcomes, out)
	}
	return report
}

func (s *Service) fund(ctx context.Context, a *agent.Agent, epoch string, needs func(balance, budget *big.Int) bool) (Outcome, error) {
	out := Outcome{AgentID: a.ID}
	log := s.log().With(slog.String("agent", a.ID), slog.String("epoch", epoch))
	for _, asset := range []agent.AssetKind{agent.AssetProtocol, agent.AssetBase} {
		req, err := s.fundAsset(ctx, a, epoch, asset, needs)
		if xerrors.IsCode(err, xerrors.CodePendingInFlight) {
			// 上次的转账仍在交易池中，代理保持原状态等待下次运行
			log.Warn("注资转账仍在途", slog.String("asset", string(asset)), slog.String("error", err.Error()))
			return out, err
		}
		if err != nil {
			a.Fail(err)
			log.Error("注资失败", slog.String("asset", string(asset)), slog.String("error", err.Error()))
			return out, err
		}
		if req != nil {
			out.Requests = append(out.Requests, *req)
		}
	}
	if s.cfg.ApproveBase {
		approved, deferred, err := s.ensureApproval(ctx, a)
		if err != nil {
			a.Fail(err)
			log.Error("授权失败", slog.String("error", err.Error()))
			return out, err
		}
		out.Approved, out.ApprovalDeferred = approved, deferred
	}
	if a.Status() == agent.StatusUnfunded || a.Status() == agent.StatusErrored {
		a.SetStatus(agent.StatusFunded)
	}
	log.Info("注资完成", slog.Int("transfers", len(out.Requests)),
		slog.Bool("approved", out.Approved), slog.Bool("approval_deferred", out.ApprovalDeferred))
	return out, nil
}

// fundAsset 为单一资产注资，无需注资时返回 (nil, nil)。
func (s *Service) fundAsset(ctx context.Context, a *agent.Agent, epoch string, asset agent.AssetKind, needs func(balance, budget *big.Int) bool) (*agent.FundingRequest, error) {
	budget := a.Budget().For(asset)
	if budget.Sign() == 0 {
		return nil, nil
	}
	balance, err := s.exec.Balance(ctx, a.Address, asset)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(budget) >= 0 || !needs(balance, budget) {
		return nil, nil
	}

	now := s.now()
	req, created, err := s.ledger.Claim(ctx, agent.FundingRequest{
		ID:        uuid.NewString(),
		Epoch:     epoch,
		AgentID:   a.ID,
		Asset:     asset,
		Amount:    new(big.Int).Sub(budget, balance),
		Status:    agent.FundingPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记注资请求失败")
	}
	if !created {
		done, err := s.resume(ctx, &req)
		if err != nil || done {
			return nil, err
		}
		req.Amount = new(big.Int).Sub(budget, balance)
		req.Status = agent.FundingPending
		req.TxHash, req.Nonce = "", 0
		req.ErrorKind, req.Error = "", ""
		req.UpdatedAt = s.now()
		if err := s.ledger.Update(ctx, req); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新注资请求失败")
		}
	}
	s.emit(ctx, req)

	rec, err := s.transfer(ctx, a, &req)
	if rec != nil {
		req.TxHash, req.Nonce = rec.TxHash, rec.Nonce
	}
	if err == nil && rec.Status != agent.TxConfirmed {
		err = xerrors.New(xerrors.CodeInsufficientFunds, fmt.Sprintf("注资转账 %s", rec.Status),
			xerrors.WithMetadata("agent", a.ID),
			xerrors.WithMetadata("asset", string(asset)),
			xerrors.WithMetadata("tx_hash", rec.TxHash))
	}
	if xerrors.IsCode(err, xerrors.CodePendingInFlight) {
		return nil, err
	}
	req.UpdatedAt = s.now()
	if err != nil {
		req.Status = agent.FundingFailed
		req.ErrorKind = string(xerrors.CodeOf(err))
		req.Error = err.Error()
		s.save(ctx, req)
		return &req, err
	}
	req.Status = agent.FundingConfirmed
	s.save(ctx, req)
	return &req, nil
}

// resume 处理同一幂等键下已有的登记。done 为 true 表示无需再转账；
// 返回 false 且无错误时调用方按当前缺口重新转账。只有确认未上链的请求才会重新转账。
func (s *Service) resume(ctx context.Context, req *agent.FundingRequest) (bool, error) {
	switch req.Status {
	case agent.FundingConfirmed:
		// 同一纪元内已经注资过，余额下降来自代理自身的交易
		return true, nil
	case agent.FundingFailed:
		return false, nil
	}
	if req.TxHash == "" {
		if s.now().Sub(req.UpdatedAt) < s.cfg.ClaimTTL {
			return false, s.inFlight(*req, "注资请求已被登记，尚未签名")
		}
		return false, nil
	}
	landing, err := s.settle(ctx, *req)
	if err != nil {
		return false, err
	}
	switch landing {
	case execution.LandingConfirmed:
		req.Status = agent.FundingConfirmed
		req.UpdatedAt = s.now()
		s.save(ctx, *req)
		s.log().Info("上次运行的注资转账已确认", slog.String("agent", req.AgentID), slog.String("tx_hash", req.TxHash))
		return true, nil
	case execution.LandingInFlight:
		return false, s.inFlight(*req, "注资转账仍在交易池中")
	}
	return false, nil
}

// settle 查询已签名转账的去向，仍在交易池中时在重试预算内等待其落定。
func (s *Service) settle(ctx context.Context, req agent.FundingRequest) (execution.Landing, error) {
	var landing execution.Landing
	err := backoff.Retry(func() error {
		var err error
		landing, err = s.exec.Locate(ctx, s.funder.Address(), req.TxHash, req.Nonce)
		if err != nil && !xerrors.RetryableError(err) {
			return backoff.Permanent(err)
		}
		if err == nil && landing == execution.LandingInFlight {
			return errStillInFlight
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(s.backOff(), uint64(s.cfg.MaxRetries)), ctx))
	if errors.Is(err, errStillInFlight) {
		return execution.LandingInFlight, nil
	}
	return landing, err
}

var errStillInFlight = errors.New("transfer still in mempool")

func (s *Service) inFlight(req agent.FundingRequest, msg string) error {
	return xerrors.New(xerrors.CodePendingInFlight, msg,
		xerrors.WithRetryable(true),
		xerrors.WithMetadata("agent", req.AgentID),
		xerrors.WithMetadata("asset", string(req.Asset)),
		xerrors.WithMetadata("tx_hash", req.TxHash))
}

// transfer 从资金钱包转出。交易签名后先把哈希写入账本再广播；广播结果未知时
// 先按哈希与 nonce 查明去向，只有确认未上链才重新构造转账。
func (s *Service) transfer(ctx context.Context, a *agent.Agent, req *agent.FundingRequest) (*agent.TransactionRecord, error) {
	recipient := a.Address
	intent := agent.TradeIntent{AgentID: a.ID, Action: agent.ActionTransferNative, Amount: req.Amount, Recipient: &recipient}
	if req.Asset == agent.AssetBase {
		intent.Action = agent.ActionTransferBase
	}
	persist := execution.OnSigned(func(txHash string, nonce uint64) error {
		signed := *req
		signed.TxHash, signed.Nonce, signed.UpdatedAt = txHash, nonce, s.now()
		if err := s.ledger.Update(ctx, signed); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录注资交易哈希失败")
		}
		*req = signed
		return nil
	})

	var rec *agent.TransactionRecord
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		req.TxHash, req.Nonce = "", 0
		submitted, err := s.exec.SubmitAs(ctx, FunderID, s.funder, intent, persist)
		if err != nil && req.TxHash != "" && xerrors.RetryableError(err) && !xerrors.IsCode(err, xerrors.CodeNonceConflict) {
			landing, lerr := s.settle(ctx, *req)
			switch {
			case lerr != nil:
				return backoff.Permanent(lerr)
			case landing == execution.LandingConfirmed || landing == execution.LandingReverted:
				rec = s.located(a, intent, *req, landing)
				return nil
			case landing == execution.LandingInFlight:
				return backoff.Permanent(s.inFlight(*req, "注资转账广播结果未知，仍在交易池中"))
			}
		}
		if err == nil {
			rec, err = s.exec.Await(ctx, submitted)
		}
		if err == nil {
			return nil
		}
		if !xerrors.RetryableError(err) {
			return backoff.Permanent(err)
		}
		s.log().Warn("注资转账失败，稍后重试",
			slog.String("agent", a.ID), slog.String("asset", string(req.Asset)),
			slog.Int("attempt", attempt), slog.String("error", err.Error()))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(s.backOff(), uint64(s.cfg.MaxRetries)), ctx))
	if err != nil && xerrors.CodeOf(err) == xerrors.CodeTxReverted {
		err = xerrors.Wrap(xerrors.CodeInsufficientFunds, err, "资金钱包余额不足")
	}
	return rec, err
}

// located 为广播结果未知但已查明上链的转账补一条记录。
func (s *Service) located(a *agent.Agent, intent agent.TradeIntent, req agent.FundingRequest, landing execution.Landing) *agent.TransactionRecord {
	status := agent.TxConfirmed
	if landing == execution.LandingReverted {
		status = agent.TxReverted
	}
	s.log().Warn("广播响应丢失，转账已上链",
		slog.String("agent", a.ID), slog.String("tx_hash", req.TxHash), slog.String("status", string(status)))
	return &agent.TransactionRecord{
		AgentID:    FunderID,
		From:       s.funder.Address().Hex(),
		Intent:     intent,
		TxHash:     req.TxHash,
		Nonce:      req.Nonce,
		Status:     status,
		Attempt:    1,
		ResolvedAt: s.now(),
	}
}

// ensureApproval 确保代理对池合约的基础代币授权不低于预算。代理没有原生币
// 支付 gas 时推迟授权，deferred 为 true，下次注资或补充注资时再尝试。
func (s *Service) ensureApproval(ctx context.Context, a *agent.Agent) (approved, deferred bool, err error) {
	budget := a.Budget().For(agent.AssetBase)
	if budget.Sign() == 0 {
		return false, false, nil
	}
	allowance, err := s.exec.Allowance(ctx, a.Address)
	if err != nil {
		return false, false, err
	}
	if allowance.Cmp(budget) >= 0 {
		return false, false, nil
	}
	native, err := s.exec.Balance(ctx, a.Address, agent.AssetProtocol)
	if err != nil {
		return false, false, err
	}
	if native.Sign() == 0 {
		s.deferApproval(a, "代理没有原生币支付授权 gas")
		return false, true, nil
	}
	rec, err := s.exec.Execute(ctx, a.ID, a.Key, agent.TradeIntent{AgentID: a.ID, Action: agent.ActionApproveBase})
	if xerrors.CodeOf(err) == xerrors.CodeInsufficientFunds {
		s.deferApproval(a, err.Error())
		return false, true, nil
	}
	if err != nil {
		return false, false, err
	}
	if rec.Status != agent.TxConfirmed {
		return false, false, xerrors.New(xerrors.CodeTxReverted, "授权交易未成功",
			xerrors.WithMetadata("agent", a.ID), xerrors.WithMetadata("tx_hash", rec.TxHash))
	}
	return true, false, nil
}

func (s *Service) deferApproval(a *agent.Agent, reason string) {
	s.log().Warn("推迟基础代币授权",
		slog.String("agent", a.ID),
		slog.String("budget_base", a.Budget().For(agent.AssetBase).String()),
		slog.String("reason", reason))
}

func (s *Service) save(ctx context.Context, req agent.FundingRequest) {
	if err := s.ledger.Update(context.WithoutCancel(ctx), req); err != nil {
		s.log().Error("更新注资账本失败", slog.String("agent", req.AgentID), slog.String("error", err.Error()))
	}
	s.emit(ctx, req)
}

func (s *Service) emit(ctx context.Context, req agent.FundingRequest) {
	if s.recorder != nil {
		if err := s.recorder.RecordFunding(context.WithoutCancel(ctx), req); err != nil {
			s.log().Error("写入注资审计失败", slog.String("agent", req.AgentID), slog.String("error", err.Error()))
		}
	}
	if s.observer != nil {
		s.observer(req)
	}
}

func (s *Service) log() *slog.Logger {
	return logger.Named("funding")
}

package agent

import (
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"hyperfleet/internal/wallet"
)

// Status 表示代理在生命周期中的状态。
type Status string

const (
	StatusUnfunded Status = "UNFUNDED"
	StatusFunded   Status = "FUNDED"
	StatusActive   Status = "ACTIVE"
	StatusHalted   Status = "HALTED"
	StatusErrored  Status = "ERRORED"
)

// Schedulable 判断该状态的代理是否可以进入调度循环。
func (s Status) Schedulable() bool {
	return s == StatusFunded || s == StatusActive
}

// Spec 是单个代理的静态配置。
type Spec struct {
	ID           string         `json:"id"`
	PolicyKind   string         `json:"policy_kind"`
	PolicyParams map[string]any `json:"policy_parameters,omitempty"`
	Budget       Budget         `json:"budget"`
	TickInterval time.Duration  `json:"tick_interval"`
}

// Agent 是调度器持有的代理记录。私钥句柄由代理独占，
// 状态与持仓通过互斥锁保护，供 API 并发读取。
type Agent struct {
	ID      string
	Key     *wallet.Key
	Address common.Address
	Spec    Spec

	mu        sync.RWMutex
	status    Status
	state     State
	lastError string
	updatedAt time.Time
}

// New 创建一个未注资的代理。
func New(spec Spec, key *wallet.Key) *Agent {
	a := &Agent{ID: spec.ID, Key: key, Spec: spec, status: StatusUnfunded, updatedAt: time.Now()}
	if key != nil {
		a.Address = key.Address()
	}
	return a
}

// Budget 返回代理的预算。
func (a *Agent) Budget() Budget {
	return a.Spec.Budget
}

// Status 返回当前状态。
func (a *Agent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// SetStatus 无条件设置状态。
func (a *Agent) SetStatus(status Status) {
	a.mu.Lock()
	a.status = status
	a.updatedAt = time.Now()
	a.mu.Unlock()
}

// Transition 仅当当前状态为 from 时迁移到 to。
func (a *Agent) Transition(from, to Status) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != from {
		return false
	}
	a.status = to
	a.updatedAt = time.Now()
	return true
}

// Fail 将代理标记为 ERRORED 并记录原因。
func (a *Agent) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = StatusErrored
	if err != nil {
		a.lastError = err.Error()
	}
	a.updatedAt = time.Now()
}

// LastError 返回最近一次致命错误的描述。
func (a *Agent) LastError() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastError
}

// State 返回运行状态的深拷贝，策略只能看到这份拷贝。
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Clone()
}

// ApplyOutcome 将终态交易记录折算进运行状态。
func (a *Agent) ApplyOutcome(rec *TransactionRecord) {
	if rec == nil || !rec.Status.Terminal() {
		return
	}
	a.mu.Lock()
	a.state.apply(rec)
	a.updatedAt = time.Now()
	a.mu.Unlock()
}

// View 是代理的只读视图，用于 API 与日志。
type View struct {
	ID         string    `json:"id"`
	Address    string    `json:"address"`
	PolicyKind string    `json:"policy_kind"`
	Status     Status    `json:"status"`
	Trades     int       `json:"trades"`
	Positions  int       `json:"open_positions"`
	SpentBase  string    `json:"spent_base"`
	LPShares   string    `json:"lp_shares"`
	LastResult TxStatus  `json:"last_result,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// View 生成当前快照视图。
func (a *Agent) View() View {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return View{
		ID:         a.ID,
		Address:    a.Address.Hex(),
		PolicyKind: a.Spec.PolicyKind,
		Status:     a.status,
		Trades:     a.state.Trades,
		Positions:  len(a.state.Positions),
		SpentBase:  bigString(a.state.SpentBase),
		LPShares:   bigString(a.state.LPShares),
		LastResult: a.state.LastOutcome,
		LastError:  a.lastError,
		UpdatedAt:  a.updatedAt,
	}
}

// State 是代理在运行期间累积的持仓与节奏信息。
type State struct {
	Positions       []Position `json:"positions"`
	LPShares        *big.Int   `json:"lp_shares,omitempty"`
	SpentBase       *big.Int   `json:"spent_base,omitempty"`
	LastActionBlock uint64     `json:"last_action_block"`
	LastCheckpoint  *big.Int   `json:"last_checkpoint,omitempty"`
	Trades          int        `json:"trades"`
	LastOutcome     TxStatus   `json:"last_outcome,omitempty"`
}

// Clone 深拷贝状态。
func (s State) Clone() State {
	cp := State{
		LPShares:        cloneBig(s.LPShares),
		SpentBase:       cloneBig(s.SpentBase),
		LastActionBlock: s.LastActionBlock,
		LastCheckpoint:  cloneBig(s.LastCheckpoint),
		Trades:          s.Trades,
		LastOutcome:     s.LastOutcome,
	}
	if len(s.Positions) > 0 {
		cp.Positions = make([]Position, len(s.Positions))
		for i, p := range s.Positions {
			cp.Positions[i] = Position{
				Kind:         p.Kind,
				MaturityTime: cloneBig(p.MaturityTime),
				Bonds:        cloneBig(p.Bonds),
				Cost:         cloneBig(p.Cost),
				OpenedBlock:  p.OpenedBlock,
			}
		}
	}
	return cp
}

// RemainingBase 返回预算中尚未投入的基础代币数量。
func (s State) RemainingBase(budget Budget) *big.Int {
	remaining := budget.For(AssetBase)
	if s.SpentBase != nil {
		remaining.Sub(remaining, s.SpentBase)
	}
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return remaining
}

// Oldest 返回最早开仓的指定类型头寸。
func (s State) Oldest(kind PositionKind) (Position, bool) {
	for _, p := range s.Positions {
		if p.Kind == kind {
			return p, true
		}
	}
	return Position{}, false
}

// HasOpen 判断是否持有指定类型的头寸。
func (s State) HasOpen(kind PositionKind) bool {
	_, ok := s.Oldest(kind)
	return ok
}

func (s *State) apply(rec *TransactionRecord) {
	s.LastOutcome = rec.Status
	if rec.BlockNumber > 0 {
		s.LastActionBlock = rec.BlockNumber
	}
	if rec.Status != TxConfirmed {
		return
	}
	s.Trades++
	intent := rec.Intent
	switch intent.Action {
	case ActionOpenLong, ActionOpenShort:
		pos := openedPosition(rec)
		s.Positions = append(s.Positions, pos)
		s.SpentBase = addBig(s.SpentBase, pos.Cost)
	case ActionCloseLong:
		s.close(PositionLong, intent.MaturityTime, intent.Amount)
	case ActionCloseShort:
		s.close(PositionShort, intent.MaturityTime, intent.Amount)
	case ActionAddLiquidity:
		s.LPShares = addBig(s.LPShares, intent.Amount)
		s.SpentBase = addBig(s.SpentBase, intent.Amount)
	case ActionRemoveLiquidity:
		s.LPShares = subFloor(s.LPShares, intent.Amount)
		s.SpentBase = subFloor(s.SpentBase, intent.Amount)
	case ActionCheckpoint:
		s.LastCheckpoint = cloneBig(intent.CheckpointTime)
	}
}

func openedPosition(rec *TransactionRecord) Position {
	if rec.Position != nil {
		return *rec.Position
	}
	intent := rec.Intent
	pos := Position{MaturityTime: cloneBig(intent.MaturityTime), OpenedBlock: rec.BlockNumber}
	if intent.Action == ActionOpenLong {
		pos.Kind = PositionLong
		pos.Cost = cloneBig(intent.Amount)
		pos.Bonds = cloneBig(intent.Amount)
	} else {
		pos.Kind = PositionShort
		pos.Bonds = cloneBig(intent.Amount)
		pos.Cost = cloneBig(intent.MaxDeposit)
	}
	return pos
}

// close 按债券数量平掉匹配到期时间的头寸，按比例释放已投入成本。
func (s *State) close(kind PositionKind, maturity, bonds *big.Int) {
	idx := slices.IndexFunc(s.Positions, func(p Position) bool {
		return p.Kind == kind && (maturity == nil || (p.MaturityTime != nil && p.MaturityTime.Cmp(maturity) == 0))
	})
	if idx < 0 {
		return
	}
	pos := s.Positions[idx]
	if bonds == nil || pos.Bonds == nil || bonds.Cmp(pos.Bonds) >= 0 {
		s.SpentBase = subFloor(s.SpentBase, pos.Cost)
		s.Positions = slices.Delete(s.Positions, idx, idx+1)
		return
	}
	released := new(big.Int)
	if pos.Cost != nil && pos.Bonds.Sign() > 0 {
		released.Mul(pos.Cost, bonds)
		released.Quo(released, pos.Bonds)
	}
	s.SpentBase = subFloor(s.SpentBase, released)
	pos.Bonds = new(big.Int).Sub(pos.Bonds, bonds)
	pos.Cost = subFloor(pos.Cost, released)
	s.Positions[idx] = pos
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func addBig(a, b *big.Int) *big.Int {
	out := new(big.Int)
	if a != nil {
		out.Set(a)
	}
	if b != nil {
		out.Add(out, b)
	}
	return out
}

func subFloor(a, b *big.Int) *big.Int {
	out := new(big.Int)
	if a != nil {
		out.Set(a)
	}
	if b != nil {
		out.Sub(out, b)
	}
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

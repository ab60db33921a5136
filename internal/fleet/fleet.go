// Package fleet 根据配置构建代理集合：解析预算、准备私钥句柄并实例化策略。
package fleet

import (
	"fmt"
	"log/slog"
	"strings"

	"hyperfleet/internal/agent"
	"hyperfleet/internal/config"
	xerrors "hyperfleet/internal/errors"
	"hyperfleet/internal/policy"
	"hyperfleet/internal/wallet"
	"hyperfleet/pkg/logger"
)

// KeySource 表示代理私钥的来源。
type KeySource string

// 私钥来源
const (
	KeyFromEnv   KeySource = "env"
	KeyDerived   KeySource = "derived"
	KeyGenerated KeySource = "generated"
)

// Options 是构建舰队所需的运行期参数。
type Options struct {
	// Seed 非空时按代理 ID 确定性派生私钥。
	Seed []byte
	// PolicySeed 供随机策略使用。
	PolicySeed uint64
}

// Fleet 持有代理、对应策略以及全部私钥句柄。
type Fleet struct {
	Agents   []*agent.Agent
	Policies map[string]policy.Policy
	Sources  map[string]KeySource
	keys     *wallet.Keyring
}

// Release 释放全部私钥句柄。
func (f *Fleet) Release() {
	if f == nil || f.keys == nil {
		return
	}
	f.keys.ReleaseAll()
}

// Get 按 ID 查找代理。
func (f *Fleet) Get(id string) (*agent.Agent, bool) {
	for _, a := range f.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// Build 展开 count 大于 1 的配置项并构建每个代理，任一代理失败时整体失败，
// 已创建的句柄会被释放。
func Build(cfg *config.Config, opts Options) (*Fleet, error) {
	f := &Fleet{
		Policies: make(map[string]policy.Policy),
		Sources:  make(map[string]KeySource),
		keys:     &wallet.Keyring{},
	}
	var problems []string
	for _, name := range cfg.AgentIDs() {
		ac := cfg.Agents[name]
		base, err := agent.ParseAmount(ac.BaseBudget, cfg.Market.Decimals)
		if err != nil {
			problems = append(problems, fmt.Sprintf("agents.%s.base_budget: %v", name, err))
			continue
		}
		protocol, err := agent.ParseAmount(ac.ProtocolBudget, agent.DefaultDecimals)
		if err != nil {
			problems = append(problems, fmt.Sprintf("agents.%s.protocol_budget: %v", name, err))
			continue
		}
		if ac.Count > 1 && ac.KeyEnv != "" {
			problems = append(problems, fmt.Sprintf("agents.%s: key_env 不能与 count > 1 同时使用", name))
			continue
		}
		for _, id := range expand(name, ac.Count) {
			pol, err := policy.New(ac.PolicyKind, ac.PolicyParams, policy.Options{Decimals: cfg.Market.Decimals, Seed: opts.PolicySeed})
			if err != nil {
				problems = append(problems, fmt.Sprintf("agents.%s: %v", id, err))
				continue
			}
			key, source, err := loadKey(id, ac.KeyEnv, opts.Seed)
			if err != nil {
				problems = append(problems, fmt.Sprintf("agents.%s: %v", id, err))
				continue
			}
			f.keys.Track(key)
			a := agent.New(agent.Spec{
				ID:           id,
				PolicyKind:   string(pol.Kind()),
				PolicyParams: ac.PolicyParams,
				Budget:       agent.Budget{Base: base, Protocol: protocol},
				TickInterval: ac.TickInterval,
			}, key)
			f.Agents = append(f.Agents, a)
			f.Policies[id] = pol
			f.Sources[id] = source
		}
	}
	if len(problems) > 0 {
		f.Release()
		return nil, xerrors.New(xerrors.CodeConfiguration, strings.Join(problems, "; "))
	}
	log := logger.Named("fleet")
	for _, a := range f.Agents {
		log.Info("代理就绪",
			slog.String("agent", a.ID),
			slog.String("address", a.Address.Hex()),
			slog.String("policy", a.Spec.PolicyKind),
			slog.String("key_source", string(f.Sources[a.ID])))
	}
	return f, nil
}

func expand(name string, count int) []string {
	if count <= 1 {
		return []string{name}
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", name, i+1)
	}
	return ids
}

func loadKey(id, env string, seed []byte) (*wallet.Key, KeySource, error) {
	switch {
	case env != "":
		key, err := wallet.LoadFromEnv(env)
		return key, KeyFromEnv, err
	case len(seed) > 0:
		key, err := wallet.Derive(seed, id)
		return key, KeyDerived, err
	default:
		key, err := wallet.Generate()
		return key, KeyGenerated, err
	}
}

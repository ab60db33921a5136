// Package auth 为运维状态 API 提供静态 Bearer 令牌校验与访问审计。
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"os"
	"strings"

	"hyperfleet/pkg/logger"
)

var (
	// ErrMissingToken 表示请求未携带令牌。
	ErrMissingToken = errors.New("缺少访问令牌")
	// ErrInvalidToken 表示令牌不在允许列表中。
	ErrInvalidToken = errors.New("访问令牌无效")
)

// Guard 持有允许访问的令牌摘要。没有令牌时校验关闭。
type Guard struct {
	digests [][sha256.Size]byte
	audit   *slog.Logger
}

// NewGuard 以令牌列表构造校验器，空白项会被忽略。
func NewGuard(tokens ...string) *Guard {
	g := &Guard{audit: logger.Audit()}
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		g.digests = append(g.digests, sha256.Sum256([]byte(token)))
	}
	return g
}

// FromEnv 读取逗号分隔的令牌列表，读取后清除该环境变量。
func FromEnv(name string) *Guard {
	if name == "" {
		return NewGuard()
	}
	raw := os.Getenv(name)
	os.Unsetenv(name)
	return NewGuard(strings.Split(raw, ",")...)
}

// Enabled 报告是否配置了令牌。
func (g *Guard) Enabled() bool {
	return g != nil && len(g.digests) > 0
}

// Authenticate 校验 Authorization 头。
func (g *Guard) Authenticate(header string) error {
	if !g.Enabled() {
		return nil
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	match := 0
	for _, d := range g.digests {
		match |= subtle.ConstantTimeCompare(digest[:], d[:])
	}
	if match != 1 {
		return ErrInvalidToken
	}
	return nil
}

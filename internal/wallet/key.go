// Package wallet 管理代理与资金钱包的私钥句柄。私钥只保存在进程内存中，
// 任何格式化、日志或序列化路径都只会输出脱敏占位符，Release 后句柄不可再签名。
package wallet

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "hyperfleet/internal/errors"
)

const redacted = "[REDACTED]"

// Key 是私钥的受控句柄。
type Key struct {
	mu      sync.RWMutex
	private *ecdsa.PrivateKey
	address common.Address
}

func newKey(private *ecdsa.PrivateKey) *Key {
	return &Key{private: private, address: crypto.PubkeyToAddress(private.PublicKey)}
}

// ParseHex 从十六进制字符串解析私钥，允许带 0x 前缀。
func ParseHex(value string) (*Key, error) {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	private, err := crypto.HexToECDSA(value)
	if err != nil {
		// 不把原始输入带进错误信息
		return nil, xerrors.New(xerrors.CodeConfiguration, "私钥格式不合法")
	}
	return newKey(private), nil
}

// LoadFromEnv 读取环境变量中的私钥，读取后立即清除该变量。
func LoadFromEnv(name string) (*Key, error) {
	value, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(value) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("环境变量 %s 未设置私钥", name))
	}
	key, err := ParseHex(value)
	_ = os.Unsetenv(name)
	return key, err
}

// LoadFromFile 读取单行十六进制私钥文件。
func LoadFromFile(path string) (*Key, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取私钥文件失败")
	}
	defer clear(content)
	return ParseHex(string(content))
}

// Generate 生成一个随机私钥。
func Generate() (*Key, error) {
	private, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return newKey(private), nil
}

// Derive 由种子与代理 ID 确定性地派生私钥：keccak256(seed || id || counter)，
// 落在曲线阶之外时递增 counter 重试。
func Derive(seed []byte, agentID string) (*Key, error) {
	if len(seed) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "派生种子为空")
	}
	var counter [4]byte
	for i := uint32(0); i < 16; i++ {
		binary.BigEndian.PutUint32(counter[:], i)
		digest := crypto.Keccak256(seed, []byte(agentID), counter[:])
		private, err := crypto.ToECDSA(digest)
		clear(digest)
		if err == nil {
			return newKey(private), nil
		}
	}
	return nil, fmt.Errorf("无法为 %s 派生私钥", agentID)
}

// Address 返回私钥对应的账户地址，Release 之后仍然可用。
func (k *Key) Address() common.Address {
	return k.address
}

// SignTx 使用私钥签名交易。
func (k *Key) SignTx(tx *types.Transaction, signer types.Signer) (*types.Transaction, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.private == nil {
		return nil, xerrors.New(xerrors.CodeKeyReleased, "", xerrors.WithMetadata("address", k.address.Hex()))
	}
	return types.SignTx(tx, signer, k.private)
}

// Release 清零私钥标量并丢弃引用，可重复调用。
func (k *Key) Release() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.private == nil {
		return
	}
	words := k.private.D.Bits()
	clear(words)
	k.private.D.SetInt64(0)
	k.private = nil
}

// Released 判断句柄是否已经释放。
func (k *Key) Released() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.private == nil
}

func (k *Key) String() string {
	return fmt.Sprintf("wallet.Key{address: %s, private: %s}", k.address.Hex(), redacted)
}

// GoString 覆盖 %#v 输出。
func (k *Key) GoString() string { return k.String() }

// Format 让 %v %+v %s 等所有动词都走脱敏输出。
func (k *Key) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(k.String()))
}

// LogValue 实现 slog.LogValuer。
func (k *Key) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("address", k.address.Hex()),
		slog.String("private", redacted),
	)
}

// MarshalJSON 只序列化地址。
func (k *Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"address": k.address.Hex(), "private": redacted})
}

// Keyring 收集进程内创建的私钥句柄，在退出时统一释放。
type Keyring struct {
	mu   sync.Mutex
	keys []*Key
}

// Track 登记句柄并原样返回，方便链式调用。
func (r *Keyring) Track(k *Key) *Key {
	if k == nil {
		return nil
	}
	r.mu.Lock()
	r.keys = append(r.keys, k)
	r.mu.Unlock()
	return k
}

// Len 返回已登记的句柄数量。
func (r *Keyring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// ReleaseAll 释放全部已登记的句柄。
func (r *Keyring) ReleaseAll() {
	r.mu.Lock()
	keys := r.keys
	r.keys = nil
	r.mu.Unlock()
	for _, k := range keys {
		k.Release()
	}
}

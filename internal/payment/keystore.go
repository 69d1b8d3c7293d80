package payment

import (
	"context"
	"crypto/ecdsa"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "IntelMarket-Chain/internal/errors"
)

// KeyStore 对签名载荷出具签名。
type KeyStore interface {
	Address() common.Address
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// ECDSAKeyStore 使用 secp256k1 私钥签名 EIP-191 文本消息。
type ECDSAKeyStore struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewECDSAKeyStore 使用已有私钥构造 KeyStore。
func NewECDSAKeyStore(key *ecdsa.PrivateKey) *ECDSAKeyStore {
	return &ECDSAKeyStore{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// ParseECDSAKeyStore 从十六进制私钥构造 KeyStore。
func ParseECDSAKeyStore(hexKey string) (*ECDSAKeyStore, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, xerrors.New(CodeSigningKeyMissing, "签名私钥为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(CodeSigningKeyMissing, err, "解析签名私钥失败")
	}
	return NewECDSAKeyStore(key), nil
}

// LoadKeyStoreFromEnv 从环境变量读取私钥。
func LoadKeyStoreFromEnv(name string) (*ECDSAKeyStore, error) {
	value, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(value) == "" {
		return nil, xerrors.New(CodeSigningKeyMissing, "环境变量 "+name+" 未设置签名私钥")
	}
	return ParseECDSAKeyStore(value)
}

// Address 返回签名地址。
func (k *ECDSAKeyStore) Address() common.Address { return k.address }

// Sign 实现 KeyStore。
func (k *ECDSAKeyStore) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return crypto.Sign(accounts.TextHash(payload), k.key)
}

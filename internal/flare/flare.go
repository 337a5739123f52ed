// Package flare submits and reads transactions on a Flare EVM chain. It owns
// key handling, nonce allocation, EIP-1559 fee policy and receipt waiting for
// the attestation workflow's single submitter account.
package flare

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidConfig     = errors.New("flare: invalid config")
	ErrInvalidPrivateKey = errors.New("flare: invalid private key")
)

// Backend is the EVM node surface the package needs. *ethclient.Client
// satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Signer signs transactions for one account. Production deployments may back
// this with a KMS; LocalSigner covers CLIs and tests.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) (*LocalSigner, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", ErrInvalidPrivateKey)
	}
	return &LocalSigner{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (s *LocalSigner) Address() common.Address { return s.addr }

func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s == nil || s.key == nil || tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: bad sign arguments", ErrInvalidConfig)
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// ParsePrivateKeyHex parses a 32-byte secp256k1 private key from hex with an
// optional 0x prefix. The error never echoes key material.
func ParsePrivateKeyHex(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if s == "" {
		return nil, ErrInvalidPrivateKey
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	return key, nil
}

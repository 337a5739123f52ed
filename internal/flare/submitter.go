package flare

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrTxReverted = errors.New("flare: transaction reverted")

type SubmitterConfig struct {
	ChainID *big.Int

	// GasLimitMultiplier pads the node's gas estimate; values <= 1 keep the
	// raw estimate.
	GasLimitMultiplier float64
	MinTipCap          *big.Int

	ReceiptPollInterval time.Duration

	// Replacement policy. MaxReplacements 0 disables fee-bumped resends.
	ReplaceAfter       time.Duration
	MaxReplacements    int
	ReplacementPercent int
	MinReplacementBump *big.Int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// TxRequest describes one contract call. Value carries the attestation fee
// for payable methods.
type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // 0 means estimate
}

type SendResult struct {
	From         common.Address
	Nonce        uint64
	TxHash       common.Hash
	Receipt      *types.Receipt
	Replacements int
}

// Submitter signs, sends and waits for one transaction at a time against a
// single account.
type Submitter struct {
	backend Backend
	signer  Signer
	cfg     SubmitterConfig
	nonces  *NonceManager
}

func NewSubmitter(backend Backend, signer Signer, cfg SubmitterConfig) (*Submitter, error) {
	if backend == nil || signer == nil {
		return nil, fmt.Errorf("%w: nil backend or signer", ErrInvalidConfig)
	}
	if (signer.Address() == common.Address{}) {
		return nil, fmt.Errorf("%w: signer has zero address", ErrInvalidConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidConfig)
	}
	if cfg.MinTipCap == nil {
		cfg.MinTipCap = big.NewInt(0)
	}
	if cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: min tip cap must be >= 0", ErrInvalidConfig)
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.MaxReplacements < 0 {
		return nil, fmt.Errorf("%w: max replacements must be >= 0", ErrInvalidConfig)
	}
	if cfg.MaxReplacements > 0 {
		if cfg.ReplaceAfter <= 0 || cfg.ReplacementPercent <= 0 {
			return nil, fmt.Errorf("%w: replacement policy incomplete", ErrInvalidConfig)
		}
		if cfg.MinReplacementBump == nil || cfg.MinReplacementBump.Sign() <= 0 {
			return nil, fmt.Errorf("%w: min replacement bump must be > 0", ErrInvalidConfig)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}

	return &Submitter{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		nonces:  NewNonceManager(backend, signer.Address()),
	}, nil
}

func (s *Submitter) From() common.Address { return s.signer.Address() }

// SubmitAndWait sends req and blocks until a receipt lands, bumping fees on
// the configured schedule. A receipt with status 0 returns ErrTxReverted.
func (s *Submitter) SubmitAndWait(ctx context.Context, req TxRequest) (SendResult, error) {
	from := s.signer.Address()
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return SendResult{}, fmt.Errorf("flare: estimate gas: %w", err)
		}
		gasLimit = padGasLimit(est, s.cfg.GasLimitMultiplier)
	}

	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("flare: suggest tip cap: %w", err)
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return SendResult{}, fmt.Errorf("flare: latest header: %w", err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return SendResult{}, fmt.Errorf("%w: latest header has no base fee", ErrInvalidConfig)
	}
	tipCap, feeCap, err := SuggestFees(header.BaseFee, suggestedTip, s.cfg.MinTipCap)
	if err != nil {
		return SendResult{}, err
	}

	nonce, err := s.nonces.Next(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("flare: allocate nonce: %w", err)
	}

	to := req.To
	sign := func(tip, fee *big.Int) (*types.Transaction, error) {
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: fee,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      req.Data,
		})
		return s.signer.SignTx(tx, s.cfg.ChainID)
	}

	signed, err := sign(tipCap, feeCap)
	if err != nil {
		return SendResult{}, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return SendResult{}, fmt.Errorf("flare: send transaction: %w", err)
	}

	sent := []common.Hash{signed.Hash()}
	lastSentAt := s.cfg.Now()
	replacements := 0

	for {
		for _, h := range sent {
			receipt, err := s.backend.TransactionReceipt(ctx, h)
			if err == nil {
				if receipt.Status != types.ReceiptStatusSuccessful {
					return SendResult{}, fmt.Errorf("%w: tx %s", ErrTxReverted, h)
				}
				return SendResult{
					From:         from,
					Nonce:        nonce,
					TxHash:       h,
					Receipt:      receipt,
					Replacements: replacements,
				}, nil
			}
			if !errors.Is(err, ethereum.NotFound) {
				return SendResult{}, fmt.Errorf("flare: transaction receipt: %w", err)
			}
		}

		if s.cfg.MaxReplacements > 0 && replacements < s.cfg.MaxReplacements &&
			s.cfg.Now().Sub(lastSentAt) >= s.cfg.ReplaceAfter {
			tipCap, feeCap, err = BumpFees(tipCap, feeCap, s.cfg.ReplacementPercent, s.cfg.MinReplacementBump)
			if err != nil {
				return SendResult{}, err
			}
			replacement, err := sign(tipCap, feeCap)
			if err != nil {
				return SendResult{}, err
			}
			if err := s.backend.SendTransaction(ctx, replacement); err != nil {
				return SendResult{}, fmt.Errorf("flare: send replacement: %w", err)
			}
			sent = append(sent, replacement.Hash())
			lastSentAt = s.cfg.Now()
			replacements++
			continue
		}

		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return SendResult{}, err
		}
	}
}

func padGasLimit(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		return est
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

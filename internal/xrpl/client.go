// Package xrpl is a minimal XRP Ledger JSON-RPC client used to pre-flight an
// attestation: confirm the payment exists and settled before paying the FDC
// request fee for it.
package xrpl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidConfig = errors.New("xrpl: invalid config")
	ErrRPC           = errors.New("xrpl: rpc error")
	ErrTxNotFound    = errors.New("xrpl: transaction not found")
	ErrNotSettled    = errors.New("xrpl: transaction not settled")
)

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

type Client struct {
	url          string
	hc           *http.Client
	maxRespBytes int64
}

func New(url string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidConfig)
	}
	c := &Client{
		url:          url,
		hc:           &http.Client{Timeout: 15 * time.Second},
		maxRespBytes: 1 << 20, // 1 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Tx is the subset of a rippled tx response the attestation workflow needs.
type Tx struct {
	Hash            string
	TransactionType string
	Account         string
	Destination     string
	Validated       bool
	EngineResult    string
}

// Settled reports whether the transaction is in a validated ledger with a
// successful engine result.
func (t Tx) Settled() bool {
	return t.Validated && t.EngineResult == "tesSUCCESS"
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type txParams struct {
	Transaction string `json:"transaction"`
	Binary      bool   `json:"binary"`
}

type txResult struct {
	Hash            string `json:"hash"`
	TransactionType string `json:"TransactionType"`
	Account         string `json:"Account"`
	Destination     string `json:"Destination"`
	Validated       bool   `json:"validated"`
	Status          string `json:"status"`
	Error           string `json:"error"`
	ErrorMessage    string `json:"error_message"`
	Meta            struct {
		TransactionResult string `json:"TransactionResult"`
	} `json:"meta"`
}

// Tx looks up a transaction by hash. The hash is the plain 64-char XRPL form,
// no 0x prefix.
func (c *Client) Tx(ctx context.Context, txHash string) (Tx, error) {
	if c == nil || c.hc == nil {
		return Tx{}, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	txHash = strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(txHash), "0x"))
	if len(txHash) != 64 {
		return Tx{}, fmt.Errorf("%w: transaction hash must be 64 hex chars", ErrInvalidConfig)
	}

	body, err := json.Marshal(rpcRequest{
		Method: "tx",
		Params: []any{txParams{Transaction: txHash, Binary: false}},
	})
	if err != nil {
		return Tx{}, fmt.Errorf("xrpl: marshal request: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Tx{}, fmt.Errorf("xrpl: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(r)
	if err != nil {
		return Tx{}, fmt.Errorf("xrpl: http do: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxRespBytes+1))
	if err != nil {
		return Tx{}, fmt.Errorf("xrpl: read response: %w", err)
	}
	if int64(len(payload)) > c.maxRespBytes {
		return Tx{}, fmt.Errorf("%w: response exceeds %d bytes", ErrRPC, c.maxRespBytes)
	}
	if resp.StatusCode != http.StatusOK {
		return Tx{}, fmt.Errorf("%w: status %d", ErrRPC, resp.StatusCode)
	}

	var out struct {
		Result txResult `json:"result"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return Tx{}, fmt.Errorf("xrpl: decode response: %w", err)
	}
	if out.Result.Status == "error" {
		if out.Result.Error == "txnNotFound" {
			return Tx{}, ErrTxNotFound
		}
		msg := out.Result.ErrorMessage
		if msg == "" {
			msg = out.Result.Error
		}
		return Tx{}, fmt.Errorf("%w: %s", ErrRPC, msg)
	}

	return Tx{
		Hash:            out.Result.Hash,
		TransactionType: out.Result.TransactionType,
		Account:         out.Result.Account,
		Destination:     out.Result.Destination,
		Validated:       out.Result.Validated,
		EngineResult:    out.Result.Meta.TransactionResult,
	}, nil
}

// CheckPayment verifies the transaction is a settled Payment. It is the
// pre-flight gate before spending the attestation fee.
func (c *Client) CheckPayment(ctx context.Context, txHash string) (Tx, error) {
	tx, err := c.Tx(ctx, txHash)
	if err != nil {
		return Tx{}, err
	}
	if tx.TransactionType != "Payment" {
		return Tx{}, fmt.Errorf("%w: transaction type %q is not Payment", ErrNotSettled, tx.TransactionType)
	}
	if !tx.Settled() {
		return Tx{}, fmt.Errorf("%w: validated=%t engine_result=%q", ErrNotSettled, tx.Validated, tx.EngineResult)
	}
	return tx, nil
}

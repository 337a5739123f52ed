// Package verifier talks to an FDC verifier server, the service that checks an
// attestation request against the source chain and returns its ABI encoding.
package verifier

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fassko/fdc-demo-dapp/internal/fdc"
)

var (
	ErrInvalidConfig = errors.New("verifier: invalid config")
	ErrRequest       = errors.New("verifier: request failed")
)

// StatusError reports a verifier response whose status is not VALID, meaning
// the verifier refused to attest the request (unknown transaction, wrong
// source, malformed request body).
type StatusError struct {
	Status string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "verifier: nil status error"
	}
	return fmt.Sprintf("verifier: request not valid: status %q", e.Status)
}

func (e *StatusError) Unwrap() error { return ErrRequest }

// PreparedRequest is a verifier-approved attestation request ready for
// on-chain submission.
type PreparedRequest struct {
	AttestationType   common.Hash
	SourceID          common.Hash
	TransactionID     common.Hash
	ABIEncodedRequest []byte
}

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

// WithSource overrides the source id (default testXRP).
func WithSource(source common.Hash) Option {
	return func(c *Client) error {
		if source == (common.Hash{}) {
			return fmt.Errorf("%w: zero source id", ErrInvalidConfig)
		}
		c.source = source
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	apiKey       string
	source       common.Hash
	hc           *http.Client
	maxRespBytes int64
}

func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidConfig)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: missing api key", ErrInvalidConfig)
	}

	c := &Client{
		baseURL:      u,
		apiKey:       apiKey,
		source:       fdc.SourceTestXRP(),
		hc:           &http.Client{Timeout: 30 * time.Second},
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

type prepareRequestBody struct {
	AttestationType string             `json:"attestationType"`
	SourceID        string             `json:"sourceId"`
	RequestBody     paymentRequestBody `json:"requestBody"`
}

type paymentRequestBody struct {
	TransactionID string `json:"transactionId"`
	InUtxo        string `json:"inUtxo"`
	Utxo          string `json:"utxo"`
}

type prepareResponseBody struct {
	Status            string `json:"status"`
	ABIEncodedRequest string `json:"abiEncodedRequest"`
}

// PreparePaymentRequest asks the verifier to prepare a Payment attestation
// request for an XRPL transaction.
func (c *Client) PreparePaymentRequest(ctx context.Context, txID common.Hash) (PreparedRequest, error) {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return PreparedRequest{}, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	if txID == (common.Hash{}) {
		return PreparedRequest{}, fmt.Errorf("%w: zero transaction id", ErrInvalidConfig)
	}

	attType := fdc.AttestationTypePayment()
	body := prepareRequestBody{
		AttestationType: attType.Hex(),
		SourceID:        c.source.Hex(),
		RequestBody: paymentRequestBody{
			TransactionID: txID.Hex(),
			InUtxo:        "0",
			Utxo:          "0",
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return PreparedRequest{}, fmt.Errorf("verifier: marshal request: %w", err)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, "/verifier/xrp/Payment/prepareRequest")

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return PreparedRequest{}, fmt.Errorf("verifier: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	r.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.hc.Do(r)
	if err != nil {
		return PreparedRequest{}, fmt.Errorf("verifier: http do: %w", err)
	}
	defer resp.Body.Close()

	payload, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return PreparedRequest{}, err
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(payload))
		if msg == "" {
			msg = resp.Status
		}
		return PreparedRequest{}, fmt.Errorf("%w: status %d: %s", ErrRequest, resp.StatusCode, msg)
	}

	var out prepareResponseBody
	if err := json.Unmarshal(payload, &out); err != nil {
		return PreparedRequest{}, fmt.Errorf("verifier: decode response: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(out.Status), "VALID") {
		return PreparedRequest{}, &StatusError{Status: strings.TrimSpace(out.Status)}
	}

	encoded, err := decodeHexBytes(out.ABIEncodedRequest)
	if err != nil {
		return PreparedRequest{}, fmt.Errorf("verifier: decode abiEncodedRequest: %w", err)
	}
	if len(encoded) == 0 {
		return PreparedRequest{}, fmt.Errorf("%w: empty abiEncodedRequest", ErrRequest)
	}

	return PreparedRequest{
		AttestationType:   attType,
		SourceID:          c.source,
		TransactionID:     txID,
		ABIEncodedRequest: encoded,
	}, nil
}

func joinPath(base, p string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}

func readAllLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("verifier: read response: %w", err)
	}
	if int64(len(b)) > max {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrRequest, max)
	}
	return b, nil
}

func decodeHexBytes(v string) ([]byte, error) {
	s := strings.TrimSpace(v)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

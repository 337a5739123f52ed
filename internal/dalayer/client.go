// Package dalayer fetches FDC attestation proofs from a Data Availability
// Layer server once the voting round containing the request has finalized.
package dalayer

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
)

var (
	ErrInvalidConfig = errors.New("dalayer: invalid config")
	ErrRequest       = errors.New("dalayer: request failed")
	// ErrNotReady means the DA Layer has no proof for the round yet. Callers
	// retry; WaitForProof does so with a fixed delay.
	ErrNotReady = errors.New("dalayer: proof not ready")
)

// Proof is a Merkle proof for one attestation request in a finalized round.
// Response is the ABI-encoded IPayment.Response tuple.
type Proof struct {
	Round       uint64
	Response    []byte
	MerkleProof []common.Hash
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

type Client struct {
	baseURL      *url.URL
	apiKey       string
	hc           *http.Client
	maxRespBytes int64

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
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
		hc:           &http.Client{Timeout: 30 * time.Second},
		maxRespBytes: 4 << 20, // 4 MiB
		sleep:        sleepCtx,
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

type proofRequestBody struct {
	VotingRoundID uint64 `json:"votingRoundId"`
	RequestBytes  string `json:"requestBytes"`
}

type proofResponseBody struct {
	Response string   `json:"response_hex"`
	Proof    []string `json:"proof"`
}

// GetProof fetches the proof for one request in one voting round. Returns
// ErrNotReady when the DA Layer has not indexed the round or request yet.
func (c *Client) GetProof(ctx context.Context, round uint64, requestBytes []byte) (Proof, error) {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return Proof{}, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	if len(requestBytes) == 0 {
		return Proof{}, fmt.Errorf("%w: empty request bytes", ErrInvalidConfig)
	}

	b, err := json.Marshal(proofRequestBody{
		VotingRoundID: round,
		RequestBytes:  "0x" + hex.EncodeToString(requestBytes),
	})
	if err != nil {
		return Proof{}, fmt.Errorf("dalayer: marshal request: %w", err)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, "/api/v1/fdc/proof-by-request-round")

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return Proof{}, fmt.Errorf("dalayer: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	r.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.hc.Do(r)
	if err != nil {
		return Proof{}, fmt.Errorf("dalayer: http do: %w", err)
	}
	defer resp.Body.Close()

	payload, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return Proof{}, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Proof{}, ErrNotReady
	case resp.StatusCode != http.StatusOK:
		msg := strings.TrimSpace(string(payload))
		if msg == "" {
			msg = resp.Status
		}
		return Proof{}, fmt.Errorf("%w: status %d: %s", ErrRequest, resp.StatusCode, msg)
	}

	var out proofResponseBody
	if err := json.Unmarshal(payload, &out); err != nil {
		return Proof{}, fmt.Errorf("dalayer: decode response: %w", err)
	}
	// A finalized round without the request produces an empty body rather
	// than a 404 on some deployments.
	if strings.TrimSpace(out.Response) == "" || len(out.Proof) == 0 {
		return Proof{}, ErrNotReady
	}

	response, err := decodeHexBytes(out.Response)
	if err != nil {
		return Proof{}, fmt.Errorf("dalayer: decode response_hex: %w", err)
	}
	merkle := make([]common.Hash, 0, len(out.Proof))
	for i, p := range out.Proof {
		h, err := decodeHash32(p)
		if err != nil {
			return Proof{}, fmt.Errorf("dalayer: decode proof[%d]: %w", i, err)
		}
		merkle = append(merkle, h)
	}

	return Proof{
		Round:       round,
		Response:    response,
		MerkleProof: merkle,
	}, nil
}

// WaitForProof polls GetProof until the proof is available, the attempt budget
// is exhausted, or ctx is cancelled.
func (c *Client) WaitForProof(ctx context.Context, round uint64, requestBytes []byte, interval time.Duration, maxAttempts int) (Proof, error) {
	if interval <= 0 {
		return Proof{}, fmt.Errorf("%w: interval must be > 0", ErrInvalidConfig)
	}
	if maxAttempts <= 0 {
		return Proof{}, fmt.Errorf("%w: max attempts must be > 0", ErrInvalidConfig)
	}

	for attempt := 1; ; attempt++ {
		proof, err := c.GetProof(ctx, round, requestBytes)
		if err == nil {
			return proof, nil
		}
		if !errors.Is(err, ErrNotReady) {
			return Proof{}, err
		}
		if attempt >= maxAttempts {
			return Proof{}, fmt.Errorf("%w: round %d after %d attempts", ErrNotReady, round, attempt)
		}
		if err := c.sleep(ctx, interval); err != nil {
			return Proof{}, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
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
		return nil, fmt.Errorf("dalayer: read response: %w", err)
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

func decodeHash32(v string) (common.Hash, error) {
	b, err := decodeHexBytes(v)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != 32 {
		return common.Hash{}, fmt.Errorf("hash length mismatch: got=%d want=32", len(b))
	}
	return common.BytesToHash(b), nil
}

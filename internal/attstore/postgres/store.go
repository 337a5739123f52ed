// Package postgres provides the pgx-backed attstore.Store.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fassko/fdc-demo-dapp/internal/attstore"
)

var ErrInvalidConfig = errors.New("attstore/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("attstore/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, req attstore.Request) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := req.Validate(); err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO attestation_requests (
			request_id,
			transaction_id,
			abi_encoded_request,
			state,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (request_id) DO NOTHING
	`, req.RequestID[:], req.TransactionID[:], req.ABIEncodedRequest, string(attstore.StatePending))
	if err != nil {
		return false, fmt.Errorf("attstore/postgres: insert request: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	existing, err := s.Get(ctx, req.RequestID)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(existing.ABIEncodedRequest, req.ABIEncodedRequest) {
		return false, attstore.ErrRequestMismatch
	}
	return false, nil
}

const requestColumns = `
	request_id,
	transaction_id,
	abi_encoded_request,
	state,
	attempt_count,
	COALESCE(last_error, ''),
	submit_tx_hash,
	voting_round,
	fee_wei,
	response,
	merkle_proof,
	created_at,
	updated_at
`

func (s *Store) Get(ctx context.Context, requestID common.Hash) (attstore.Request, error) {
	if s == nil || s.pool == nil {
		return attstore.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM attestation_requests
		WHERE request_id = $1
	`, requestID[:])
	return scanRequest(row)
}

func (s *Store) ListByState(ctx context.Context, state attstore.State, limit int) ([]attstore.Request, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", attstore.ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM attestation_requests
		WHERE state = $1
		ORDER BY created_at
		LIMIT $2
	`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("attstore/postgres: list by state: %w", err)
	}
	defer rows.Close()

	var out []attstore.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attstore/postgres: list rows: %w", err)
	}
	return out, nil
}

func (s *Store) Claim(ctx context.Context, requestID common.Hash, owner string, ttl time.Duration) (attstore.Request, bool, error) {
	if s == nil || s.pool == nil {
		return attstore.Request{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	owner = strings.TrimSpace(owner)
	if owner == "" || ttl <= 0 {
		return attstore.Request{}, false, fmt.Errorf("%w: owner and ttl are required", attstore.ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE attestation_requests
		SET processing_owner = $2,
			processing_expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE request_id = $1
			AND (
				processing_owner IS NULL
				OR processing_owner = $2
				OR processing_expires_at < now()
			)
		RETURNING `+requestColumns+`
	`, requestID[:], owner, ttl.Milliseconds())

	req, err := scanRequest(row)
	if err != nil {
		if !errors.Is(err, attstore.ErrNotFound) {
			return attstore.Request{}, false, err
		}
		// Row missing or lease held. Disambiguate.
		if _, gerr := s.Get(ctx, requestID); gerr != nil {
			return attstore.Request{}, false, gerr
		}
		return attstore.Request{}, false, nil
	}
	return req, true, nil
}

func (s *Store) MarkSubmitted(ctx context.Context, requestID common.Hash, txHash common.Hash, round uint64, fee *big.Int) error {
	if txHash == (common.Hash{}) {
		return fmt.Errorf("%w: missing tx hash", attstore.ErrInvalidRequest)
	}
	var feeText *string
	if fee != nil {
		v := fee.String()
		feeText = &v
	}
	return s.transition(ctx, requestID, attstore.StatePending, attstore.StateSubmitted, `
		submit_tx_hash = $3,
		voting_round = $4,
		fee_wei = $5
	`, txHash[:], int64(round), feeText)
}

func (s *Store) MarkFinalized(ctx context.Context, requestID common.Hash) error {
	return s.transition(ctx, requestID, attstore.StateSubmitted, attstore.StateFinalized, "")
}

func (s *Store) MarkProven(ctx context.Context, requestID common.Hash, response []byte, merkleProof []common.Hash) error {
	if len(response) == 0 || len(merkleProof) == 0 {
		return fmt.Errorf("%w: empty proof payload", attstore.ErrInvalidRequest)
	}
	return s.transition(ctx, requestID, attstore.StateFinalized, attstore.StateProven, `
		response = $3,
		merkle_proof = $4
	`, response, packProof(merkleProof))
}

func (s *Store) MarkVerified(ctx context.Context, requestID common.Hash) error {
	return s.transition(ctx, requestID, attstore.StateProven, attstore.StateVerified, "")
}

func (s *Store) MarkFailed(ctx context.Context, requestID common.Hash, reason string, retryable bool) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	to := attstore.StateFailed
	if retryable {
		to = attstore.StatePending
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE attestation_requests
		SET state = $2,
			attempt_count = attempt_count + 1,
			last_error = $3,
			processing_owner = NULL,
			processing_expires_at = NULL,
			updated_at = now()
		WHERE request_id = $1
			AND state NOT IN ('verified', 'failed')
	`, requestID[:], string(to), reason)
	if err != nil {
		return fmt.Errorf("attstore/postgres: mark failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	existing, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> failed", attstore.ErrInvalidTransition, existing.State)
}

// transition updates a row guarded by its current state. extraSet parameters
// start at $3.
func (s *Store) transition(ctx context.Context, requestID common.Hash, from, to attstore.State, extraSet string, extraArgs ...any) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	set := `state = $2, updated_at = now()`
	if strings.TrimSpace(extraSet) != "" {
		set += ", " + extraSet
	}
	args := append([]any{requestID[:], string(to)}, extraArgs...)
	tag, err := s.pool.Exec(ctx, `
		UPDATE attestation_requests
		SET `+set+`
		WHERE request_id = $1 AND state = '`+string(from)+`'
	`, args...)
	if err != nil {
		return fmt.Errorf("attstore/postgres: transition to %s: %w", to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	existing, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", attstore.ErrInvalidTransition, existing.State, to)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (attstore.Request, error) {
	var (
		requestID    []byte
		txID         []byte
		encoded      []byte
		state        string
		attemptCount int
		lastError    string
		submitTxHash []byte
		votingRound  *int64
		feeText      *string
		response     []byte
		merkleProof  []byte
		createdAt    time.Time
		updatedAt    time.Time
	)
	err := row.Scan(
		&requestID,
		&txID,
		&encoded,
		&state,
		&attemptCount,
		&lastError,
		&submitTxHash,
		&votingRound,
		&feeText,
		&response,
		&merkleProof,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return attstore.Request{}, attstore.ErrNotFound
	}
	if err != nil {
		return attstore.Request{}, fmt.Errorf("attstore/postgres: scan request: %w", err)
	}

	req := attstore.Request{
		RequestID:         common.BytesToHash(requestID),
		TransactionID:     common.BytesToHash(txID),
		ABIEncodedRequest: encoded,
		State:             attstore.State(state),
		AttemptCount:      attemptCount,
		LastError:         lastError,
		Response:          response,
		CreatedAt:         createdAt.UTC(),
		UpdatedAt:         updatedAt.UTC(),
	}
	if len(submitTxHash) == 32 {
		req.SubmitTxHash = common.BytesToHash(submitTxHash)
	}
	if votingRound != nil && *votingRound >= 0 {
		req.Round = uint64(*votingRound)
	}
	if feeText != nil {
		fee, ok := new(big.Int).SetString(*feeText, 10)
		if !ok {
			return attstore.Request{}, fmt.Errorf("attstore/postgres: malformed fee %q", *feeText)
		}
		req.Fee = fee
	}
	if len(merkleProof) > 0 {
		proof, err := unpackProof(merkleProof)
		if err != nil {
			return attstore.Request{}, err
		}
		req.MerkleProof = proof
	}
	return req, nil
}

func packProof(proof []common.Hash) []byte {
	out := make([]byte, 0, len(proof)*32)
	for _, h := range proof {
		out = append(out, h[:]...)
	}
	return out
}

func unpackProof(b []byte) ([]common.Hash, error) {
	if len(b)%32 != 0 {
		return nil, fmt.Errorf("attstore/postgres: merkle proof length %d not a multiple of 32", len(b))
	}
	out := make([]common.Hash, 0, len(b)/32)
	for i := 0; i < len(b); i += 32 {
		out = append(out, common.BytesToHash(b[i:i+32]))
	}
	return out, nil
}

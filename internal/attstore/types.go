// Package attstore tracks the lifecycle of attestation requests from the
// first verifier call through on-chain verification.
package attstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidRequest    = errors.New("attstore: invalid request")
	ErrRequestMismatch   = errors.New("attstore: request mismatch")
	ErrNotFound          = errors.New("attstore: not found")
	ErrInvalidTransition = errors.New("attstore: invalid transition")
	ErrInvalidConfig     = errors.New("attstore: invalid config")
)

type State string

const (
	// StatePending: the request exists but has not been submitted on chain.
	StatePending State = "pending"
	// StateSubmitted: the FdcHub transaction is mined, round is known.
	StateSubmitted State = "submitted"
	// StateFinalized: the voting round finalized on the Relay contract.
	StateFinalized State = "finalized"
	// StateProven: the DA Layer proof is stored.
	StateProven State = "proven"
	// StateVerified: verifyPayment returned true.
	StateVerified State = "verified"
	// StateFailed: terminal failure.
	StateFailed State = "failed"
)

func (s State) valid() bool {
	switch s {
	case StatePending, StateSubmitted, StateFinalized, StateProven, StateVerified, StateFailed:
		return true
	}
	return false
}

// Request is one attestation request and everything learned about it so far.
type Request struct {
	RequestID         common.Hash
	TransactionID     common.Hash
	ABIEncodedRequest []byte

	State        State
	AttemptCount int
	LastError    string

	// Populated at submission time.
	SubmitTxHash common.Hash
	Round        uint64
	Fee          *big.Int

	// Populated once the proof arrives.
	Response    []byte
	MerkleProof []common.Hash

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r Request) Validate() error {
	if r.RequestID == (common.Hash{}) {
		return fmt.Errorf("%w: missing request id", ErrInvalidRequest)
	}
	if r.TransactionID == (common.Hash{}) {
		return fmt.Errorf("%w: missing transaction id", ErrInvalidRequest)
	}
	if len(r.ABIEncodedRequest) == 0 {
		return fmt.Errorf("%w: empty encoded request", ErrInvalidRequest)
	}
	if r.State != "" && !r.State.valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidRequest, r.State)
	}
	return nil
}

// transitions holds the allowed forward edges of the lifecycle. Failed is
// reachable from every non-terminal state; retryable failures return a
// request to pending instead.
var transitions = map[State][]State{
	StatePending:   {StateSubmitted, StateFailed},
	StateSubmitted: {StateFinalized, StateFailed},
	StateFinalized: {StateProven, StateFailed},
	StateProven:    {StateVerified, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Store persists attestation request lifecycles.
//
// Upsert is idempotent on request id: inserting an existing id succeeds when
// the stored encoded request matches and returns ErrRequestMismatch when it
// does not. Claim takes a processing lease so concurrent workers do not race
// on one request.
type Store interface {
	Upsert(ctx context.Context, req Request) (bool, error)
	Get(ctx context.Context, requestID common.Hash) (Request, error)
	ListByState(ctx context.Context, state State, limit int) ([]Request, error)

	Claim(ctx context.Context, requestID common.Hash, owner string, ttl time.Duration) (Request, bool, error)

	MarkSubmitted(ctx context.Context, requestID common.Hash, txHash common.Hash, round uint64, fee *big.Int) error
	MarkFinalized(ctx context.Context, requestID common.Hash) error
	MarkProven(ctx context.Context, requestID common.Hash, response []byte, merkleProof []common.Hash) error
	MarkVerified(ctx context.Context, requestID common.Hash) error
	MarkFailed(ctx context.Context, requestID common.Hash, reason string, retryable bool) error
}

package attstore

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is the in-process Store used by CLIs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[common.Hash]*memoryRecord

	now func() time.Time
}

type memoryRecord struct {
	req Request

	owner     string
	leaseUpTo time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[common.Hash]*memoryRecord),
		now:  time.Now,
	}
}

func (s *MemoryStore) Upsert(_ context.Context, req Request) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.data[req.RequestID]; ok {
		if !bytes.Equal(rec.req.ABIEncodedRequest, req.ABIEncodedRequest) {
			return false, ErrRequestMismatch
		}
		return false, nil
	}

	now := s.now().UTC()
	stored := req
	stored.State = StatePending
	stored.ABIEncodedRequest = append([]byte(nil), req.ABIEncodedRequest...)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.data[req.RequestID] = &memoryRecord{req: stored}
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, requestID common.Hash) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[requestID]
	if !ok {
		return Request{}, ErrNotFound
	}
	return cloneRequest(rec.req), nil
}

func (s *MemoryStore) ListByState(_ context.Context, state State, limit int) ([]Request, error) {
	if !state.valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidRequest, state)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", ErrInvalidConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, rec := range s.data {
		if rec.req.State == state {
			out = append(out, cloneRequest(rec.req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, requestID common.Hash, owner string, ttl time.Duration) (Request, bool, error) {
	if owner == "" || ttl <= 0 {
		return Request{}, false, fmt.Errorf("%w: owner and ttl are required", ErrInvalidConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[requestID]
	if !ok {
		return Request{}, false, ErrNotFound
	}
	now := s.now().UTC()
	if rec.owner != "" && rec.owner != owner && now.Before(rec.leaseUpTo) {
		return Request{}, false, nil
	}
	rec.owner = owner
	rec.leaseUpTo = now.Add(ttl)
	return cloneRequest(rec.req), true, nil
}

func (s *MemoryStore) MarkSubmitted(_ context.Context, requestID common.Hash, txHash common.Hash, round uint64, fee *big.Int) error {
	if txHash == (common.Hash{}) {
		return fmt.Errorf("%w: missing tx hash", ErrInvalidRequest)
	}
	return s.mutate(requestID, StateSubmitted, func(req *Request) {
		req.SubmitTxHash = txHash
		req.Round = round
		if fee != nil {
			req.Fee = new(big.Int).Set(fee)
		}
	})
}

func (s *MemoryStore) MarkFinalized(_ context.Context, requestID common.Hash) error {
	return s.mutate(requestID, StateFinalized, nil)
}

func (s *MemoryStore) MarkProven(_ context.Context, requestID common.Hash, response []byte, merkleProof []common.Hash) error {
	if len(response) == 0 || len(merkleProof) == 0 {
		return fmt.Errorf("%w: empty proof payload", ErrInvalidRequest)
	}
	return s.mutate(requestID, StateProven, func(req *Request) {
		req.Response = append([]byte(nil), response...)
		req.MerkleProof = append([]common.Hash(nil), merkleProof...)
	})
}

func (s *MemoryStore) MarkVerified(_ context.Context, requestID common.Hash) error {
	return s.mutate(requestID, StateVerified, nil)
}

func (s *MemoryStore) MarkFailed(_ context.Context, requestID common.Hash, reason string, retryable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[requestID]
	if !ok {
		return ErrNotFound
	}
	if rec.req.State == StateVerified || rec.req.State == StateFailed {
		return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, rec.req.State)
	}
	if retryable {
		rec.req.State = StatePending
	} else {
		rec.req.State = StateFailed
	}
	rec.req.AttemptCount++
	rec.req.LastError = reason
	rec.req.UpdatedAt = s.now().UTC()
	rec.owner = ""
	rec.leaseUpTo = time.Time{}
	return nil
}

func (s *MemoryStore) mutate(requestID common.Hash, to State, apply func(*Request)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[requestID]
	if !ok {
		return ErrNotFound
	}
	if !canTransition(rec.req.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.req.State, to)
	}
	if apply != nil {
		apply(&rec.req)
	}
	rec.req.State = to
	rec.req.UpdatedAt = s.now().UTC()
	return nil
}

func cloneRequest(r Request) Request {
	out := r
	out.ABIEncodedRequest = append([]byte(nil), r.ABIEncodedRequest...)
	out.Response = append([]byte(nil), r.Response...)
	out.MerkleProof = append([]common.Hash(nil), r.MerkleProof...)
	if r.Fee != nil {
		out.Fee = new(big.Int).Set(r.Fee)
	}
	return out
}

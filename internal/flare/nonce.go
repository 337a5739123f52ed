package flare

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource is the narrow backend slice the nonce manager needs.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out nonces for one account. Its next-nonce view never
// decreases, so a refresh cannot reissue a nonce already reserved locally.
type NonceManager struct {
	source NonceSource
	addr   common.Address

	mu     sync.Mutex
	next   uint64
	primed bool
}

func NewNonceManager(source NonceSource, addr common.Address) *NonceManager {
	return &NonceManager{source: source, addr: addr}
}

// Next reserves and returns the next nonce.
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.primed {
		n, err := m.source.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.primed = true
	}
	n := m.next
	m.next++
	return n, nil
}

// Refresh re-reads the pending nonce from the backend, keeping whichever view
// is higher.
func (m *NonceManager) Refresh(ctx context.Context) (uint64, error) {
	n, err := m.source.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.primed || n > m.next {
		m.next = n
		m.primed = true
	}
	return n, nil
}

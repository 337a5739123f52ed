package flare

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type fakeNonceSource struct {
	pending uint64
	calls   int
}

func (f *fakeNonceSource) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.calls++
	return f.pending, nil
}

func TestNonceManager_SequentialAllocation(t *testing.T) {
	t.Parallel()

	src := &fakeNonceSource{pending: 7}
	m := NewNonceManager(src, common.HexToAddress("0x01"))

	for want := uint64(7); want < 10; want++ {
		got, err := m.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Fatalf("nonce: got %d want %d", got, want)
		}
	}
	if src.calls != 1 {
		t.Fatalf("backend calls: got %d want 1", src.calls)
	}
}

func TestNonceManager_RefreshNeverDecreases(t *testing.T) {
	t.Parallel()

	src := &fakeNonceSource{pending: 5}
	m := NewNonceManager(src, common.HexToAddress("0x01"))

	if _, err := m.Next(context.Background()); err != nil { // reserves 5, next=6
		t.Fatalf("Next: %v", err)
	}

	// Backend lags behind the local reservation.
	src.pending = 3
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	got, err := m.Next(context.Background())
	if err != nil {
		t.Fatalf("Next after refresh: %v", err)
	}
	if got != 6 {
		t.Fatalf("nonce after lagging refresh: got %d want 6", got)
	}

	// Backend moved ahead (another process sent transactions).
	src.pending = 20
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	got, err = m.Next(context.Background())
	if err != nil {
		t.Fatalf("Next after forward refresh: %v", err)
	}
	if got != 20 {
		t.Fatalf("nonce after forward refresh: got %d want 20", got)
	}
}

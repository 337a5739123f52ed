// Package registry resolves Flare contract addresses by name through the
// FlareContractRegistry, which lives at the same address on every network.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/fassko/fdc-demo-dapp/internal/fdc"
	"github.com/fassko/fdc-demo-dapp/internal/fdcabi"
)

var (
	ErrInvalidConfig = errors.New("registry: invalid config")
	ErrNotRegistered = errors.New("registry: contract not registered")
)

// Caller is the read-only EVM surface the resolver needs. *ethclient.Client
// satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type Resolver struct {
	caller  Caller
	address common.Address

	mu    sync.Mutex
	cache map[string]common.Address
}

func New(caller Caller) (*Resolver, error) {
	return NewAt(caller, fdc.RegistryAddress)
}

// NewAt builds a resolver against a non-standard registry address, used in
// tests and local forks.
func NewAt(caller Caller, address common.Address) (*Resolver, error) {
	if caller == nil {
		return nil, fmt.Errorf("%w: nil caller", ErrInvalidConfig)
	}
	if (address == common.Address{}) {
		return nil, fmt.Errorf("%w: zero registry address", ErrInvalidConfig)
	}
	return &Resolver{
		caller:  caller,
		address: address,
		cache:   make(map[string]common.Address),
	}, nil
}

// Resolve returns the address registered under name. Results are cached for
// the lifetime of the resolver; registry entries change only on governance
// action.
func (r *Resolver) Resolve(ctx context.Context, name string) (common.Address, error) {
	if r == nil || r.caller == nil {
		return common.Address{}, fmt.Errorf("%w: nil resolver", ErrInvalidConfig)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return common.Address{}, fmt.Errorf("%w: empty contract name", ErrInvalidConfig)
	}

	r.mu.Lock()
	cached, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	calldata, err := fdcabi.PackGetContractAddressByName(name)
	if err != nil {
		return common.Address{}, err
	}
	ret, err := r.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &r.address,
		Data: calldata,
	}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("registry: call getContractAddressByName(%q): %w", name, err)
	}
	addr, err := fdcabi.UnpackAddress(ret)
	if err != nil {
		return common.Address{}, err
	}
	if (addr == common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}

	r.mu.Lock()
	r.cache[name] = addr
	r.mu.Unlock()
	return addr, nil
}

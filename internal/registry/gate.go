// Package registry is the merchant authorization gate: it answers "is this
// address currently allowed to issue vouchers?" by querying the on-chain
// merchant registry for the voucher's chain. Every failure path (unknown
// chain, RPC error, timeout) is treated as not authorized.
package registry

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/voucherlabs/voucherd/internal/voucher"
)

// Caller is the single registry operation the gate depends on.
// The production implementation wraps an ethclient-backed binding; tests
// substitute a mock.
type Caller interface {
	IsMerchant(ctx context.Context, account common.Address) (bool, error)
}

// BalanceReader reads ERC-1155 balances; used by the list-by-owner filter.
type BalanceReader interface {
	BalanceOf(ctx context.Context, account common.Address, id *big.Int) (*big.Int, error)
}

// Chain bundles the read endpoints of one configured chain. Client is the
// underlying RPC connection, shared with callers that need raw eth calls
// such as receipt lookups.
type Chain struct {
	Registry Caller
	Token    BalanceReader
	Client   *ethclient.Client
}

// DialChain connects to an RPC endpoint and binds both contracts.
func DialChain(rpcURL string, registryAddr, tokenAddr common.Address) (*Chain, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	reg, err := NewMerchantRegistry(registryAddr, eth)
	if err != nil {
		return nil, fmt.Errorf("bind merchant registry: %w", err)
	}
	tok, err := NewVoucherToken(tokenAddr, eth)
	if err != nil {
		return nil, fmt.Errorf("bind voucher token: %w", err)
	}
	return &Chain{
		Registry: &registryEndpoint{reg: reg},
		Token:    &tokenEndpoint{tok: tok},
		Client:   eth,
	}, nil
}

type registryEndpoint struct {
	reg *MerchantRegistry
}

func (e *registryEndpoint) IsMerchant(ctx context.Context, account common.Address) (bool, error) {
	return e.reg.IsMerchant(&bind.CallOpts{Context: ctx}, account)
}

type tokenEndpoint struct {
	tok *VoucherToken
}

func (e *tokenEndpoint) BalanceOf(ctx context.Context, account common.Address, id *big.Int) (*big.Int, error) {
	return e.tok.BalanceOf(&bind.CallOpts{Context: ctx}, account, id)
}

// Gate checks merchant authorization against an explicit chainId→registry
// table injected at construction. There is no implicit "current chain".
type Gate struct {
	callers map[int64]Caller
	timeout time.Duration
	log     *zap.Logger
}

func NewGate(callers map[int64]Caller, timeout time.Duration, log *zap.Logger) *Gate {
	return &Gate{callers: callers, timeout: timeout, log: log}
}

// IsAuthorized returns nil when the registry for chainID confirms the
// merchant. Any other outcome wraps voucher.ErrNotAuthorized: the gate fails
// closed on registry errors and bounded-timeout expiry rather than admitting
// an unverified merchant.
func (g *Gate) IsAuthorized(ctx context.Context, chainID int64, merchant common.Address) error {
	caller, ok := g.callers[chainID]
	if !ok {
		return fmt.Errorf("%w: no merchant registry configured for chain %d", voucher.ErrNotAuthorized, chainID)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	isMerchant, err := caller.IsMerchant(ctx, merchant)
	if err != nil {
		g.log.Warn("merchant registry lookup failed",
			zap.Int64("chain_id", chainID),
			zap.String("merchant", merchant.Hex()),
			zap.Error(err),
		)
		return fmt.Errorf("%w: registry lookup: %v", voucher.ErrNotAuthorized, err)
	}
	if !isMerchant {
		return fmt.Errorf("%w: %s", voucher.ErrNotAuthorized, merchant.Hex())
	}
	return nil
}

package registry

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal view-only ABIs. The engine consumes exactly two read operations
// from the deployed contracts; full bindings are not generated.
const (
	merchantRegistryABI = `[{"type":"function","name":"isMerchant","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"}]`
	voucherTokenABI     = `[{"type":"function","name":"balanceOf","inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}]`
)

// MerchantRegistry is a read-only binding to the on-chain merchant registry.
type MerchantRegistry struct {
	contract *bind.BoundContract
}

func NewMerchantRegistry(addr common.Address, backend bind.ContractCaller) (*MerchantRegistry, error) {
	parsed, err := abi.JSON(strings.NewReader(merchantRegistryABI))
	if err != nil {
		return nil, err
	}
	return &MerchantRegistry{
		contract: bind.NewBoundContract(addr, parsed, backend, nil, nil),
	}, nil
}

// IsMerchant calls the registry's isMerchant view function.
func (r *MerchantRegistry) IsMerchant(opts *bind.CallOpts, account common.Address) (bool, error) {
	var out []interface{}
	if err := r.contract.Call(opts, &out, "isMerchant", account); err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// VoucherToken is a read-only binding to the ERC-1155 voucher token.
type VoucherToken struct {
	contract *bind.BoundContract
}

func NewVoucherToken(addr common.Address, backend bind.ContractCaller) (*VoucherToken, error) {
	parsed, err := abi.JSON(strings.NewReader(voucherTokenABI))
	if err != nil {
		return nil, err
	}
	return &VoucherToken{
		contract: bind.NewBoundContract(addr, parsed, backend, nil, nil),
	}, nil
}

// BalanceOf returns account's balance of the token id (the voucherId).
func (v *VoucherToken) BalanceOf(opts *bind.CallOpts, account common.Address, id *big.Int) (*big.Int, error) {
	var out []interface{}
	if err := v.contract.Call(opts, &out, "balanceOf", account, id); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

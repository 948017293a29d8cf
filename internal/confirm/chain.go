package confirm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthReceipts adapts an ethclient connection to ReceiptFetcher.
type EthReceipts struct {
	ec *ethclient.Client
}

func NewEthReceipts(ec *ethclient.Client) *EthReceipts {
	return &EthReceipts{ec: ec}
}

func (r *EthReceipts) ReceiptStatus(ctx context.Context, txHash string) (uint64, error) {
	receipt, err := r.ec.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return 0, ErrReceiptNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("transaction receipt %s: %w", txHash, err)
	}
	return receipt.Status, nil
}

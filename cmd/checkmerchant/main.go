// cmd/checkmerchant/main.go — one-shot merchant registry probe.
//
// Usage:
//
//	go run ./cmd/checkmerchant/ --rpc https://rpc.sepolia.example \
//	  --registry 0x5FbDB2315678afecb367f032d93F642f64180aa3 \
//	  --merchant 0x90F79bf6EB2c4f870365E785982E1f101E93b906
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/voucherlabs/voucherd/internal/registry"
)

func main() {
	rpcURL := flag.String("rpc", "", "chain RPC endpoint (required)")
	registryAddr := flag.String("registry", "", "merchant registry contract address (required)")
	merchantAddr := flag.String("merchant", "", "merchant address to check (required)")
	flag.Parse()

	if *rpcURL == "" || !common.IsHexAddress(*registryAddr) || !common.IsHexAddress(*merchantAddr) {
		fmt.Fprintln(os.Stderr, "error: --rpc, --registry and --merchant are required")
		os.Exit(1)
	}

	// No token contract needed for a registry probe; reuse the registry
	// address so DialChain binds something valid.
	chain, err := registry.DialChain(*rpcURL, common.HexToAddress(*registryAddr), common.HexToAddress(*registryAddr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ok, err := chain.Registry.IsMerchant(ctx, common.HexToAddress(*merchantAddr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "isMerchant: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("registry:  %s\n", *registryAddr)
	fmt.Printf("merchant:  %s\n", *merchantAddr)
	fmt.Printf("registered: %v\n", ok)
	if !ok {
		os.Exit(2)
	}
}

// cmd/signvoucher/main.go — creates a signed voucher payload ready to POST
// to /api/vouchers. Derives the voucherId from the merchant and nonce,
// hashes the metadata file and signs the EIP-712 digest with the merchant
// key.
//
// Usage:
//
//	go run ./cmd/signvoucher/ --key <merchant-privkey-hex> \
//	  --chain-id 11155111 --contract 0x219F... \
//	  --max-mint 100 --expiry-days 30 --price 5000000 \
//	  --metadata metadata.json --cid QmYwAP...
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/voucherlabs/voucherd/internal/voucher"
)

func main() {
	keyHex := flag.String("key", "", "merchant private key hex, no 0x (required)")
	chainID := flag.Int64("chain-id", 11155111, "chain ID the voucher is valid on")
	contract := flag.String("contract", "", "voucher token contract address (required)")
	maxMint := flag.Uint64("max-mint", 100, "redemption cap")
	expiryDays := flag.Int64("expiry-days", 30, "days until expiry")
	price := flag.String("price", "0", "price in the payment token's smallest unit")
	metadataPath := flag.String("metadata", "", "metadata JSON file to hash (required)")
	cid := flag.String("cid", "", "IPFS CID of the metadata (required)")
	nonceFlag := flag.String("nonce", "", "issuance nonce; defaults to the current unix time")
	flag.Parse()

	if *keyHex == "" || *metadataPath == "" || *cid == "" || !common.IsHexAddress(*contract) {
		fmt.Fprintln(os.Stderr, "error: --key, --contract, --metadata and --cid are required")
		os.Exit(1)
	}

	key, err := crypto.HexToECDSA(*keyHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse key: %v\n", err)
		os.Exit(1)
	}
	merchant := crypto.PubkeyToAddress(key.PublicKey)

	raw, err := os.ReadFile(*metadataPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read metadata: %v\n", err)
		os.Exit(1)
	}

	priceInt, ok := new(big.Int).SetString(*price, 10)
	if !ok {
		fmt.Fprintln(os.Stderr, "error: --price must be a decimal integer")
		os.Exit(1)
	}
	nonce := big.NewInt(time.Now().Unix())
	if *nonceFlag != "" {
		if nonce, ok = new(big.Int).SetString(*nonceFlag, 10); !ok {
			fmt.Fprintln(os.Stderr, "error: --nonce must be a decimal integer")
			os.Exit(1)
		}
	}

	d := &voucher.VoucherData{
		VoucherID:    voucher.DeriveVoucherID(merchant, nonce),
		Merchant:     merchant,
		MaxMint:      *maxMint,
		Expiry:       time.Now().AddDate(0, 0, int(*expiryDays)).Unix(),
		MetadataHash: voucher.HashMetadata(raw),
		MetadataCID:  *cid,
		Price:        priceInt,
		Nonce:        nonce,
	}

	contractAddr := common.HexToAddress(*contract)
	sig, err := voucher.Sign(d, key, big.NewInt(*chainID), contractAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign: %v\n", err)
		os.Exit(1)
	}

	// The same shape the API accepts.
	payload := map[string]interface{}{
		"chainId": *chainID,
		"voucher": map[string]interface{}{
			"voucherId":    d.VoucherID.String(),
			"merchant":     d.Merchant.Hex(),
			"maxMint":      d.MaxMint,
			"expiry":       d.Expiry,
			"metadataHash": d.MetadataHash.Hex(),
			"metadataCID":  d.MetadataCID,
			"price":        d.Price.String(),
			"nonce":        d.Nonce.String(),
		},
		"signature": "0x" + hex.EncodeToString(sig),
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode payload: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))

	// Wallet-compatible typed data for anyone who wants to re-sign in a
	// browser instead.
	typed := voucher.BuildTypedData(*chainID, contractAddr, d)
	fmt.Fprintf(os.Stderr, "\nvoucherId: %s\ntyped data domain: %s v%s chain %d\n",
		d.ID(), typed.Domain.Name, typed.Domain.Version, *chainID)
}

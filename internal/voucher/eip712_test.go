package voucher

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	testChainID      = big.NewInt(11155111)
	testContractAddr = common.HexToAddress("0x219F72e753309fAaF455EcE5608c4E5195B369d0")
)

// ── DeriveVoucherID ────────────────────────────────────────────────────────

func TestDeriveVoucherID_Deterministic(t *testing.T) {
	m := common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
	id1 := DeriveVoucherID(m, big.NewInt(7))
	id2 := DeriveVoucherID(m, big.NewInt(7))
	if id1.Cmp(id2) != 0 {
		t.Fatal("DeriveVoucherID is not deterministic")
	}
}

func TestDeriveVoucherID_CaseInsensitiveMerchant(t *testing.T) {
	lower := common.HexToAddress("0x90f79bf6eb2c4f870365e785982e1f101e93b906")
	upper := common.HexToAddress("0x90F79BF6EB2C4F870365E785982E1F101E93B906")
	if DeriveVoucherID(lower, big.NewInt(1)).Cmp(DeriveVoucherID(upper, big.NewInt(1))) != 0 {
		t.Fatal("derivation must canonicalize the merchant address")
	}
}

func TestDeriveVoucherID_DifferentNonce(t *testing.T) {
	m := common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
	if DeriveVoucherID(m, big.NewInt(1)).Cmp(DeriveVoucherID(m, big.NewInt(2))) == 0 {
		t.Fatal("different nonces should produce different ids")
	}
}

func TestDeriveVoucherID_DifferentMerchant(t *testing.T) {
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")
	if DeriveVoucherID(a, big.NewInt(1)).Cmp(DeriveVoucherID(b, big.NewInt(1))) == 0 {
		t.Fatal("different merchants should produce different ids")
	}
}

// ── HashMetadata ───────────────────────────────────────────────────────────

func TestHashMetadata_Deterministic(t *testing.T) {
	raw := []byte(`{"name":"20% off","description":"espresso"}`)
	if HashMetadata(raw) != HashMetadata(raw) {
		t.Fatal("HashMetadata is not deterministic")
	}
}

func TestHashMetadata_WhitespaceSensitive(t *testing.T) {
	a := HashMetadata([]byte(`{"name":"x"}`))
	b := HashMetadata([]byte(`{"name": "x"}`))
	if a == b {
		t.Fatal("metadata hashing must be byte-exact, not semantic")
	}
}

// ── EIP-712 Sign + Verify ──────────────────────────────────────────────────

func newTestVoucher(t *testing.T) (*VoucherData, []byte, common.Address) {
	t.Helper()
	privKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	merchant := crypto.PubkeyToAddress(privKey.PublicKey)

	nonce := big.NewInt(7)
	d := &VoucherData{
		VoucherID:    DeriveVoucherID(merchant, nonce),
		Merchant:     merchant,
		MaxMint:      100,
		Expiry:       1_900_000_000,
		MetadataHash: HashMetadata([]byte(`{"name":"test"}`)),
		MetadataCID:  "QmTestCID",
		Price:        big.NewInt(50_000_000_000_000_000),
		Nonce:        nonce,
	}

	sig, err := Sign(d, privKey, testChainID, testContractAddr)
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	return d, sig, merchant
}

func TestSign_SignatureLength(t *testing.T) {
	_, sig, _ := newTestVoucher(t)
	if len(sig) != 65 {
		t.Fatalf("expected 65-byte signature, got %d", len(sig))
	}
}

func TestVerify_Roundtrip(t *testing.T) {
	d, sig, merchant := newTestVoucher(t)
	recovered, err := Verify(d, sig, testChainID, testContractAddr)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if recovered != merchant {
		t.Fatalf("recovered %s, want %s", recovered.Hex(), merchant.Hex())
	}
}

func TestVerify_NormalizedV(t *testing.T) {
	d, sig, _ := newTestVoucher(t)
	// Already-normalized V (0/1) must verify too.
	raw := make([]byte, 65)
	copy(raw, sig)
	raw[64] -= 27
	if _, err := Verify(d, raw, testChainID, testContractAddr); err != nil {
		t.Fatalf("Verify with V in {0,1}: %v", err)
	}
}

func TestVerify_MutatedFieldFails(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(d *VoucherData)
	}{
		{"voucherId", func(d *VoucherData) { d.VoucherID = new(big.Int).Add(d.VoucherID, big.NewInt(1)) }},
		{"merchant", func(d *VoucherData) { d.Merchant = common.HexToAddress("0x3333333333333333333333333333333333333333") }},
		{"maxMint", func(d *VoucherData) { d.MaxMint++ }},
		{"expiry", func(d *VoucherData) { d.Expiry++ }},
		{"metadataHash", func(d *VoucherData) { d.MetadataHash = HashMetadata([]byte("other")) }},
		{"metadataCID", func(d *VoucherData) { d.MetadataCID = "QmOtherCID" }},
		{"price", func(d *VoucherData) { d.Price = new(big.Int).Add(d.Price, big.NewInt(1)) }},
		{"nonce", func(d *VoucherData) { d.Nonce = new(big.Int).Add(d.Nonce, big.NewInt(1)) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, sig, _ := newTestVoucher(t)
			cp := *d
			tc.mutate(&cp)
			if _, err := Verify(&cp, sig, testChainID, testContractAddr); !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("mutated %s: want ErrInvalidSignature, got %v", tc.name, err)
			}
		})
	}
}

func TestVerify_ChainIDMismatchFailsClosed(t *testing.T) {
	// Signature produced under Sepolia must not verify against mainnet.
	d, sig, _ := newTestVoucher(t)
	if _, err := Verify(d, sig, big.NewInt(1), testContractAddr); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("want ErrInvalidSignature on chainId mismatch, got %v", err)
	}
}

func TestVerify_ContractMismatchFails(t *testing.T) {
	d, sig, _ := newTestVoucher(t)
	other := common.HexToAddress("0x0d96F0eB897E59e278dD324DE89e31Bc75F2d523")
	if _, err := Verify(d, sig, testChainID, other); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("want ErrInvalidSignature on verifyingContract mismatch, got %v", err)
	}
}

func TestVerify_BadLength(t *testing.T) {
	d, sig, _ := newTestVoucher(t)
	if _, err := Verify(d, sig[:64], testChainID, testContractAddr); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("want ErrInvalidSignature on short signature, got %v", err)
	}
}

func TestVerify_WrongSignerFails(t *testing.T) {
	d, _, _ := newTestVoucher(t)
	otherKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := Sign(d, otherKey, testChainID, testContractAddr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(d, sig, testChainID, testContractAddr); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("want ErrInvalidSignature for non-merchant signer, got %v", err)
	}
}

// ── BuildTypedData ─────────────────────────────────────────────────────────

func TestBuildTypedData_FieldOrder(t *testing.T) {
	d, _, _ := newTestVoucher(t)
	td := BuildTypedData(testChainID.Int64(), testContractAddr, d)

	want := []string{"voucherId", "merchant", "maxMint", "expiry", "metadataHash", "metadataCID", "price", "nonce"}
	fields := td.Types["VoucherData"]
	if len(fields) != len(want) {
		t.Fatalf("got %d fields, want %d", len(fields), len(want))
	}
	for i, f := range fields {
		if f.Name != want[i] {
			t.Errorf("field %d: got %q, want %q", i, f.Name, want[i])
		}
	}
	if td.PrimaryType != "VoucherData" {
		t.Errorf("primaryType: got %q", td.PrimaryType)
	}
	if td.Domain.Name != DomainName || td.Domain.Version != DomainVersion {
		t.Errorf("domain: got %+v", td.Domain)
	}
}

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/redis/go-redis/v9"

	"github.com/voucherlabs/voucherd/internal/voucher"
)

// Redis key templates
const (
	recordKeyFmt      = "voucher:record:%s"       // %s = voucher id (0x hex)
	redemptionsKeyFmt = "voucher:redemptions:%s"  // list of RedemptionEntry JSON
	statusIndexFmt    = "voucher:index:status:%s" // set of voucher ids
	merchantIndexFmt  = "voucher:index:merchant:%s"
	voucherIDSetKey   = "voucher:ids"
	nonceSetKey       = "voucher:nonces"
)

// The voucher record is the unit of mutual exclusion. Every state-mutating
// operation is a single server-side script, so check-and-write is atomic
// without in-process locks: concurrent submits of the same identity and
// concurrent redemptions against the same cap serialize inside Redis.
var (
	// insertScript: reject when voucherId or nonce was ever seen, otherwise
	// reserve both, write the record hash and index it. KEYS = {idSet,
	// nonceSet, record, statusIndex, merchantIndex}; ARGV = {id, nonce,
	// field, value, ...}.
	insertScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then return 'dup' end
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then return 'dup' end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
for i = 3, #ARGV - 1, 2 do
	redis.call('HSET', KEYS[3], ARGV[i], ARGV[i + 1])
end
redis.call('SADD', KEYS[4], ARGV[1])
redis.call('SADD', KEYS[5], ARGV[1])
return 'ok'
`)

	// transitionScript: pending -> approved|rejected, recording one extra
	// field (approved_tx or notes). KEYS = {record, pendingIndex,
	// targetIndex}; ARGV = {id, targetStatus, field, value}.
	transitionScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return 'not_found' end
if st ~= 'pending' then return 'conflict:' .. st end
redis.call('HSET', KEYS[1], 'status', ARGV[2], ARGV[3], ARGV[4])
redis.call('SMOVE', KEYS[2], KEYS[3], ARGV[1])
return 'ok'
`)

	// redeemScript: the accumulator. Status, expiry and cap are checked and
	// the entry appended in one step; the status flips to redeemed in the
	// same step when the cap is reached, so at most one caller observes the
	// flip. KEYS = {record, redemptions, approvedIndex, redeemedIndex};
	// ARGV = {id, amount, now, entryJSON}.
	redeemScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return 'not_found' end
if st ~= 'approved' then return 'conflict:' .. st end
if tonumber(ARGV[3]) >= tonumber(redis.call('HGET', KEYS[1], 'expiry')) then return 'expired' end
local max = tonumber(redis.call('HGET', KEYS[1], 'max_mint'))
local total = tonumber(redis.call('HGET', KEYS[1], 'redeemed_total')) or 0
local amount = tonumber(ARGV[2])
if total + amount > max then return 'cap:' .. tostring(total) end
total = total + amount
redis.call('HSET', KEYS[1], 'redeemed_total', tostring(total))
redis.call('RPUSH', KEYS[2], ARGV[4])
local newst = 'approved'
if total >= max then
	redis.call('HSET', KEYS[1], 'status', 'redeemed')
	redis.call('SMOVE', KEYS[3], KEYS[4], ARGV[1])
	newst = 'redeemed'
end
return {tostring(total), newst}
`)

	// mintedScript: informational counter, existence-checked only.
	// KEYS = {record}; ARGV = {minted}.
	mintedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
redis.call('HSET', KEYS[1], 'minted', ARGV[1])
return 'ok'
`)
)

// Store persists SignedVouchers in Redis.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func recordKey(id string) string      { return fmt.Sprintf(recordKeyFmt, id) }
func redemptionsKey(id string) string { return fmt.Sprintf(redemptionsKeyFmt, id) }
func statusKey(s voucher.Status) string {
	return fmt.Sprintf(statusIndexFmt, string(s))
}
func merchantKey(merchant string) string {
	return fmt.Sprintf(merchantIndexFmt, strings.ToLower(merchant))
}

// Insert stores rec with the (voucherId, nonce) uniqueness invariant enforced
// atomically. A duplicate on either dimension returns ErrDuplicateVoucher
// and leaves the store untouched.
func (s *Store) Insert(ctx context.Context, rec *voucher.SignedVoucher) error {
	id := rec.ID()
	keys := []string{
		voucherIDSetKey,
		nonceSetKey,
		recordKey(id),
		statusKey(rec.Status),
		merchantKey(rec.Merchant.Hex()),
	}
	argv := append([]interface{}{id, rec.Nonce.String()}, recordFields(rec)...)

	res, err := insertScript.Run(ctx, s.rdb, keys, argv...).Text()
	if err != nil {
		return fmt.Errorf("insert voucher: %w", err)
	}
	if res == "dup" {
		return fmt.Errorf("%w: voucherId or nonce already stored", voucher.ErrDuplicateVoucher)
	}
	return nil
}

// Get loads a full record, redemption log included.
func (s *Store) Get(ctx context.Context, id string) (*voucher.SignedVoucher, error) {
	vals, err := s.rdb.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get voucher: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: voucher %s", voucher.ErrNotFound, id)
	}
	rec, err := recordFromMap(vals)
	if err != nil {
		return nil, fmt.Errorf("decode voucher %s: %w", id, err)
	}

	raw, err := s.rdb.LRange(ctx, redemptionsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get redemptions: %w", err)
	}
	for _, item := range raw {
		var e voucher.RedemptionEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode redemption entry: %w", err)
		}
		rec.Redemptions = append(rec.Redemptions, e)
	}
	return rec, nil
}

// Approve transitions pending -> approved, recording the approval tx.
func (s *Store) Approve(ctx context.Context, id, txHash string) (*voucher.SignedVoucher, error) {
	return s.transition(ctx, id, voucher.StatusApproved, "approved_tx", txHash)
}

// Reject transitions pending -> rejected, recording optional notes.
func (s *Store) Reject(ctx context.Context, id, notes string) (*voucher.SignedVoucher, error) {
	return s.transition(ctx, id, voucher.StatusRejected, "notes", notes)
}

func (s *Store) transition(ctx context.Context, id string, target voucher.Status, field, value string) (*voucher.SignedVoucher, error) {
	keys := []string{recordKey(id), statusKey(voucher.StatusPending), statusKey(target)}
	res, err := transitionScript.Run(ctx, s.rdb, keys, id, string(target), field, value).Text()
	if err != nil {
		return nil, fmt.Errorf("transition voucher: %w", err)
	}
	switch {
	case res == "not_found":
		return nil, fmt.Errorf("%w: voucher %s", voucher.ErrNotFound, id)
	case strings.HasPrefix(res, "conflict:"):
		return nil, fmt.Errorf("%w: cannot move %s voucher to %s",
			voucher.ErrInvalidTransition, strings.TrimPrefix(res, "conflict:"), target)
	}
	return s.Get(ctx, id)
}

// AppendRedemptionIfUnderCap appends e unless the accumulated total would
// exceed maxMint. The cap check, the append and the possible flip to
// redeemed happen in one atomic script; under N concurrent calls the sum of
// accepted amounts never exceeds the cap.
func (s *Store) AppendRedemptionIfUnderCap(ctx context.Context, id string, e voucher.RedemptionEntry, now int64) (uint64, voucher.Status, error) {
	entry, err := json.Marshal(e)
	if err != nil {
		return 0, "", fmt.Errorf("marshal redemption: %w", err)
	}
	keys := []string{
		recordKey(id),
		redemptionsKey(id),
		statusKey(voucher.StatusApproved),
		statusKey(voucher.StatusRedeemed),
	}
	res, err := redeemScript.Run(ctx, s.rdb, keys, id, e.Amount, now, string(entry)).Result()
	if err != nil {
		return 0, "", fmt.Errorf("append redemption: %w", err)
	}

	switch v := res.(type) {
	case string:
		switch {
		case v == "not_found":
			return 0, "", fmt.Errorf("%w: voucher %s", voucher.ErrNotFound, id)
		case v == "expired":
			return 0, "", fmt.Errorf("%w: voucher %s", voucher.ErrExpired, id)
		case strings.HasPrefix(v, "conflict:"):
			return 0, "", fmt.Errorf("%w: voucher is %s, not approved",
				voucher.ErrInvalidTransition, strings.TrimPrefix(v, "conflict:"))
		case strings.HasPrefix(v, "cap:"):
			total, _ := strconv.ParseUint(strings.TrimPrefix(v, "cap:"), 10, 64)
			return total, "", fmt.Errorf("%w: %d already redeemed", voucher.ErrCapExceeded, total)
		}
	case []interface{}:
		if len(v) == 2 {
			total, _ := strconv.ParseUint(fmt.Sprint(v[0]), 10, 64)
			return total, voucher.Status(fmt.Sprint(v[1])), nil
		}
	}
	return 0, "", fmt.Errorf("append redemption: unexpected script reply %v", res)
}

// SetMinted records the on-chain minted tally. Informational only.
func (s *Store) SetMinted(ctx context.Context, id string, minted uint64) error {
	res, err := mintedScript.Run(ctx, s.rdb, []string{recordKey(id)}, minted).Text()
	if err != nil {
		return fmt.Errorf("set minted: %w", err)
	}
	if res == "not_found" {
		return fmt.Errorf("%w: voucher %s", voucher.ErrNotFound, id)
	}
	return nil
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Status   voucher.Status
	Merchant string // hex address, any case
	Page     int    // 1-based
	Limit    int    // defaults to 10
}

// List returns matching records sorted newest-first, paginated.
func (s *Store) List(ctx context.Context, f Filter) ([]*voucher.SignedVoucher, error) {
	indexKey := voucherIDSetKey
	if f.Status != "" {
		indexKey = statusKey(f.Status)
	} else if f.Merchant != "" {
		indexKey = merchantKey(f.Merchant)
	}

	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list vouchers: %w", err)
	}

	out := make([]*voucher.SignedVoucher, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			continue // index entry ahead of a deleted-by-ops record
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.Merchant != "" && !strings.EqualFold(rec.Merchant.Hex(), f.Merchant) {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID() < out[j].ID()
	})

	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(out) {
		return []*voucher.SignedVoucher{}, nil
	}
	end := start + limit
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func recordFields(rec *voucher.SignedVoucher) []interface{} {
	return []interface{}{
		"voucher_id", rec.VoucherID.String(),
		"merchant", strings.ToLower(rec.Merchant.Hex()),
		"max_mint", strconv.FormatUint(rec.MaxMint, 10),
		"expiry", strconv.FormatInt(rec.Expiry, 10),
		"metadata_hash", rec.MetadataHash.Hex(),
		"metadata_cid", rec.MetadataCID,
		"price", rec.Price.String(),
		"nonce", rec.Nonce.String(),
		"signature", hexutil.Encode(rec.Signature),
		"chain_id", strconv.FormatInt(rec.ChainID, 10),
		"status", string(rec.Status),
		"approved_tx", rec.ApprovedTx,
		"notes", rec.Notes,
		"minted", strconv.FormatUint(rec.Minted, 10),
		"redeemed_total", strconv.FormatUint(rec.RedeemedTotal, 10),
		"created_at", strconv.FormatInt(rec.CreatedAt, 10),
	}
}

func recordFromMap(m map[string]string) (*voucher.SignedVoucher, error) {
	voucherID, ok := new(big.Int).SetString(m["voucher_id"], 10)
	if !ok {
		return nil, fmt.Errorf("bad voucher_id %q", m["voucher_id"])
	}
	price, ok := new(big.Int).SetString(m["price"], 10)
	if !ok {
		return nil, fmt.Errorf("bad price %q", m["price"])
	}
	nonce, ok := new(big.Int).SetString(m["nonce"], 10)
	if !ok {
		return nil, fmt.Errorf("bad nonce %q", m["nonce"])
	}
	sig, err := hexutil.Decode(m["signature"])
	if err != nil {
		return nil, fmt.Errorf("bad signature: %w", err)
	}

	maxMint, _ := strconv.ParseUint(m["max_mint"], 10, 64)
	expiry, _ := strconv.ParseInt(m["expiry"], 10, 64)
	chainID, _ := strconv.ParseInt(m["chain_id"], 10, 64)
	minted, _ := strconv.ParseUint(m["minted"], 10, 64)
	redeemedTotal, _ := strconv.ParseUint(m["redeemed_total"], 10, 64)
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)

	return &voucher.SignedVoucher{
		VoucherData: voucher.VoucherData{
			VoucherID:    voucherID,
			Merchant:     common.HexToAddress(m["merchant"]),
			MaxMint:      maxMint,
			Expiry:       expiry,
			MetadataHash: common.HexToHash(m["metadata_hash"]),
			MetadataCID:  m["metadata_cid"],
			Price:        price,
			Nonce:        nonce,
		},
		Signature:     sig,
		ChainID:       chainID,
		Status:        voucher.Status(m["status"]),
		ApprovedTx:    m["approved_tx"],
		Notes:         m["notes"],
		Minted:        minted,
		RedeemedTotal: redeemedTotal,
		CreatedAt:     createdAt,
	}, nil
}

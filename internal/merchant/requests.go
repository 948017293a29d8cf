// Package merchant tracks onboarding requests from wallets that want to be
// added to the on-chain merchant registry. Approval here is advisory: the
// registry contract remains the source of truth for issuance authority, and
// an approved request only signals that an operator should (or did) send the
// on-chain registration transaction.
package merchant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/voucherlabs/voucherd/internal/voucher"
)

// ErrDuplicateRequest is returned when a wallet or business name already has
// a request on file.
var ErrDuplicateRequest = errors.New("duplicate merchant request")

const (
	requestKeyFmt    = "merchant:request:%s"         // hash, keyed by lowercase address
	requestStatusFmt = "merchant:requests:status:%s" // set of lowercase addresses
	requestNameSet   = "merchant:request:names"      // registered business names, lowercase
	requestAddrSet   = "merchant:request:addrs"      // all requester addresses, lowercase
)

// Request is one wallet's application to become a registered merchant.
type Request struct {
	Address     string         `json:"address"` // lowercase hex
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Contact     string         `json:"contact"`
	ChainID     int64          `json:"chainId"`
	Status      voucher.Status `json:"status"`
	Notes       string         `json:"notes,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
	ReviewedAt  int64          `json:"reviewedAt,omitempty"`
}

var (
	// One request per wallet and per business name, enforced atomically.
	// KEYS = {addrSet, nameSet, record, pendingIndex};
	// ARGV = {addr, name, field, value, ...}.
	submitScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then return 'dup' end
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then return 'dup' end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
for i = 3, #ARGV - 1, 2 do
	redis.call('HSET', KEYS[3], ARGV[i], ARGV[i + 1])
end
redis.call('SADD', KEYS[4], ARGV[1])
return 'ok'
`)

	// KEYS = {record, pendingIndex, targetIndex};
	// ARGV = {addr, targetStatus, notes, reviewedAt}.
	reviewScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return 'not_found' end
if st ~= 'pending' then return 'conflict:' .. st end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'notes', ARGV[3], 'reviewed_at', ARGV[4])
redis.call('SMOVE', KEYS[2], KEYS[3], ARGV[1])
return 'ok'
`)
)

// Store persists merchant requests in Redis.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func requestKey(addr string) string {
	return fmt.Sprintf(requestKeyFmt, strings.ToLower(addr))
}

func statusKey(s voucher.Status) string {
	return fmt.Sprintf(requestStatusFmt, string(s))
}

// Submit files a new pending request. The wallet address and the business
// name must both be unused.
func (s *Store) Submit(ctx context.Context, address common.Address, name, description, contact string, chainID int64) (*Request, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: business name is required", voucher.ErrValidation)
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("%w: chainId is required", voucher.ErrValidation)
	}

	req := &Request{
		Address:     strings.ToLower(address.Hex()),
		Name:        name,
		Description: description,
		Contact:     contact,
		ChainID:     chainID,
		Status:      voucher.StatusPending,
		CreatedAt:   s.now().Unix(),
	}

	keys := []string{requestAddrSet, requestNameSet, requestKey(req.Address), statusKey(voucher.StatusPending)}
	argv := []interface{}{
		req.Address, strings.ToLower(name),
		"address", req.Address,
		"name", req.Name,
		"description", req.Description,
		"contact", req.Contact,
		"chain_id", strconv.FormatInt(req.ChainID, 10),
		"status", string(req.Status),
		"created_at", strconv.FormatInt(req.CreatedAt, 10),
	}
	res, err := submitScript.Run(ctx, s.rdb, keys, argv...).Text()
	if err != nil {
		return nil, fmt.Errorf("submit merchant request: %w", err)
	}
	if res == "dup" {
		return nil, fmt.Errorf("%w: address or name already requested", ErrDuplicateRequest)
	}
	return req, nil
}

// Get returns the request filed by addr.
func (s *Store) Get(ctx context.Context, addr string) (*Request, error) {
	vals, err := s.rdb.HGetAll(ctx, requestKey(addr)).Result()
	if err != nil {
		return nil, fmt.Errorf("get merchant request: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: merchant request %s", voucher.ErrNotFound, strings.ToLower(addr))
	}
	return requestFromMap(vals), nil
}

// Approve marks a pending request approved. The caller is expected to follow
// up with the on-chain registry transaction.
func (s *Store) Approve(ctx context.Context, addr, notes string) (*Request, error) {
	return s.review(ctx, addr, voucher.StatusApproved, notes)
}

// Reject marks a pending request rejected.
func (s *Store) Reject(ctx context.Context, addr, notes string) (*Request, error) {
	return s.review(ctx, addr, voucher.StatusRejected, notes)
}

func (s *Store) review(ctx context.Context, addr string, target voucher.Status, notes string) (*Request, error) {
	lower := strings.ToLower(addr)
	keys := []string{requestKey(lower), statusKey(voucher.StatusPending), statusKey(target)}
	argv := []interface{}{lower, string(target), notes, strconv.FormatInt(s.now().Unix(), 10)}

	res, err := reviewScript.Run(ctx, s.rdb, keys, argv...).Text()
	if err != nil {
		return nil, fmt.Errorf("review merchant request: %w", err)
	}
	switch {
	case res == "not_found":
		return nil, fmt.Errorf("%w: merchant request %s", voucher.ErrNotFound, lower)
	case strings.HasPrefix(res, "conflict:"):
		return nil, fmt.Errorf("%w: request is %s, not pending", voucher.ErrInvalidTransition, strings.TrimPrefix(res, "conflict:"))
	}
	return s.Get(ctx, lower)
}

// List returns requests, optionally restricted to one status, newest first.
func (s *Store) List(ctx context.Context, status voucher.Status) ([]*Request, error) {
	indexKey := requestAddrSet
	if status != "" {
		if status == voucher.StatusRedeemed || !status.Valid() {
			return nil, fmt.Errorf("%w: unknown request status %q", voucher.ErrValidation, status)
		}
		indexKey = statusKey(status)
	}
	addrs, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list merchant requests: %w", err)
	}

	out := make([]*Request, 0, len(addrs))
	for _, addr := range addrs {
		req, err := s.Get(ctx, addr)
		if err != nil {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

func requestFromMap(m map[string]string) *Request {
	chainID, _ := strconv.ParseInt(m["chain_id"], 10, 64)
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	reviewedAt, _ := strconv.ParseInt(m["reviewed_at"], 10, 64)
	return &Request{
		Address:     m["address"],
		Name:        m["name"],
		Description: m["description"],
		Contact:     m["contact"],
		ChainID:     chainID,
		Status:      voucher.Status(m["status"]),
		Notes:       m["notes"],
		CreatedAt:   createdAt,
		ReviewedAt:  reviewedAt,
	}
}

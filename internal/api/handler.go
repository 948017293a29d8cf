// Package api exposes the voucher engine over HTTP.
package api

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voucherlabs/voucherd/internal/auth"
	"github.com/voucherlabs/voucherd/internal/confirm"
	"github.com/voucherlabs/voucherd/internal/ledger"
	"github.com/voucherlabs/voucherd/internal/merchant"
	"github.com/voucherlabs/voucherd/internal/registry"
	"github.com/voucherlabs/voucherd/internal/voucher"
)

// Handler wires all voucher routes onto a Gin engine.
type Handler struct {
	ledger   *ledger.Ledger
	requests *merchant.Store
	verifier *auth.Verifier
	tokens   map[int64]registry.BalanceReader // chainId -> ERC-1155 reader
	rdb      *redis.Client
	log      *zap.Logger
}

func NewHandler(l *ledger.Ledger, requests *merchant.Store, verifier *auth.Verifier, tokens map[int64]registry.BalanceReader, rdb *redis.Client, log *zap.Logger) *Handler {
	return &Handler{
		ledger:   l,
		requests: requests,
		verifier: verifier,
		tokens:   tokens,
		rdb:      rdb,
		log:      log,
	}
}

// Register mounts all routes.
//
// Submission and reads are open: the voucher carries its own proof and the
// registry gate decides authority. Moderation requires an allowlisted admin
// wallet; redemption and merchant applications require a wallet signature so
// the acting address is the recovered signer, not a request field.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	// ── Vouchers ───────────────────────────────────────────────────────────
	api.POST("/vouchers", h.handleSubmit)
	api.GET("/vouchers", h.handleList)
	api.GET("/vouchers/:id", h.handleGet)
	api.PUT("/vouchers/:id/approve", h.verifier.RequireAdmin(), h.handleApprove)
	api.PUT("/vouchers/:id/reject", h.verifier.RequireAdmin(), h.handleReject)
	api.PUT("/vouchers/:id/minted", h.verifier.RequireAdmin(), h.handleSetMinted)
	api.PUT("/vouchers/:id/redeem", h.verifier.RequireSignature(), h.handleRedeem)

	// ── Merchant onboarding ────────────────────────────────────────────────
	api.POST("/merchants/requests", h.verifier.RequireSignature(), h.handleRequestSubmit)
	api.GET("/merchants/requests", h.verifier.RequireAdmin(), h.handleRequestList)
	api.GET("/merchants/requests/:address", h.handleRequestGet)
	api.PUT("/merchants/requests/:address/approve", h.verifier.RequireAdmin(), h.handleRequestApprove)
	api.PUT("/merchants/requests/:address/reject", h.verifier.RequireAdmin(), h.handleRequestReject)
}

// ── Submission ──────────────────────────────────────────────────────────────

// submitRequest mirrors what a wallet frontend produces after
// eth_signTypedData_v4: uint256 values as decimal strings, hashes and the
// signature as 0x hex.
type submitRequest struct {
	ChainID   int64          `json:"chainId"`
	Voucher   voucherPayload `json:"voucher"`
	Signature string         `json:"signature"`
}

type voucherPayload struct {
	VoucherID    string `json:"voucherId"`
	Merchant     string `json:"merchant"`
	MaxMint      uint64 `json:"maxMint"`
	Expiry       int64  `json:"expiry"`
	MetadataHash string `json:"metadataHash"`
	MetadataCID  string `json:"metadataCID"`
	Price        string `json:"price"`
	Nonce        string `json:"nonce"`
}

func (h *Handler) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	d, err := req.Voucher.toData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sig, err := decodeHex(req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature hex"})
		return
	}

	rec, err := h.ledger.Submit(c.Request.Context(), req.ChainID, d, sig)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (p *voucherPayload) toData() (*voucher.VoucherData, error) {
	if !common.IsHexAddress(p.Merchant) {
		return nil, errors.New("invalid merchant address")
	}
	voucherID, ok := new(big.Int).SetString(p.VoucherID, 10)
	if !ok {
		return nil, errors.New("voucherId must be a decimal string")
	}
	price, ok := new(big.Int).SetString(p.Price, 10)
	if !ok {
		return nil, errors.New("price must be a decimal string")
	}
	nonce, ok := new(big.Int).SetString(p.Nonce, 10)
	if !ok {
		return nil, errors.New("nonce must be a decimal string")
	}
	return &voucher.VoucherData{
		VoucherID:    voucherID,
		Merchant:     common.HexToAddress(p.Merchant),
		MaxMint:      p.MaxMint,
		Expiry:       p.Expiry,
		MetadataHash: common.HexToHash(p.MetadataHash),
		MetadataCID:  p.MetadataCID,
		Price:        price,
		Nonce:        nonce,
	}, nil
}

// ── Reads ───────────────────────────────────────────────────────────────────

func (h *Handler) handleGet(c *gin.Context) {
	rec, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) handleList(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	f := ledger.Filter{
		Status:   voucher.Status(c.Query("status")),
		Merchant: c.Query("merchant"),
		Page:     page,
		Limit:    limit,
	}

	recs, err := h.ledger.List(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if owner := c.Query("owner"); owner != "" {
		if !common.IsHexAddress(owner) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner address"})
			return
		}
		recs = h.filterByHolder(c, recs, common.HexToAddress(owner))
		if c.IsAborted() {
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"vouchers": recs, "count": len(recs)})
}

// filterByHolder keeps vouchers whose ERC-1155 balance for owner is nonzero.
func (h *Handler) filterByHolder(c *gin.Context, recs []*voucher.SignedVoucher, owner common.Address) []*voucher.SignedVoucher {
	held := recs[:0]
	for _, rec := range recs {
		token, ok := h.tokens[rec.ChainID]
		if !ok {
			continue
		}
		bal, err := token.BalanceOf(c.Request.Context(), owner, rec.VoucherID)
		if err != nil {
			h.log.Warn("balance lookup failed",
				zap.String("voucher", rec.ID()),
				zap.Int64("chain_id", rec.ChainID),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "token balance lookup failed"})
			return nil
		}
		if bal.Sign() > 0 {
			held = append(held, rec)
		}
	}
	return held
}

// ── Moderation ──────────────────────────────────────────────────────────────

func (h *Handler) handleApprove(c *gin.Context) {
	var body struct {
		TxHash string `json:"txHash"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	rec, err := h.ledger.Approve(c.Request.Context(), c.Param("id"), body.TxHash)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.enqueueConfirm(c, rec.ID(), rec.ChainID, body.TxHash, "approval")
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) handleReject(c *gin.Context) {
	var body struct {
		Notes string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	rec, err := h.ledger.Reject(c.Request.Context(), c.Param("id"), body.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) handleSetMinted(c *gin.Context) {
	var body struct {
		Minted uint64 `json:"minted"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	if err := h.ledger.SetMinted(c.Request.Context(), c.Param("id"), body.Minted); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ── Redemption ──────────────────────────────────────────────────────────────

func (h *Handler) handleRedeem(c *gin.Context) {
	var body struct {
		Amount uint64 `json:"amount"`
		TxHash string `json:"txHash"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	// The redeemer is the recovered signer of the request envelope, never a
	// body field.
	redeemer := common.HexToAddress(c.GetString(auth.CtxWalletAddress))

	res, err := h.ledger.Redeem(c.Request.Context(), c.Param("id"), redeemer, body.Amount, body.TxHash)
	if err != nil {
		h.writeError(c, err)
		return
	}

	rec, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.enqueueConfirm(c, rec.ID(), rec.ChainID, body.TxHash, "redemption")
	c.JSON(http.StatusOK, gin.H{
		"voucher":       rec,
		"redeemedTotal": res.NewTotal,
		"status":        res.Status,
	})
}

// ── Merchant onboarding ─────────────────────────────────────────────────────

func (h *Handler) handleRequestSubmit(c *gin.Context) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Contact     string `json:"contact"`
		ChainID     int64  `json:"chainId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	// Applications are filed for the signing wallet only.
	applicant := common.HexToAddress(c.GetString(auth.CtxWalletAddress))

	req, err := h.requests.Submit(c.Request.Context(), applicant, body.Name, body.Description, body.Contact, body.ChainID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (h *Handler) handleRequestList(c *gin.Context) {
	reqs, err := h.requests.List(c.Request.Context(), voucher.Status(c.Query("status")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs, "count": len(reqs)})
}

func (h *Handler) handleRequestGet(c *gin.Context) {
	addr := c.Param("address")
	if !common.IsHexAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}
	req, err := h.requests.Get(c.Request.Context(), addr)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) handleRequestApprove(c *gin.Context) {
	h.reviewRequest(c, h.requests.Approve)
}

func (h *Handler) handleRequestReject(c *gin.Context) {
	h.reviewRequest(c, h.requests.Reject)
}

func (h *Handler) reviewRequest(c *gin.Context, review func(ctx context.Context, addr, notes string) (*merchant.Request, error)) {
	addr := c.Param("address")
	if !common.IsHexAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	req, err := review(c.Request.Context(), addr, body.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func (h *Handler) enqueueConfirm(c *gin.Context, voucherID string, chainID int64, txHash, kind string) {
	job := confirm.Job{VoucherID: voucherID, ChainID: chainID, TxHash: txHash, Kind: kind}
	if err := confirm.Enqueue(c.Request.Context(), h.rdb, job); err != nil {
		// The state change already landed; losing the follow-up check is
		// worth a log line, not a failed response.
		h.log.Warn("confirm enqueue failed",
			zap.String("voucher", voucherID),
			zap.String("tx", txHash),
			zap.Error(err),
		)
	}
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, voucher.ErrValidation), errors.Is(err, voucher.ErrInvalidSignature):
		status = http.StatusBadRequest
	case errors.Is(err, voucher.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, voucher.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, voucher.ErrDuplicateVoucher),
		errors.Is(err, merchant.ErrDuplicateRequest),
		errors.Is(err, voucher.ErrInvalidTransition),
		errors.Is(err, voucher.ErrCapExceeded):
		status = http.StatusConflict
	case errors.Is(err, voucher.ErrExpired):
		status = http.StatusGone
	}

	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

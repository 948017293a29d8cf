package auth

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// SignedRequest is the JSON envelope carried in X-Signed-Message. Fields are
// alphabetical so client-side JSON.stringify of a sorted object matches the
// signed bytes exactly.
type SignedRequest struct {
	Action     string          `json:"action"`
	ExpiresAt  int64           `json:"expires_at"`
	Nonce      string          `json:"nonce"`
	Payload    json.RawMessage `json:"payload"`
	ResourceID string          `json:"resource_id"`
}

const (
	maxFutureWindow = 5 * time.Minute
	nonceKeyPrefix  = "auth:nonce:"

	// Context keys populated for downstream handlers.
	CtxWalletAddress = "wallet_address"
	CtxSignedRequest = "signed_request"
)

// Verifier validates signed request envelopes and gates admin routes.
type Verifier struct {
	rdb    *redis.Client
	admins map[string]bool // lowercase hex addresses
	now    func() time.Time
}

func NewVerifier(rdb *redis.Client, adminAddrs []string) *Verifier {
	admins := make(map[string]bool, len(adminAddrs))
	for _, a := range adminAddrs {
		admins[strings.ToLower(a)] = true
	}
	return &Verifier{rdb: rdb, admins: admins, now: time.Now}
}

// RequireSignature validates the wallet-signature headers and burns the
// envelope nonce. On success the signer address and the parsed envelope are
// stored on the request context.
func (v *Verifier) RequireSignature() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !v.authenticate(c) {
			return
		}
		c.Next()
	}
}

// RequireAdmin authenticates the envelope and then checks the signer against
// the admin allowlist. The chain only advances once both checks pass.
func (v *Verifier) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !v.authenticate(c) {
			return
		}
		if !v.admins[c.GetString(CtxWalletAddress)] {
			abort(c, http.StatusForbidden, "not an admin wallet")
			return
		}
		c.Next()
	}
}

// authenticate runs the full signature check and reports whether the request
// may proceed. It aborts the context on failure and never advances the chain,
// so callers can layer further checks before their own c.Next().
func (v *Verifier) authenticate(c *gin.Context) bool {
	walletAddr := c.GetHeader("X-Wallet-Address")
	signedMsgB64 := c.GetHeader("X-Signed-Message")
	sigHex := c.GetHeader("X-Wallet-Signature")

	if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
		abort(c, http.StatusUnauthorized, "missing auth headers")
		return false
	}

	msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
	if err != nil {
		abort(c, http.StatusUnauthorized, "invalid X-Signed-Message encoding")
		return false
	}

	var req SignedRequest
	if err := json.Unmarshal(msgBytes, &req); err != nil {
		abort(c, http.StatusUnauthorized, "invalid signed message JSON")
		return false
	}
	if req.Nonce == "" {
		abort(c, http.StatusUnauthorized, "missing nonce")
		return false
	}

	now := v.now().Unix()
	if req.ExpiresAt <= now {
		abort(c, http.StatusUnauthorized, "request expired")
		return false
	}
	if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
		abort(c, http.StatusUnauthorized, "expires_at too far in future")
		return false
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		abort(c, http.StatusUnauthorized, "invalid signature hex")
		return false
	}
	recovered, err := Recover(msgBytes, sig)
	if err != nil || !strings.EqualFold(recovered.Hex(), walletAddr) {
		abort(c, http.StatusUnauthorized, "invalid signature")
		return false
	}

	// Single-use nonce, held until the envelope itself would expire.
	ttl := time.Duration(req.ExpiresAt-now) * time.Second
	set, err := v.rdb.SetNX(c.Request.Context(), nonceKeyPrefix+req.Nonce, 1, ttl).Result()
	if err != nil {
		abort(c, http.StatusInternalServerError, "internal error")
		return false
	}
	if !set {
		abort(c, http.StatusUnauthorized, "nonce already used")
		return false
	}

	c.Set(CtxWalletAddress, strings.ToLower(recovered.Hex()))
	c.Set(CtxSignedRequest, &req)
	return true
}

func abort(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

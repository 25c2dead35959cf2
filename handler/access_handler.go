package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btc_explorer/logger"
	"github.com/btc_explorer/service"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	WalletHeader     = "X-Wallet-Address"
	walletQueryParam = "wallet"
	WalletContextKey = "wallet"
)

var dailyLimitMessage = fmt.Sprintf("Daily free limit exceeded (%d requests/day)", service.DailyFreeLimit)

type AccessHandlerOptions struct {
	PriceUSD decimal.Decimal
	// RequirePaymentProof disables signature-only unlimited grants.
	RequirePaymentProof bool
}

type AccessHandler struct {
	access       *service.AccessService
	payments     service.ProofValidator
	priceUSD     decimal.Decimal
	requireProof bool
}

func NewAccessHandler(access *service.AccessService, payments service.ProofValidator, opts AccessHandlerOptions) *AccessHandler {
	return &AccessHandler{
		access:       access,
		payments:     payments,
		priceUSD:     opts.PriceUSD,
		requireProof: opts.RequirePaymentProof,
	}
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// GET /api/access/check-unlimited?address=
func (h *AccessHandler) CheckUnlimited(c *gin.Context) {
	address := strings.TrimSpace(c.Query("address"))
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}

	rec, err := h.access.UnlimitedRecord(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check unlimited access"})
		return
	}

	resp := unlimitedResponse{}
	if rec != nil {
		activatedAt := rec.ActivatedAt.UTC().Format(time.RFC3339)
		chainName := rec.ChainName
		resp = unlimitedResponse{HasUnlimitedAccess: true, ActivatedAt: &activatedAt, ChainName: &chainName}
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/access/remaining-requests?address=
func (h *AccessHandler) RemainingRequests(c *gin.Context) {
	address := strings.TrimSpace(c.Query("address"))
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}

	status, err := h.access.CheckAccess(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check access"})
		return
	}
	c.JSON(http.StatusOK, remainingResponse{
		Remaining:          status.Remaining(),
		Used:               status.UsedToday,
		Limit:              service.DailyFreeLimit,
		HasUnlimitedAccess: status.IsUnlimited,
	})
}

// GET /api/access/usage-history?address=&page=&size=
func (h *AccessHandler) UsageHistory(c *gin.Context) {
	address := strings.TrimSpace(c.Query("address"))
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}
	page, _ := strconv.Atoi(c.Query("page"))
	size, _ := strconv.Atoi(c.Query("size"))

	records, total, err := h.access.UsageHistory(c.Request.Context(), address, page, size)
	if err != nil {
		logger.Warn("usage history failed", zap.String("wallet", address), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load usage history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "records": records})
}

// POST /api/access/verify-signature
func (h *AccessHandler) VerifySignature(c *gin.Context) {
	var req verifySignatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	switch err := h.access.AuthenticateMessage(req.Address, req.Message, req.Signature); {
	case errors.Is(err, service.ErrMissingTimestamp):
		fail(c, http.StatusBadRequest, "message must include a timestamp")
		return
	case errors.Is(err, service.ErrStaleMessage):
		fail(c, http.StatusUnauthorized, "message has expired")
		return
	case err != nil:
		fail(c, http.StatusUnauthorized, "Invalid signature")
		return
	}

	if req.Tier == "unlimited" {
		h.grantFromSignature(c, &req)
		return
	}

	status, err := h.access.Consume(c.Request.Context(), req.Address)
	if err != nil {
		logger.Error("verify-signature: consume failed", zap.String("wallet", req.Address), zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to record usage")
		return
	}
	setQuotaHeaders(c, status)
	if !status.HasAccess {
		fail(c, http.StatusTooManyRequests, dailyLimitMessage)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"requestId":         req.RequestID,
		"remainingRequests": status.Remaining(),
	})
}

func (h *AccessHandler) grantFromSignature(c *gin.Context, req *verifySignatureRequest) {
	proofRef, chainName := req.Signature, signatureChainName(req)

	if req.TxHash != "" || req.PaymentChain != "" {
		if req.TxHash == "" || req.PaymentChain == "" {
			fail(c, http.StatusBadRequest, "txHash and paymentChain must be sent together")
			return
		}
		chain, txRef, ok := h.validatePayment(c, req.PaymentChain, req.TxHash, req.Address)
		if !ok {
			return
		}
		proofRef, chainName = txRef, chain.Name
	} else if h.requireProof {
		fail(c, http.StatusPaymentRequired, "txHash and paymentChain are required for unlimited access")
		return
	}

	res, ok := h.grant(c, req.Address, proofRef, chainName)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"requestId":         req.RequestID,
		"unlimited":         true,
		"alreadyHad":        res.AlreadyHad,
		"remainingRequests": service.UnlimitedDailyLimit,
	})
}

// signatureChainName labels a signature-only grant by wallet family and the
// chain id the wallet reported.
func signatureChainName(req *verifySignatureRequest) string {
	family := service.ChainFamilySolana.String()
	if common.IsHexAddress(req.Address) {
		family = service.ChainFamilyEVM.String()
	}
	if req.ChainID == "" {
		return family
	}
	id := req.ChainID.String()
	if hexID, ok := strings.CutPrefix(id, "0x"); ok {
		if n, err := strconv.ParseUint(hexID, 16, 64); err == nil {
			id = strconv.FormatUint(n, 10)
		}
	}
	label := family + ":" + id
	if strings.Contains(id, ":") {
		label = id
	}
	if len(label) > 32 {
		label = label[:32]
	}
	return label
}

// POST /api/access/verify-unlimited
func (h *AccessHandler) VerifyUnlimited(c *gin.Context) {
	var req verifyUnlimitedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	chain, txRef, ok := h.validatePayment(c, req.Chain, req.TxHash, req.WalletAddress)
	if !ok {
		return
	}

	res, ok := h.grant(c, req.WalletAddress, txRef, chain.Name)
	if !ok {
		return
	}
	msg := "Unlimited access activated"
	if res.AlreadyHad {
		msg = "Unlimited access already active"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

// validatePayment confirms txHash on chainName and returns the canonical
// transaction reference to store as the proof.
func (h *AccessHandler) validatePayment(c *gin.Context, chainName, txHash, wallet string) (service.Chain, string, bool) {
	chain, err := service.ParseChain(chainName)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return chain, "", false
	}
	txRef, err := service.CanonicalTxRef(chain, txHash)
	if err != nil {
		fail(c, http.StatusBadRequest, "Invalid or unconfirmed transaction")
		return chain, "", false
	}
	if !h.payments.Validate(c.Request.Context(), service.PaymentProof{Chain: chain, TxRef: txRef, Wallet: wallet}) {
		fail(c, http.StatusBadRequest, "Invalid or unconfirmed transaction")
		return chain, "", false
	}
	return chain, txRef, true
}

func (h *AccessHandler) grant(c *gin.Context, wallet, proofRef, chainName string) (service.GrantResult, bool) {
	res, err := h.access.GrantUnlimited(c.Request.Context(), wallet, proofRef, chainName, h.priceUSD)
	switch {
	case errors.Is(err, service.ErrProofAlreadyUsed):
		fail(c, http.StatusConflict, "Transaction already used")
		return res, false
	case errors.Is(err, service.ErrInvalidGrant):
		fail(c, http.StatusBadRequest, err.Error())
		return res, false
	case err != nil:
		logger.Error("grant unlimited failed",
			zap.String("wallet", wallet),
			zap.String("chain", chainName),
			zap.Error(err),
		)
		fail(c, http.StatusInternalServerError, "Failed to activate unlimited access")
		return res, false
	}
	return res, true
}

// MeteredAccess consumes one request of the caller's daily quota before the
// handler runs. The wallet comes from the X-Wallet-Address header or the
// wallet query parameter.
func (h *AccessHandler) MeteredAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := strings.TrimSpace(c.GetHeader(WalletHeader))
		if wallet == "" {
			wallet = strings.TrimSpace(c.Query(walletQueryParam))
		}

		status, err := h.access.Consume(c.Request.Context(), wallet)
		switch {
		case errors.Is(err, service.ErrAnonymousDenied):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to check access"})
			return
		}

		setQuotaHeaders(c, status)
		if !status.HasAccess {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": dailyLimitMessage})
			return
		}
		c.Set(WalletContextKey, service.NormalizeWallet(wallet))
		c.Next()
	}
}

func setQuotaHeaders(c *gin.Context, status service.AccessStatus) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(status.DailyLimit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(status.Remaining()))
}

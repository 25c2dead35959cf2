package controller

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/btc_explorer/esplora"
	"github.com/btc_explorer/logger"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ExplorerAPI is the chain-data backend behind the metered endpoints.
type ExplorerAPI interface {
	RawTransaction(ctx context.Context, txid string) ([]byte, error)
	Address(ctx context.Context, address string) ([]byte, error)
	FeeEstimates(ctx context.Context) ([]byte, error)
	TipHeight(ctx context.Context) (int64, error)
}

type ExplorerController struct {
	Explorer ExplorerAPI
	Net      *chaincfg.Params
}

func (c *ExplorerController) upstreamError(ctx *gin.Context, what string, err error) {
	if errors.Is(err, esplora.ErrNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
		return
	}
	logger.Warn("explorer: upstream request failed", zap.String("resource", what), zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch " + what})
}

// GET /api/explorer/tx/:txid
func (c *ExplorerController) GetTransaction(ctx *gin.Context) {
	txid := strings.ToLower(strings.TrimSpace(ctx.Param("txid")))
	if len(txid) != chainhash.MaxHashStringSize {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid txid"})
		return
	}
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid txid"})
		return
	}

	data, err := c.Explorer.RawTransaction(ctx.Request.Context(), txid)
	if err != nil {
		c.upstreamError(ctx, "transaction", err)
		return
	}
	ctx.Data(http.StatusOK, gin.MIMEJSON, data)
}

// GET /api/explorer/address/:address
func (c *ExplorerController) GetAddress(ctx *gin.Context) {
	address := strings.TrimSpace(ctx.Param("address"))
	addr, err := btcutil.DecodeAddress(address, c.Net)
	if err != nil || !addr.IsForNet(c.Net) {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}

	data, err := c.Explorer.Address(ctx.Request.Context(), addr.EncodeAddress())
	if err != nil {
		c.upstreamError(ctx, "address", err)
		return
	}
	ctx.Data(http.StatusOK, gin.MIMEJSON, data)
}

// GET /api/explorer/blocks/tip/height
func (c *ExplorerController) GetTipHeight(ctx *gin.Context) {
	height, err := c.Explorer.TipHeight(ctx.Request.Context())
	if err != nil {
		c.upstreamError(ctx, "tip height", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"height": height})
}

// GET /api/explorer/fees
func (c *ExplorerController) GetFees(ctx *gin.Context) {
	data, err := c.Explorer.FeeEstimates(ctx.Request.Context())
	if err != nil {
		c.upstreamError(ctx, "fee estimates", err)
		return
	}
	ctx.Data(http.StatusOK, gin.MIMEJSON, data)
}

package rpcServer

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sovads/ledger/pkg/errs"
)

const defaultListLimit = 100

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}

func (rpc *RpcServer) GetViewerPoints(c *gin.Context) {
	wallet := c.Query("wallet")
	fingerprint := c.Query("fingerprint")
	if wallet == "" && fingerprint == "" {
		rpc.respondError(c, errs.New(errs.Kind_Malformed, "wallet or fingerprint required"))
		return
	}
	balance, err := rpc.aggregator.GetViewerBalance(c.Request.Context(), wallet, fingerprint)
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, balance)
}

func (rpc *RpcServer) ListViewerRewards(c *gin.Context) {
	viewer, err := rpc.aggregator.GetViewerByWallet(c.Request.Context(), c.Query("wallet"))
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	if viewer == nil {
		rpc.notFound(c, "no viewer for wallet '%s'", c.Query("wallet"))
		return
	}
	rewards, err := rpc.aggregator.ListRewards(c.Request.Context(), viewer.Id, queryLimit(c))
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	views := make([]*rewardView, 0, len(rewards))
	for _, r := range rewards {
		views = append(views, rewardViewOf(r))
	}
	respondOk(c, http.StatusOK, views)
}

type linkWalletRequest struct {
	Fingerprint string `json:"fingerprint"`
	Wallet      string `json:"wallet"`
}

// LinkViewerWallet moves a fingerprint's points onto a wallet identity.
func (rpc *RpcServer) LinkViewerWallet(c *gin.Context) {
	req := &linkWalletRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		rpc.malformed(c, err)
		return
	}
	migration, err := rpc.aggregator.LinkWallet(c.Request.Context(), req.Fingerprint, req.Wallet, rpc.now())
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, gin.H{
		"viewerId":    migration.ToViewerId,
		"mode":        migration.Mode,
		"movedPoints": migration.MovedPoints,
	})
}

type claimPointsRequest struct {
	Wallet string `json:"wallet"`
	// Points caps the claim; zero claims everything claimable.
	Points int64 `json:"points"`
}

func (rpc *RpcServer) ClaimViewerPoints(c *gin.Context) {
	req := &claimPointsRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		rpc.malformed(c, err)
		return
	}
	if req.Points < 0 {
		rpc.respondError(c, errs.New(errs.Kind_Malformed, "points must not be negative"))
		return
	}
	payout, err := rpc.gateway.ClaimViewerPoints(c.Request.Context(), req.Wallet, req.Points)
	if err != nil {
		rpc.respondPayoutError(c, payout, err)
		return
	}
	respondOk(c, http.StatusOK, payoutViewOf(payout))
}

package rpcServer

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/sovads/ledger/pkg/treasury"
)

// respondPayoutError attaches the payout, when one was recorded, so a pending
// caller can poll it by id.
func (rpc *RpcServer) respondPayoutError(c *gin.Context, p *storage.Payout, err error) {
	if p == nil {
		rpc.respondError(c, err)
		return
	}
	rpc.respondErrorWithData(c, err, payoutViewOf(p))
}

func (rpc *RpcServer) GetPayout(c *gin.Context) {
	p, err := rpc.gateway.GetPayout(c.Request.Context(), c.Param("payoutId"))
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	if p == nil {
		rpc.notFound(c, "payout '%s' not found", c.Param("payoutId"))
		return
	}
	respondOk(c, http.StatusOK, payoutViewOf(p))
}

// ReconcileByTxHash returns the payout for a transaction hash, resolving it first if still open.
func (rpc *RpcServer) ReconcileByTxHash(c *gin.Context) {
	p, err := rpc.gateway.ReconcileByTxHash(c.Request.Context(), c.Param("txHash"))
	if err != nil {
		rpc.respondPayoutError(c, p, err)
		return
	}
	respondOk(c, http.StatusOK, payoutViewOf(p))
}

func (rpc *RpcServer) ReconcilePayout(c *gin.Context) {
	p, err := rpc.gateway.ReconcilePayout(c.Request.Context(), c.Param("payoutId"))
	if err != nil {
		rpc.respondPayoutError(c, p, err)
		return
	}
	respondOk(c, http.StatusOK, payoutViewOf(p))
}

func (rpc *RpcServer) ListPayouts(c *gin.Context) {
	payouts, err := rpc.gateway.ListPayouts(c.Request.Context(), treasury.PayoutFilters{
		Kind:      storage.PayoutKind(c.Query("kind")),
		Status:    storage.PayoutStatus(c.Query("status")),
		SubjectId: c.Query("subjectId"),
		Recipient: c.Query("recipient"),
		Limit:     queryLimit(c),
	})
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	views := make([]*payoutView, 0, len(payouts))
	for _, p := range payouts {
		views = append(views, payoutViewOf(p))
	}
	respondOk(c, http.StatusOK, views)
}

func (rpc *RpcServer) GetTreasuryBalance(c *gin.Context) {
	balance, err := rpc.gateway.TreasuryBalance(c.Request.Context())
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, gin.H{
		"balance": balance,
		"token":   rpc.globalConfig.TreasuryConfig.Token,
		"backend": rpc.gateway.BackendName(),
	})
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (rpc *RpcServer) TopUpTreasury(c *gin.Context) {
	req := &amountRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		rpc.malformed(c, err)
		return
	}
	p, err := rpc.gateway.TopUp(c.Request.Context(), req.Amount)
	if err != nil {
		rpc.respondPayoutError(c, p, err)
		return
	}
	respondOk(c, http.StatusOK, payoutViewOf(p))
}

type directPayoutRequest struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}

func (rpc *RpcServer) PayoutTreasury(c *gin.Context) {
	req := &directPayoutRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		rpc.malformed(c, err)
		return
	}
	p, err := rpc.gateway.Payout(c.Request.Context(), req.Recipient, req.Amount)
	if err != nil {
		rpc.respondPayoutError(c, p, err)
		return
	}
	respondOk(c, http.StatusOK, payoutViewOf(p))
}

func (rpc *RpcServer) RunReconciliation(c *gin.Context) {
	if rpc.reconciler == nil {
		rpc.respondError(c, errs.New(errs.Kind_NotFound, "reconciler is not configured"))
		return
	}
	result, err := rpc.reconciler.Sweep(c.Request.Context())
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, result)
}

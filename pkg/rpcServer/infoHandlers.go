package rpcServer

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/internal/version"
	"github.com/sovads/ledger/pkg/errs"
)

func (rpc *RpcServer) Health(c *gin.Context) {
	respondOk(c, http.StatusOK, gin.H{
		"version": version.GetVersion(),
		"commit":  version.GetCommit(),
		"chain":   rpc.globalConfig.Chain.String(),
		"backend": rpc.gateway.BackendName(),
	})
}

func (rpc *RpcServer) HealthDb(c *gin.Context) {
	sqlDb, err := rpc.db.DB()
	if err == nil {
		err = sqlDb.PingContext(c.Request.Context())
	}
	if err != nil {
		rpc.Logger.Sugar().Errorw("Database health check failed", "error", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, &errorResponse{
			Success: false,
			Error:   "database unreachable",
			Kind:    errs.Kind_Internal,
		})
		return
	}
	respondOk(c, http.StatusOK, gin.H{"database": "ok"})
}

// GetTokenPrice quotes G$ in a fiat currency for display. With amount set it also values that amount.
func (rpc *RpcServer) GetTokenPrice(c *gin.Context) {
	if rpc.pricer == nil {
		rpc.notFound(c, "token pricing is not configured")
		return
	}
	currency := c.DefaultQuery("currency", "usd")
	raw := c.Query("amount")
	if raw == "" {
		quote, err := rpc.pricer.TokenPrice(c.Request.Context(), currency)
		if err != nil {
			rpc.respondError(c, err)
			return
		}
		respondOk(c, http.StatusOK, quote)
		return
	}

	amount, err := decimal.NewFromString(raw)
	if err != nil {
		rpc.malformed(c, err)
		return
	}
	value, quote, err := rpc.pricer.ToFiat(c.Request.Context(), amount, currency)
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, gin.H{
		"quote":  quote,
		"amount": amount,
		"value":  value,
	})
}

func parseAuditDate(c *gin.Context) (time.Time, error) {
	day, err := time.Parse("2006-01-02", c.Param("date"))
	if err != nil {
		return time.Time{}, errs.Wrap(errs.Kind_Malformed, err, "date must be YYYY-MM-DD")
	}
	return day, nil
}

func (rpc *RpcServer) GetAuditHash(c *gin.Context) {
	if _, err := parseAuditDate(c); err != nil {
		rpc.respondError(c, err)
		return
	}
	record, err := rpc.auditHasher.GetHash(c.Request.Context(), c.Param("date"))
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	if record == nil {
		rpc.notFound(c, "no audit hash for %s", c.Param("date"))
		return
	}
	respondOk(c, http.StatusOK, auditHashViewOf(record))
}

func (rpc *RpcServer) VerifyAuditHash(c *gin.Context) {
	if _, err := parseAuditDate(c); err != nil {
		rpc.respondError(c, err)
		return
	}
	ctx := c.Request.Context()
	record, err := rpc.auditHasher.GetHash(ctx, c.Param("date"))
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	if record == nil {
		rpc.notFound(c, "no audit hash for %s", c.Param("date"))
		return
	}
	matches, err := rpc.auditHasher.Verify(ctx, c.Param("date"))
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, gin.H{
		"date":    record.Date,
		"root":    record.Root,
		"matches": matches,
	})
}

func (rpc *RpcServer) HashAuditDay(c *gin.Context) {
	day, err := parseAuditDate(c)
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	record, err := rpc.auditHasher.HashDay(c.Request.Context(), day)
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, auditHashViewOf(record))
}

func (rpc *RpcServer) requireManager(c *gin.Context) bool {
	if rpc.managerReader == nil {
		rpc.notFound(c, "on-chain reads are not configured")
		return false
	}
	return true
}

func (rpc *RpcServer) GetOnChainRates(c *gin.Context) {
	if !rpc.requireManager(c) {
		return
	}
	impression, click, err := rpc.managerReader.GetRates(c.Request.Context())
	if err != nil {
		rpc.respondError(c, errs.Wrap(errs.Kind_OnChainCallFailed, err, "failed to read rates"))
		return
	}
	respondOk(c, http.StatusOK, gin.H{"impressionRate": impression, "clickRate": click})
}

// GetOnChainVault returns the contract's view of a campaign vault next to the off-chain mirror.
func (rpc *RpcServer) GetOnChainVault(c *gin.Context) {
	if !rpc.requireManager(c) {
		return
	}
	ctx := c.Request.Context()
	campaignId := c.Param("campaignId")
	onChain, err := rpc.managerReader.GetCampaignVault(ctx, campaignId)
	if err != nil {
		if errs.KindOf(err) == errs.Kind_Internal {
			err = errs.Wrap(errs.Kind_OnChainCallFailed, err, "failed to read campaign vault")
		}
		rpc.respondError(c, err)
		return
	}
	mirror, err := rpc.vault.GetVaultState(ctx, campaignId)
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	res := gin.H{"onChain": onChain}
	if mirror != nil {
		res["offChain"] = vaultViewOf(mirror)
	}
	respondOk(c, http.StatusOK, res)
}

func (rpc *RpcServer) GetOnChainBalance(c *gin.Context) {
	if !rpc.requireManager(c) {
		return
	}
	balance, err := rpc.managerReader.GetBalanceInfo(c.Request.Context(), c.Param("campaignId"), c.Param("user"))
	if err != nil {
		if errs.KindOf(err) == errs.Kind_Internal {
			err = errs.Wrap(errs.Kind_OnChainCallFailed, err, "failed to read balance info")
		}
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, balance)
}

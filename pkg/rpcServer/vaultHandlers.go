package rpcServer

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/sovads/ledger/pkg/vault"
)

func (rpc *RpcServer) GetCampaign(c *gin.Context) {
	campaign, err := rpc.store.GetCampaign(c.Request.Context(), c.Param("campaignId"))
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	if campaign == nil {
		rpc.notFound(c, "campaign '%s' not found", c.Param("campaignId"))
		return
	}
	respondOk(c, http.StatusOK, campaignViewOf(campaign))
}

type upsertCampaignRequest struct {
	OnChainId        *string         `json:"onChainId"`
	Name             string          `json:"name"`
	AdvertiserWallet string          `json:"advertiserWallet"`
	BannerUrl        string          `json:"bannerUrl"`
	TargetUrl        string          `json:"targetUrl"`
	Budget           decimal.Decimal `json:"budget"`
	Cpc              decimal.Decimal `json:"cpc"`
	Active           *bool           `json:"active"`
	Paused           bool            `json:"paused"`
	TokenAddress     string          `json:"tokenAddress"`
	Placement        string          `json:"placement"`
	Size             string          `json:"size"`
	Location         string          `json:"location"`
	StartDate        *time.Time      `json:"startDate"`
	EndDate          *time.Time      `json:"endDate"`
}

// UpsertCampaign mirrors a campaign's configuration. Spend is never taken from the request.
func (rpc *RpcServer) UpsertCampaign(c *gin.Context) {
	req := &upsertCampaignRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		rpc.malformed(c, err)
		return
	}
	if req.Budget.IsNegative() || req.Cpc.IsNegative() {
		rpc.respondError(c, errs.New(errs.Kind_Malformed, "budget and cpc must not be negative"))
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	now := rpc.now()
	campaign, err := rpc.store.UpsertCampaign(c.Request.Context(), &storage.Campaign{
		Id:               c.Param("campaignId"),
		OnChainId:        req.OnChainId,
		Name:             req.Name,
		AdvertiserWallet: req.AdvertiserWallet,
		BannerUrl:        req.BannerUrl,
		TargetUrl:        req.TargetUrl,
		Budget:           req.Budget,
		Spent:            decimal.Zero,
		Cpc:              req.Cpc,
		Active:           active,
		Paused:           req.Paused,
		TokenAddress:     req.TokenAddress,
		Placement:        req.Placement,
		Size:             req.Size,
		Location:         req.Location,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, campaignViewOf(campaign))
}

func (rpc *RpcServer) GetVaultState(c *gin.Context) {
	cv, err := rpc.vault.GetVaultState(c.Request.Context(), c.Param("campaignId"))
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	if cv == nil {
		rpc.notFound(c, "no vault for campaign '%s'", c.Param("campaignId"))
		return
	}
	respondOk(c, http.StatusOK, vaultViewOf(cv))
}

func (rpc *RpcServer) GetAccrual(c *gin.Context) {
	a, err := rpc.vault.GetAccrual(c.Request.Context(), c.Param("campaignId"), c.Param("claimant"))
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, accrualViewOf(a))
}

type createVaultRequest struct {
	CampaignId     string          `json:"campaignId"`
	Token          string          `json:"token"`
	InitialFunding decimal.Decimal `json:"initialFunding"`
	Funder         string          `json:"funder"`
}

func (rpc *RpcServer) CreateVault(c *gin.Context) {
	req := &createVaultRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		rpc.malformed(c, err)
		return
	}
	cv, err := rpc.vault.CreateVault(c.Request.Context(), req.CampaignId, req.Token, req.InitialFunding, req.Funder)
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusCreated, vaultViewOf(cv))
}

type vaultTopUpRequest struct {
	Funder    string          `json:"funder"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

func (rpc *RpcServer) TopUpVault(c *gin.Context) {
	req := &vaultTopUpRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		rpc.malformed(c, err)
		return
	}
	cv, err := rpc.vault.TopUp(c.Request.Context(), c.Param("campaignId"), req.Funder, req.Amount, req.Reference)
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, vaultViewOf(cv))
}

type interactionRequest struct {
	Claimant string            `json:"claimant"`
	Count    int64             `json:"count"`
	Type     storage.EventType `json:"type"`
}

func (rpc *RpcServer) RecordInteraction(c *gin.Context) {
	req := &interactionRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		rpc.malformed(c, err)
		return
	}
	ctx := c.Request.Context()
	campaignId := c.Param("campaignId")
	if _, err := rpc.vault.RecordInteraction(ctx, campaignId, req.Claimant, req.Count, req.Type); err != nil {
		rpc.respondError(c, err)
		return
	}
	a, err := rpc.vault.GetAccrual(ctx, campaignId, req.Claimant)
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, accrualViewOf(a))
}

type createClaimRequest struct {
	CampaignId string          `json:"campaignId"`
	Claimant   string          `json:"claimant"`
	Amount     decimal.Decimal `json:"amount"`
}

func (rpc *RpcServer) CreateClaim(c *gin.Context) {
	req := &createClaimRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		rpc.malformed(c, err)
		return
	}
	claim, err := rpc.vault.CreateClaim(c.Request.Context(), req.CampaignId, req.Claimant, req.Amount)
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusCreated, vault.ViewOf(claim))
}

func (rpc *RpcServer) GetClaim(c *gin.Context) {
	claim, err := rpc.vault.GetClaim(c.Request.Context(), c.Param("claimId"))
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	if claim == nil {
		rpc.notFound(c, "claim '%s' not found", c.Param("claimId"))
		return
	}
	respondOk(c, http.StatusOK, vault.ViewOf(claim))
}

func (rpc *RpcServer) ListClaims(c *gin.Context) {
	claims, err := rpc.vault.ListClaims(c.Request.Context(), vault.ClaimFilters{
		CampaignId: c.Query("campaignId"),
		Claimant:   c.Query("claimant"),
		Status:     storage.ClaimStatus(c.Query("status")),
		Limit:      queryLimit(c),
	})
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	views := make([]*vault.ClaimView, 0, len(claims))
	for _, claim := range claims {
		views = append(views, vault.ViewOf(claim))
	}
	respondOk(c, http.StatusOK, views)
}

// claimTransition runs a state change on one claim and renders the result.
// A pending settlement answers 202 with the claim as it stands.
func (rpc *RpcServer) claimTransition(c *gin.Context, fn func(claimId string) (*storage.VaultClaim, error)) {
	claim, err := fn(c.Param("claimId"))
	if err != nil {
		if claim != nil {
			rpc.respondErrorWithData(c, err, vault.ViewOf(claim))
			return
		}
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, vault.ViewOf(claim))
}

func (rpc *RpcServer) SettleClaim(c *gin.Context) {
	rpc.claimTransition(c, func(claimId string) (*storage.VaultClaim, error) {
		return rpc.vault.SettleClaim(c.Request.Context(), claimId)
	})
}

func (rpc *RpcServer) RejectClaim(c *gin.Context) {
	rpc.claimTransition(c, func(claimId string) (*storage.VaultClaim, error) {
		return rpc.vault.RejectClaim(c.Request.Context(), claimId)
	})
}

func (rpc *RpcServer) ResolveClaim(c *gin.Context) {
	rpc.claimTransition(c, func(claimId string) (*storage.VaultClaim, error) {
		return rpc.vault.ResolveSettlement(c.Request.Context(), claimId)
	})
}

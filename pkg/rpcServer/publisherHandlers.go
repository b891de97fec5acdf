package rpcServer

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/pkg/balances"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/sovads/ledger/pkg/treasury"
)

func (rpc *RpcServer) GetPublisherBalance(c *gin.Context) {
	balance, err := rpc.aggregator.GetPublisherBalance(c.Request.Context(), c.Query("wallet"), rpc.now())
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, balance)
}

type withdrawRequest struct {
	Wallet    string          `json:"wallet"`
	Amount    decimal.Decimal `json:"amount"`
	Signature string          `json:"signature"`
	Timestamp int64           `json:"timestamp"`
}

// WithdrawPublisher pays out a publisher's available balance. The request is
// authenticated by a personal_sign signature over the publisher auth message.
func (rpc *RpcServer) WithdrawPublisher(c *gin.Context) {
	req := &withdrawRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		rpc.malformed(c, err)
		return
	}
	p, err := rpc.gateway.WithdrawPublisher(c.Request.Context(), req.Wallet, req.Amount, treasury.WalletAuth{
		Signature:   req.Signature,
		TimestampMs: req.Timestamp,
	})
	if err != nil {
		rpc.respondPayoutError(c, p, err)
		return
	}
	respondOk(c, http.StatusOK, payoutViewOf(p))
}

type createPublisherRequest struct {
	Wallet   string `json:"wallet"`
	Verified bool   `json:"verified"`
}

func (rpc *RpcServer) CreatePublisher(c *gin.Context) {
	req := &createPublisherRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		rpc.malformed(c, err)
		return
	}
	wallet, err := balances.NormalizeWallet(req.Wallet)
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	ctx := c.Request.Context()
	existing, err := rpc.store.GetPublisherByWallet(ctx, wallet)
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	if existing != nil {
		respondOk(c, http.StatusOK, publisherViewOf(existing))
		return
	}
	p, err := rpc.store.CreatePublisher(ctx, &storage.Publisher{
		Wallet:         wallet,
		Verified:       req.Verified,
		TotalTopup:     decimal.Zero,
		TotalWithdrawn: decimal.Zero,
		CreatedAt:      rpc.now(),
		UpdatedAt:      rpc.now(),
	})
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusCreated, publisherViewOf(p))
}

type topupRequest struct {
	Wallet string          `json:"wallet"`
	Amount decimal.Decimal `json:"amount"`
	Token  string          `json:"token"`
	TxHash string          `json:"txHash"`
}

// RecordPublisherTopup credits an on-chain top-up. Replaying a txHash returns the first record.
func (rpc *RpcServer) RecordPublisherTopup(c *gin.Context) {
	req := &topupRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		rpc.malformed(c, err)
		return
	}
	topup, created, err := rpc.aggregator.RecordTopup(c.Request.Context(), req.Wallet, req.Amount, req.Token, req.TxHash, rpc.now())
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondOk(c, status, gin.H{
		"id":             topup.Id,
		"wallet":         topup.Wallet,
		"token":          topup.Token,
		"tokenAmount":    topup.TokenAmount,
		"creditedAmount": topup.CreditedAmount,
		"txHash":         topup.TxHash,
		"created":        created,
	})
}

type createSiteRequest struct {
	SiteId          string `json:"siteId"`
	PublisherWallet string `json:"publisherWallet"`
	Domain          string `json:"domain"`
	Verified        bool   `json:"verified"`
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateSite registers a publisher site and issues its api key pair. The
// secret is only ever returned here.
func (rpc *RpcServer) CreateSite(c *gin.Context) {
	req := &createSiteRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		rpc.malformed(c, err)
		return
	}
	ctx := c.Request.Context()
	publisher, err := rpc.store.GetPublisherByWallet(ctx, req.PublisherWallet)
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	if publisher == nil {
		rpc.notFound(c, "no publisher for wallet '%s'", req.PublisherWallet)
		return
	}

	siteId := req.SiteId
	if siteId == "" {
		siteId = "site_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	secret, err := randomHex(32)
	if err != nil {
		rpc.respondError(c, errs.Wrap(errs.Kind_Internal, err, "failed to generate api secret"))
		return
	}
	site, err := rpc.store.CreateSite(ctx, &storage.PublisherSite{
		SiteId:      siteId,
		PublisherId: publisher.Id,
		Domain:      req.Domain,
		ApiKey:      "sk_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		ApiSecret:   secret,
		Verified:    req.Verified,
		CreatedAt:   rpc.now(),
	})
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusCreated, gin.H{
		"siteId":    site.SiteId,
		"domain":    site.Domain,
		"apiKey":    site.ApiKey,
		"apiSecret": site.ApiSecret,
		"verified":  site.Verified,
	})
}

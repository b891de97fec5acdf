package rpcServer

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/sovads/ledger/pkg/vault"
)

type payoutView struct {
	Id          string               `json:"id"`
	Kind        storage.PayoutKind   `json:"kind"`
	SubjectId   string               `json:"subjectId"`
	Recipient   string               `json:"recipient"`
	Amount      decimal.Decimal      `json:"amount"`
	RawAmount   decimal.Decimal      `json:"rawAmount"`
	Status      storage.PayoutStatus `json:"status"`
	TxHash      *string              `json:"txHash,omitempty"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
}

func payoutViewOf(p *storage.Payout) *payoutView {
	if p == nil {
		return nil
	}
	return &payoutView{
		Id:          p.Id,
		Kind:        p.Kind,
		SubjectId:   p.SubjectId,
		Recipient:   p.Recipient,
		Amount:      p.Amount,
		RawAmount:   p.RawAmount,
		Status:      p.Status,
		TxHash:      p.TxHash,
		Error:       p.Error,
		CreatedAt:   p.CreatedAt,
		CompletedAt: p.CompletedAt,
	}
}

type campaignView struct {
	Id               string          `json:"id"`
	OnChainId        *string         `json:"onChainId,omitempty"`
	Name             string          `json:"name"`
	AdvertiserWallet string          `json:"advertiserWallet"`
	BannerUrl        string          `json:"bannerUrl"`
	TargetUrl        string          `json:"targetUrl"`
	Budget           decimal.Decimal `json:"budget"`
	Spent            decimal.Decimal `json:"spent"`
	Remaining        decimal.Decimal `json:"remaining"`
	Cpc              decimal.Decimal `json:"cpc"`
	Active           bool            `json:"active"`
	Paused           bool            `json:"paused"`
	TokenAddress     string          `json:"tokenAddress,omitempty"`
	Placement        string          `json:"placement,omitempty"`
	Size             string          `json:"size,omitempty"`
	Location         string          `json:"location,omitempty"`
	StartDate        *time.Time      `json:"startDate,omitempty"`
	EndDate          *time.Time      `json:"endDate,omitempty"`
}

func campaignViewOf(c *storage.Campaign) *campaignView {
	return &campaignView{
		Id:               c.Id,
		OnChainId:        c.OnChainId,
		Name:             c.Name,
		AdvertiserWallet: c.AdvertiserWallet,
		BannerUrl:        c.BannerUrl,
		TargetUrl:        c.TargetUrl,
		Budget:           c.Budget,
		Spent:            c.Spent,
		Remaining:        c.RemainingBudget(),
		Cpc:              c.Cpc,
		Active:           c.Active,
		Paused:           c.Paused,
		TokenAddress:     c.TokenAddress,
		Placement:        c.Placement,
		Size:             c.Size,
		Location:         c.Location,
		StartDate:        c.StartDate,
		EndDate:          c.EndDate,
	}
}

type vaultView struct {
	CampaignId  string          `json:"campaignId"`
	Token       string          `json:"token"`
	TotalFunded decimal.Decimal `json:"totalFunded"`
	Locked      decimal.Decimal `json:"locked"`
	Claimed     decimal.Decimal `json:"claimed"`
	Available   decimal.Decimal `json:"available"`
}

func vaultViewOf(cv *storage.CampaignVault) *vaultView {
	return &vaultView{
		CampaignId:  cv.CampaignId,
		Token:       cv.Token,
		TotalFunded: cv.TotalFunded,
		Locked:      cv.Locked,
		Claimed:     cv.Claimed,
		Available:   cv.Available(),
	}
}

type accrualView struct {
	CampaignId string          `json:"campaignId"`
	Claimant   string          `json:"claimant"`
	Accrued    decimal.Decimal `json:"accrued"`
	Committed  decimal.Decimal `json:"committed"`
	Available  decimal.Decimal `json:"available"`
}

func accrualViewOf(a *vault.Accrual) *accrualView {
	return &accrualView{
		CampaignId: a.CampaignId,
		Claimant:   a.Claimant,
		Accrued:    a.Accrued,
		Committed:  a.Committed,
		Available:  a.Available,
	}
}

type rewardView struct {
	EventId    string            `json:"eventId"`
	Type       storage.EventType `json:"type"`
	CampaignId string            `json:"campaignId"`
	SiteId     string            `json:"siteId"`
	Points     int64             `json:"points"`
	Claimed    bool              `json:"claimed"`
	ClaimedAt  *time.Time        `json:"claimedAt,omitempty"`
	TxHash     *string           `json:"txHash,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func rewardViewOf(r *storage.ViewerReward) *rewardView {
	return &rewardView{
		EventId:    r.EventId,
		Type:       r.Type,
		CampaignId: r.CampaignId,
		SiteId:     r.SiteId,
		Points:     r.Points,
		Claimed:    r.Claimed,
		ClaimedAt:  r.ClaimedAt,
		TxHash:     r.TxHash,
		CreatedAt:  r.CreatedAt,
	}
}

type auditHashView struct {
	Date       string `json:"date"`
	Root       string `json:"root"`
	EventCount int64  `json:"eventCount"`
}

func auditHashViewOf(h *storage.AnalyticsHash) *auditHashView {
	return &auditHashView{Date: h.Date, Root: h.Root, EventCount: h.EventCount}
}

type publisherView struct {
	Id             string          `json:"id"`
	Wallet         string          `json:"wallet"`
	Verified       bool            `json:"verified"`
	TotalTopup     decimal.Decimal `json:"totalTopup"`
	TotalWithdrawn decimal.Decimal `json:"totalWithdrawn"`
}

func publisherViewOf(p *storage.Publisher) *publisherView {
	return &publisherView{
		Id:             p.Id,
		Wallet:         p.Wallet,
		Verified:       p.Verified,
		TotalTopup:     p.TotalTopup,
		TotalWithdrawn: p.TotalWithdrawn,
	}
}

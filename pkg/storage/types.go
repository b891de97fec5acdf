package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType is the kind of interaction being recorded.
type EventType string

const (
	EventType_Impression EventType = "IMPRESSION"
	EventType_Click      EventType = "CLICK"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	return t == EventType_Impression || t == EventType_Click
}

// Campaign is an advertiser's budget and creative. Spent only grows, under Version.
type Campaign struct {
	Id               string
	OnChainId        *string
	Name             string
	AdvertiserWallet string
	BannerUrl        string
	TargetUrl        string
	Budget           decimal.Decimal `gorm:"type:numeric"`
	Spent            decimal.Decimal `gorm:"type:numeric"`
	Cpc              decimal.Decimal `gorm:"type:numeric"`
	Active           bool
	Paused           bool
	TokenAddress     string
	Placement        string
	Size             string
	Location         string
	StartDate        *time.Time
	EndDate          *time.Time
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Serving reports whether the campaign may accept new traffic at t, ignoring budget.
func (c *Campaign) Serving(t time.Time) bool {
	if !c.Active || c.Paused {
		return false
	}
	if c.StartDate != nil && t.Before(*c.StartDate) {
		return false
	}
	if c.EndDate != nil && t.After(*c.EndDate) {
		return false
	}
	return true
}

// RemainingBudget is budget minus spent, never below zero.
func (c *Campaign) RemainingBudget() decimal.Decimal {
	return c.Budget.Sub(c.Spent)
}

// Publisher owns sites and withdraws what their clicks earned.
type Publisher struct {
	Id             string
	Wallet         string
	Verified       bool
	TotalTopup     decimal.Decimal `gorm:"type:numeric"`
	TotalWithdrawn decimal.Decimal `gorm:"type:numeric"`
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PublisherSite is a registered domain with the key pair its SDK signs with.
type PublisherSite struct {
	Id          string
	SiteId      string
	PublisherId string
	Domain      string
	ApiKey      string
	ApiSecret   string
	Verified    bool
	CreatedAt   time.Time
}

// InteractionEvent is one row of the append-only interaction ledger.
type InteractionEvent struct {
	Id          string
	Type        EventType
	CampaignId  string
	AdId        string
	SiteId      string
	PublisherId string
	Fingerprint *string
	IpAddress   string
	UserAgent   string
	Verified    bool
	Timestamp   time.Time
	TimestampMs int64
}

// ViewerPoints holds a viewer's point counters. TotalPoints always equals
// ClaimedPoints plus PendingPoints. A row with MergedInto set is a tombstone.
type ViewerPoints struct {
	Id              string
	Wallet          *string
	Fingerprint     *string
	TotalPoints     int64
	ClaimedPoints   int64
	PendingPoints   int64
	ReservedPoints  int64
	MergedInto      *string
	LastInteraction *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ViewerPoints) TableName() string {
	return "viewer_points"
}

func (v *ViewerPoints) Claimable() int64 {
	return v.PendingPoints - v.ReservedPoints
}

// ViewerReward is the points granted for one admitted event. EventId is unique.
type ViewerReward struct {
	Id         string
	EventId    string
	ViewerId   string
	Type       EventType
	CampaignId string
	AdId       string
	SiteId     string
	Points     int64
	Claimed    bool
	ClaimedAt  *time.Time
	TxHash     *string
	PayoutId   *string
	CreatedAt  time.Time
}

// ViewerIdentityMigration records how a fingerprint was linked to a wallet.
type ViewerIdentityMigration struct {
	Id           string
	Fingerprint  string
	Wallet       string
	FromViewerId string
	ToViewerId   string
	Mode         string
	MovedPoints  int64
	CreatedAt    time.Time
}

// PublisherTopup is a credited token top-up, keyed by its transaction hash.
type PublisherTopup struct {
	Id             string
	PublisherId    string
	Wallet         string
	Token          string
	TokenAmount    decimal.Decimal `gorm:"type:numeric"`
	CreditedAmount decimal.Decimal `gorm:"type:numeric"`
	TxHash         string
	CreatedAt      time.Time
}

// PayoutKind says what a payout pays for.
type PayoutKind string

const (
	PayoutKind_ViewerPoints        PayoutKind = "viewer_points"
	PayoutKind_PublisherWithdrawal PayoutKind = "publisher_withdrawal"
	PayoutKind_TreasuryTopup       PayoutKind = "treasury_topup"
	// PayoutKind_Direct is an operator initiated payment with no balance behind it.
	PayoutKind_Direct PayoutKind = "direct"
)

// PayoutStatus is the lifecycle of a payout: pending, then confirmed or failed.
type PayoutStatus string

const (
	PayoutStatus_Pending   PayoutStatus = "pending"
	PayoutStatus_Submitted PayoutStatus = "submitted"
	PayoutStatus_Confirmed PayoutStatus = "confirmed"
	PayoutStatus_Failed    PayoutStatus = "failed"
)

// Payout is one treasury transfer. Amount is off-chain units, RawAmount minor units.
type Payout struct {
	Id          string
	Kind        PayoutKind
	SubjectId   string
	Recipient   string
	Amount      decimal.Decimal `gorm:"type:numeric"`
	RawAmount   decimal.Decimal `gorm:"type:numeric"`
	Status      PayoutStatus
	TxHash      *string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// CampaignVault is the escrow for one campaign, in minor units.
type CampaignVault struct {
	CampaignId  string `gorm:"primaryKey"`
	Token       string
	TotalFunded decimal.Decimal `gorm:"type:numeric"`
	Locked      decimal.Decimal `gorm:"type:numeric"`
	Claimed     decimal.Decimal `gorm:"type:numeric"`
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Available is the amount a settlement may still draw: totalFunded - locked - claimed.
func (v *CampaignVault) Available() decimal.Decimal {
	return v.TotalFunded.Sub(v.Locked).Sub(v.Claimed)
}

// VaultAccrual is what a claimant has earned against a campaign vault.
type VaultAccrual struct {
	CampaignId string `gorm:"primaryKey"`
	Claimant   string `gorm:"primaryKey"`
	Accrued    decimal.Decimal `gorm:"type:numeric"`
	UpdatedAt  time.Time
}

// ClaimStatus is the stored state of a vault claim.
type ClaimStatus string

const (
	ClaimStatus_Open     ClaimStatus = "open"
	ClaimStatus_Settling ClaimStatus = "settling"
	ClaimStatus_Settled  ClaimStatus = "settled"
	ClaimStatus_Rejected ClaimStatus = "rejected"
)

// VaultClaim is a request to pay accrued units out of a vault.
type VaultClaim struct {
	Id            string
	CampaignId    string
	Claimant      string
	Amount        decimal.Decimal `gorm:"type:numeric"`
	Fee           decimal.Decimal `gorm:"type:numeric"`
	Status        ClaimStatus
	Processed     bool
	Rejected      bool
	SettlementRef *string
	TxHash        *string
	Failure       string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// VaultDisbursement is a direct payment out of a vault, keyed by reference.
type VaultDisbursement struct {
	Reference  string `gorm:"primaryKey"`
	CampaignId string
	Recipient  string
	Amount     decimal.Decimal `gorm:"type:numeric"`
	TxHash     string
	CreatedAt  time.Time
}

// TokenBalance is an account's holding of one off-chain token.
type TokenBalance struct {
	Token   string `gorm:"primaryKey"`
	Account string `gorm:"primaryKey"`
	Balance decimal.Decimal `gorm:"type:numeric"`
}

// TokenTransfer is one leg of an off-chain token movement.
type TokenTransfer struct {
	Id          string
	Reference   string
	Leg         string
	Token       string
	FromAccount string
	ToAccount   string
	Amount      decimal.Decimal `gorm:"type:numeric"`
	CreatedAt   time.Time
}

// ChainTransaction journals a signed treasury transaction before broadcast.
type ChainTransaction struct {
	Reference string `gorm:"primaryKey"`
	TxHash    string
	Nonce     uint64
	RawTx     string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AnalyticsHash is the merkle root over one UTC day of interaction events.
type AnalyticsHash struct {
	Date       string `gorm:"primaryKey"`
	Root       string
	EventCount int64
	CreatedAt  time.Time
}

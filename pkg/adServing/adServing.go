package adServing

import (
	"context"
	"strings"
	"time"

	"github.com/mroth/weightedrand/v2"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/envelope"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/metrics"
	"github.com/sovads/ledger/pkg/metrics/metricsTypes"
	"github.com/sovads/ledger/pkg/storage"
	"go.uber.org/zap"
)

// maxWeight keeps the chooser's running total well inside an int.
const maxWeight = 1_000_000

type Filters struct {
	Placement string
	Size      string
	Location  string
}

type ServedAd struct {
	AdId          string    `json:"adId"`
	CampaignId    string    `json:"campaignId"`
	Name          string    `json:"name"`
	BannerUrl     string    `json:"bannerUrl"`
	TargetUrl     string    `json:"targetUrl"`
	TrackingToken string    `json:"trackingToken"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// AdServer picks an ad for a placement and mints its tracking token.
type AdServer struct {
	campaigns storage.CampaignStore
	sites     storage.SiteStore
	tokens    *envelope.TokenCodec
	tokenTTL  time.Duration
	metrics   *metrics.MetricsSink
	logger    *zap.Logger
	clock     func() time.Time
}

func NewAdServer(
	campaigns storage.CampaignStore,
	sites storage.SiteStore,
	tokens *envelope.TokenCodec,
	ms *metrics.MetricsSink,
	l *zap.Logger,
	cfg *config.Config,
) *AdServer {
	return &AdServer{
		campaigns: campaigns,
		sites:     sites,
		tokens:    tokens,
		tokenTTL:  cfg.IngestionConfig.TrackingTokenTTL,
		metrics:   ms,
		logger:    l,
		clock:     time.Now,
	}
}

func (s *AdServer) WithClock(clock func() time.Time) *AdServer {
	s.clock = clock
	return s
}

// matchesList reports whether value is allowed by a comma separated list. An
// empty list or an empty value allows everything.
func matchesList(list string, value string, foldCase bool) bool {
	if list == "" || value == "" {
		return true
	}
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == value || (foldCase && strings.EqualFold(entry, value)) {
			return true
		}
	}
	return false
}

func (f *Filters) matches(c *storage.Campaign) bool {
	return matchesList(c.Placement, f.Placement, true) &&
		matchesList(c.Size, f.Size, false) &&
		matchesList(c.Location, f.Location, true)
}

// weightOf is the number of whole clicks the remaining budget can still pay for.
func weightOf(c *storage.Campaign) int {
	if !c.Cpc.IsPositive() {
		return 1
	}
	clicks := c.RemainingBudget().Div(c.Cpc).IntPart()
	switch {
	case clicks < 1:
		return 1
	case clicks > maxWeight:
		return maxWeight
	}
	return int(clicks)
}

// Candidates lists the campaigns a site may be served right now.
func (s *AdServer) Candidates(ctx context.Context, filters Filters, now time.Time) ([]*storage.Campaign, error) {
	serving, err := s.campaigns.ListServingCampaigns(ctx, now)
	if err != nil {
		return nil, errs.Wrap(errs.Kind_Internal, err, "failed to list campaigns")
	}
	candidates := make([]*storage.Campaign, 0, len(serving))
	for _, c := range serving {
		if !c.RemainingBudget().IsPositive() {
			continue
		}
		if !filters.matches(c) {
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// SelectAd picks a campaign for siteId, weighted by remaining budget, and mints
// the tracking token the site reports interactions with.
func (s *AdServer) SelectAd(ctx context.Context, siteId string, filters Filters) (*ServedAd, error) {
	if siteId == "" {
		return nil, errs.New(errs.Kind_Malformed, "siteId is required")
	}
	site, err := s.sites.GetSiteBySiteId(ctx, siteId)
	if err != nil {
		return nil, errs.Wrap(errs.Kind_Internal, err, "failed to look up site")
	}
	if site == nil {
		return nil, errs.Newf(errs.Kind_NotFound, "site '%s' is not registered", siteId)
	}
	if !site.Verified {
		return nil, errs.Newf(errs.Kind_Unauthorized, "site '%s' is not verified", siteId)
	}

	now := s.clock()
	candidates, err := s.Candidates(ctx, filters, now)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errs.New(errs.Kind_NotFound, "no eligible campaigns")
	}

	choices := make([]weightedrand.Choice[*storage.Campaign, int], 0, len(candidates))
	for _, c := range candidates {
		choices = append(choices, weightedrand.NewChoice(c, weightOf(c)))
	}
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return nil, errs.Wrap(errs.Kind_Internal, err, "failed to build ad chooser")
	}
	picked := chooser.Pick()

	expiresAt := now.Add(s.tokenTTL)
	token, err := s.tokens.MintToken(&envelope.TokenClaims{
		AdId:       picked.Id,
		CampaignId: picked.Id,
		SiteId:     site.SiteId,
		Exp:        expiresAt.UnixMilli(),
		Placement:  filters.Placement,
		Size:       filters.Size,
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Incr(metricsTypes.Metric_Incr_AdServed, []metricsTypes.MetricsLabel{
		{Name: "placement", Value: filters.Placement},
	}, 1)
	s.logger.Sugar().Debugw("Served ad",
		zap.String("siteId", site.SiteId),
		zap.String("campaignId", picked.Id),
		zap.Int("candidates", len(candidates)),
	)

	return &ServedAd{
		AdId:          picked.Id,
		CampaignId:    picked.Id,
		Name:          picked.Name,
		BannerUrl:     picked.BannerUrl,
		TargetUrl:     picked.TargetUrl,
		TrackingToken: token,
		ExpiresAt:     expiresAt,
	}, nil
}

package envelope

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/storage"
)

// EventPayload is the event body the browser SDK reports.
type EventPayload struct {
	Type            storage.EventType `json:"type"`
	CampaignId      string            `json:"campaignId"`
	AdId            string            `json:"adId"`
	SiteId          string            `json:"siteId"`
	Fingerprint     *string           `json:"fingerprint,omitempty"`
	Rendered        *bool             `json:"rendered,omitempty"`
	ViewportVisible *bool             `json:"viewportVisible,omitempty"`
	RenderTime      *float64          `json:"renderTime,omitempty"`
	UserAgent       string            `json:"userAgent,omitempty"`
}

// Verified reports whether the client-side render checks passed. It is kept for audit only.
func (p *EventPayload) Verified() bool {
	return p.Rendered != nil && *p.Rendered && (p.ViewportVisible == nil || *p.ViewportVisible)
}

// FingerprintValue returns the fingerprint, treating an empty string as absent.
func (p *EventPayload) FingerprintValue() *string {
	if p.Fingerprint == nil || *p.Fingerprint == "" {
		return nil
	}
	return p.Fingerprint
}

func (p *EventPayload) validate() error {
	if p.Type == "" || p.CampaignId == "" || p.AdId == "" || p.SiteId == "" {
		return errs.New(errs.Kind_Malformed, "missing required event fields")
	}
	if !p.Type.Valid() {
		return errs.Newf(errs.Kind_Malformed, "invalid event type '%s'", p.Type)
	}
	return nil
}

type SiteLookup interface {
	GetSiteByApiKey(ctx context.Context, apiKey string) (*storage.PublisherSite, error)
	GetSiteBySiteId(ctx context.Context, siteId string) (*storage.PublisherSite, error)
}

type Method string

const (
	Method_Signed Method = "signed"
	Method_Token  Method = "token"
)

// VerifiedEvent is what a successfully verified envelope yields.
type VerifiedEvent struct {
	Payload *EventPayload
	Site    *storage.PublisherSite
	Method  Method
}

// Envelope is either a *SignedEnvelope or a *TokenEnvelope.
type Envelope interface {
	Verify(ctx context.Context, v *Verifier, sites SiteLookup) (*VerifiedEvent, error)
	Method() Method
}

type SignedEnvelope struct {
	ApiKey    string
	SiteId    string
	Payload   string
	Signature string
	Timestamp int64
}

func (e *SignedEnvelope) Method() Method { return Method_Signed }

type TokenEnvelope struct {
	TrackingToken string
	Payload       *EventPayload
}

func (e *TokenEnvelope) Method() Method { return Method_Token }

type wireEnvelope struct {
	ApiKey        string          `json:"apiKey"`
	SiteId        string          `json:"siteId"`
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"signature"`
	Timestamp     int64           `json:"timestamp"`
	TrackingToken *string         `json:"trackingToken"`
	Encrypted     string          `json:"encrypted"`
}

// Parse decodes a tracking request body, dispatching on the presence of trackingToken.
func Parse(body []byte) (Envelope, error) {
	w := &wireEnvelope{}
	if err := json.Unmarshal(body, w); err != nil {
		return nil, errs.Wrap(errs.Kind_Malformed, err, "invalid request body")
	}

	if w.TrackingToken != nil {
		if *w.TrackingToken == "" {
			return nil, errs.New(errs.Kind_Malformed, "empty trackingToken")
		}
		payload, err := decodeInlinePayload(w.Payload)
		if err != nil {
			return nil, err
		}
		return &TokenEnvelope{TrackingToken: *w.TrackingToken, Payload: payload}, nil
	}

	if w.Encrypted != "" {
		return nil, errs.New(errs.Kind_Malformed, "encrypted envelopes are not supported")
	}
	if w.ApiKey == "" || w.Timestamp == 0 || w.SiteId == "" {
		return nil, errs.New(errs.Kind_Malformed, "missing required fields: apiKey, timestamp, siteId")
	}
	var payload string
	if err := json.Unmarshal(w.Payload, &payload); err != nil || payload == "" || w.Signature == "" {
		return nil, errs.New(errs.Kind_Malformed, "signed envelopes require a string payload and a signature")
	}
	return &SignedEnvelope{
		ApiKey:    w.ApiKey,
		SiteId:    w.SiteId,
		Payload:   payload,
		Signature: w.Signature,
		Timestamp: w.Timestamp,
	}, nil
}

// decodeInlinePayload accepts the token flow payload either as an object or as a JSON encoded string.
func decodeInlinePayload(raw json.RawMessage) (*EventPayload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errs.New(errs.Kind_Malformed, "missing payload for tracking token flow")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errs.Wrap(errs.Kind_Malformed, err, "invalid payload")
		}
		raw = []byte(s)
	}
	p := &EventPayload{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, errs.Wrap(errs.Kind_Malformed, err, "invalid payload")
	}
	return p, nil
}

// Verifier checks request signatures and tracking tokens against a freshness window.
type Verifier struct {
	tokens *TokenCodec
	window time.Duration
	clock  func() time.Time
}

func NewVerifier(tokens *TokenCodec, window time.Duration, clock func() time.Time) *Verifier {
	if window <= 0 {
		window = DefaultSignatureWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{tokens: tokens, window: window, clock: clock}
}

func (e *SignedEnvelope) Verify(ctx context.Context, v *Verifier, sites SiteLookup) (*VerifiedEvent, error) {
	now := v.clock()
	site, err := sites.GetSiteByApiKey(ctx, e.ApiKey)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, errs.New(errs.Kind_Unauthorized, "invalid API key")
	}
	if site.SiteId != e.SiteId {
		return nil, errs.New(errs.Kind_Unauthorized, "site ID mismatch")
	}
	if err := verifyWithin(e.Payload, e.Signature, site.ApiSecret, e.Timestamp, now, v.window); err != nil {
		return nil, err
	}

	payload := &EventPayload{}
	if err := json.Unmarshal([]byte(e.Payload), payload); err != nil {
		return nil, errs.Wrap(errs.Kind_Malformed, err, "invalid payload")
	}
	if err := payload.validate(); err != nil {
		return nil, err
	}
	if payload.SiteId != site.SiteId {
		return nil, errs.New(errs.Kind_InvalidSignature, "payload site ID mismatch")
	}
	return &VerifiedEvent{Payload: payload, Site: site, Method: Method_Signed}, nil
}

func (e *TokenEnvelope) Verify(ctx context.Context, v *Verifier, sites SiteLookup) (*VerifiedEvent, error) {
	claims, err := v.tokens.VerifyToken(e.TrackingToken, v.clock())
	if err != nil {
		return nil, err
	}
	site, err := sites.GetSiteBySiteId(ctx, claims.SiteId)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, errs.New(errs.Kind_Unauthorized, "invalid tracking token site")
	}

	if err := e.Payload.validate(); err != nil {
		return nil, err
	}
	if e.Payload.SiteId != site.SiteId {
		return nil, errs.New(errs.Kind_InvalidSignature, "payload site ID mismatch")
	}
	if claims.SiteId != e.Payload.SiteId || claims.CampaignId != e.Payload.CampaignId || claims.AdId != e.Payload.AdId {
		return nil, errs.New(errs.Kind_InvalidSignature, "tracking token claims mismatch")
	}
	return &VerifiedEvent{Payload: e.Payload, Site: site, Method: Method_Token}, nil
}

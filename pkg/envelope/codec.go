package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sovads/ledger/pkg/errs"
)

const DefaultSignatureWindow = 5 * time.Minute

// Sign returns base64(HMAC-SHA256(secret, "{timestamp}:{payload}")), the same
// value the browser SDK attaches to a signed tracking request.
func Sign(secret string, timestamp int64, payload string) string {
	return base64.StdEncoding.EncodeToString(mac([]byte(secret), signedMessage(timestamp, payload)))
}

// Verify checks a secret-signed payload using the default timestamp window.
func Verify(payload string, signature string, secret string, timestamp int64, now time.Time) error {
	return verifyWithin(payload, signature, secret, timestamp, now, DefaultSignatureWindow)
}

func verifyWithin(payload string, signature string, secret string, timestamp int64, now time.Time, window time.Duration) error {
	skew := now.UnixMilli() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > window.Milliseconds() {
		return errs.New(errs.Kind_Expired, "request timestamp too old or too far in future")
	}

	provided, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		// accept unpadded input
		provided, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(signature, "="))
		if err != nil {
			return errs.New(errs.Kind_InvalidSignature, "invalid signature encoding")
		}
	}
	if !hmac.Equal(provided, mac([]byte(secret), signedMessage(timestamp, payload))) {
		return errs.New(errs.Kind_InvalidSignature, "invalid signature")
	}
	return nil
}

func signedMessage(timestamp int64, payload string) []byte {
	return []byte(fmt.Sprintf("%d:%s", timestamp, payload))
}

func mac(secret []byte, message []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(message)
	return h.Sum(nil)
}

// TokenClaims binds a served ad to the site it was served on. Exp is unix milliseconds.
type TokenClaims struct {
	AdId       string `json:"adId"`
	CampaignId string `json:"campaignId"`
	SiteId     string `json:"siteId"`
	Exp        int64  `json:"exp"`
	Placement  string `json:"placement,omitempty"`
	Size       string `json:"size,omitempty"`
}

func (c *TokenClaims) ExpiresAt() time.Time {
	return time.UnixMilli(c.Exp)
}

// TokenCodec mints and verifies capability tokens of the form
// base64url(json(claims)) + "." + base64url(HMAC-SHA256(secret, payloadB64)).
type TokenCodec struct {
	secret []byte
}

func NewTokenCodec(secret string) *TokenCodec {
	return &TokenCodec{secret: []byte(secret)}
}

func (tc *TokenCodec) MintToken(claims *TokenClaims) (string, error) {
	if claims.AdId == "" || claims.CampaignId == "" || claims.SiteId == "" || claims.Exp == 0 {
		return "", errs.New(errs.Kind_Malformed, "token claims require adId, campaignId, siteId and exp")
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", errs.Wrap(errs.Kind_Internal, err, "failed to encode token claims")
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(body)
	return payloadB64 + "." + base64.RawURLEncoding.EncodeToString(mac(tc.secret, []byte(payloadB64))), nil
}

func (tc *TokenCodec) VerifyToken(token string, now time.Time) (*TokenClaims, error) {
	payloadB64, sigB64, found := strings.Cut(token, ".")
	if !found || payloadB64 == "" || sigB64 == "" || strings.Contains(sigB64, ".") {
		return nil, errs.New(errs.Kind_InvalidSignature, "malformed tracking token")
	}

	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(sigB64, "="))
	if err != nil {
		return nil, errs.New(errs.Kind_InvalidSignature, "malformed tracking token signature")
	}
	if !hmac.Equal(sig, mac(tc.secret, []byte(payloadB64))) {
		return nil, errs.New(errs.Kind_InvalidSignature, "invalid tracking token signature")
	}

	body, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(payloadB64, "="))
	if err != nil {
		return nil, errs.New(errs.Kind_InvalidSignature, "malformed tracking token payload")
	}
	claims := &TokenClaims{}
	if err := json.Unmarshal(body, claims); err != nil {
		return nil, errs.New(errs.Kind_InvalidSignature, "malformed tracking token claims")
	}
	if claims.AdId == "" || claims.CampaignId == "" || claims.SiteId == "" || claims.Exp == 0 {
		return nil, errs.New(errs.Kind_InvalidSignature, "tracking token is missing claims")
	}
	if now.UnixMilli() > claims.Exp {
		return nil, errs.New(errs.Kind_Expired, "tracking token expired")
	}
	return claims, nil
}

package envelope

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSites struct {
	sites []*storage.PublisherSite
}

func (s *staticSites) GetSiteByApiKey(ctx context.Context, apiKey string) (*storage.PublisherSite, error) {
	for _, site := range s.sites {
		if site.ApiKey == apiKey {
			return site, nil
		}
	}
	return nil, nil
}

func (s *staticSites) GetSiteBySiteId(ctx context.Context, siteId string) (*storage.PublisherSite, error) {
	for _, site := range s.sites {
		if site.SiteId == siteId {
			return site, nil
		}
	}
	return nil, nil
}

var (
	fixedNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	testSite = &storage.PublisherSite{Id: "ps-1", SiteId: "site_abc", PublisherId: "pub-1", ApiKey: "key-1", ApiSecret: "secret-1"}
)

func setup() (*Verifier, *TokenCodec, *staticSites) {
	codec := NewTokenCodec("token-secret")
	v := NewVerifier(codec, DefaultSignatureWindow, func() time.Time { return fixedNow })
	return v, codec, &staticSites{sites: []*storage.PublisherSite{testSite}}
}

func payloadJson(t *testing.T, siteId string) string {
	b, err := json.Marshal(map[string]any{
		"type":       "IMPRESSION",
		"campaignId": "camp-1",
		"adId":       "ad-1",
		"siteId":     siteId,
		"rendered":   true,
	})
	require.Nil(t, err)
	return string(b)
}

func Test_SignAndVerify(t *testing.T) {
	ts := fixedNow.UnixMilli()

	t.Run("Should accept its own signature", func(t *testing.T) {
		sig := Sign("secret", ts, `{"a":1}`)
		assert.Nil(t, Verify(`{"a":1}`, sig, "secret", ts, fixedNow))
	})
	t.Run("Should reject a tampered payload", func(t *testing.T) {
		sig := Sign("secret", ts, `{"a":1}`)
		err := Verify(`{"a":2}`, sig, "secret", ts, fixedNow)
		assert.Equal(t, errs.Kind_InvalidSignature, errs.KindOf(err))
	})
	t.Run("Should reject the wrong secret", func(t *testing.T) {
		sig := Sign("secret", ts, `{"a":1}`)
		err := Verify(`{"a":1}`, sig, "other", ts, fixedNow)
		assert.Equal(t, errs.Kind_InvalidSignature, errs.KindOf(err))
	})
	t.Run("Should bind the timestamp into the signature", func(t *testing.T) {
		sig := Sign("secret", ts, `{"a":1}`)
		err := Verify(`{"a":1}`, sig, "secret", ts+1, fixedNow)
		assert.Equal(t, errs.Kind_InvalidSignature, errs.KindOf(err))
	})
	t.Run("Should accept timestamps at the edge of the window", func(t *testing.T) {
		edge := fixedNow.Add(-5 * time.Minute).UnixMilli()
		assert.Nil(t, Verify("p", Sign("s", edge, "p"), "s", edge, fixedNow))
	})
	t.Run("Should expire timestamps outside the window in either direction", func(t *testing.T) {
		old := fixedNow.Add(-5*time.Minute - time.Millisecond).UnixMilli()
		err := Verify("p", Sign("s", old, "p"), "s", old, fixedNow)
		assert.Equal(t, errs.Kind_Expired, errs.KindOf(err))

		future := fixedNow.Add(6 * time.Minute).UnixMilli()
		err = Verify("p", Sign("s", future, "p"), "s", future, fixedNow)
		assert.Equal(t, errs.Kind_Expired, errs.KindOf(err))
	})
	t.Run("Should reject a signature that is not base64", func(t *testing.T) {
		err := Verify("p", "%%%", "s", ts, fixedNow)
		assert.Equal(t, errs.Kind_InvalidSignature, errs.KindOf(err))
	})
}

func Test_TrackingTokens(t *testing.T) {
	_, codec, _ := setup()

	claims := &TokenClaims{AdId: "ad-1", CampaignId: "camp-1", SiteId: "site_abc", Exp: fixedNow.Add(15 * time.Minute).UnixMilli(), Placement: "banner"}

	t.Run("Should round trip claims", func(t *testing.T) {
		token, err := codec.MintToken(claims)
		require.Nil(t, err)

		got, err := codec.VerifyToken(token, fixedNow)
		require.Nil(t, err)
		assert.Equal(t, claims, got)
	})
	t.Run("Should reject a token whose exp is one millisecond in the past", func(t *testing.T) {
		expired := *claims
		expired.Exp = fixedNow.UnixMilli() - 1
		token, err := codec.MintToken(&expired)
		require.Nil(t, err)

		_, err = codec.VerifyToken(token, fixedNow)
		assert.Equal(t, errs.Kind_Expired, errs.KindOf(err))
	})
	t.Run("Should accept a token at exactly its exp", func(t *testing.T) {
		atExp := *claims
		atExp.Exp = fixedNow.UnixMilli()
		token, err := codec.MintToken(&atExp)
		require.Nil(t, err)

		_, err = codec.VerifyToken(token, fixedNow)
		assert.Nil(t, err)
	})
	t.Run("Should reject tokens from another secret", func(t *testing.T) {
		token, err := NewTokenCodec("other").MintToken(claims)
		require.Nil(t, err)

		_, err = codec.VerifyToken(token, fixedNow)
		assert.Equal(t, errs.Kind_InvalidSignature, errs.KindOf(err))
	})
	t.Run("Should reject malformed tokens", func(t *testing.T) {
		for _, token := range []string{"", "abc", "abc.", ".abc", "a.b.c", "!!!.###"} {
			_, err := codec.VerifyToken(token, fixedNow)
			assert.Equal(t, errs.Kind_InvalidSignature, errs.KindOf(err), token)
		}
	})
	t.Run("Should reject signed tokens that are missing claims", func(t *testing.T) {
		payloadB64 := "eyJhZElkIjoiYWQtMSJ9" // {"adId":"ad-1"}
		token := fmt.Sprintf("%s.%s", payloadB64, encodeSig(codec, payloadB64))

		_, err := codec.VerifyToken(token, fixedNow)
		assert.Equal(t, errs.Kind_InvalidSignature, errs.KindOf(err))
	})
}

func encodeSig(codec *TokenCodec, payloadB64 string) string {
	return base64.RawURLEncoding.EncodeToString(mac(codec.secret, []byte(payloadB64)))
}

func Test_Envelopes(t *testing.T) {
	v, codec, sites := setup()
	ctx := context.Background()
	ts := fixedNow.UnixMilli()

	signedBody := func(apiKey string, siteId string, payload string, sig string) []byte {
		b, _ := json.Marshal(map[string]any{
			"apiKey":    apiKey,
			"siteId":    siteId,
			"payload":   payload,
			"signature": sig,
			"timestamp": ts,
		})
		return b
	}

	t.Run("Should verify a secret-signed envelope", func(t *testing.T) {
		p := payloadJson(t, "site_abc")
		env, err := Parse(signedBody("key-1", "site_abc", p, Sign("secret-1", ts, p)))
		require.Nil(t, err)
		assert.Equal(t, Method_Signed, env.Method())

		ve, err := env.Verify(ctx, v, sites)
		require.Nil(t, err)
		assert.Equal(t, storage.EventType_Impression, ve.Payload.Type)
		assert.Equal(t, "camp-1", ve.Payload.CampaignId)
		assert.Equal(t, testSite, ve.Site)
		assert.True(t, ve.Payload.Verified())
	})
	t.Run("Should reject an unknown api key", func(t *testing.T) {
		p := payloadJson(t, "site_abc")
		env, err := Parse(signedBody("nope", "site_abc", p, Sign("secret-1", ts, p)))
		require.Nil(t, err)
		_, err = env.Verify(ctx, v, sites)
		assert.Equal(t, errs.Kind_Unauthorized, errs.KindOf(err))
	})
	t.Run("Should reject a payload for another site", func(t *testing.T) {
		p := payloadJson(t, "site_other")
		env, err := Parse(signedBody("key-1", "site_abc", p, Sign("secret-1", ts, p)))
		require.Nil(t, err)
		_, err = env.Verify(ctx, v, sites)
		assert.Equal(t, errs.Kind_InvalidSignature, errs.KindOf(err))
	})
	t.Run("Should reject a bad signature without inspecting the payload", func(t *testing.T) {
		env, err := Parse(signedBody("key-1", "site_abc", "not json", Sign("wrong", ts, "not json")))
		require.Nil(t, err)
		_, err = env.Verify(ctx, v, sites)
		assert.Equal(t, errs.Kind_InvalidSignature, errs.KindOf(err))
	})
	t.Run("Should treat missing fields as malformed", func(t *testing.T) {
		_, err := Parse([]byte(`{"apiKey":"key-1","payload":"{}","signature":"x"}`))
		assert.Equal(t, errs.Kind_Malformed, errs.KindOf(err))

		_, err = Parse([]byte(`not json`))
		assert.Equal(t, errs.Kind_Malformed, errs.KindOf(err))

		_, err = Parse([]byte(`{"encrypted":"abc","iv":"def"}`))
		assert.Equal(t, errs.Kind_Malformed, errs.KindOf(err))
	})

	tokenBody := func(token string, payload any) []byte {
		b, _ := json.Marshal(map[string]any{"trackingToken": token, "payload": payload})
		return b
	}
	mint := func(c TokenClaims) string {
		token, err := codec.MintToken(&c)
		require.Nil(t, err)
		return token
	}
	validClaims := TokenClaims{AdId: "ad-1", CampaignId: "camp-1", SiteId: "site_abc", Exp: fixedNow.Add(time.Minute).UnixMilli()}

	t.Run("Should verify a token envelope with an object payload", func(t *testing.T) {
		env, err := Parse(tokenBody(mint(validClaims), map[string]any{
			"type": "CLICK", "campaignId": "camp-1", "adId": "ad-1", "siteId": "site_abc", "fingerprint": "fp-1",
		}))
		require.Nil(t, err)
		assert.Equal(t, Method_Token, env.Method())

		ve, err := env.Verify(ctx, v, sites)
		require.Nil(t, err)
		assert.Equal(t, storage.EventType_Click, ve.Payload.Type)
		assert.Equal(t, "fp-1", *ve.Payload.FingerprintValue())
		assert.False(t, ve.Payload.Verified())
	})
	t.Run("Should verify a token envelope with a string payload", func(t *testing.T) {
		env, err := Parse(tokenBody(mint(validClaims), payloadJson(t, "site_abc")))
		require.Nil(t, err)
		_, err = env.Verify(ctx, v, sites)
		assert.Nil(t, err)
	})
	t.Run("Should reject claims that do not match the payload", func(t *testing.T) {
		other := validClaims
		other.AdId = "ad-2"
		env, err := Parse(tokenBody(mint(other), payloadJson(t, "site_abc")))
		require.Nil(t, err)
		_, err = env.Verify(ctx, v, sites)
		assert.Equal(t, errs.Kind_InvalidSignature, errs.KindOf(err))
	})
	t.Run("Should reject an expired token envelope", func(t *testing.T) {
		expired := validClaims
		expired.Exp = fixedNow.UnixMilli() - 1
		env, err := Parse(tokenBody(mint(expired), payloadJson(t, "site_abc")))
		require.Nil(t, err)
		_, err = env.Verify(ctx, v, sites)
		assert.Equal(t, errs.Kind_Expired, errs.KindOf(err))
	})
	t.Run("Should reject a token for an unknown site", func(t *testing.T) {
		unknown := validClaims
		unknown.SiteId = "site_missing"
		env, err := Parse(tokenBody(mint(unknown), payloadJson(t, "site_missing")))
		require.Nil(t, err)
		_, err = env.Verify(ctx, v, sites)
		assert.Equal(t, errs.Kind_Unauthorized, errs.KindOf(err))
	})
	t.Run("Should reject an invalid event type", func(t *testing.T) {
		env, err := Parse(tokenBody(mint(validClaims), map[string]any{
			"type": "HOVER", "campaignId": "camp-1", "adId": "ad-1", "siteId": "site_abc",
		}))
		require.Nil(t, err)
		_, err = env.Verify(ctx, v, sites)
		assert.Equal(t, errs.Kind_Malformed, errs.KindOf(err))
	})
	t.Run("Should require a payload on the token flow", func(t *testing.T) {
		_, err := Parse([]byte(fmt.Sprintf(`{"trackingToken":"%s"}`, mint(validClaims))))
		assert.Equal(t, errs.Kind_Malformed, errs.KindOf(err))
	})
}

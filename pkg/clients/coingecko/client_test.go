package coingecko

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const token = "0x62B8B11039FcfE5aB0C56E502b1C372A3d2a9c7A"

func setup() (*Client, func()) {
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	c := NewClient(&config.CoingeckoConfig{
		ApiKey:  "demo-key",
		BaseUrl: "https://api.coingecko.com/api/v3/",
	}, zap.NewNop()).WithHttpClient(hc)
	return c, func() { httpmock.DeactivateAndReset() }
}

func Test_CoingeckoClient(t *testing.T) {
	ctx := context.Background()

	t.Run("Should fetch token prices keyed by lowercased address", func(t *testing.T) {
		c, teardown := setup()
		defer teardown()

		httpmock.RegisterResponder("GET", "https://api.coingecko.com/api/v3/simple/token_price/celo",
			func(req *http.Request) (*http.Response, error) {
				assert.Equal(t, "demo-key", req.Header.Get("x-cg-demo-api-key"))
				assert.Equal(t, "0x62b8b11039fcfe5ab0c56e502b1c372a3d2a9c7a", req.URL.Query().Get("contract_addresses"))
				assert.Equal(t, "usd,eur", req.URL.Query().Get("vs_currencies"))
				return httpmock.NewStringResponse(200, `{"0x62b8b11039fcfe5ab0c56e502b1c372a3d2a9c7a":{"usd":0.00012345,"eur":0.0001}}`), nil
			})

		prices, err := c.GetTokenPrices(ctx, "celo", []string{token}, []string{"usd", "eur"})
		require.NoError(t, err)
		usd := prices["0x62b8b11039fcfe5ab0c56e502b1c372a3d2a9c7a"]["usd"]
		assert.True(t, usd.Equal(decimal.RequireFromString("0.00012345")))
		assert.Equal(t, 1, httpmock.GetTotalCallCount())
	})
	t.Run("Should surface an API error", func(t *testing.T) {
		c, teardown := setup()
		defer teardown()

		httpmock.RegisterResponder("GET", "https://api.coingecko.com/api/v3/simple/token_price/celo",
			httpmock.NewStringResponder(429, `{"status":{"error_code":429}}`))

		_, err := c.GetTokenPrices(ctx, "celo", []string{token}, []string{"usd"})
		assert.ErrorContains(t, err, "429")
	})
	t.Run("Should fetch coin data for a contract", func(t *testing.T) {
		c, teardown := setup()
		defer teardown()

		httpmock.RegisterResponder("GET", "https://api.coingecko.com/api/v3/coins/celo/contract/0x62b8b11039fcfe5ab0c56e502b1c372a3d2a9c7a",
			httpmock.NewStringResponder(200, `{"id":"gooddollar","name":"GoodDollar","symbol":"g$"}`))

		coin, err := c.GetCoinDataByTokenAddress(ctx, "celo", token)
		require.NoError(t, err)
		assert.Equal(t, &CoinData{ID: "gooddollar", Name: "GoodDollar", Symbol: "g$"}, coin)
	})
	t.Run("Should report an unknown contract", func(t *testing.T) {
		c, teardown := setup()
		defer teardown()

		httpmock.RegisterResponder("GET", "https://api.coingecko.com/api/v3/coins/celo/contract/0x0000000000000000000000000000000000000001",
			httpmock.NewStringResponder(404, `{"error":"coin not found"}`))

		_, err := c.GetCoinDataByTokenAddress(ctx, "celo", "0x0000000000000000000000000000000000000001")
		assert.ErrorContains(t, err, "not found")
	})
}

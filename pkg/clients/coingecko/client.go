package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/internal/config"
	"go.uber.org/zap"
)

type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	logger     *zap.Logger
}

type CoinData struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

// TokenPrices maps a lowercased contract address to its price per currency.
type TokenPrices map[string]map[string]decimal.Decimal

func NewClient(cfg *config.CoingeckoConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		apiKey:  cfg.ApiKey,
		baseURL: strings.TrimSuffix(cfg.BaseUrl, "/"),
		logger:  logger,
	}
}

// WithHttpClient replaces the transport, mainly for tests.
func (c *Client) WithHttpClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, target any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	q := req.URL.Query()
	for k, v := range query {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()

	req.Header.Set("accept", "application/json")
	if c.apiKey != "" {
		if strings.Contains(c.baseURL, "pro-api") {
			req.Header.Set("x-cg-pro-api-key", c.apiKey)
		} else {
			req.Header.Set("x-cg-demo-api-key", c.apiKey)
		}
	}

	c.logger.Sugar().Debugw("Making CoinGecko request",
		zap.String("url", req.URL.String()),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("not found: %s", path)
		}
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// GetTokenPrices fetches spot prices for contract addresses on an asset platform.
// Addresses CoinGecko does not know are absent from the result.
func (c *Client) GetTokenPrices(ctx context.Context, platform string, addresses []string, currencies []string) (TokenPrices, error) {
	lowered := make([]string, 0, len(addresses))
	for _, a := range addresses {
		lowered = append(lowered, strings.ToLower(a))
	}

	var raw map[string]map[string]decimal.Decimal
	err := c.get(ctx, fmt.Sprintf("/simple/token_price/%s", platform), map[string]string{
		"contract_addresses": strings.Join(lowered, ","),
		"vs_currencies":      strings.Join(currencies, ","),
	}, &raw)
	if err != nil {
		return nil, err
	}

	prices := make(TokenPrices, len(raw))
	for address, byCurrency := range raw {
		prices[strings.ToLower(address)] = byCurrency
	}
	return prices, nil
}

// GetCoinDataByTokenAddress fetches coin data by contract address
func (c *Client) GetCoinDataByTokenAddress(ctx context.Context, platform string, address string) (*CoinData, error) {
	var coinData CoinData
	if err := c.get(ctx, fmt.Sprintf("/coins/%s/contract/%s", platform, strings.ToLower(address)), nil, &coinData); err != nil {
		return nil, err
	}
	return &coinData, nil
}

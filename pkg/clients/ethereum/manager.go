package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sovads/ledger/pkg/errs"
	"go.uber.org/zap"
)

type OnChainVault struct {
	CampaignId  string `json:"campaignId"`
	TotalFunded string `json:"totalFunded"`
	Locked      string `json:"locked"`
	Claimed     string `json:"claimed"`
}

type OnChainBalance struct {
	CampaignId string `json:"campaignId"`
	User       string `json:"user"`
	Accrued    string `json:"accrued"`
	Claimed    string `json:"claimed"`
}

// ManagerReader reads campaign vault views from the SovAdsManager contract.
type ManagerReader struct {
	client  *Client
	address common.Address
	abi     abi.ABI
	logger  *zap.Logger
}

func NewManagerReader(client *Client, address string, l *zap.Logger) (*ManagerReader, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid manager contract address '%s'", address)
	}
	parsed, err := abi.JSON(strings.NewReader(SovAdsManagerAbi))
	if err != nil {
		return nil, fmt.Errorf("failed to parse manager ABI: %w", err)
	}
	return &ManagerReader{
		client:  client,
		address: common.HexToAddress(address),
		abi:     parsed,
		logger:  l,
	}, nil
}

func (mr *ManagerReader) call(ctx context.Context, method string, args ...any) ([]any, error) {
	caller, err := mr.client.GetEthereumContractCaller()
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(mr.address, mr.abi, caller, nil, nil)

	var result []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &result, method, args...); err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	return result, nil
}

func bigAt(result []any, i int, method string) (*big.Int, error) {
	if len(result) <= i || result[i] == nil {
		return nil, fmt.Errorf("got empty result from %s", method)
	}
	v, ok := result[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("got unexpected result type from %s", method)
	}
	return v, nil
}

func parseCampaignId(campaignId string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(campaignId, 10)
	if !ok || id.Sign() < 0 {
		return nil, errs.Newf(errs.Kind_Malformed, "on-chain campaign id must be a non-negative integer, got '%s'", campaignId)
	}
	return id, nil
}

func (mr *ManagerReader) GetCampaignVault(ctx context.Context, campaignId string) (*OnChainVault, error) {
	id, err := parseCampaignId(campaignId)
	if err != nil {
		return nil, err
	}
	result, err := mr.call(ctx, "getCampaignVault", id)
	if err != nil {
		return nil, err
	}
	values := make([]*big.Int, 3)
	for i := range values {
		if values[i], err = bigAt(result, i, "getCampaignVault"); err != nil {
			return nil, err
		}
	}
	return &OnChainVault{
		CampaignId:  campaignId,
		TotalFunded: values[0].String(),
		Locked:      values[1].String(),
		Claimed:     values[2].String(),
	}, nil
}

func (mr *ManagerReader) GetBalanceInfo(ctx context.Context, campaignId string, user string) (*OnChainBalance, error) {
	id, err := parseCampaignId(campaignId)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(user) {
		return nil, errs.Newf(errs.Kind_Malformed, "invalid user address '%s'", user)
	}
	result, err := mr.call(ctx, "getBalanceInfo", id, common.HexToAddress(user))
	if err != nil {
		return nil, err
	}
	accrued, err := bigAt(result, 0, "getBalanceInfo")
	if err != nil {
		return nil, err
	}
	claimed, err := bigAt(result, 1, "getBalanceInfo")
	if err != nil {
		return nil, err
	}
	return &OnChainBalance{
		CampaignId: campaignId,
		User:       strings.ToLower(user),
		Accrued:    accrued.String(),
		Claimed:    claimed.String(),
	}, nil
}

// GetRates returns the per-impression and per-click accrual rates configured on the manager.
func (mr *ManagerReader) GetRates(ctx context.Context) (impression string, click string, err error) {
	for _, m := range []struct {
		method string
		dst    *string
	}{{"impressionRate", &impression}, {"clickRate", &click}} {
		result, err := mr.call(ctx, m.method)
		if err != nil {
			return "", "", err
		}
		v, err := bigAt(result, 0, m.method)
		if err != nil {
			return "", "", err
		}
		*m.dst = v.String()
	}
	return impression, click, nil
}

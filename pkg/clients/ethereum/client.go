package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sovads/ledger/internal/config"
	"go.uber.org/zap"
)

// ChainClient is the subset of an RPC client the ledger uses. *ethclient.Client satisfies it.
type ChainClient interface {
	bind.ContractCaller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type EthereumClientConfig struct {
	BaseUrl    string
	ChainId    int64
	PrivateKey string
}

func EthereumClientConfigFromConfig(cfg *config.Config) *EthereumClientConfig {
	return &EthereumClientConfig{
		BaseUrl:    cfg.EthereumConfig.RpcUrl,
		ChainId:    cfg.EthereumConfig.ChainId,
		PrivateKey: cfg.EthereumConfig.PrivateKey,
	}
}

// Client lazily dials the configured RPC endpoint.
type Client struct {
	clientConfig *EthereumClientConfig
	Logger       *zap.Logger

	mu        sync.Mutex
	ethClient ChainClient
}

func NewClient(cfg *EthereumClientConfig, l *zap.Logger) *Client {
	return &Client{
		clientConfig: cfg,
		Logger:       l,
	}
}

// NewClientWithBackend wraps an already connected chain client.
func NewClientWithBackend(cfg *EthereumClientConfig, backend ChainClient, l *zap.Logger) *Client {
	return &Client{
		clientConfig: cfg,
		Logger:       l,
		ethClient:    backend,
	}
}

// GetEthereumContractCaller dials the node on first use.
func (c *Client) GetEthereumContractCaller() (ChainClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ethClient != nil {
		return c.ethClient, nil
	}
	if c.clientConfig.BaseUrl == "" {
		return nil, fmt.Errorf("ethereum rpc url not configured")
	}
	ec, err := ethclient.Dial(c.clientConfig.BaseUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ethereum node: %w", err)
	}
	c.ethClient = ec
	return ec, nil
}

func (c *Client) ChainId() *big.Int {
	return big.NewInt(c.clientConfig.ChainId)
}

// SigningKey parses the configured hex private key.
func (c *Client) SigningKey() (*ecdsa.PrivateKey, error) {
	if c.clientConfig.PrivateKey == "" {
		return nil, fmt.Errorf("ethereum private key not configured")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.clientConfig.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid ethereum private key: %w", err)
	}
	return key, nil
}

package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/sovads/ledger/pkg/vault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	chainTx_Signed    = "signed"
	chainTx_Broadcast = "broadcast"
	chainTx_Confirmed = "confirmed"
	chainTx_Failed    = "failed"

	// gas estimates are padded by this percentage
	gasBufferPct = 20
)

// TreasuryBackend pays out of the SovadGs treasury contract.
//
// Every signed transaction is journaled in chain_transactions before it is
// broadcast, so a reference is never signed twice and an interrupted call can
// be resumed from the stored raw transaction.
type TreasuryBackend struct {
	db             *gorm.DB
	client         *Client
	address        common.Address
	abi            abi.ABI
	receiptTimeout time.Duration
	logger         *zap.Logger

	// serializes nonce selection through broadcast
	sendMu sync.Mutex
}

// NewTreasuryBackend returns a backend that signs treasury transfers with the configured key.
func NewTreasuryBackend(db *gorm.DB, client *Client, l *zap.Logger, cfg *config.Config) (*TreasuryBackend, error) {
	if !common.IsHexAddress(cfg.EthereumConfig.TreasuryContract) {
		return nil, fmt.Errorf("invalid treasury contract address '%s'", cfg.EthereumConfig.TreasuryContract)
	}
	parsed, err := abi.JSON(strings.NewReader(SovadGsAbi))
	if err != nil {
		return nil, fmt.Errorf("failed to parse treasury ABI: %w", err)
	}
	return &TreasuryBackend{
		db:             db,
		client:         client,
		address:        common.HexToAddress(cfg.EthereumConfig.TreasuryContract),
		abi:            parsed,
		receiptTimeout: cfg.EthereumConfig.ReceiptTimeout,
		logger:         l,
	}, nil
}

func (tb *TreasuryBackend) Name() string {
	return string(config.TreasuryBackend_Chain)
}

func (tb *TreasuryBackend) Payout(ctx context.Context, recipient string, rawAmount decimal.Decimal, reference string) (string, error) {
	if !common.IsHexAddress(recipient) {
		return "", errs.Newf(errs.Kind_Malformed, "invalid recipient address '%s'", recipient)
	}
	return tb.submit(ctx, reference, "claimDirect", common.HexToAddress(recipient), rawAmount.BigInt())
}

func (tb *TreasuryBackend) TopUp(ctx context.Context, rawAmount decimal.Decimal, reference string) (string, error) {
	return tb.submit(ctx, reference, "adminTopup", rawAmount.BigInt())
}

func (tb *TreasuryBackend) Balance(ctx context.Context) (decimal.Decimal, error) {
	caller, err := tb.client.GetEthereumContractCaller()
	if err != nil {
		return decimal.Zero, errs.Wrap(errs.Kind_OnChainCallFailed, err, "no ethereum client")
	}
	contract := bind.NewBoundContract(tb.address, tb.abi, caller, nil, nil)

	var result []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &result, "getTreasuryBalance"); err != nil {
		return decimal.Zero, errs.Wrap(errs.Kind_OnChainCallFailed, err, "failed to read treasury balance")
	}
	v, err := bigAt(result, 0, "getTreasuryBalance")
	if err != nil {
		return decimal.Zero, errs.Wrap(errs.Kind_OnChainCallFailed, err, "failed to read treasury balance")
	}
	return decimal.NewFromBigInt(v, 0), nil
}

func (tb *TreasuryBackend) Status(ctx context.Context, reference string) (vault.PayStatus, string, error) {
	journal, err := tb.loadJournal(reference)
	if err != nil {
		return vault.PayStatus_Pending, "", err
	}
	// never signed, so nothing can land
	if journal == nil {
		return vault.PayStatus_Failed, "", nil
	}
	if journal.Status == chainTx_Confirmed {
		return vault.PayStatus_Confirmed, journal.TxHash, nil
	}

	caller, err := tb.client.GetEthereumContractCaller()
	if err != nil {
		return vault.PayStatus_Pending, journal.TxHash, err
	}
	// a signed transaction marked failed can still have been relayed, so the
	// receipt wins over the journal
	receipt, err := caller.TransactionReceipt(ctx, common.HexToHash(journal.TxHash))
	if err == nil {
		return tb.applyReceipt(journal, receipt), journal.TxHash, nil
	}
	if !errors.Is(err, geth.NotFound) {
		return vault.PayStatus_Pending, journal.TxHash, err
	}
	if journal.Status == chainTx_Failed {
		return vault.PayStatus_Failed, journal.TxHash, nil
	}

	signed, err := decodeRawTx(journal.RawTx)
	if err != nil {
		return vault.PayStatus_Pending, journal.TxHash, err
	}
	if err := caller.SendTransaction(ctx, signed); err != nil {
		switch {
		case isAlreadyKnown(err):
		case isNonceTooLow(err):
			// the nonce was consumed by a different transaction and ours has no receipt
			tb.logger.Sugar().Warnw("Journaled transaction was replaced",
				zap.String("reference", reference),
				zap.String("txHash", journal.TxHash),
			)
			tb.markJournal(reference, chainTx_Failed)
			return vault.PayStatus_Failed, journal.TxHash, nil
		default:
			tb.logger.Sugar().Warnw("Failed to rebroadcast transaction",
				zap.String("reference", reference),
				zap.Error(err),
			)
		}
	}
	return vault.PayStatus_Pending, journal.TxHash, nil
}

func (tb *TreasuryBackend) submit(ctx context.Context, reference string, method string, args ...any) (string, error) {
	signed, err := tb.signAndBroadcast(ctx, reference, method, args...)
	if err != nil {
		return "", err
	}
	return tb.await(ctx, reference, signed)
}

func (tb *TreasuryBackend) signAndBroadcast(ctx context.Context, reference string, method string, args ...any) (*types.Transaction, error) {
	tb.sendMu.Lock()
	defer tb.sendMu.Unlock()

	caller, err := tb.client.GetEthereumContractCaller()
	if err != nil {
		return nil, errs.Wrap(errs.Kind_OnChainCallFailed, err, "no ethereum client")
	}

	journal, err := tb.loadJournal(reference)
	if err != nil {
		return nil, err
	}
	if journal != nil {
		switch journal.Status {
		case chainTx_Confirmed:
			return decodeRawTx(journal.RawTx)
		case chainTx_Failed:
			return nil, errs.Newf(errs.Kind_OnChainCallFailed, "transaction %s already failed", journal.TxHash)
		}
		signed, err := decodeRawTx(journal.RawTx)
		if err != nil {
			return nil, err
		}
		if err := caller.SendTransaction(ctx, signed); err != nil && !isAlreadyKnown(err) && !isNonceTooLow(err) {
			return nil, errs.PendingTx(journal.TxHash, "rebroadcast failed")
		}
		return signed, nil
	}

	signed, err := tb.sign(ctx, caller, method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	journal = &storage.ChainTransaction{
		Reference: reference,
		TxHash:    signed.Hash().Hex(),
		Nonce:     signed.Nonce(),
		RawTx:     hexutil.Encode(raw),
		Status:    chainTx_Signed,
	}
	if res := tb.db.Create(journal); res.Error != nil {
		return nil, errs.Wrap(errs.Kind_Internal, res.Error, "failed to journal transaction")
	}

	if err := caller.SendTransaction(ctx, signed); err != nil && !isAlreadyKnown(err) {
		// only a node rejection proves the transaction is not in flight
		if ctx.Err() == nil && isRejected(err) && !tb.hasReceipt(ctx, caller, signed.Hash()) {
			tb.markJournal(reference, chainTx_Failed)
			return nil, errs.Wrap(errs.Kind_OnChainCallFailed, err, "transaction rejected")
		}
		tb.logger.Sugar().Warnw("Broadcast outcome unknown",
			zap.String("reference", reference),
			zap.String("txHash", journal.TxHash),
			zap.Error(err),
		)
		return nil, errs.PendingTx(journal.TxHash, "broadcast outcome unknown")
	}
	tb.markJournal(reference, chainTx_Broadcast)
	tb.logger.Sugar().Infow("Broadcast treasury transaction",
		zap.String("method", method),
		zap.String("reference", reference),
		zap.String("txHash", journal.TxHash),
		zap.Uint64("nonce", journal.Nonce),
	)
	return signed, nil
}

// sign builds a legacy transaction calling method on the treasury contract.
// Nothing has been broadcast when it fails, so its errors are definite.
func (tb *TreasuryBackend) sign(ctx context.Context, caller ChainClient, method string, args ...any) (*types.Transaction, error) {
	key, err := tb.client.SigningKey()
	if err != nil {
		return nil, errs.Wrap(errs.Kind_OnChainCallFailed, err, "no signing key")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	data, err := tb.abi.Pack(method, args...)
	if err != nil {
		return nil, errs.Wrap(errs.Kind_Malformed, err, fmt.Sprintf("failed to pack %s", method))
	}
	nonce, err := caller.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, errs.Wrap(errs.Kind_OnChainCallFailed, err, "failed to get nonce")
	}
	gasPrice, err := caller.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Kind_OnChainCallFailed, err, "failed to get gas price")
	}
	gas, err := caller.EstimateGas(ctx, geth.CallMsg{From: from, To: &tb.address, Data: data})
	if err != nil {
		return nil, errs.Wrap(errs.Kind_OnChainCallFailed, err, fmt.Sprintf("%s would revert", method))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas + gas*gasBufferPct/100,
		To:       &tb.address,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(tb.client.ChainId()), key)
	if err != nil {
		return nil, errs.Wrap(errs.Kind_OnChainCallFailed, err, "failed to sign transaction")
	}
	return signed, nil
}

func (tb *TreasuryBackend) await(ctx context.Context, reference string, signed *types.Transaction) (string, error) {
	caller, err := tb.client.GetEthereumContractCaller()
	if err != nil {
		return "", errs.PendingTx(signed.Hash().Hex(), "no ethereum client")
	}
	waitCtx, cancel := context.WithTimeout(ctx, tb.receiptTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, caller, signed)
	if err != nil {
		return "", errs.PendingTx(signed.Hash().Hex(), "timed out waiting for receipt")
	}
	journal, err := tb.loadJournal(reference)
	if err != nil || journal == nil {
		return "", errs.PendingTx(signed.Hash().Hex(), "journal unavailable")
	}
	if tb.applyReceipt(journal, receipt) != vault.PayStatus_Confirmed {
		return "", errs.Newf(errs.Kind_OnChainCallFailed, "transaction %s reverted", journal.TxHash)
	}
	return journal.TxHash, nil
}

func (tb *TreasuryBackend) hasReceipt(ctx context.Context, caller ChainClient, hash common.Hash) bool {
	_, err := caller.TransactionReceipt(ctx, hash)
	return err == nil
}

// applyReceipt records what the chain says about the journaled transaction.
// A receipt overrides an earlier failed mark.
func (tb *TreasuryBackend) applyReceipt(journal *storage.ChainTransaction, receipt *types.Receipt) vault.PayStatus {
	status := chainTx_Failed
	if receipt.Status == types.ReceiptStatusSuccessful {
		status = chainTx_Confirmed
	}
	res := tb.db.Model(&storage.ChainTransaction{}).
		Where("reference = ? and status <> ?", journal.Reference, chainTx_Confirmed).
		Updates(map[string]any{"status": status, "updated_at": time.Now()})
	if res.Error != nil {
		tb.logger.Sugar().Errorw("Failed to update transaction journal",
			zap.String("reference", journal.Reference),
			zap.String("status", status),
			zap.Error(res.Error),
		)
	}
	if status == chainTx_Confirmed {
		return vault.PayStatus_Confirmed
	}
	return vault.PayStatus_Failed
}

func (tb *TreasuryBackend) loadJournal(reference string) (*storage.ChainTransaction, error) {
	var journal *storage.ChainTransaction
	res := tb.db.Model(&storage.ChainTransaction{}).Where("reference = ?", reference).First(&journal)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, res.Error
	}
	return journal, nil
}

func (tb *TreasuryBackend) markJournal(reference string, status string) {
	res := tb.db.Model(&storage.ChainTransaction{}).
		Where("reference = ? and status not in ?", reference, []string{chainTx_Confirmed, chainTx_Failed}).
		Updates(map[string]any{"status": status, "updated_at": time.Now()})
	if res.Error != nil {
		tb.logger.Sugar().Errorw("Failed to update transaction journal",
			zap.String("reference", reference),
			zap.String("status", status),
			zap.Error(res.Error),
		)
	}
}

// JournalEntry returns the journaled transaction for a reference, or nil.
func (tb *TreasuryBackend) JournalEntry(reference string) (*storage.ChainTransaction, error) {
	return tb.loadJournal(reference)
}

func decodeRawTx(raw string) (*types.Transaction, error) {
	bin, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode journaled transaction: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(bin); err != nil {
		return nil, fmt.Errorf("failed to decode journaled transaction: %w", err)
	}
	return tx, nil
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

var rejectionMessages = []string{
	"nonce too low",
	"insufficient funds",
	"invalid sender",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"transaction underpriced",
}

// isRejected reports whether a broadcast error means the node refused the
// transaction. Transport errors are not rejections.
func isRejected(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range rejectionMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

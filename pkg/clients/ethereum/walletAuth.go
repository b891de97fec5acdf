package ethereum

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sovads/ledger/pkg/errs"
)

// PublisherAuthMessage is the text a publisher signs with personal_sign.
func PublisherAuthMessage(wallet string, timestampMs int64) string {
	return fmt.Sprintf("SovAds Publisher Auth\nWallet:%s\nTimestamp:%d", strings.ToLower(wallet), timestampMs)
}

// WalletAuthenticator verifies EIP-191 signed publisher auth messages.
type WalletAuthenticator struct {
	window time.Duration
}

func NewWalletAuthenticator(window time.Duration) *WalletAuthenticator {
	return &WalletAuthenticator{window: window}
}

func (wa *WalletAuthenticator) Verify(wallet string, signature string, timestampMs int64, now time.Time) error {
	if !common.IsHexAddress(wallet) {
		return errs.Newf(errs.Kind_Malformed, "invalid wallet address '%s'", wallet)
	}
	skew := now.Sub(time.UnixMilli(timestampMs))
	if skew < 0 {
		skew = -skew
	}
	if skew > wa.window {
		return errs.New(errs.Kind_Expired, "auth timestamp outside the allowed window")
	}

	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return errs.New(errs.Kind_Unauthorized, "malformed wallet signature")
	}
	// personal_sign produces v in {27, 28}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	hash := accounts.TextHash([]byte(PublisherAuthMessage(wallet, timestampMs)))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return errs.Wrap(errs.Kind_Unauthorized, err, "failed to recover signer")
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(wallet) {
		return errs.New(errs.Kind_Unauthorized, "signature does not match wallet")
	}
	return nil
}

// SignPublisherAuth produces the signature Verify expects. Used by tooling and tests.
func SignPublisherAuth(key *ecdsa.PrivateKey, timestampMs int64) (string, error) {
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()
	sig, err := crypto.Sign(accounts.TextHash([]byte(PublisherAuthMessage(wallet, timestampMs))), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// This package executes validated authorizations as irreversible
// on-chain transfers.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/codalabs/x402-facilitator/internal/chains"
	"github.com/codalabs/x402-facilitator/internal/contracts"
	"github.com/codalabs/x402-facilitator/internal/model"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	DefaultConfirmationTimeout = 2 * time.Minute
	DialAttempts               = 3
	DialBackoff                = time.Second
)

// Executor submits authorized transfers to the asset contract and
// waits for one confirmation. It never retries a submission: a blind
// retry risks a duplicate with the same nonce, so retries are the
// caller's decision after checking the transaction status.
type Executor struct {
	Chain               chains.ChainConfig
	ConfirmationTimeout time.Duration

	client  *ethclient.Client
	backend bind.DeployBackend
	token   *contracts.Token
	key     *ecdsa.PrivateKey
}

// Dial connects to the chain RPC endpoint. Only the dial is retried;
// it is idempotent, unlike a submission.
func Dial(ctx context.Context, rpcUrl string) (*ethclient.Client, error) {
	var lastErr error
	for attempt := 1; attempt <= DialAttempts; attempt++ {
		client, err := ethclient.DialContext(ctx, rpcUrl)
		if err == nil {
			return client, nil
		}
		lastErr = err
		slog.Warn("settlement: dial failed",
			"rpcUrl", rpcUrl, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(DialBackoff):
		}
	}
	return nil, fmt.Errorf("settlement: dial %s: %w", rpcUrl, lastErr)
}

func NewExecutor(
	ctx context.Context,
	chain chains.ChainConfig,
	key *ecdsa.PrivateKey,
) (*Executor, error) {
	client, err := Dial(ctx, chain.RpcUrl)
	if err != nil {
		return nil, err
	}
	token, err := contracts.NewToken(chain.AssetAddress, client)
	if err != nil {
		return nil, fmt.Errorf("settlement: bind token: %w", err)
	}
	return &Executor{
		Chain:               chain,
		ConfirmationTimeout: DefaultConfirmationTimeout,
		client:              client,
		backend:             client,
		token:               token,
		key:                 key,
	}, nil
}

// SplitSignature decomposes a 65-byte signature into the r, s, v
// components expected by the contract. The recovery id is normalized
// to 27/28.
func SplitSignature(signature []byte) (r [32]byte, s [32]byte, v uint8, err error) {
	if len(signature) != 65 {
		return r, s, v, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v = signature[64]
	if v < 27 {
		v += 27
	}
	return r, s, v, nil
}

// CheckWindow re-checks the authorization time window. This is the
// authoritative check, performed immediately before submission: an
// unbounded delay may separate verification from settlement.
func CheckWindow(auth model.PaymentAuthorization, now time.Time) string {
	if now.Unix() < auth.ValidAfter {
		return model.ReasonAuthorizationNotYetValid
	}
	if now.Unix() > auth.ValidBefore {
		return model.ReasonAuthorizationExpired
	}
	return ""
}

// Settle submits the authorization as a transferWithAuthorization
// call and blocks until one confirmation.
func (e *Executor) Settle(
	ctx context.Context,
	auth model.PaymentAuthorization,
	signature []byte,
) model.SettlementResult {
	if reason := CheckWindow(auth, time.Now()); reason != "" {
		return model.SettlementResult{Success: false, ErrorReason: reason}
	}
	r, s, v, err := SplitSignature(signature)
	if err != nil {
		return model.SettlementResult{
			Success:     false,
			ErrorReason: model.ReasonSignatureMismatch,
		}
	}
	opts, err := e.transactOpts(ctx)
	if err != nil {
		return model.SettlementResult{
			Success:     false,
			ErrorReason: fmt.Sprintf("%s: %v", model.ReasonSettlementFailed, err),
		}
	}
	tx, err := e.token.TransferWithAuthorization(
		opts,
		auth.From,
		auth.To,
		auth.Value,
		new(big.Int).SetInt64(auth.ValidAfter),
		new(big.Int).SetInt64(auth.ValidBefore),
		auth.Nonce,
		v, r, s,
	)
	if err != nil {
		slog.Error("settlement: submit failed", "payer", auth.From, "err", err)
		return model.SettlementResult{
			Success:     false,
			ErrorReason: fmt.Sprintf("%s: %v", model.ReasonSettlementFailed, err),
		}
	}
	slog.Debug("transferWithAuthorization", "tx", tx.Hash(), "payer", auth.From)
	return e.waitMined(ctx, tx)
}

// SettleAggregate transfers the aggregated voucher sum from payer to
// payee through the facilitator's operator allowance.
func (e *Executor) SettleAggregate(
	ctx context.Context,
	payer common.Address,
	payee common.Address,
	amount *big.Int,
) model.SettlementResult {
	opts, err := e.transactOpts(ctx)
	if err != nil {
		return model.SettlementResult{
			Success:     false,
			ErrorReason: fmt.Sprintf("%s: %v", model.ReasonSettlementFailed, err),
		}
	}
	tx, err := e.token.TransferFrom(opts, payer, payee, amount)
	if err != nil {
		slog.Error("settlement: aggregate submit failed",
			"payer", payer, "payee", payee, "err", err)
		return model.SettlementResult{
			Success:     false,
			ErrorReason: fmt.Sprintf("%s: %v", model.ReasonSettlementFailed, err),
		}
	}
	slog.Debug("aggregate transferFrom", "tx", tx.Hash(), "payer", payer, "payee", payee)
	return e.waitMined(ctx, tx)
}

func (e *Executor) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(
		e.key, new(big.Int).SetInt64(e.Chain.ChainId))
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

// Wait for one confirmation with an upper bound. Exceeding the bound
// is indeterminate, not failed: the transaction may still confirm, so
// callers must poll by hash rather than re-submit.
func (e *Executor) waitMined(ctx context.Context, tx *types.Transaction) model.SettlementResult {
	timeout := e.ConfirmationTimeout
	if timeout == 0 {
		timeout = DefaultConfirmationTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	txHash := tx.Hash()
	receipt, err := bind.WaitMined(waitCtx, e.backend, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return model.SettlementResult{
				Success:     false,
				TxHash:      txHash.Hex(),
				ErrorReason: model.ReasonSettlementTimeout,
			}
		}
		return model.SettlementResult{
			Success:     false,
			TxHash:      txHash.Hex(),
			ErrorReason: fmt.Sprintf("%s: %v", model.ReasonSettlementFailed, err),
		}
	}
	if receipt.Status != 1 {
		return model.SettlementResult{
			Success:     false,
			TxHash:      txHash.Hex(),
			BlockNumber: receipt.BlockNumber.Uint64(),
			ErrorReason: model.ReasonSettlementFailed,
		}
	}
	return model.SettlementResult{
		Success:     true,
		TxHash:      txHash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		ExplorerUrl: e.Chain.ExplorerTxUrl(txHash.Hex()),
	}
}

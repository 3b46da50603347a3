// This package composes the signature verifier, the settlement
// executor and the chain registry behind the verify/settle contract.
// It is the process-facing API surface.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/codalabs/x402-facilitator/internal/chains"
	"github.com/codalabs/x402-facilitator/internal/model"
	"github.com/codalabs/x402-facilitator/internal/verifier"
	"github.com/codalabs/x402-facilitator/internal/voucher"
	"github.com/ethereum/go-ethereum/common"
)

// Settler executes validated authorizations on-chain. Implemented by
// the settlement executor; faked in tests.
type Settler interface {
	Settle(ctx context.Context, auth model.PaymentAuthorization, signature []byte) model.SettlementResult
	SettleAggregate(ctx context.Context, payer, payee common.Address, amount *big.Int) model.SettlementResult
}

type Service struct {
	Chain    chains.ChainConfig
	Registry *chains.Registry
	Verifier *verifier.Verifier
	Settler  Settler

	// Vouchers doubles as the settlement journal for the immediate
	// path. May be absent; StoreAvailable makes the downgrade
	// explicit at every call site.
	Vouchers       *voucher.Repository
	StoreAvailable bool
}

// Verify delegates to the pure signature verifier. No side effects.
func (s *Service) Verify(
	envelope model.PaymentEnvelope,
	expectedPayee string,
	expectedAmount *big.Int,
) model.VerificationResult {
	return s.Verifier.VerifyPayment(envelope, expectedPayee, expectedAmount)
}

// Settle re-verifies the envelope and executes it on-chain. Callers
// must not settle an authorization they never verified, so the
// invariant is re-checked here rather than trusted.
func (s *Service) Settle(
	ctx context.Context,
	envelope model.PaymentEnvelope,
	expectedPayee string,
	expectedAmount *big.Int,
) model.SettlementResult {
	verification := s.Verify(envelope, expectedPayee, expectedAmount)
	if !verification.IsValid {
		return model.SettlementResult{
			Success:     false,
			ErrorReason: verification.InvalidReason,
		}
	}

	nonce := envelope.Authorization.Nonce.Hex()
	if s.StoreAvailable {
		// Reserve the nonce before touching the chain. The store's
		// uniqueness constraint decides races: the loser never
		// submits a second transfer.
		claimed, err := s.Vouchers.ClaimNonce(ctx, &model.SettlementRecord{
			Payer:       envelope.Authorization.From.Hex(),
			Payee:       envelope.Authorization.To.Hex(),
			TotalAmount: envelope.Authorization.Value.String(),
			Network:     envelope.Network,
			Scheme:      "exact",
			Nonce:       nonce,
		})
		if err != nil {
			return model.SettlementResult{
				Success:     false,
				ErrorReason: fmt.Sprintf("%s: %v", model.ReasonStoreUnavailable, err),
			}
		}
		if !claimed {
			existing, err := s.Vouchers.FindSettlementByNonce(ctx, nonce)
			if err != nil {
				return model.SettlementResult{
					Success:     false,
					ErrorReason: fmt.Sprintf("%s: %v", model.ReasonStoreUnavailable, err),
				}
			}
			txHash := ""
			if existing != nil && !strings.HasPrefix(existing.TxHash, voucher.PendingTxPrefix) {
				txHash = existing.TxHash
			}
			return model.SettlementResult{
				Success:     false,
				TxHash:      txHash,
				ErrorReason: model.ReasonAlreadySettled,
			}
		}
	} else {
		// Without a journal the asset contract's own nonce tracking is
		// the only replay protection for the immediate path.
		slog.Warn("settlement journal unavailable, relying on on-chain nonce check",
			"nonce", nonce)
	}

	result := s.Settler.Settle(ctx, envelope.Authorization, envelope.Signature)
	if s.StoreAvailable {
		switch {
		case result.Success:
			if err := s.Vouchers.CompleteClaim(ctx, nonce, result.TxHash); err != nil {
				// The transfer happened; only the journal write failed.
				slog.Error("failed to journal immediate settlement",
					"txHash", result.TxHash, "err", err)
			}
		case result.ErrorReason == model.ReasonSettlementTimeout && result.TxHash != "":
			// Indeterminate: keep the reservation, pointed at the
			// submitted hash, until the transaction's fate is known.
			if err := s.Vouchers.CompleteClaim(ctx, nonce, result.TxHash); err != nil {
				slog.Error("failed to journal pending settlement",
					"txHash", result.TxHash, "err", err)
			}
		default:
			// Definitive failure: the authorization was not consumed,
			// free the nonce for a retry.
			if err := s.Vouchers.ReleaseNonce(ctx, nonce); err != nil {
				slog.Error("failed to release settlement claim",
					"nonce", nonce, "err", err)
			}
		}
	}
	return result
}

// GetChain returns the active chain config.
func (s *Service) GetChain() chains.ChainConfig {
	return s.Chain
}

// AcceptVoucher verifies a signed voucher, applies the ledger
// validation rules and stores it. The deferred path's entry point.
func (s *Service) AcceptVoucher(
	ctx context.Context,
	network string,
	v model.Voucher,
	signature []byte,
) (*model.VoucherRecord, voucher.ValidationResult, error) {
	verification := s.Verifier.VerifyVoucher(network, v, signature)
	if !verification.IsValid {
		return nil, voucher.ValidationResult{
			Errors: []string{verification.InvalidReason},
		}, nil
	}
	validation := voucher.ValidateVoucher(v, time.Now())
	if !validation.Valid {
		return nil, validation, nil
	}
	if !s.StoreAvailable {
		return nil, validation, errors.New(model.ReasonStoreUnavailable)
	}
	record, err := s.Vouchers.Store(ctx, &model.VoucherRecord{
		Payer:      v.Payer.Hex(),
		Payee:      v.Payee.Hex(),
		Amount:     v.Amount.String(),
		Nonce:      v.Nonce.Hex(),
		Signature:  fmt.Sprintf("0x%x", signature),
		ValidUntil: v.ValidUntil,
		Settled:    false,
		Network:    network,
		Scheme:     "deferred",
	})
	if err != nil {
		return nil, validation, err
	}
	return record, validation, nil
}

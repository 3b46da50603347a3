// This package turns accumulated vouchers into single aggregated
// on-chain settlements.
package deferred

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/codalabs/x402-facilitator/internal/model"
	"github.com/codalabs/x402-facilitator/internal/voucher"
	"github.com/ethereum/go-ethereum/common"
)

// Settler executes one aggregated transfer on-chain. Implemented by
// the settlement executor; faked in tests.
type Settler interface {
	SettleAggregate(ctx context.Context, payer, payee common.Address, amount *big.Int) model.SettlementResult
}

// Outcome of one coordination attempt. "Not worth settling yet" is a
// normal outcome, not an error.
type Outcome struct {
	Settled    bool
	Reason     string
	Warnings   []string
	Result     model.SettlementResult
	Settlement *model.SettlementRecord
}

type Coordinator struct {
	Vouchers *voucher.Repository
	Settler  Settler

	MinSettlementAmount *big.Int
	MinVoucherCount     int
	EstimatedGasCost    *big.Int
	MinProfitRatio      float64
}

func NewCoordinator(vouchers *voucher.Repository, settler Settler) *Coordinator {
	return &Coordinator{
		Vouchers:            vouchers,
		Settler:             settler,
		MinSettlementAmount: voucher.DefaultMinSettlementAmount,
		MinVoucherCount:     voucher.DefaultMinVoucherCount,
		EstimatedGasCost:    big.NewInt(20_000), // ~$0.02 in asset units
		MinProfitRatio:      voucher.DefaultMinProfitRatio,
	}
}

// SettlePair settles the accumulated vouchers of one payer/payee pair
// when the thresholds and the viability heuristic allow it. At most
// one on-chain call happens per candidate set; the transaction hash
// is the idempotency key for the persistence step.
func (c *Coordinator) SettlePair(
	ctx context.Context,
	payer, payee common.Address,
	network string,
) (Outcome, error) {
	records, err := c.Vouchers.GetUnsettled(ctx, payer, payee, network)
	if err != nil {
		return Outcome{}, fmt.Errorf("coordinator: load vouchers: %w", err)
	}
	candidates := voucher.GetSettlementCandidates(
		records, c.MinSettlementAmount, c.MinVoucherCount)
	if !candidates.ShouldSettle {
		return Outcome{Settled: false, Reason: candidates.Reason}, nil
	}

	aggregation := voucher.CanAggregate(candidates.Candidates)
	if !aggregation.Valid {
		return Outcome{}, fmt.Errorf("coordinator: cannot aggregate: %v", aggregation.Errors)
	}

	total := voucher.CalculateAggregatedAmount(candidates.Candidates)
	viability := voucher.IsSettlementViable(total, c.EstimatedGasCost, c.MinProfitRatio)
	if !viability.Valid {
		return Outcome{
			Settled:  false,
			Reason:   model.ReasonNotViable,
			Warnings: viability.Warnings,
		}, nil
	}

	voucherIds := make([]int64, 0, len(candidates.Candidates))
	for _, record := range candidates.Candidates {
		voucherIds = append(voucherIds, record.Id)
	}
	claimed, err := c.Vouchers.ClaimForSettlement(ctx, voucherIds)
	if err != nil {
		return Outcome{}, fmt.Errorf("coordinator: claim vouchers: %w", err)
	}
	if !claimed {
		// A concurrent trigger already took this candidate set.
		return Outcome{Settled: false, Reason: "vouchers claimed by another settlement"}, nil
	}

	result := c.Settler.SettleAggregate(ctx, payer, payee, total)
	if !result.Success {
		// A definitive failure releases the claim for a later retry.
		// A timeout is indeterminate: the vouchers stay claimed so
		// nothing re-submits while the transaction may still confirm;
		// the caller polls by hash.
		if result.ErrorReason != model.ReasonSettlementTimeout {
			if err := c.Vouchers.ReleaseClaim(ctx, voucherIds); err != nil {
				slog.Error("coordinator: release claim failed", "err", err)
			}
		}
		return Outcome{
			Settled:  false,
			Reason:   result.ErrorReason,
			Warnings: viability.Warnings,
			Result:   result,
		}, nil
	}

	settlement, err := c.recordSettlement(ctx, payer, payee, network, total, result, candidates.Candidates)
	if err != nil {
		// The on-chain transfer already happened. The vouchers stay
		// claimed so no trigger re-submits; RecordSettlement with the
		// same hash completes the bookkeeping.
		return Outcome{
			Settled:  true,
			Reason:   fmt.Sprintf("settled on-chain but persistence failed: %v", err),
			Warnings: viability.Warnings,
			Result:   result,
		}, err
	}
	return Outcome{
		Settled:    true,
		Reason:     candidates.Reason,
		Warnings:   viability.Warnings,
		Result:     result,
		Settlement: settlement,
	}, nil
}

// SettlePayee runs SettlePair for every payer with accumulated
// balance toward the payee.
func (c *Coordinator) SettlePayee(
	ctx context.Context,
	payee common.Address,
	network string,
) ([]Outcome, error) {
	balances, err := c.Vouchers.GetAccumulatedBalances(ctx, payee, network)
	if err != nil {
		return nil, fmt.Errorf("coordinator: load balances: %w", err)
	}
	outcomes := make([]Outcome, 0, len(balances))
	for _, balance := range balances {
		outcome, err := c.SettlePair(ctx, balance.Payer, payee, network)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// The mark-settled step is retryable to completion: RecordSettlement
// resumes from an existing record with the same transaction hash.
func (c *Coordinator) recordSettlement(
	ctx context.Context,
	payer, payee common.Address,
	network string,
	total *big.Int,
	result model.SettlementResult,
	records []model.VoucherRecord,
) (*model.SettlementRecord, error) {
	voucherIds := make([]int64, 0, len(records))
	for _, record := range records {
		voucherIds = append(voucherIds, record.Id)
	}
	settlement := &model.SettlementRecord{
		TxHash:       result.TxHash,
		Payer:        payer.Hex(),
		Payee:        payee.Hex(),
		TotalAmount:  total.String(),
		VoucherCount: len(records),
		Network:      network,
		Scheme:       "deferred",
	}
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		stored, err := c.Vouchers.RecordSettlement(ctx, settlement, voucherIds)
		if err == nil {
			return stored, nil
		}
		lastErr = err
		slog.Error("coordinator: record settlement failed",
			"txHash", result.TxHash, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, lastErr
}

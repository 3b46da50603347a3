// This package stores, validates and aggregates off-chain payment
// vouchers.
package voucher

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/codalabs/x402-facilitator/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// Default thresholds, all in the smallest asset unit (6 decimals).
var (
	// Above this a caller should have used immediate settlement.
	DefaultLargeAmountThreshold = big.NewInt(1_000_000_000) // $1000
	// Candidate selection thresholds.
	DefaultMinSettlementAmount = big.NewInt(10_000_000) // $10
)

const (
	DefaultMinVoucherCount = 5
	DefaultMinProfitRatio  = 2.0
	MaxValidityWindow      = 7 * 24 * time.Hour
	MinValidityWindow      = 5 * time.Minute
	DefaultVoucherValidity = time.Hour
)

// Validation outcome. Warnings never block acceptance.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ValidateVoucher applies the business rules a voucher must satisfy
// before it is accepted, beyond signature verification.
func ValidateVoucher(v model.Voucher, now time.Time) ValidationResult {
	result := ValidationResult{Valid: true}

	if v.Amount == nil || v.Amount.Sign() <= 0 {
		result.addError("amount must be greater than zero")
	} else if v.Amount.Cmp(DefaultLargeAmountThreshold) > 0 {
		result.addWarning("amount exceeds $1000 - consider using immediate settlement instead")
	}

	if v.Payer == (common.Address{}) {
		result.addError("payer address is required")
	}
	if v.Payee == (common.Address{}) {
		result.addError("payee address is required")
	}
	if v.Payer == v.Payee {
		result.addError("payer and payee cannot be the same address")
	}
	if v.Nonce == (common.Hash{}) {
		result.addError("nonce is required")
	}

	if v.ValidUntil <= now.Unix() {
		result.addError("voucher has already expired")
	} else {
		window := time.Duration(v.ValidUntil-now.Unix()) * time.Second
		if window > MaxValidityWindow {
			result.addWarning("expiration is more than 7 days in the future")
		}
		if window < MinValidityWindow {
			result.addWarning("voucher expires in less than 5 minutes")
		}
	}
	return result
}

// CanAggregate checks that a set of records may be settled together:
// same payer, payee and chain, none settled, nonces pairwise distinct.
func CanAggregate(records []model.VoucherRecord) ValidationResult {
	result := ValidationResult{Valid: true}
	if len(records) == 0 {
		result.addError("no vouchers to aggregate")
		return result
	}
	if len(records) == 1 {
		result.addWarning("only one voucher - aggregation not necessary")
	}

	payers := map[string]bool{}
	payees := map[string]bool{}
	networks := map[string]bool{}
	nonces := map[string]bool{}
	settled := 0
	for _, record := range records {
		payers[strings.ToLower(record.Payer)] = true
		payees[strings.ToLower(record.Payee)] = true
		networks[record.Network] = true
		nonces[record.Nonce] = true
		if record.Settled {
			settled++
		}
	}
	if len(payers) > 1 {
		result.addError("cannot aggregate vouchers from different payers")
	}
	if len(payees) > 1 {
		result.addError("cannot aggregate vouchers to different payees")
	}
	if len(networks) > 1 {
		result.addError("cannot aggregate vouchers from different networks")
	}
	if settled > 0 {
		result.addError("%d voucher(s) already settled - cannot re-settle", settled)
	}
	if len(nonces) != len(records) {
		result.addError("duplicate vouchers detected (same nonce)")
	}
	return result
}

// CalculateAggregatedAmount sums voucher amounts as exact integers.
func CalculateAggregatedAmount(records []model.VoucherRecord) *big.Int {
	total := new(big.Int)
	for _, record := range records {
		total.Add(total, record.AmountBig())
	}
	return total
}

// IsSettlementViable checks that the aggregated value justifies the
// on-chain transaction cost. The ratio compares the net value after
// gas with the gas cost itself. Advisory, not a security boundary.
func IsSettlementViable(totalAmount, estimatedGasCost *big.Int, minProfitRatio float64) ValidationResult {
	result := ValidationResult{Valid: true}
	if totalAmount == nil || totalAmount.Sign() <= 0 {
		result.addError("total amount must be greater than zero")
		return result
	}
	if estimatedGasCost == nil || estimatedGasCost.Sign() <= 0 {
		result.addError("gas cost estimate required")
		return result
	}
	if totalAmount.Cmp(estimatedGasCost) <= 0 {
		result.addError("settlement not viable: total amount (%s) <= gas cost (%s)",
			totalAmount, estimatedGasCost)
		return result
	}
	profit := new(big.Int).Sub(totalAmount, estimatedGasCost)
	ratio, _ := new(big.Float).Quo(
		new(big.Float).SetInt(profit),
		new(big.Float).SetInt(estimatedGasCost),
	).Float64()
	if ratio < minProfitRatio {
		result.addWarning("low profit ratio: %.2fx (recommended: %.0fx)", ratio, minProfitRatio)
	}
	return result
}

// Candidate selection outcome.
type SettlementCandidates struct {
	ShouldSettle bool
	Candidates   []model.VoucherRecord
	Reason       string
}

// GetSettlementCandidates selects all unsettled vouchers when either
// threshold is met; otherwise reports why not yet.
func GetSettlementCandidates(
	records []model.VoucherRecord,
	minAmount *big.Int,
	minVoucherCount int,
) SettlementCandidates {
	unsettled := make([]model.VoucherRecord, 0, len(records))
	for _, record := range records {
		if !record.Settled {
			unsettled = append(unsettled, record)
		}
	}
	if len(unsettled) == 0 {
		return SettlementCandidates{
			ShouldSettle: false,
			Reason:       "no unsettled vouchers",
		}
	}
	total := CalculateAggregatedAmount(unsettled)
	if total.Cmp(minAmount) >= 0 {
		return SettlementCandidates{
			ShouldSettle: true,
			Candidates:   unsettled,
			Reason: fmt.Sprintf("total amount (%s) exceeds threshold (%s)",
				total, minAmount),
		}
	}
	if len(unsettled) >= minVoucherCount {
		return SettlementCandidates{
			ShouldSettle: true,
			Candidates:   unsettled,
			Reason: fmt.Sprintf("voucher count (%d) exceeds threshold (%d)",
				len(unsettled), minVoucherCount),
		}
	}
	return SettlementCandidates{
		ShouldSettle: false,
		Candidates:   unsettled,
		Reason: fmt.Sprintf("not enough value (%s) or count (%d) to settle",
			total, len(unsettled)),
	}
}

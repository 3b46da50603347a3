// This package contains the domain types shared by the facilitator services.
package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Machine readable reasons returned to callers. The HTTP layer maps
// them to status codes; they are never localized.
const (
	ReasonUnsupportedChain         = "unsupported_chain"
	ReasonPayeeMismatch            = "payee_mismatch"
	ReasonAmountMismatch           = "amount_mismatch"
	ReasonSignatureMismatch        = "signature_mismatch"
	ReasonAuthorizationExpired     = "authorization_expired"
	ReasonAuthorizationNotYetValid = "authorization_not_yet_valid"
	ReasonAlreadySettled           = "already_settled"
	ReasonDuplicateNonce           = "duplicate_nonce"
	ReasonDuplicateNullifier       = "duplicate_nullifier"
	ReasonVoucherExpired           = "voucher_expired"
	ReasonSettlementFailed         = "settlement_failed"
	ReasonSettlementTimeout        = "settlement_timeout"
	ReasonStoreUnavailable         = "store_unavailable"
	ReasonNotViable                = "settlement_not_viable"
)

// Identity tiers attached to a payer address after proof verification.
const (
	TierVerifiedHuman = "verified_human"
	TierUnverified    = "unverified"
)

// A signed, time bounded instruction to transfer a fixed amount
// from payer to payee (EIP-3009 transferWithAuthorization fields).
type PaymentAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  int64
	ValidBefore int64
	Nonce       common.Hash
}

// Payment envelope received per request. Never persisted by the
// immediate settlement path.
type PaymentEnvelope struct {
	Network       string
	Authorization PaymentAuthorization
	Signature     []byte
}

// Result of the pure signature verification step.
type VerificationResult struct {
	IsValid       bool
	Payer         common.Address
	InvalidReason string
}

// Result of one on-chain submission.
type SettlementResult struct {
	Success     bool
	TxHash      string
	BlockNumber uint64
	ExplorerUrl string
	ErrorReason string
}

// Off-chain payment voucher before it is persisted.
type Voucher struct {
	Payer      common.Address
	Payee      common.Address
	Amount     *big.Int
	Nonce      common.Hash
	ValidUntil int64
}

// Voucher persisted by the ledger. Amount is stored as a decimal
// string so the exact integer survives every driver.
type VoucherRecord struct {
	Id           int64  `db:"id"`
	Payer        string `db:"payer"`
	Payee        string `db:"payee"`
	Amount       string `db:"amount"`
	Nonce        string `db:"nonce"`
	Signature    string `db:"signature"`
	ValidUntil   int64  `db:"valid_until"`
	Settled      bool   `db:"settled"`
	InFlight     bool   `db:"in_flight"`
	Network      string `db:"network"`
	Scheme       string `db:"scheme"`
	CreatedAt    int64  `db:"created_at"`
	SettlementId *int64 `db:"settlement_id"`
}

// AmountBig parses the stored decimal amount.
func (v *VoucherRecord) AmountBig() *big.Int {
	amount, ok := new(big.Int).SetString(v.Amount, 10)
	if !ok {
		return big.NewInt(0)
	}
	return amount
}

// One row per aggregated (or immediate) on-chain transfer.
type SettlementRecord struct {
	Id           int64  `db:"id"`
	TxHash       string `db:"tx_hash"`
	Payer        string `db:"payer"`
	Payee        string `db:"payee"`
	TotalAmount  string `db:"total_amount"`
	VoucherCount int    `db:"voucher_count"`
	Network      string `db:"network"`
	Scheme       string `db:"scheme"`
	Nonce        string `db:"nonce"`
	SettledAt    int64  `db:"settled_at"`
}

// Durable "already used" record for an identity proof nullifier.
type NullifierRecord struct {
	Id          int64  `db:"id"`
	Nullifier   string `db:"nullifier"`
	Scope       string `db:"scope"`
	CreatedAt   int64  `db:"created_at"`
	ExpiresAt   int64  `db:"expires_at"`
	UserId      string `db:"user_id"`
	Nationality string `db:"nationality"`
	Metadata    string `db:"metadata"`
}

// Derived on demand from the voucher ledger, never stored.
type AccumulatedBalance struct {
	Payer        common.Address
	Payee        common.Address
	TotalAmount  *big.Int
	VoucherCount int
	VoucherIds   []int64
}

// This package proves that payment authorizations and vouchers were
// authored by their claimed payer. All routines are pure CPU work so
// they are shared by the immediate and the deferred payment paths.
package verifier

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/codalabs/x402-facilitator/internal/chains"
	"github.com/codalabs/x402-facilitator/internal/commons"
	"github.com/codalabs/x402-facilitator/internal/model"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP-712 domain name used for off-chain vouchers. Separate from the
// asset's own domain so vouchers can never be replayed as transfers.
const (
	VoucherDomainName    = "Selfx402 Deferred Payment"
	VoucherDomainVersion = "1"
)

type Verifier struct {
	registry *chains.Registry
}

func NewVerifier(registry *chains.Registry) *Verifier {
	return &Verifier{registry: registry}
}

// PaymentTypedData builds the TransferWithAuthorization typed data
// for the given chain and authorization.
func PaymentTypedData(chain chains.ChainConfig, auth model.PaymentAuthorization) apitypes.TypedData {
	return apitypes.TypedData{
		Domain: apitypes.TypedDataDomain{
			Name:              chain.AssetName,
			Version:           chain.AssetVersion,
			ChainId:           math.NewHexOrDecimal256(chain.ChainId),
			VerifyingContract: chain.AssetAddress.Hex(),
		},
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       auth.Value.String(),
			"validAfter":  new(big.Int).SetInt64(auth.ValidAfter).String(),
			"validBefore": new(big.Int).SetInt64(auth.ValidBefore).String(),
			"nonce":       hexutil.Encode(auth.Nonce[:]),
		},
	}
}

// VoucherTypedData builds the PaymentVoucher typed data for the given
// chain and voucher.
func VoucherTypedData(chain chains.ChainConfig, voucher model.Voucher) apitypes.TypedData {
	return apitypes.TypedData{
		Domain: apitypes.TypedDataDomain{
			Name:              VoucherDomainName,
			Version:           VoucherDomainVersion,
			ChainId:           math.NewHexOrDecimal256(chain.ChainId),
			VerifyingContract: chain.AssetAddress.Hex(),
		},
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"PaymentVoucher": {
				{Name: "payer", Type: "address"},
				{Name: "payee", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
				{Name: "validUntil", Type: "uint256"},
			},
		},
		PrimaryType: "PaymentVoucher",
		Message: apitypes.TypedDataMessage{
			"payer":      voucher.Payer.Hex(),
			"payee":      voucher.Payee.Hex(),
			"amount":     voucher.Amount.String(),
			"nonce":      hexutil.Encode(voucher.Nonce[:]),
			"validUntil": new(big.Int).SetInt64(voucher.ValidUntil).String(),
		},
	}
}

// VerifyPayment checks the envelope against the payment request it is
// answering and recovers the signer. The time window is deliberately
// not checked here: settlement may happen much later and re-checks it
// (see the settlement executor).
func (v *Verifier) VerifyPayment(
	envelope model.PaymentEnvelope,
	expectedPayee string,
	expectedAmount *big.Int,
) model.VerificationResult {
	auth := envelope.Authorization
	if !strings.EqualFold(auth.To.Hex(), expectedPayee) {
		return model.VerificationResult{
			IsValid:       false,
			Payer:         auth.From,
			InvalidReason: model.ReasonPayeeMismatch,
		}
	}
	if auth.Value == nil || auth.Value.Cmp(expectedAmount) != 0 {
		return model.VerificationResult{
			IsValid:       false,
			Payer:         auth.From,
			InvalidReason: model.ReasonAmountMismatch,
		}
	}
	chain, err := v.registry.Resolve(envelope.Network)
	if err != nil {
		return model.VerificationResult{
			IsValid:       false,
			Payer:         auth.From,
			InvalidReason: model.ReasonUnsupportedChain,
		}
	}
	signer, err := commons.RecoverTypedDataSigner(PaymentTypedData(chain, auth), envelope.Signature)
	if err != nil || signer != auth.From {
		return model.VerificationResult{
			IsValid:       false,
			Payer:         auth.From,
			InvalidReason: model.ReasonSignatureMismatch,
		}
	}
	return model.VerificationResult{IsValid: true, Payer: signer}
}

// VerifyVoucher recovers the voucher signer and compares it with the
// claimed payer. Expiry is checked by the ledger validation rules,
// not here, so stored vouchers can be re-verified at any time.
func (v *Verifier) VerifyVoucher(
	network string,
	voucher model.Voucher,
	signature []byte,
) model.VerificationResult {
	chain, err := v.registry.Resolve(network)
	if err != nil {
		return model.VerificationResult{
			IsValid:       false,
			Payer:         voucher.Payer,
			InvalidReason: model.ReasonUnsupportedChain,
		}
	}
	signer, err := commons.RecoverTypedDataSigner(VoucherTypedData(chain, voucher), signature)
	if err != nil || signer != voucher.Payer {
		return model.VerificationResult{
			IsValid:       false,
			Payer:         voucher.Payer,
			InvalidReason: model.ReasonSignatureMismatch,
		}
	}
	return model.VerificationResult{IsValid: true, Payer: signer}
}

// ParseAmount parses an exact integer amount in the smallest asset
// unit. Amounts are never handled as floating point.
func ParseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

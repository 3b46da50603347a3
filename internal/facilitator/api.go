package facilitator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/codalabs/x402-facilitator/internal/deferred"
	"github.com/codalabs/x402-facilitator/internal/model"
	"github.com/codalabs/x402-facilitator/internal/nullifier"
	"github.com/codalabs/x402-facilitator/internal/verifier"
	"github.com/codalabs/x402-facilitator/internal/voucher"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/labstack/echo/v4"
)

const X402Version = 1

// API surface options resolved at startup.
type ApiOpts struct {
	DeferredEnabled bool
	// When true a failed identity check rejects an otherwise valid
	// payment; when false the payment passes at the unverified tier.
	IdentityRequired bool
	IdentityScope    string
}

type api struct {
	service     *Service
	coordinator *deferred.Coordinator
	identity    *nullifier.Service
	opts        ApiOpts
}

// Register the facilitator API to echo.
func Register(
	e *echo.Echo,
	service *Service,
	coordinator *deferred.Coordinator,
	identity *nullifier.Service,
	opts ApiOpts,
) {
	a := &api{
		service:     service,
		coordinator: coordinator,
		identity:    identity,
		opts:        opts,
	}
	e.GET("/supported", a.supported)
	e.GET("/health", a.health)
	e.POST("/verify", a.verify)
	e.POST("/settle", a.settle)
	e.POST("/identity/verify", a.identityVerify)
	if opts.DeferredEnabled {
		e.POST("/deferred/verify", a.deferredVerify)
		e.POST("/deferred/settle", a.deferredSettle)
		e.GET("/deferred/balance/:payee", a.deferredBalance)
		e.GET("/deferred/settlements/:payee", a.deferredSettlements)
	}
}

// x402 wire types.

type authorizationBody struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

type paymentPayloadBody struct {
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	X402Version int    `json:"x402Version"`
	Payload     struct {
		Signature     string            `json:"signature"`
		Authorization authorizationBody `json:"authorization"`
	} `json:"payload"`
}

type paymentRequirementsBody struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	Asset             string         `json:"asset"`
	PayTo             string         `json:"payTo"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Extra             map[string]any `json:"extra,omitempty"`
}

type identityProofBody struct {
	Scope           string         `json:"scope"`
	AttestationId   int            `json:"attestationId"`
	Proof           map[string]any `json:"proof"`
	PublicSignals   []any          `json:"publicSignals"`
	UserContextData string         `json:"userContextData"`
}

type paymentRequestBody struct {
	PaymentPayload      paymentPayloadBody      `json:"paymentPayload"`
	PaymentRequirements paymentRequirementsBody `json:"paymentRequirements"`
}

func (b *paymentRequestBody) envelope() (model.PaymentEnvelope, error) {
	auth := b.PaymentPayload.Payload.Authorization
	value, err := verifier.ParseAmount(auth.Value)
	if err != nil {
		return model.PaymentEnvelope{}, err
	}
	signature, err := hexutil.Decode(b.PaymentPayload.Payload.Signature)
	if err != nil {
		return model.PaymentEnvelope{}, err
	}
	return model.PaymentEnvelope{
		Network: b.PaymentRequirements.Network,
		Authorization: model.PaymentAuthorization{
			From:        common.HexToAddress(auth.From),
			To:          common.HexToAddress(auth.To),
			Value:       value,
			ValidAfter:  auth.ValidAfter,
			ValidBefore: auth.ValidBefore,
			Nonce:       common.HexToHash(auth.Nonce),
		},
		Signature: signature,
	}, nil
}

// GET /supported
func (a *api) supported(c echo.Context) error {
	chain := a.service.GetChain()
	kinds := []echo.Map{
		{
			"scheme":    "exact",
			"networkId": chain.Name,
			"extra": echo.Map{
				"name":    chain.AssetName,
				"version": chain.AssetVersion,
			},
		},
	}
	if a.opts.DeferredEnabled {
		kinds = append(kinds, echo.Map{
			"scheme":    "deferred",
			"networkId": chain.Name,
			"extra": echo.Map{
				"name":                chain.AssetName,
				"version":             chain.AssetVersion,
				"minSettlementAmount": a.coordinator.MinSettlementAmount.String(),
				"minVoucherCount":     a.coordinator.MinVoucherCount,
				"maxVoucherValiditySeconds": int(
					voucher.DefaultVoucherValidity / time.Second),
				"identityRequired": a.opts.IdentityRequired,
				"endpoints": echo.Map{
					"verify":  "/deferred/verify",
					"settle":  "/deferred/settle",
					"balance": "/deferred/balance/:payee",
				},
				"features": []string{
					"off_chain_voucher_storage",
					"batch_settlement",
					"eip712_signatures",
					"eip3009_settlement",
					"automatic_aggregation",
					"nullifier_tracking",
				},
			},
		})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"x402Version": X402Version,
		"kind":        kinds,
	})
}

// GET /health
func (a *api) health(c echo.Context) error {
	chain := a.service.GetChain()
	return c.JSON(http.StatusOK, echo.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"store":     a.service.StoreAvailable,
		"network": echo.Map{
			"name":     chain.Name,
			"chainId":  chain.ChainId,
			"asset":    chain.AssetAddress.Hex(),
			"rpcUrl":   chain.RpcUrl,
			"explorer": chain.BlockExplorer,
		},
	})
}

// POST /verify
func (a *api) verify(c echo.Context) error {
	var body struct {
		paymentRequestBody
		IdentityProof *identityProofBody `json:"identityProof,omitempty"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"isValid":       false,
			"invalidReason": err.Error(),
			"payer":         "",
		})
	}
	envelope, err := body.envelope()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"isValid":       false,
			"invalidReason": err.Error(),
			"payer":         "",
		})
	}
	amount, err := verifier.ParseAmount(body.PaymentRequirements.MaxAmountRequired)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"isValid":       false,
			"invalidReason": err.Error(),
			"payer":         envelope.Authorization.From.Hex(),
		})
	}
	verification := a.service.Verify(envelope, body.PaymentRequirements.PayTo, amount)
	if !verification.IsValid {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"isValid":       false,
			"invalidReason": verification.InvalidReason,
			"payer":         envelope.Authorization.From.Hex(),
		})
	}

	tier := model.TierUnverified
	if body.IdentityProof != nil {
		identityResult := a.verifyIdentity(c, body.IdentityProof)
		if identityResult.Valid {
			tier = identityResult.Tier
		} else if a.opts.IdentityRequired {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"isValid":       false,
				"invalidReason": identityResult.Error,
				"payer":         envelope.Authorization.From.Hex(),
			})
		}
	} else if a.opts.IdentityRequired {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"isValid":       false,
			"invalidReason": "identity proof required",
			"payer":         envelope.Authorization.From.Hex(),
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"isValid": true,
		"payer":   verification.Payer.Hex(),
		"tier":    tier,
	})
}

// POST /settle
func (a *api) settle(c echo.Context) error {
	var body paymentRequestBody
	if err := c.Bind(&body); err != nil {
		return a.settleError(c, http.StatusBadRequest, "", err.Error())
	}
	envelope, err := body.envelope()
	if err != nil {
		return a.settleError(c, http.StatusBadRequest, "", err.Error())
	}
	amount, err := verifier.ParseAmount(body.PaymentRequirements.MaxAmountRequired)
	if err != nil {
		return a.settleError(c, http.StatusBadRequest,
			envelope.Authorization.From.Hex(), err.Error())
	}
	result := a.service.Settle(
		c.Request().Context(), envelope, body.PaymentRequirements.PayTo, amount)
	if !result.Success {
		status := http.StatusBadRequest
		switch result.ErrorReason {
		case model.ReasonSettlementTimeout:
			status = http.StatusGatewayTimeout
		case model.ReasonStoreUnavailable:
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, echo.Map{
			"success":     false,
			"errorReason": result.ErrorReason,
			"transaction": result.TxHash,
			"network":     envelope.Network,
			"payer":       envelope.Authorization.From.Hex(),
		})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":     true,
		"transaction": result.TxHash,
		"blockNumber": result.BlockNumber,
		"explorer":    result.ExplorerUrl,
		"network":     envelope.Network,
		"payer":       envelope.Authorization.From.Hex(),
	})
}

func (a *api) settleError(c echo.Context, status int, payer, reason string) error {
	return c.JSON(status, echo.Map{
		"success":     false,
		"errorReason": reason,
		"transaction": "",
		"network":     a.service.GetChain().Name,
		"payer":       payer,
	})
}

// POST /identity/verify
func (a *api) identityVerify(c echo.Context) error {
	var body identityProofBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"valid": false,
			"tier":  model.TierUnverified,
			"error": err.Error(),
		})
	}
	if body.Proof == nil || body.PublicSignals == nil || body.AttestationId == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"valid": false,
			"tier":  model.TierUnverified,
			"error": "proof, publicSignals and attestationId are required",
		})
	}
	result := a.verifyIdentity(c, &body)
	if !result.Valid {
		return c.JSON(http.StatusBadRequest, result)
	}
	return c.JSON(http.StatusOK, result)
}

func (a *api) verifyIdentity(c echo.Context, body *identityProofBody) nullifier.VerifyResult {
	ctx := c.Request().Context()
	scope := body.Scope
	if scope == "" {
		scope = a.opts.IdentityScope
	}
	// The vendor's disclosure policy is fetched per request and passed
	// as a value, never installed as ambient configuration.
	policy := nullifier.DefaultPolicy()
	if body.UserContextData != "" {
		policy = nullifier.FetchVendorPolicy(ctx, nil, body.UserContextData)
	}
	input := nullifier.ProofInput{
		AttestationId:   body.AttestationId,
		UserContextData: body.UserContextData,
	}
	input.Proof, _ = json.Marshal(body.Proof)
	input.PublicSignals, _ = json.Marshal(body.PublicSignals)
	return a.identity.Verify(ctx, scope, policy, input)
}

// POST /deferred/verify
func (a *api) deferredVerify(c echo.Context) error {
	var body struct {
		Scheme    string `json:"scheme"`
		Network   string `json:"network"`
		Signature string `json:"signature"`
		Voucher   struct {
			Payer      string `json:"payer"`
			Payee      string `json:"payee"`
			Amount     string `json:"amount"`
			Nonce      string `json:"nonce"`
			ValidUntil int64  `json:"validUntil"`
		} `json:"voucher"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"valid": false, "errors": []string{err.Error()},
		})
	}
	if body.Scheme != "deferred" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"valid": false, "errors": []string{`scheme must be "deferred"`},
		})
	}
	amount, err := verifier.ParseAmount(body.Voucher.Amount)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"valid": false, "errors": []string{err.Error()},
		})
	}
	signature, err := hexutil.Decode(body.Signature)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"valid": false, "errors": []string{"invalid signature format"},
		})
	}
	v := model.Voucher{
		Payer:      common.HexToAddress(body.Voucher.Payer),
		Payee:      common.HexToAddress(body.Voucher.Payee),
		Amount:     amount,
		Nonce:      common.HexToHash(body.Voucher.Nonce),
		ValidUntil: body.Voucher.ValidUntil,
	}
	record, validation, err := a.service.AcceptVoucher(
		c.Request().Context(), body.Network, v, signature)
	if err != nil {
		status := http.StatusConflict
		if err.Error() == model.ReasonStoreUnavailable {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, echo.Map{
			"valid":    false,
			"errors":   []string{err.Error()},
			"warnings": validation.Warnings,
		})
	}
	if !validation.Valid || record == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"valid":    false,
			"errors":   validation.Errors,
			"warnings": validation.Warnings,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"valid":     true,
		"voucherId": record.Id,
		"payer":     record.Payer,
		"warnings":  validation.Warnings,
	})
}

// POST /deferred/settle
func (a *api) deferredSettle(c echo.Context) error {
	var body struct {
		Payee   string `json:"payee"`
		Payer   string `json:"payer,omitempty"`
		Network string `json:"network"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if !common.IsHexAddress(body.Payee) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payee address"})
	}
	network := body.Network
	if network == "" {
		network = a.service.GetChain().Name
	}
	ctx := c.Request().Context()
	payee := common.HexToAddress(body.Payee)
	var outcomes []deferred.Outcome
	var err error
	if body.Payer != "" {
		if !common.IsHexAddress(body.Payer) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payer address"})
		}
		var outcome deferred.Outcome
		outcome, err = a.coordinator.SettlePair(
			ctx, common.HexToAddress(body.Payer), payee, network)
		outcomes = []deferred.Outcome{outcome}
	} else {
		outcomes, err = a.coordinator.SettlePayee(ctx, payee, network)
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error":    err.Error(),
			"outcomes": convertOutcomes(outcomes),
		})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"outcomes": convertOutcomes(outcomes),
	})
}

func convertOutcomes(outcomes []deferred.Outcome) []echo.Map {
	converted := make([]echo.Map, 0, len(outcomes))
	for _, outcome := range outcomes {
		entry := echo.Map{
			"settled":  outcome.Settled,
			"reason":   outcome.Reason,
			"warnings": outcome.Warnings,
		}
		if outcome.Settled {
			entry["transaction"] = outcome.Result.TxHash
			entry["explorer"] = outcome.Result.ExplorerUrl
		}
		if outcome.Settlement != nil {
			entry["totalAmount"] = outcome.Settlement.TotalAmount
			entry["voucherCount"] = outcome.Settlement.VoucherCount
		}
		converted = append(converted, entry)
	}
	return converted
}

// GET /deferred/balance/:payee
func (a *api) deferredBalance(c echo.Context) error {
	payee := c.Param("payee")
	if !common.IsHexAddress(payee) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payee address"})
	}
	network := c.QueryParam("network")
	if network == "" {
		network = a.service.GetChain().Name
	}
	balances, err := a.service.Vouchers.GetAccumulatedBalances(
		c.Request().Context(), common.HexToAddress(payee), network)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	converted := make([]echo.Map, 0, len(balances))
	for _, balance := range balances {
		converted = append(converted, echo.Map{
			"payer":        balance.Payer.Hex(),
			"payee":        balance.Payee.Hex(),
			"totalAmount":  balance.TotalAmount.String(),
			"voucherCount": balance.VoucherCount,
			"voucherIds":   balance.VoucherIds,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"balances": converted})
}

// GET /deferred/settlements/:payee
func (a *api) deferredSettlements(c echo.Context) error {
	payee := c.Param("payee")
	if !common.IsHexAddress(payee) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payee address"})
	}
	network := c.QueryParam("network")
	if network == "" {
		network = a.service.GetChain().Name
	}
	settlements, err := a.service.Vouchers.FindSettlementsByPayee(
		c.Request().Context(), common.HexToAddress(payee), network)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"settlements": settlements})
}

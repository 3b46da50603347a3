package facilitator

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codalabs/x402-facilitator/internal/chains"
	"github.com/codalabs/x402-facilitator/internal/commons"
	"github.com/codalabs/x402-facilitator/internal/deferred"
	"github.com/codalabs/x402-facilitator/internal/model"
	"github.com/codalabs/x402-facilitator/internal/nullifier"
	"github.com/codalabs/x402-facilitator/internal/verifier"
	"github.com/codalabs/x402-facilitator/internal/voucher"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/suite"
)

type fakeProofVerifier struct {
	result nullifier.ProofResult
}

func (f *fakeProofVerifier) Verify(
	ctx context.Context,
	scope, endpoint string,
	policy nullifier.DisclosurePolicy,
	input nullifier.ProofInput,
) (nullifier.ProofResult, error) {
	return f.result, nil
}

type ApiSuite struct {
	suite.Suite
	echo     *echo.Echo
	settler  *fakeSettler
	chain    chains.ChainConfig
	payerKey *ecdsa.PrivateKey
	payer    common.Address
	payee    common.Address
}

func (s *ApiSuite) SetupTest() {
	registry := chains.NewRegistry()
	s.chain = chains.CeloMainnet()
	db := sqlx.MustConnect("sqlite3", ":memory:")
	vouchers := &voucher.Repository{Db: db}
	s.Require().NoError(vouchers.CreateTables())
	nullifiers := &nullifier.Repository{Db: db}
	s.Require().NoError(nullifiers.CreateTables())

	s.settler = &fakeSettler{
		result: model.SettlementResult{
			Success:     true,
			TxHash:      "0xaaa",
			BlockNumber: 42,
			ExplorerUrl: "https://celoscan.io/tx/0xaaa",
		},
	}
	service := &Service{
		Chain:          s.chain,
		Registry:       registry,
		Verifier:       verifier.NewVerifier(registry),
		Settler:        s.settler,
		Vouchers:       vouchers,
		StoreAvailable: true,
	}
	coordinator := deferred.NewCoordinator(vouchers, s.settler)
	coordinator.EstimatedGasCost = big.NewInt(1)
	identity := &nullifier.Service{
		Proofs: &fakeProofVerifier{
			result: nullifier.ProofResult{
				Valid:           true,
				MinimumAgeValid: true,
				OfacValid:       true,
				Nullifier:       "0xn1",
			},
		},
		Scopes: nullifier.NewScopeRegistry(nullifier.ScopeVerifier{
			Scope: "test-scope",
		}),
		Registry:       nullifiers,
		StoreAvailable: true,
	}

	s.echo = echo.New()
	Register(s.echo, service, coordinator, identity, ApiOpts{
		DeferredEnabled: true,
		IdentityScope:   "test-scope",
	})

	key, err := crypto.GenerateKey()
	s.Require().NoError(err)
	s.payerKey = key
	s.payer = crypto.PubkeyToAddress(key.PublicKey)
	s.payee = common.HexToAddress("0x26A61aF89053c847B4bd5084E2caFe7211874a29")
}

func TestApiSuite(t *testing.T) {
	suite.Run(t, new(ApiSuite))
}

func (s *ApiSuite) request(method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	var reader *strings.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = strings.NewReader(string(payload))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	var decoded map[string]any
	err := json.Unmarshal(rec.Body.Bytes(), &decoded)
	s.Require().NoError(err)
	return rec, decoded
}

func (s *ApiSuite) paymentRequest(value int64, nonce string) map[string]any {
	now := time.Now().Unix()
	auth := model.PaymentAuthorization{
		From:        s.payer,
		To:          s.payee,
		Value:       big.NewInt(value),
		ValidAfter:  now - 60,
		ValidBefore: now + 3600,
		Nonce:       common.HexToHash(nonce),
	}
	signature, err := commons.SignTypedData(
		verifier.PaymentTypedData(s.chain, auth), s.payerKey)
	s.Require().NoError(err)
	return map[string]any{
		"paymentPayload": map[string]any{
			"scheme":      "exact",
			"network":     "celo",
			"x402Version": 1,
			"payload": map[string]any{
				"signature": hexutil.Encode(signature),
				"authorization": map[string]any{
					"from":        auth.From.Hex(),
					"to":          auth.To.Hex(),
					"value":       auth.Value.String(),
					"validAfter":  auth.ValidAfter,
					"validBefore": auth.ValidBefore,
					"nonce":       auth.Nonce.Hex(),
				},
			},
		},
		"paymentRequirements": map[string]any{
			"scheme":            "exact",
			"network":           "celo",
			"asset":             s.chain.AssetAddress.Hex(),
			"payTo":             s.payee.Hex(),
			"maxAmountRequired": big.NewInt(value).String(),
		},
	}
}

func (s *ApiSuite) TestSupported() {
	rec, body := s.request(http.MethodGet, "/supported", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(float64(1), body["x402Version"])

	kinds, ok := body["kind"].([]any)
	s.Require().True(ok)
	s.Require().Len(kinds, 2)
	first := kinds[0].(map[string]any)
	s.Equal("exact", first["scheme"])
	s.Equal("celo", first["networkId"])
	second := kinds[1].(map[string]any)
	s.Equal("deferred", second["scheme"])
}

func (s *ApiSuite) TestHealth() {
	rec, body := s.request(http.MethodGet, "/health", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("healthy", body["status"])
	s.Equal(true, body["store"])
}

func (s *ApiSuite) TestVerify() {
	rec, body := s.request(http.MethodPost, "/verify", s.paymentRequest(10_000, "0x01"))
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(true, body["isValid"])
	s.Equal(s.payer.Hex(), body["payer"])
	s.Equal(model.TierUnverified, body["tier"])
}

func (s *ApiSuite) TestVerifyRejectsTampered() {
	request := s.paymentRequest(10_000, "0x01")
	requirements := request["paymentRequirements"].(map[string]any)
	requirements["payTo"] = "0x000000000000000000000000000000000000dEaD"

	rec, body := s.request(http.MethodPost, "/verify", request)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal(false, body["isValid"])
	s.Equal(model.ReasonPayeeMismatch, body["invalidReason"])
}

func (s *ApiSuite) TestVerifyBadAmountFormat() {
	request := s.paymentRequest(10_000, "0x01")
	requirements := request["paymentRequirements"].(map[string]any)
	requirements["maxAmountRequired"] = "ten dollars"

	rec, body := s.request(http.MethodPost, "/verify", request)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal(false, body["isValid"])
}

func (s *ApiSuite) TestSettle() {
	rec, body := s.request(http.MethodPost, "/settle", s.paymentRequest(10_000, "0x01"))
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(true, body["success"])
	s.Equal("0xaaa", body["transaction"])
	s.Equal("celo", body["network"])
}

func (s *ApiSuite) TestSettleTwice() {
	request := s.paymentRequest(10_000, "0x01")
	rec, _ := s.request(http.MethodPost, "/settle", request)
	s.Require().Equal(http.StatusOK, rec.Code)

	rec, body := s.request(http.MethodPost, "/settle", request)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal(false, body["success"])
	s.Equal(model.ReasonAlreadySettled, body["errorReason"])
}

func (s *ApiSuite) TestSettleTimeoutMapsTo504() {
	s.settler.result = model.SettlementResult{
		Success:     false,
		TxHash:      "0xaaa",
		ErrorReason: model.ReasonSettlementTimeout,
	}
	rec, body := s.request(http.MethodPost, "/settle", s.paymentRequest(10_000, "0x01"))
	s.Equal(http.StatusGatewayTimeout, rec.Code)
	s.Equal(model.ReasonSettlementTimeout, body["errorReason"])
	// the hash is returned so the caller can poll
	s.Equal("0xaaa", body["transaction"])
}

func (s *ApiSuite) voucherRequest(value int64, nonce string) map[string]any {
	v := model.Voucher{
		Payer:      s.payer,
		Payee:      s.payee,
		Amount:     big.NewInt(value),
		Nonce:      common.HexToHash(nonce),
		ValidUntil: time.Now().Add(time.Hour).Unix(),
	}
	signature, err := commons.SignTypedData(
		verifier.VoucherTypedData(s.chain, v), s.payerKey)
	s.Require().NoError(err)
	return map[string]any{
		"scheme":    "deferred",
		"network":   "celo",
		"signature": hexutil.Encode(signature),
		"voucher": map[string]any{
			"payer":      v.Payer.Hex(),
			"payee":      v.Payee.Hex(),
			"amount":     v.Amount.String(),
			"nonce":      v.Nonce.Hex(),
			"validUntil": v.ValidUntil,
		},
	}
}

func (s *ApiSuite) TestDeferredVerify() {
	rec, body := s.request(http.MethodPost, "/deferred/verify", s.voucherRequest(50_000, "0x01"))
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(true, body["valid"])
	s.NotZero(body["voucherId"])
}

func (s *ApiSuite) TestDeferredVerifyWrongScheme() {
	request := s.voucherRequest(50_000, "0x01")
	request["scheme"] = "exact"
	rec, body := s.request(http.MethodPost, "/deferred/verify", request)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal(false, body["valid"])
}

func (s *ApiSuite) TestDeferredVerifyDuplicate() {
	request := s.voucherRequest(50_000, "0x01")
	rec, _ := s.request(http.MethodPost, "/deferred/verify", request)
	s.Require().Equal(http.StatusOK, rec.Code)

	rec, body := s.request(http.MethodPost, "/deferred/verify", request)
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal(false, body["valid"])
}

func (s *ApiSuite) TestDeferredBalanceAndSettle() {
	for i := 0; i < 5; i++ {
		request := s.voucherRequest(int64(10_000+i), fmt.Sprintf("0x%02x", i+1))
		rec, _ := s.request(http.MethodPost, "/deferred/verify", request)
		s.Require().Equal(http.StatusOK, rec.Code)
	}

	rec, body := s.request(http.MethodGet, "/deferred/balance/"+s.payee.Hex(), nil)
	s.Equal(http.StatusOK, rec.Code)
	balances := body["balances"].([]any)
	s.Require().Len(balances, 1)
	balance := balances[0].(map[string]any)
	s.Equal(float64(5), balance["voucherCount"])

	rec, body = s.request(http.MethodPost, "/deferred/settle", map[string]any{
		"payee":   s.payee.Hex(),
		"network": "celo",
	})
	s.Equal(http.StatusOK, rec.Code)
	outcomes := body["outcomes"].([]any)
	s.Require().Len(outcomes, 1)
	outcome := outcomes[0].(map[string]any)
	s.Equal(true, outcome["settled"])
	s.Equal("0xaaa", outcome["transaction"])

	// balance is empty after settlement
	rec, body = s.request(http.MethodGet, "/deferred/balance/"+s.payee.Hex(), nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Empty(body["balances"].([]any))

	// and the settlement shows in the payee history
	rec, body = s.request(http.MethodGet, "/deferred/settlements/"+s.payee.Hex(), nil)
	s.Equal(http.StatusOK, rec.Code)
	settlements := body["settlements"].([]any)
	s.Require().Len(settlements, 1)
}

func (s *ApiSuite) TestDeferredSettleInvalidPayee() {
	rec, body := s.request(http.MethodPost, "/deferred/settle", map[string]any{
		"payee": "not-an-address",
	})
	s.Equal(http.StatusBadRequest, rec.Code)
	s.NotEmpty(body["error"])
}

func (s *ApiSuite) TestIdentityVerify() {
	rec, body := s.request(http.MethodPost, "/identity/verify", map[string]any{
		"scope":         "test-scope",
		"attestationId": 1,
		"proof":         map[string]any{"a": "1"},
		"publicSignals": []string{"1", "2"},
	})
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(true, body["valid"])
	s.Equal(model.TierVerifiedHuman, body["tier"])
	s.Equal(true, body["persisted"])
}

func (s *ApiSuite) TestIdentityVerifyDuplicateNullifier() {
	request := map[string]any{
		"scope":         "test-scope",
		"attestationId": 1,
		"proof":         map[string]any{"a": "1"},
		"publicSignals": []string{"1", "2"},
	}
	rec, _ := s.request(http.MethodPost, "/identity/verify", request)
	s.Require().Equal(http.StatusOK, rec.Code)

	rec, body := s.request(http.MethodPost, "/identity/verify", request)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal(false, body["valid"])
}

func (s *ApiSuite) TestIdentityVerifyMissingProof() {
	rec, body := s.request(http.MethodPost, "/identity/verify", map[string]any{
		"scope": "test-scope",
	})
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal(false, body["valid"])
}

package facilitator

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codalabs/x402-facilitator/internal/chains"
	"github.com/codalabs/x402-facilitator/internal/commons"
	"github.com/codalabs/x402-facilitator/internal/model"
	"github.com/codalabs/x402-facilitator/internal/verifier"
	"github.com/codalabs/x402-facilitator/internal/voucher"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/suite"
)

// fakeSettler pretends every submission confirms immediately.
type fakeSettler struct {
	result model.SettlementResult
	delay  time.Duration
	calls  atomic.Int32
}

func (f *fakeSettler) Settle(
	ctx context.Context,
	auth model.PaymentAuthorization,
	signature []byte,
) model.SettlementResult {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.result
}

func (f *fakeSettler) SettleAggregate(
	ctx context.Context,
	payer, payee common.Address,
	amount *big.Int,
) model.SettlementResult {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.result
}

type ServiceSuite struct {
	suite.Suite
	service  *Service
	settler  *fakeSettler
	chain    chains.ChainConfig
	payerKey *ecdsa.PrivateKey
	payer    common.Address
	payee    common.Address
	ctx      context.Context
}

func (s *ServiceSuite) SetupTest() {
	registry := chains.NewRegistry()
	s.chain = chains.CeloMainnet()
	db := sqlx.MustConnect("sqlite3", ":memory:")
	vouchers := &voucher.Repository{Db: db}
	err := vouchers.CreateTables()
	s.Require().NoError(err)
	s.settler = &fakeSettler{
		result: model.SettlementResult{
			Success:     true,
			TxHash:      "0xaaa",
			BlockNumber: 42,
			ExplorerUrl: "https://celoscan.io/tx/0xaaa",
		},
	}
	s.service = &Service{
		Chain:          s.chain,
		Registry:       registry,
		Verifier:       verifier.NewVerifier(registry),
		Settler:        s.settler,
		Vouchers:       vouchers,
		StoreAvailable: true,
	}
	key, err := crypto.GenerateKey()
	s.Require().NoError(err)
	s.payerKey = key
	s.payer = crypto.PubkeyToAddress(key.PublicKey)
	s.payee = common.HexToAddress("0x26A61aF89053c847B4bd5084E2caFe7211874a29")
	s.ctx = context.Background()
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) signedEnvelope(value int64, nonce string) model.PaymentEnvelope {
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
	return model.PaymentEnvelope{
		Network:       "celo",
		Authorization: auth,
		Signature:     signature,
	}
}

func (s *ServiceSuite) TestVerifyThenSettle() {
	envelope := s.signedEnvelope(10_000, "0x01")

	verification := s.service.Verify(envelope, s.payee.Hex(), big.NewInt(10_000))
	s.True(verification.IsValid)

	result := s.service.Settle(s.ctx, envelope, s.payee.Hex(), big.NewInt(10_000))
	s.True(result.Success)
	s.Equal("0xaaa", result.TxHash)
	s.Equal(int32(1), s.settler.calls.Load())
}

func (s *ServiceSuite) TestSettleRejectsInvalid() {
	envelope := s.signedEnvelope(10_000, "0x01")
	result := s.service.Settle(s.ctx, envelope, s.payee.Hex(), big.NewInt(99_999))
	s.False(result.Success)
	s.Equal(model.ReasonAmountMismatch, result.ErrorReason)
	s.Zero(s.settler.calls.Load())
}

func (s *ServiceSuite) TestSettleTwiceIsAlreadySettled() {
	envelope := s.signedEnvelope(10_000, "0x01")

	result := s.service.Settle(s.ctx, envelope, s.payee.Hex(), big.NewInt(10_000))
	s.Require().True(result.Success)

	result = s.service.Settle(s.ctx, envelope, s.payee.Hex(), big.NewInt(10_000))
	s.False(result.Success)
	s.Equal(model.ReasonAlreadySettled, result.ErrorReason)
	s.Equal("0xaaa", result.TxHash)
	s.Equal(int32(1), s.settler.calls.Load())
}

func (s *ServiceSuite) TestSettleJournalsImmediatePayment() {
	envelope := s.signedEnvelope(10_000, "0x01")
	result := s.service.Settle(s.ctx, envelope, s.payee.Hex(), big.NewInt(10_000))
	s.Require().True(result.Success)

	journal, err := s.service.Vouchers.FindSettlementByNonce(
		s.ctx, envelope.Authorization.Nonce.Hex())
	s.Require().NoError(err)
	s.Require().NotNil(journal)
	s.Equal("exact", journal.Scheme)
	s.Equal("10000", journal.TotalAmount)
}

func (s *ServiceSuite) TestSettleWithoutStore() {
	s.service.StoreAvailable = false
	envelope := s.signedEnvelope(10_000, "0x01")

	// without a journal both calls reach the chain
	result := s.service.Settle(s.ctx, envelope, s.payee.Hex(), big.NewInt(10_000))
	s.True(result.Success)
	result = s.service.Settle(s.ctx, envelope, s.payee.Hex(), big.NewInt(10_000))
	s.True(result.Success)
	s.Equal(int32(2), s.settler.calls.Load())
}

// Two requests racing on the same authorization. The nonce
// reservation in the journal must let exactly one reach the chain;
// the loser reports already settled without submitting.
func (s *ServiceSuite) TestConcurrentSettleSameNonce() {
	factory := commons.NewDbFactory()
	defer factory.Cleanup()
	db := factory.CreateDb("settlements.db")
	defer db.Close()
	vouchers := &voucher.Repository{Db: db}
	s.Require().NoError(vouchers.CreateTables())
	s.service.Vouchers = vouchers
	s.settler.delay = 200 * time.Millisecond

	envelope := s.signedEnvelope(10_000, "0x01")
	var wg sync.WaitGroup
	results := make([]model.SettlementResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.service.Settle(
				s.ctx, envelope, s.payee.Hex(), big.NewInt(10_000))
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), s.settler.calls.Load())
	succeeded, rejected := 0, 0
	for _, result := range results {
		if result.Success {
			succeeded++
		} else {
			rejected++
			s.Equal(model.ReasonAlreadySettled, result.ErrorReason)
		}
	}
	s.Equal(1, succeeded)
	s.Equal(1, rejected)

	var count int
	s.Require().NoError(db.Get(&count, "SELECT count(*) FROM settlements"))
	s.Equal(1, count)
}

func (s *ServiceSuite) TestSettleFailureFreesNonce() {
	s.settler.result = model.SettlementResult{
		Success:     false,
		ErrorReason: model.ReasonSettlementFailed,
	}
	envelope := s.signedEnvelope(10_000, "0x01")

	result := s.service.Settle(s.ctx, envelope, s.payee.Hex(), big.NewInt(10_000))
	s.False(result.Success)
	s.Equal(model.ReasonSettlementFailed, result.ErrorReason)

	// the authorization was not consumed; a retry must reach the chain
	s.settler.result = model.SettlementResult{Success: true, TxHash: "0xaaa"}
	result = s.service.Settle(s.ctx, envelope, s.payee.Hex(), big.NewInt(10_000))
	s.True(result.Success)
	s.Equal(int32(2), s.settler.calls.Load())
}

func (s *ServiceSuite) TestSettleTimeoutKeepsNonceClaim() {
	s.settler.result = model.SettlementResult{
		Success:     false,
		TxHash:      "0xbbb",
		ErrorReason: model.ReasonSettlementTimeout,
	}
	envelope := s.signedEnvelope(10_000, "0x01")

	result := s.service.Settle(s.ctx, envelope, s.payee.Hex(), big.NewInt(10_000))
	s.False(result.Success)
	s.Equal(model.ReasonSettlementTimeout, result.ErrorReason)

	// indeterminate: a retry must not re-submit while the first
	// transaction may still confirm
	result = s.service.Settle(s.ctx, envelope, s.payee.Hex(), big.NewInt(10_000))
	s.False(result.Success)
	s.Equal(model.ReasonAlreadySettled, result.ErrorReason)
	s.Equal("0xbbb", result.TxHash)
	s.Equal(int32(1), s.settler.calls.Load())
}

func (s *ServiceSuite) signedVoucher(value int64, nonce string) (model.Voucher, []byte) {
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
	return v, signature
}

func (s *ServiceSuite) TestAcceptVoucher() {
	v, signature := s.signedVoucher(50_000, "0x01")
	record, validation, err := s.service.AcceptVoucher(s.ctx, "celo", v, signature)
	s.Require().NoError(err)
	s.True(validation.Valid)
	s.Require().NotNil(record)
	s.NotZero(record.Id)
	s.Equal("50000", record.Amount)
}

func (s *ServiceSuite) TestAcceptVoucherBadSignature() {
	v, _ := s.signedVoucher(50_000, "0x01")
	record, validation, err := s.service.AcceptVoucher(
		s.ctx, "celo", v, make([]byte, 65))
	s.Require().NoError(err)
	s.Nil(record)
	s.Contains(validation.Errors, model.ReasonSignatureMismatch)
}

func (s *ServiceSuite) TestAcceptVoucherDuplicateNonce() {
	v, signature := s.signedVoucher(50_000, "0x01")
	_, _, err := s.service.AcceptVoucher(s.ctx, "celo", v, signature)
	s.Require().NoError(err)

	_, _, err = s.service.AcceptVoucher(s.ctx, "celo", v, signature)
	s.Require().Error(err)
	s.Contains(err.Error(), model.ReasonDuplicateNonce)
}

func (s *ServiceSuite) TestAcceptVoucherExpired() {
	v, _ := s.signedVoucher(50_000, "0x01")
	v.ValidUntil = time.Now().Add(-time.Minute).Unix()
	signature, err := commons.SignTypedData(
		verifier.VoucherTypedData(s.chain, v), s.payerKey)
	s.Require().NoError(err)

	record, validation, err := s.service.AcceptVoucher(s.ctx, "celo", v, signature)
	s.Require().NoError(err)
	s.Nil(record)
	s.False(validation.Valid)
}

func (s *ServiceSuite) TestAcceptVoucherStoreUnavailable() {
	s.service.StoreAvailable = false
	v, signature := s.signedVoucher(50_000, "0x01")
	_, _, err := s.service.AcceptVoucher(s.ctx, "celo", v, signature)
	s.Require().Error(err)
	s.Equal(model.ReasonStoreUnavailable, err.Error())
}

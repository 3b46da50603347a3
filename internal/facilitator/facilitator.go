// This package contains the facilitator run function.
// This is separate from the main package to facilitate testing.
package facilitator

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"time"

	"github.com/codalabs/x402-facilitator/internal/chains"
	"github.com/codalabs/x402-facilitator/internal/commons"
	"github.com/codalabs/x402-facilitator/internal/deferred"
	"github.com/codalabs/x402-facilitator/internal/nullifier"
	"github.com/codalabs/x402-facilitator/internal/settlement"
	"github.com/codalabs/x402-facilitator/internal/supervisor"
	"github.com/codalabs/x402-facilitator/internal/verifier"
	"github.com/codalabs/x402-facilitator/internal/voucher"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const DefaultHttpPort = 3005
const HttpTimeout = 30 * time.Second
const CleanupInterval = time.Hour
const SweepInterval = 10 * time.Minute

// Options to the facilitator.
type FacilitatorOpts struct {
	HttpAddress string
	HttpPort    int

	// Network name resolved against the chain registry.
	Network string
	// If RpcUrl is set, connect to it instead of the chain default.
	RpcUrl string

	// Hex private key of the gas-paying account; mnemonic as fallback.
	PrivateKey string
	Mnemonic   string

	// Sqlite file path, or empty with PostgresUrl set. Empty both
	// means no durable store: the service degrades explicitly.
	SqlitePath  string
	PostgresUrl string

	EnableDeferred   bool
	IdentityRequired bool
	IdentityScope    string
	ProofServiceUrl  string

	// If set, skip dialing the chain (tests inject a Settler).
	Settler Settler
}

// Create the options struct with default values.
func NewFacilitatorOpts() FacilitatorOpts {
	return FacilitatorOpts{
		HttpAddress:    "127.0.0.1",
		HttpPort:       DefaultHttpPort,
		Network:        "celo",
		SqlitePath:     "file:facilitator.db",
		EnableDeferred: true,
		IdentityScope:  "self-x402-facilitator",
	}
}

// Create the facilitator supervisor with all workers wired.
func NewSupervisor(ctx context.Context, opts FacilitatorOpts) (supervisor.SupervisorWorker, error) {
	var w supervisor.SupervisorWorker

	registry := chains.NewRegistry()
	chain, err := registry.Resolve(opts.Network)
	if err != nil {
		return w, err
	}
	if opts.RpcUrl != "" {
		chain.RpcUrl = opts.RpcUrl
	}

	db, storeAvailable := connectStore(opts)
	var voucherRepository *voucher.Repository
	var nullifierRepository *nullifier.Repository
	if storeAvailable {
		voucherRepository = &voucher.Repository{Db: db}
		if err := voucherRepository.CreateTables(); err != nil {
			return w, fmt.Errorf("create voucher tables: %w", err)
		}
		nullifierRepository = &nullifier.Repository{Db: db}
		if err := nullifierRepository.CreateTables(); err != nil {
			return w, fmt.Errorf("create nullifier tables: %w", err)
		}
	} else {
		slog.Warn("running without durable store; " +
			"nullifiers and vouchers will not persist")
	}

	settler := opts.Settler
	if settler == nil {
		key, err := loadKey(opts)
		if err != nil {
			return w, err
		}
		executor, err := settlement.NewExecutor(ctx, chain, key)
		if err != nil {
			return w, err
		}
		settler = executor
	}

	service := &Service{
		Chain:          chain,
		Registry:       registry,
		Verifier:       verifier.NewVerifier(registry),
		Settler:        settler,
		Vouchers:       voucherRepository,
		StoreAvailable: storeAvailable,
	}

	var coordinator *deferred.Coordinator
	deferredEnabled := opts.EnableDeferred && storeAvailable
	if opts.EnableDeferred && !storeAvailable {
		slog.Warn("deferred payments disabled: durable store required")
	}
	if deferredEnabled {
		coordinator = deferred.NewCoordinator(voucherRepository, settler)
	}

	identity := &nullifier.Service{
		Proofs:         nullifier.NewHttpProofVerifier(opts.ProofServiceUrl),
		Scopes:         nullifier.NewScopeRegistry(nullifier.ScopeVerifier{Scope: opts.IdentityScope}),
		Registry:       nullifierRepository,
		StoreAvailable: storeAvailable,
	}

	e := echo.New()
	e.Use(middleware.CORS())
	e.Use(middleware.Recover())
	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		ErrorMessage: "Request timed out",
		Timeout:      HttpTimeout,
	}))
	Register(e, service, coordinator, identity, ApiOpts{
		DeferredEnabled:  deferredEnabled,
		IdentityRequired: opts.IdentityRequired,
		IdentityScope:    opts.IdentityScope,
	})
	w.Workers = append(w.Workers, supervisor.HttpWorker{
		Address: fmt.Sprintf("%v:%v", opts.HttpAddress, opts.HttpPort),
		Handler: e,
	})

	if storeAvailable {
		w.Workers = append(w.Workers, supervisor.TickerWorker{
			Name:     "cleanup",
			Interval: CleanupInterval,
			Run: func(ctx context.Context) error {
				nullifiers, err := nullifierRepository.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				vouchers, err := voucherRepository.DeleteExpired(ctx, time.Now())
				if err != nil {
					return err
				}
				slog.Info("cleanup done",
					"expiredNullifiers", nullifiers, "expiredVouchers", vouchers)
				return nil
			},
		})
	}
	if deferredEnabled {
		w.Workers = append(w.Workers, supervisor.TickerWorker{
			Name:     "settlement-sweep",
			Interval: SweepInterval,
			Run: func(ctx context.Context) error {
				payees, err := voucherRepository.GetUnsettledPayees(ctx, chain.Name)
				if err != nil {
					return err
				}
				for _, payee := range payees {
					if _, err := coordinator.SettlePayee(ctx, payee, chain.Name); err != nil {
						slog.Error("sweep settlement failed",
							"payee", payee, "err", err)
					}
				}
				return nil
			},
		})
	}

	slog.Info("facilitator configured",
		"network", chain.Name,
		"chainId", chain.ChainId,
		"asset", chain.AssetAddress,
		"store", storeAvailable,
		"deferred", deferredEnabled,
		"port", opts.HttpPort)
	return w, nil
}

func connectStore(opts FacilitatorOpts) (*sqlx.DB, bool) {
	if opts.PostgresUrl != "" {
		db, err := sqlx.Connect("postgres", opts.PostgresUrl)
		if err != nil {
			slog.Error("postgres connection failed", "err", err)
			return nil, false
		}
		return db, true
	}
	if opts.SqlitePath != "" {
		db, err := sqlx.Connect("sqlite3", opts.SqlitePath)
		if err != nil {
			slog.Error("sqlite connection failed", "path", opts.SqlitePath, "err", err)
			return nil, false
		}
		return db, true
	}
	return nil, false
}

func loadKey(opts FacilitatorOpts) (*ecdsa.PrivateKey, error) {
	if opts.PrivateKey != "" {
		return crypto.HexToECDSA(opts.PrivateKey)
	}
	if opts.Mnemonic != "" {
		return commons.GetPrivateKeyFromMnemonic(opts.Mnemonic)
	}
	return nil, fmt.Errorf(
		"missing private key: set FACILITATOR_PRIVATE_KEY or FACILITATOR_MNEMONIC")
}

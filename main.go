// This package contains the main function that executes the facilitator command.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/codalabs/x402-facilitator/internal/facilitator"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var startupMessage = `
x402 facilitator started at http://localhost:HTTP_PORT
GET  /supported     - supported payment kinds
POST /verify        - payment verification
POST /settle        - payment settlement
GET  /health        - health check
Press Ctrl+C to stop the facilitator
`

var startupMessageWithDeferred = startupMessage + `
Deferred payment endpoints:
POST /deferred/verify         - verify and store voucher
POST /deferred/settle         - aggregate and settle vouchers
GET  /deferred/balance/:payee - accumulated balance
`

var (
	cmd = &cobra.Command{
		Use:     "x402-facilitator [flags]",
		Short:   "x402-facilitator verifies and settles x402 micropayments",
		Run:     run,
		Version: versioninfo.Short(),
	}
	opts  = facilitator.NewFacilitatorOpts()
	debug bool
	color bool
)

func init() {
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "If set, enable debug output")
	cmd.Flags().BoolVar(&color, "color", true, "If set, enables logs color")
	cmd.Flags().StringVar(&opts.HttpAddress, "http-address", opts.HttpAddress,
		"HTTP address used by the facilitator")
	cmd.Flags().IntVar(&opts.HttpPort, "http-port", opts.HttpPort,
		"HTTP port used by the facilitator")
	cmd.Flags().StringVar(&opts.Network, "network", opts.Network,
		"Network name of the active chain")
	cmd.Flags().StringVar(&opts.RpcUrl, "rpc-url", opts.RpcUrl,
		"If set, connect to this RPC endpoint instead of the chain default")
	cmd.Flags().StringVar(&opts.SqlitePath, "sqlite-path", opts.SqlitePath,
		"Sqlite database file path")
	cmd.Flags().StringVar(&opts.PostgresUrl, "postgres-url", opts.PostgresUrl,
		"If set, use Postgres instead of sqlite")
	cmd.Flags().BoolVar(&opts.EnableDeferred, "enable-deferred", opts.EnableDeferred,
		"If set, enable the deferred voucher scheme")
	cmd.Flags().BoolVar(&opts.IdentityRequired, "identity-required", opts.IdentityRequired,
		"If set, reject payments without a valid identity proof")
	cmd.Flags().StringVar(&opts.IdentityScope, "identity-scope", opts.IdentityScope,
		"Application scope for identity verification")
	cmd.Flags().StringVar(&opts.ProofServiceUrl, "proof-service-url", opts.ProofServiceUrl,
		"URL of the identity proof-verification service")
}

func run(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	startTime := time.Now()

	// setup log
	logOpts := new(tint.Options)
	if debug {
		logOpts.Level = slog.LevelDebug
	}
	logOpts.AddSource = debug
	logOpts.NoColor = !color || !isatty.IsTerminal(os.Stdout.Fd())
	logOpts.TimeFormat = "[15:04:05.000]"
	handler := tint.NewHandler(os.Stdout, logOpts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// secrets come from the environment, never from flags
	if err := godotenv.Load(); err != nil {
		slog.Debug("env: no .env file loaded", "err", err)
	}
	opts.PrivateKey = strings.TrimPrefix(os.Getenv("FACILITATOR_PRIVATE_KEY"), "0x")
	opts.Mnemonic = os.Getenv("FACILITATOR_MNEMONIC")

	if opts.HttpPort == 0 {
		exitf("--http-port cannot be 0")
	}

	// handle signals with notify context
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	startMessage := startupMessage
	if opts.EnableDeferred {
		startMessage = startupMessageWithDeferred
	}

	ready := make(chan struct{}, 1)
	go func() {
		select {
		case <-ready:
			msg := strings.Replace(
				startMessage,
				"HTTP_PORT",
				fmt.Sprint(opts.HttpPort), -1)
			fmt.Println(msg)
			slog.Info("facilitator: ready", "after", time.Since(startTime))
		case <-ctx.Done():
		}
	}()

	w, err := facilitator.NewSupervisor(ctx, opts)
	cobra.CheckErr(err)
	err = w.Start(ctx, ready)
	cobra.CheckErr(err)
}

func main() {
	cobra.CheckErr(cmd.Execute())
}

func exitf(format string, args ...any) {
	err := fmt.Sprintf(format, args...)
	slog.Error("configuration error", "error", err)
	os.Exit(1)
}
